package trainer

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/cadence-lm/cadence/internal/model"
	"github.com/cadence-lm/cadence/pkg/ckpt"
)

// Manifest is the JSON section written alongside the parameter arrays. It
// carries everything needed to rebuild the network and resume training at
// the next epoch.
type Manifest struct {
	RunID     string       `json:"run_id"`
	Epoch     int          `json:"epoch"`
	LearnRate float64      `json:"learn_rate"`
	Model     model.Config `json:"model"`
	BatchSize int          `json:"batch_size"`
	SeqLen    int          `json:"seq_len"`
	SavedAt   time.Time    `json:"saved_at"`
}

// SaveCheckpoint writes the manifest, vocabulary and parameter snapshot to
// path, replacing any previous checkpoint atomically.
func SaveCheckpoint(path string, man Manifest, recs []ckpt.TensorRecord, words []string) error {
	manBytes, err := json.Marshal(man)
	if err != nil {
		return fmt.Errorf("trainer: marshal manifest: %w", err)
	}

	w, err := ckpt.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = w.Abort() }()

	if err := w.WriteSection(ckpt.SectionManifest, 1, manBytes); err != nil {
		return err
	}
	if len(words) > 0 {
		vocabBytes, err := json.Marshal(words)
		if err != nil {
			return fmt.Errorf("trainer: marshal vocabulary: %w", err)
		}
		if err := w.WriteSection(ckpt.SectionVocabulary, 1, vocabBytes); err != nil {
			return err
		}
	}
	if err := w.WriteTensors(recs); err != nil {
		return err
	}
	return w.Finalise()
}

// Checkpoint is an opened checkpoint file with its metadata decoded.
type Checkpoint struct {
	Manifest Manifest
	Words    []string // vocabulary in ID order, may be empty
	file     *ckpt.File
}

// LoadCheckpoint opens path and decodes the manifest and vocabulary
// sections. The caller must Close the result.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	f, err := ckpt.Open(path)
	if err != nil {
		return nil, err
	}
	c := &Checkpoint{file: f}

	manBytes := f.SectionData(ckpt.SectionManifest)
	if len(manBytes) == 0 {
		_ = f.Close()
		return nil, fmt.Errorf("trainer: checkpoint %s: %w (missing manifest)", path, ckpt.ErrCorruptFile)
	}
	if err := json.Unmarshal(manBytes, &c.Manifest); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("trainer: decode manifest: %w", err)
	}
	if vb := f.SectionData(ckpt.SectionVocabulary); len(vb) > 0 {
		if err := json.Unmarshal(vb, &c.Words); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("trainer: decode vocabulary: %w", err)
		}
	}
	return c, nil
}

// Restore copies the snapshot's parameter values into p.
func (c *Checkpoint) Restore(p *model.Params) error {
	return p.Restore(c.file)
}

// Tensors lists the stored parameter arrays in snapshot order.
func (c *Checkpoint) Tensors() ([]ckpt.TensorInfo, error) {
	ix, err := c.file.Index()
	if err != nil {
		return nil, err
	}
	return ix.Entries, nil
}

func (c *Checkpoint) Close() error {
	return c.file.Close()
}
