package model

import (
	"fmt"

	"github.com/cadence-lm/cadence/internal/tensor"
	"github.com/cadence-lm/cadence/pkg/ckpt"
)

// Config holds the network dimensions and training hyperparameters that are
// baked into the parameter shapes.
type Config struct {
	VocabSize  int
	EmbedSize  int
	HiddenSize int

	// MetaDim is the width of the per-lane metadata vector; 0 disables the
	// metadata path. MetaProj is the width it is projected to before being
	// concatenated with the recurrent output.
	MetaDim  int
	MetaProj int

	Dropout     float32
	InitScale   float32
	ClipRange   float32
	MaxGradNorm float32

	Seed int64
}

// GRUParams holds one GRU layer's weights: input weights W*, recurrent
// weights U* and biases B* for the update (z), reset (r) and candidate (h)
// gates. W* are inDim x hidden, U* are hidden x hidden.
type GRUParams struct {
	Wz, Wr, Wh tensor.Mat
	Uz, Ur, Uh tensor.Mat
	Bz, Br, Bh []float32
}

func newGRUParams(inDim, hidden int) GRUParams {
	return GRUParams{
		Wz: tensor.NewMat(inDim, hidden),
		Wr: tensor.NewMat(inDim, hidden),
		Wh: tensor.NewMat(inDim, hidden),
		Uz: tensor.NewMat(hidden, hidden),
		Ur: tensor.NewMat(hidden, hidden),
		Uh: tensor.NewMat(hidden, hidden),
		Bz: make([]float32, hidden),
		Br: make([]float32, hidden),
		Bh: make([]float32, hidden),
	}
}

// Params is the full trainable parameter set in snapshot order.
type Params struct {
	Emb        tensor.Mat // vocab x embed
	GRU1, GRU2 GRUParams
	MetaW      tensor.Mat // metaDim x metaProj (absent when MetaDim == 0)
	MetaB      []float32
	OutW       tensor.Mat // (hidden+metaProj) x vocab
	OutB       []float32
}

// allocParams allocates zero-valued parameter storage for cfg. It is also
// used for the gradient accumulators, which share the parameter shapes.
func allocParams(cfg Config) *Params {
	metaProj := cfg.MetaProj
	if cfg.MetaDim == 0 {
		metaProj = 0
	}
	p := &Params{
		Emb:  tensor.NewMat(cfg.VocabSize, cfg.EmbedSize),
		GRU1: newGRUParams(cfg.EmbedSize, cfg.HiddenSize),
		GRU2: newGRUParams(cfg.HiddenSize, cfg.HiddenSize),
		OutW: tensor.NewMat(cfg.HiddenSize+metaProj, cfg.VocabSize),
		OutB: make([]float32, cfg.VocabSize),
	}
	if cfg.MetaDim > 0 {
		p.MetaW = tensor.NewMat(cfg.MetaDim, metaProj)
		p.MetaB = make([]float32, metaProj)
	}
	return p
}

// NewParams allocates parameters for cfg and initialises weights uniformly
// in [-InitScale, InitScale] from cfg.Seed. Biases start at zero.
func NewParams(cfg Config) *Params {
	p := allocParams(cfg)
	seed := cfg.Seed
	for _, m := range p.weightMats() {
		tensor.FillUniform(m, cfg.InitScale, seed)
		seed++
	}
	return p
}

// zero clears every parameter array.
func (p *Params) zero() {
	for _, rec := range p.tensors() {
		clear(rec.Data)
	}
}

func (p *Params) weightMats() []*tensor.Mat {
	mats := []*tensor.Mat{
		&p.Emb,
		&p.GRU1.Wz, &p.GRU1.Wr, &p.GRU1.Wh, &p.GRU1.Uz, &p.GRU1.Ur, &p.GRU1.Uh,
		&p.GRU2.Wz, &p.GRU2.Wr, &p.GRU2.Wh, &p.GRU2.Uz, &p.GRU2.Ur, &p.GRU2.Uh,
		&p.OutW,
	}
	if p.MetaW.Data != nil {
		mats = append(mats, &p.MetaW)
	}
	return mats
}

// tensors enumerates every parameter array with its snapshot name and shape,
// in a stable order shared by Snapshot and Restore.
func (p *Params) tensors() []ckpt.TensorRecord {
	recs := []ckpt.TensorRecord{
		{Name: "emb.w", Shape: []int{p.Emb.R, p.Emb.C}, Data: p.Emb.Data},
	}
	appendGRU := func(prefix string, g *GRUParams) {
		recs = append(recs,
			ckpt.TensorRecord{Name: prefix + ".wz", Shape: []int{g.Wz.R, g.Wz.C}, Data: g.Wz.Data},
			ckpt.TensorRecord{Name: prefix + ".wr", Shape: []int{g.Wr.R, g.Wr.C}, Data: g.Wr.Data},
			ckpt.TensorRecord{Name: prefix + ".wh", Shape: []int{g.Wh.R, g.Wh.C}, Data: g.Wh.Data},
			ckpt.TensorRecord{Name: prefix + ".uz", Shape: []int{g.Uz.R, g.Uz.C}, Data: g.Uz.Data},
			ckpt.TensorRecord{Name: prefix + ".ur", Shape: []int{g.Ur.R, g.Ur.C}, Data: g.Ur.Data},
			ckpt.TensorRecord{Name: prefix + ".uh", Shape: []int{g.Uh.R, g.Uh.C}, Data: g.Uh.Data},
			ckpt.TensorRecord{Name: prefix + ".bz", Shape: []int{len(g.Bz)}, Data: g.Bz},
			ckpt.TensorRecord{Name: prefix + ".br", Shape: []int{len(g.Br)}, Data: g.Br},
			ckpt.TensorRecord{Name: prefix + ".bh", Shape: []int{len(g.Bh)}, Data: g.Bh},
		)
	}
	appendGRU("gru1", &p.GRU1)
	appendGRU("gru2", &p.GRU2)
	if p.MetaW.Data != nil {
		recs = append(recs,
			ckpt.TensorRecord{Name: "meta.w", Shape: []int{p.MetaW.R, p.MetaW.C}, Data: p.MetaW.Data},
			ckpt.TensorRecord{Name: "meta.b", Shape: []int{len(p.MetaB)}, Data: p.MetaB},
		)
	}
	recs = append(recs,
		ckpt.TensorRecord{Name: "out.w", Shape: []int{p.OutW.R, p.OutW.C}, Data: p.OutW.Data},
		ckpt.TensorRecord{Name: "out.b", Shape: []int{len(p.OutB)}, Data: p.OutB},
	)
	return recs
}

// Snapshot returns the parameters as an ordered list of named arrays. The
// data slices alias the live parameters; callers must write them out before
// the next update.
func (p *Params) Snapshot() []ckpt.TensorRecord {
	return p.tensors()
}

// Restore copies parameter values from an opened checkpoint. Every expected
// tensor must be present with a matching shape.
func (p *Params) Restore(f *ckpt.File) error {
	for _, rec := range p.tensors() {
		vals, info, err := f.TensorF32(rec.Name)
		if err != nil {
			return fmt.Errorf("model: restore %q: %w", rec.Name, err)
		}
		if len(vals) != len(rec.Data) {
			return fmt.Errorf("model: restore %q: got %d elements (shape %v), want %d",
				rec.Name, len(vals), info.Shape, len(rec.Data))
		}
		copy(rec.Data, vals)
	}
	return nil
}
