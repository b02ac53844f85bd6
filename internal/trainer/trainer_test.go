package trainer

import (
	"context"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"testing"

	"github.com/cadence-lm/cadence/internal/logger"
	"github.com/cadence-lm/cadence/internal/model"
	"github.com/cadence-lm/cadence/internal/sequencer"
)

func testLogger() logger.Logger {
	return logger.New(slog.NewTextHandler(io.Discard, nil))
}

func testBatches(t *testing.T, length, batchSize, seqLen int) *sequencer.Batches {
	t.Helper()
	stream := make([]int32, length)
	for i := range stream {
		stream[i] = int32(i % 5)
	}
	b, err := sequencer.Reorder(stream, batchSize, seqLen)
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	return b
}

// fakeStepper records how the trainer threads hidden state between calls.
// Each call stamps the state with a unique marker; the next call checks it
// received exactly that marker (or zeros at an epoch boundary).
type fakeStepper struct {
	t          *testing.T
	cfg        model.Config
	numBatches int
	calls      int
	lrs        []float64
	loss       float64
}

func (f *fakeStepper) Config() model.Config { return f.cfg }

func (f *fakeStepper) TrainStep(inputs, targets [][]int32, meta [][]float32, st *model.State, lr float32) (model.StepResult, error) {
	f.t.Helper()
	k := f.calls % f.numBatches
	for l := range st.Layers {
		for _, v := range st.Layers[l].Data {
			if k == 0 && v != 0 {
				f.t.Fatalf("call %d: epoch-start state not zeroed (layer %d has %v)", f.calls, l, v)
			}
			if k != 0 && v != float32(f.calls) {
				f.t.Fatalf("call %d: state not carried from previous batch (layer %d has %v, want %v)",
					f.calls, l, v, float32(f.calls))
			}
		}
	}
	f.calls++
	marker := float32(f.calls)
	for l := range st.Layers {
		for i := range st.Layers[l].Data {
			st.Layers[l].Data[i] = marker
		}
	}
	f.lrs = append(f.lrs, float64(lr))
	return model.StepResult{Loss: f.loss, GradNorm: 1}, nil
}

func (f *fakeStepper) EvalStep(inputs, targets [][]int32, meta [][]float32, st *model.State) (model.StepResult, error) {
	return model.StepResult{Loss: f.loss}, nil
}

func TestRunThreadsStatePerEpoch(t *testing.T) {
	t.Parallel()

	batches := testBatches(t, 49, 2, 4) // 6 batches per epoch
	fake := &fakeStepper{
		t:          t,
		cfg:        model.Config{HiddenSize: 3, VocabSize: 5},
		numBatches: batches.NumBatches,
		loss:       0.7,
	}
	tr := New(Config{
		BatchSize:     2,
		SeqLen:        4,
		Epochs:        3,
		NoDecayEpochs: 1,
		LearnRate:     1.0,
		Decay:         2.0,
	}, fake, testLogger())

	if err := tr.Run(context.Background(), batches, nil, nil, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if want := 3 * batches.NumBatches; fake.calls != want {
		t.Fatalf("train calls: got %d want %d", fake.calls, want)
	}
}

func TestLearningRateDecaySchedule(t *testing.T) {
	t.Parallel()

	batches := testBatches(t, 49, 2, 4)
	fake := &fakeStepper{
		t:          t,
		cfg:        model.Config{HiddenSize: 3, VocabSize: 5},
		numBatches: batches.NumBatches,
	}
	tr := New(Config{
		BatchSize:     2,
		SeqLen:        4,
		Epochs:        3,
		NoDecayEpochs: 1,
		LearnRate:     1.0,
		Decay:         2.0,
	}, fake, testLogger())
	if err := tr.Run(context.Background(), batches, nil, nil, nil); err != nil {
		t.Fatalf("run: %v", err)
	}

	nb := batches.NumBatches
	// Epoch 0 and 1 run at the initial rate; the first decay lands after
	// epoch 1, so epoch 2 runs at half.
	for i, want := range []float64{1.0, 1.0, 0.5} {
		got := fake.lrs[i*nb]
		if got != want {
			t.Fatalf("epoch %d learning rate: got %v want %v", i, got, want)
		}
	}
}

func TestEvaluatePerplexity(t *testing.T) {
	t.Parallel()

	batches := testBatches(t, 49, 2, 4)
	fake := &fakeStepper{
		t:          t,
		cfg:        model.Config{HiddenSize: 3, VocabSize: 5},
		numBatches: batches.NumBatches,
		loss:       0.7,
	}
	tr := New(Config{BatchSize: 2, SeqLen: 4}, fake, testLogger())
	ppl, err := tr.Evaluate(batches, nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if want := math.Exp(0.7); math.Abs(ppl-want) > 1e-9 {
		t.Fatalf("perplexity: got %v want %v", ppl, want)
	}
}

func TestRunCancellation(t *testing.T) {
	t.Parallel()

	batches := testBatches(t, 49, 2, 4)
	fake := &fakeStepper{
		t:          t,
		cfg:        model.Config{HiddenSize: 3, VocabSize: 5},
		numBatches: batches.NumBatches,
	}
	tr := New(Config{BatchSize: 2, SeqLen: 4, Epochs: 100}, fake, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tr.Run(ctx, batches, nil, nil, nil); err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestCheckpointRoundtrip(t *testing.T) {
	t.Parallel()

	cfg := model.Config{
		VocabSize:  5,
		EmbedSize:  3,
		HiddenSize: 4,
		InitScale:  0.1,
		Seed:       11,
	}
	params := model.NewParams(cfg)
	man := Manifest{
		RunID:     "test-run",
		Epoch:     7,
		LearnRate: 0.00025,
		Model:     cfg,
		BatchSize: 2,
		SeqLen:    4,
	}
	words := []string{"the", "cat", "sat", "mat", "end"}

	path := filepath.Join(t.TempDir(), "model.ckpt")
	if err := SaveCheckpoint(path, man, params.Snapshot(), words); err != nil {
		t.Fatalf("save: %v", err)
	}

	c, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer func() { _ = c.Close() }()

	if c.Manifest.RunID != man.RunID || c.Manifest.Epoch != 7 {
		t.Fatalf("manifest mismatch: %+v", c.Manifest)
	}
	if c.Manifest.Model.HiddenSize != cfg.HiddenSize {
		t.Fatalf("model config mismatch: %+v", c.Manifest.Model)
	}
	if len(c.Words) != len(words) || c.Words[1] != "cat" {
		t.Fatalf("vocabulary mismatch: %v", c.Words)
	}

	restored := model.NewParams(model.Config{
		VocabSize:  5,
		EmbedSize:  3,
		HiddenSize: 4,
		InitScale:  0.1,
		Seed:       99, // different init, must be overwritten
	})
	if err := c.Restore(restored); err != nil {
		t.Fatalf("restore: %v", err)
	}
	want := params.Snapshot()
	got := restored.Snapshot()
	for i := range want {
		for j := range want[i].Data {
			if got[i].Data[j] != want[i].Data[j] {
				t.Fatalf("tensor %q differs at %d after restore", want[i].Name, j)
			}
		}
	}
}

func TestRunWithRealNetworkWritesCheckpoint(t *testing.T) {
	t.Parallel()

	batches := testBatches(t, 13, 2, 3) // 2 batches per epoch
	net := model.New(model.Config{
		VocabSize:   5,
		EmbedSize:   3,
		HiddenSize:  4,
		InitScale:   0.1,
		ClipRange:   5,
		MaxGradNorm: 15,
		Seed:        3,
	})
	path := filepath.Join(t.TempDir(), "model.ckpt")
	tr := New(Config{
		BatchSize:      2,
		SeqLen:         3,
		Epochs:         2,
		NoDecayEpochs:  5,
		LearnRate:      0.01,
		Decay:          2.0,
		CheckpointPath: path,
	}, net, testLogger())

	if err := tr.Run(context.Background(), batches, batches, nil, nil); err != nil {
		t.Fatalf("run: %v", err)
	}

	c, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	defer func() { _ = c.Close() }()
	if c.Manifest.Epoch != 1 {
		t.Fatalf("checkpoint epoch: got %d want 1 (last epoch overwrites)", c.Manifest.Epoch)
	}
	tensors, err := c.Tensors()
	if err != nil {
		t.Fatalf("tensors: %v", err)
	}
	if len(tensors) == 0 {
		t.Fatal("checkpoint has no tensors")
	}
	if tensors[0].Name != "emb.w" {
		t.Fatalf("first tensor: got %q want emb.w", tensors[0].Name)
	}
}
