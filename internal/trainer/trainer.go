// Package trainer drives the epoch loop: it threads hidden state through the
// sequential batches, tracks perplexity, decays the learning rate and writes
// a checkpoint after every epoch.
package trainer

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/cadence-lm/cadence/internal/corpus"
	"github.com/cadence-lm/cadence/internal/logger"
	"github.com/cadence-lm/cadence/internal/model"
	"github.com/cadence-lm/cadence/internal/sequencer"
)

// Config holds the loop hyperparameters. Model dimensions live in
// model.Config; these control only the schedule.
type Config struct {
	BatchSize     int
	SeqLen        int
	Epochs        int
	NoDecayEpochs int     // epochs before the first learning-rate decay
	LearnRate     float64 // initial (or resumed) learning rate
	Decay         float64 // geometric decay factor applied per epoch

	StartEpoch     int // first epoch index, non-zero when resuming
	CheckpointPath string
}

// Stepper evaluates one batch against the model, consuming the previous
// batch's final hidden state and producing the next one. model.Network is
// the production implementation.
type Stepper interface {
	TrainStep(inputs, targets [][]int32, meta [][]float32, st *model.State, lr float32) (model.StepResult, error)
	EvalStep(inputs, targets [][]int32, meta [][]float32, st *model.State) (model.StepResult, error)
	Config() model.Config
}

// Snapshotter is implemented by steppers whose parameters can be
// checkpointed. The trainer skips checkpointing when the stepper (e.g. a
// test fake) does not implement it or no path is configured.
type Snapshotter interface {
	Params() *model.Params
}

// Trainer runs the training loop over reordered batches.
type Trainer struct {
	cfg   Config
	net   Stepper
	log   logger.Logger
	runID string
	lr    float64
}

func New(cfg Config, net Stepper, log logger.Logger) *Trainer {
	return &Trainer{
		cfg:   cfg,
		net:   net,
		log:   log,
		runID: uuid.NewString(),
		lr:    cfg.LearnRate,
	}
}

// RunID identifies this training run in logs and checkpoint manifests.
func (t *Trainer) RunID() string { return t.runID }

// EpochMetrics summarises one completed epoch.
type EpochMetrics struct {
	Epoch           int
	TrainPerplexity float64
	ValidPerplexity float64
	WordsPerSecond  float64
	MeanGradNorm    float64
	LearnRate       float64
}

// Run trains for the configured number of epochs. meta supplies one
// metadata vector per lane (nil when the metadata path is disabled); valid
// may be nil to skip validation. Cancellation is honoured between epochs.
func (t *Trainer) Run(ctx context.Context, train, valid *sequencer.Batches, meta [][]float32, vocab *corpus.Vocabulary) error {
	if err := train.Validate(); err != nil {
		return err
	}
	if valid != nil {
		if err := valid.Validate(); err != nil {
			return err
		}
	}
	hidden := t.net.Config().HiddenSize
	st := model.NewState(t.cfg.BatchSize, hidden)

	t.log.Info("training run starting",
		"run_id", t.runID,
		"batches_per_epoch", train.NumBatches,
		"batch_size", t.cfg.BatchSize,
		"seq_len", t.cfg.SeqLen,
		"vocab_size", t.net.Config().VocabSize,
	)

	for epoch := t.cfg.StartEpoch; epoch < t.cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("trainer: run cancelled before epoch %d: %w", epoch, err)
		}
		m, err := t.runEpoch(epoch, train, valid, meta, st)
		if err != nil {
			return fmt.Errorf("trainer: epoch %d: %w", epoch, err)
		}

		if err := t.checkpoint(epoch, vocab); err != nil {
			return fmt.Errorf("trainer: checkpoint epoch %d: %w", epoch, err)
		}

		if epoch > t.cfg.NoDecayEpochs-1 {
			t.lr /= t.cfg.Decay
		}

		t.log.Info("epoch complete",
			"epoch", m.Epoch,
			"perplexity_train", m.TrainPerplexity,
			"perplexity_valid", m.ValidPerplexity,
			"words_per_second", m.WordsPerSecond,
			"grad_norm_mean", m.MeanGradNorm,
			"learn_rate", m.LearnRate,
		)
	}
	return nil
}

func (t *Trainer) runEpoch(epoch int, train, valid *sequencer.Batches, meta [][]float32, st *model.State) (EpochMetrics, error) {
	start := time.Now()

	// Zero hidden state at the epoch boundary; within the epoch each lane
	// carries its state from batch to batch.
	st.Zero()

	var lossSum, normSum float64
	for k := 0; k < train.NumBatches; k++ {
		inputs, targets := train.Batch(k)
		res, err := t.net.TrainStep(inputs, targets, meta, st, float32(t.lr))
		if err != nil {
			return EpochMetrics{}, fmt.Errorf("batch %d: %w", k, err)
		}
		lossSum += res.Loss
		normSum += res.GradNorm
	}
	elapsed := time.Since(start).Seconds()

	m := EpochMetrics{
		Epoch:           epoch,
		TrainPerplexity: perplexity(lossSum, train.NumBatches),
		WordsPerSecond:  float64(train.Tokens()) / elapsed,
		MeanGradNorm:    normSum / float64(train.NumBatches),
		LearnRate:       t.lr,
	}
	if valid != nil {
		ppl, err := t.Evaluate(valid, meta)
		if err != nil {
			return EpochMetrics{}, err
		}
		m.ValidPerplexity = ppl
	}
	return m, nil
}

// Evaluate computes perplexity over batches with dropout disabled, starting
// from a fresh zero state.
func (t *Trainer) Evaluate(batches *sequencer.Batches, meta [][]float32) (float64, error) {
	st := model.NewState(t.cfg.BatchSize, t.net.Config().HiddenSize)
	var lossSum float64
	for k := 0; k < batches.NumBatches; k++ {
		inputs, targets := batches.Batch(k)
		res, err := t.net.EvalStep(inputs, targets, meta, st)
		if err != nil {
			return 0, fmt.Errorf("eval batch %d: %w", k, err)
		}
		lossSum += res.Loss
	}
	return perplexity(lossSum, batches.NumBatches), nil
}

func (t *Trainer) checkpoint(epoch int, vocab *corpus.Vocabulary) error {
	if t.cfg.CheckpointPath == "" {
		return nil
	}
	snap, ok := t.net.(Snapshotter)
	if !ok {
		return nil
	}
	man := Manifest{
		RunID:     t.runID,
		Epoch:     epoch,
		LearnRate: t.lr,
		Model:     t.net.Config(),
		BatchSize: t.cfg.BatchSize,
		SeqLen:    t.cfg.SeqLen,
		SavedAt:   time.Now().UTC(),
	}
	var words []string
	if vocab != nil {
		words = vocab.Words()
	}
	return SaveCheckpoint(t.cfg.CheckpointPath, man, snap.Params().Snapshot(), words)
}

// perplexity is the exponentiated average per-token cross-entropy over the
// epoch's batches.
func perplexity(lossSum float64, batches int) float64 {
	if batches == 0 {
		return math.Inf(1)
	}
	return math.Exp(lossSum / float64(batches))
}
