package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/cadence-lm/cadence/internal/corpus"
	"github.com/cadence-lm/cadence/internal/features"
	"github.com/cadence-lm/cadence/internal/model"
	"github.com/cadence-lm/cadence/internal/sequencer"
	"github.com/cadence-lm/cadence/internal/trainer"
)

type trainFlags struct {
	trainFile  string
	validFile  string
	songsFile  string
	checkpoint string
	resume     bool

	batchSize     int64
	seqLen        int64
	epochs        int64
	noDecayEpochs int64
	learnRate     float64
	decay         float64

	embedSize   int64
	hiddenSize  int64
	metaProj    int64
	dropout     float64
	seed        int64
	clipRange   float64
	maxGradNorm float64
}

func trainCmd() *cli.Command {
	var f trainFlags

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "train",
			Aliases:     []string{"i"},
			Usage:       "path to the training corpus (plain text or .gz)",
			Destination: &f.trainFile,
		},
		&cli.StringFlag{
			Name:        "valid",
			Usage:       "path to the validation corpus",
			Destination: &f.validFile,
		},
		&cli.StringFlag{
			Name:        "songs",
			Usage:       "path to the song metadata manifest (JSON lines)",
			Destination: &f.songsFile,
		},
		&cli.StringFlag{
			Name:        "checkpoint",
			Aliases:     []string{"o"},
			Usage:       "checkpoint file written after every epoch",
			Destination: &f.checkpoint,
		},
		&cli.BoolFlag{
			Name:        "resume",
			Usage:       "resume from the checkpoint file instead of starting fresh",
			Destination: &f.resume,
		},
		&cli.Int64Flag{
			Name:        "batch-size",
			Aliases:     []string{"b"},
			Usage:       "parallel lanes per batch",
			Value:       50,
			Destination: &f.batchSize,
		},
		&cli.Int64Flag{
			Name:        "seq-len",
			Aliases:     []string{"s"},
			Usage:       "unroll length in tokens",
			Value:       50,
			Destination: &f.seqLen,
		},
		&cli.Int64Flag{
			Name:        "epochs",
			Aliases:     []string{"e"},
			Usage:       "number of training epochs",
			Value:       1000,
			Destination: &f.epochs,
		},
		&cli.Int64Flag{
			Name:        "no-decay-epochs",
			Usage:       "epochs before the first learning-rate decay",
			Value:       5,
			Destination: &f.noDecayEpochs,
		},
		&cli.Float64Flag{
			Name:        "learn-rate",
			Aliases:     []string{"lr"},
			Usage:       "initial learning rate",
			Value:       2e-3,
			Destination: &f.learnRate,
		},
		&cli.Float64Flag{
			Name:        "decay",
			Usage:       "learning-rate decay factor per epoch",
			Value:       2.0,
			Destination: &f.decay,
		},
		&cli.Int64Flag{
			Name:        "embed-size",
			Usage:       "embedding width",
			Value:       400,
			Destination: &f.embedSize,
		},
		&cli.Int64Flag{
			Name:        "hidden-size",
			Usage:       "recurrent layer width",
			Value:       400,
			Destination: &f.hiddenSize,
		},
		&cli.Int64Flag{
			Name:        "meta-proj",
			Usage:       "metadata projection width (0 disables the metadata path)",
			Value:       0,
			Destination: &f.metaProj,
		},
		&cli.Float64Flag{
			Name:        "dropout",
			Usage:       "dropout probability between layers",
			Value:       0.1,
			Destination: &f.dropout,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "parameter initialisation seed",
			Value:       1,
			Destination: &f.seed,
		},
		&cli.Float64Flag{
			Name:        "clip-range",
			Usage:       "element-wise gradient clip bound",
			Value:       5,
			Destination: &f.clipRange,
		},
		&cli.Float64Flag{
			Name:        "max-grad-norm",
			Usage:       "global gradient norm cap (0 disables rescaling)",
			Value:       15,
			Destination: &f.maxGradNorm,
		},
	}
	flags = append(flags, loggingFlags()...)

	return &cli.Command{
		Name:  "train",
		Usage: "Train the language model on a tokenized corpus",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyTrainConfig(cmd, LoadConfig(), &f)
			log := setupLogger()

			if f.trainFile == "" {
				return cli.Exit("error: --train is required", 1)
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			builder := corpus.NewBuilder()
			trainStream, err := corpus.LoadTokens(f.trainFile, builder)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load corpus: %v", err), 1)
			}
			var validStream []int32
			if f.validFile != "" {
				validStream, err = corpus.LoadTokens(f.validFile, builder)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: load validation corpus: %v", err), 1)
				}
			}
			vocab := builder.Snapshot()
			log.Info("corpus loaded",
				"train_tokens", len(trainStream),
				"valid_tokens", len(validStream),
				"vocab_size", vocab.Size(),
			)

			batchSize, seqLen := int(f.batchSize), int(f.seqLen)
			train, err := sequencer.Reorder(trainStream, batchSize, seqLen)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: reorder corpus: %v", err), 1)
			}
			var valid *sequencer.Batches
			if len(validStream) > 0 {
				valid, err = sequencer.Reorder(validStream, batchSize, seqLen)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: reorder validation corpus: %v", err), 1)
				}
			}

			var (
				meta    [][]float32
				metaDim int
			)
			if f.songsFile != "" {
				songs, err := features.LoadSongs(f.songsFile)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: load songs: %v", err), 1)
				}
				ex := features.NewExtractor(songs)
				meta = ex.LaneVectors(songs, batchSize)
				metaDim = features.Dim
				if f.metaProj <= 0 {
					f.metaProj = features.Dim
				}
				log.Info("song metadata loaded", "songs", len(songs), "meta_dim", metaDim)
			}

			mcfg := model.Config{
				VocabSize:   vocab.Size(),
				EmbedSize:   int(f.embedSize),
				HiddenSize:  int(f.hiddenSize),
				MetaDim:     metaDim,
				MetaProj:    int(f.metaProj),
				Dropout:     float32(f.dropout),
				InitScale:   0.1,
				ClipRange:   float32(f.clipRange),
				MaxGradNorm: float32(f.maxGradNorm),
				Seed:        f.seed,
			}
			tcfg := trainer.Config{
				BatchSize:      batchSize,
				SeqLen:         seqLen,
				Epochs:         int(f.epochs),
				NoDecayEpochs:  int(f.noDecayEpochs),
				LearnRate:      f.learnRate,
				Decay:          f.decay,
				CheckpointPath: f.checkpoint,
			}

			var net *model.Network
			if f.resume {
				if f.checkpoint == "" {
					return cli.Exit("error: --resume requires --checkpoint", 1)
				}
				ck, err := trainer.LoadCheckpoint(f.checkpoint)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: load checkpoint: %v", err), 1)
				}
				if ck.Manifest.Model.VocabSize != vocab.Size() {
					_ = ck.Close()
					return cli.Exit(fmt.Sprintf(
						"error: checkpoint vocabulary size %d does not match corpus vocabulary size %d",
						ck.Manifest.Model.VocabSize, vocab.Size()), 1)
				}
				net = model.New(ck.Manifest.Model)
				if err := ck.Restore(net.Params()); err != nil {
					_ = ck.Close()
					return cli.Exit(fmt.Sprintf("error: restore parameters: %v", err), 1)
				}
				tcfg.StartEpoch = ck.Manifest.Epoch + 1
				tcfg.LearnRate = ck.Manifest.LearnRate
				log.Info("resuming from checkpoint",
					"run_id", ck.Manifest.RunID,
					"start_epoch", tcfg.StartEpoch,
					"learn_rate", tcfg.LearnRate,
				)
				_ = ck.Close()
			} else {
				net = model.New(mcfg)
			}

			tr := trainer.New(tcfg, net, log)
			if err := tr.Run(ctx, train, valid, meta, vocab); err != nil {
				return cli.Exit(fmt.Sprintf("error: training: %v", err), 1)
			}
			return nil
		},
	}
}
