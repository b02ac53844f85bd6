package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/cadence-lm/cadence/internal/corpus"
	"github.com/cadence-lm/cadence/internal/model"
	"github.com/cadence-lm/cadence/internal/sample"
	"github.com/cadence-lm/cadence/internal/trainer"
)

func generateCmd() *cli.Command {
	var (
		checkpoint string
		prompt     string
		metaCSV    string
		count      int64
		temp       float64
		topK       int64
		seed       int64
	)

	return &cli.Command{
		Name:  "generate",
		Usage: "Sample text from a trained checkpoint",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:        "checkpoint",
				Aliases:     []string{"m"},
				Usage:       "checkpoint file to sample from",
				Destination: &checkpoint,
			},
			&cli.StringFlag{
				Name:        "prompt",
				Aliases:     []string{"p"},
				Usage:       "seed words fed before sampling",
				Destination: &prompt,
			},
			&cli.StringFlag{
				Name:        "meta",
				Usage:       "comma-separated metadata vector for the generated lane",
				Destination: &metaCSV,
			},
			&cli.Int64Flag{
				Name:        "count",
				Aliases:     []string{"n"},
				Usage:       "number of tokens to generate",
				Value:       100,
				Destination: &count,
			},
			&cli.Float64Flag{
				Name:        "temp",
				Aliases:     []string{"temperature", "t"},
				Usage:       "sampling temperature (0 = greedy)",
				Value:       0.8,
				Destination: &temp,
			},
			&cli.Int64Flag{
				Name:        "top-k",
				Aliases:     []string{"top_k", "topk"},
				Usage:       "top-k sampling parameter (0 = full vocabulary)",
				Value:       40,
				Destination: &topK,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "sampling RNG seed",
				Value:       1,
				Destination: &seed,
			},
		}, loggingFlags()...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if checkpoint == "" {
				return cli.Exit("error: --checkpoint is required", 1)
			}

			ck, err := trainer.LoadCheckpoint(checkpoint)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load checkpoint: %v", err), 1)
			}
			defer func() { _ = ck.Close() }()

			if len(ck.Words) == 0 {
				return cli.Exit("error: checkpoint carries no vocabulary", 1)
			}
			vocab, err := corpus.NewVocabulary(ck.Words)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: rebuild vocabulary: %v", err), 1)
			}

			p := model.NewParams(ck.Manifest.Model)
			if err := ck.Restore(p); err != nil {
				return cli.Exit(fmt.Sprintf("error: restore parameters: %v", err), 1)
			}

			g := sample.NewGenerator(ck.Manifest.Model, p, sample.NewSampler(sample.Config{
				Seed:        seed,
				Temperature: float32(temp),
				TopK:        int(topK),
			}))

			if metaCSV != "" {
				meta, err := parseMeta(metaCSV)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				if err := g.SetMeta(meta); err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
			}

			// Feed the prompt, then sample from the last prompt token. An
			// unknown prompt word is an error rather than silently skipped.
			tok := int32(0)
			for _, w := range strings.Fields(prompt) {
				id, ok := vocab.ID(w)
				if !ok {
					return cli.Exit(fmt.Sprintf("error: prompt word %q not in vocabulary", w), 1)
				}
				if _, err := g.Feed(id); err != nil {
					return cli.Exit(fmt.Sprintf("error: feed prompt: %v", err), 1)
				}
				tok = id
			}

			out := make([]string, 0, count)
			for i := int64(0); i < count; i++ {
				next, err := g.Next(tok)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: sample: %v", err), 1)
				}
				w, _ := vocab.Word(next)
				out = append(out, w)
				tok = next
			}
			_, _ = fmt.Fprintln(os.Stdout, strings.Join(out, " "))
			return nil
		},
	}
}

func parseMeta(csv string) ([]float32, error) {
	parts := strings.Split(csv, ",")
	meta := make([]float32, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("parse metadata component %d: %w", i, err)
		}
		meta[i] = float32(v)
	}
	return meta, nil
}
