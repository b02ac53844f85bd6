package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/cadence-lm/cadence/internal/trainer"
)

func inspectCmd() *cli.Command {
	var (
		checkpoint  string
		showTensors bool
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Print checkpoint metadata and parameter shapes",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "checkpoint",
				Aliases:     []string{"m"},
				Usage:       "checkpoint file to inspect",
				Destination: &checkpoint,
			},
			&cli.BoolFlag{
				Name:        "tensors",
				Usage:       "list every parameter array",
				Destination: &showTensors,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if checkpoint == "" {
				return cli.Exit("error: --checkpoint is required", 1)
			}
			ck, err := trainer.LoadCheckpoint(checkpoint)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load checkpoint: %v", err), 1)
			}
			defer func() { _ = ck.Close() }()

			man := ck.Manifest
			fmt.Printf("run id:      %s\n", man.RunID)
			fmt.Printf("epoch:       %d\n", man.Epoch)
			fmt.Printf("learn rate:  %g\n", man.LearnRate)
			fmt.Printf("saved at:    %s\n", man.SavedAt.Format("2006-01-02 15:04:05 MST"))
			fmt.Printf("batch size:  %d\n", man.BatchSize)
			fmt.Printf("seq len:     %d\n", man.SeqLen)
			fmt.Printf("vocab size:  %d\n", man.Model.VocabSize)
			fmt.Printf("embed size:  %d\n", man.Model.EmbedSize)
			fmt.Printf("hidden size: %d\n", man.Model.HiddenSize)
			if man.Model.MetaDim > 0 {
				fmt.Printf("meta:        %d -> %d\n", man.Model.MetaDim, man.Model.MetaProj)
			}
			fmt.Printf("vocabulary:  %d words\n", len(ck.Words))

			if !showTensors {
				return nil
			}
			infos, err := ck.Tensors()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: read tensor index: %v", err), 1)
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "\nNAME\tSHAPE\tBYTES")
			for _, ti := range infos {
				_, _ = fmt.Fprintf(tw, "%s\t%v\t%d\n", ti.Name, ti.Shape, ti.DataSize)
			}
			return tw.Flush()
		},
	}
}
