package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ctrlvar/internal/condition"
	"github.com/samcharles93/ctrlvar/internal/errdefs"
	"github.com/samcharles93/ctrlvar/internal/gibbs"
	"github.com/samcharles93/ctrlvar/internal/inference"
	"github.com/samcharles93/ctrlvar/internal/logger"
)

func refineCmd() *cli.Command {
	var (
		rounds int64
		input  string
	)
	return &cli.Command{
		Name:  "refine",
		Usage: "Run Gibbs rounds over a fresh sample or a saved report",
		Flags: append(append(commonModelFlags(), samplingFlags()...),
			&cli.Int64Flag{
				Name:        "rounds",
				Aliases:     []string{"r"},
				Usage:       "number of Gibbs rounds",
				Value:       1,
				Destination: &rounds,
			},
			&cli.StringFlag{
				Name:        "input",
				Aliases:     []string{"i"},
				Usage:       "report written by sample to refine instead of sampling",
				Destination: &input,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			lr, req, err := prepare(cmd, log)
			if err != nil {
				return err
			}
			if !lr.Policy.Interleaved() {
				return errdefs.Configf("refine needs the interleave_append policy, got %s", lr.Policy)
			}

			var rep sampleReport
			if input != "" {
				if rep, err = readReport(input); err != nil {
					return err
				}
				typ, err := condition.ParseType(rep.Type)
				if err != nil {
					return err
				}
				req.Spec = condition.Spec{ClassIDs: rep.Classes, Types: []condition.Type{typ}}
				mf := rep.MaskFirst
				req.MaskFirst = &mf
			} else {
				mode, err := inference.ParsePixelCondition(pixCond)
				if err != nil {
					return err
				}
				first := req
				if first.Spec, err = conditionOnSynthetic(ctx, lr, req, mode); err != nil {
					return err
				}
				res, err := lr.Sampler.Sample(ctx, first)
				if err != nil {
					return fmt.Errorf("initial sample: %w", err)
				}
				rep = newReport(req, lr.Policy.String(), res)
			}
			initial, err := rep.pixels()
			if err != nil {
				return err
			}

			ref := &gibbs.Refiner{
				Engine:    lr.Sampler,
				Quantizer: lr.Quantizer,
				Base:      req,
				Split:     gibbs.StackedSplit(rep.Split, rep.MaskFirst),
				Log:       log,
			}
			out, err := ref.Refine(ctx, initial, int(rounds))
			if err != nil {
				return err
			}
			log.Info("refined", "rounds", rounds, "batch", out.N)

			rep.RunID = runID
			rep.Seed, rep.Guidance, rep.TopK, rep.TopP = req.Seed, req.Guidance, req.TopK, req.TopP
			rep.Rounds += int(rounds)
			rep.Pixels = out.Data
			// Token pyramids describe the pre-refinement sample.
			rep.Control, rep.Target = nil, nil
			return writeJSON(output, rep)
		},
	}
}
