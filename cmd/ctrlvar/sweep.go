package main

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ctrlvar/internal/condition"
	"github.com/samcharles93/ctrlvar/internal/inference"
	"github.com/samcharles93/ctrlvar/internal/logger"
	"github.com/samcharles93/ctrlvar/internal/pixel"
	"github.com/samcharles93/ctrlvar/internal/sweep"
	"github.com/samcharles93/ctrlvar/internal/toy"
)

// sweepRecord is one JSON line of sweep output.
type sweepRecord struct {
	RunID string `json:"run_id"`
	sweep.Job
	Split     int       `json:"split"`
	MaskFirst bool      `json:"mask_first"`
	PixelCond string    `json:"pixel_cond,omitempty"`
	Rounds    int       `json:"rounds,omitempty"`
	Channels  int       `json:"channels"`
	Height    int       `json:"height"`
	Width     int       `json:"width"`
	Sampled   int       `json:"sampled"`
	Pixels    []float32 `json:"pixels,omitempty"`
}

func sweepCmd() *cli.Command {
	var (
		perClass      int64
		batchSize     int64
		world         int64
		rank          int64
		workers       int64
		gibbsRounds   int64
		includePixels bool
	)
	return &cli.Command{
		Name:  "sweep",
		Usage: "Sample every class owned by this rank and write JSON lines",
		Flags: append(append(commonModelFlags(), samplingFlags()...),
			&cli.Int64Flag{Name: "per-class", Usage: "samples per class", Value: 8, Destination: &perClass},
			&cli.Int64Flag{Name: "batch", Aliases: []string{"b"}, Usage: "samples per sampler call", Value: 4, Destination: &batchSize},
			&cli.Int64Flag{Name: "world", Usage: "number of ranks sharing the classes", Value: 1, Destination: &world},
			&cli.Int64Flag{Name: "rank", Usage: "rank of this process", Destination: &rank},
			&cli.Int64Flag{Name: "workers", Aliases: []string{"j"}, Usage: "concurrent sampler calls", Value: 2, Destination: &workers},
			&cli.Int64Flag{Name: "gibbs", Usage: "Gibbs rounds per batch", Destination: &gibbsRounds},
			&cli.BoolFlag{Name: "pixels", Usage: "include decoded pixels in every line", Destination: &includePixels},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			sc := loaded.Sweep
			setInt(cmd, "per-class", sc.PerClass, &perClass)
			setInt(cmd, "batch", sc.Batch, &batchSize)
			setInt(cmd, "world", sc.World, &world)
			setInt(cmd, "rank", sc.Rank, &rank)
			setInt(cmd, "workers", sc.Workers, &workers)
			setInt(cmd, "gibbs", sc.Gibbs, &gibbsRounds)
			setString(cmd, "type", sc.Type, &condType)
			setString(cmd, "pix-cond", sc.PixCond, &pixCond)

			lr, req, err := prepare(cmd, log)
			if err != nil {
				return err
			}
			typ, err := condition.ParseType(condType)
			if err != nil {
				return err
			}
			mode, err := inference.ParsePixelCondition(pixCond)
			if err != nil {
				return err
			}
			classes, err := sweep.Shard(int(numClasses), int(world), int(rank))
			if err != nil {
				return err
			}
			jobs, err := sweep.Jobs(classes, int(perClass), int(batchSize), req.Seed)
			if err != nil {
				return err
			}
			log.Info("sweep planned", "rank", rank, "world", world, "classes", len(classes), "jobs", len(jobs))

			w, err := openOutput(output)
			if err != nil {
				return err
			}
			defer w.Close()
			enc := json.NewEncoder(w)

			runner := &sweep.Runner{
				Engine:    lr.Sampler,
				Quantizer: lr.Quantizer,
				Config: sweep.Config{
					Workers:     int(workers),
					Type:        typ,
					Base:        req,
					GibbsRounds: int(gibbsRounds),
					PixelCond:   mode,
					Images:      syntheticImages,
				},
				Log: log,
			}
			done := 0
			err = runner.Run(ctx, jobs, func(out sweep.Output) error {
				done++
				rec := newSweepRecord(out, int(gibbsRounds))
				if mode != inference.PixelNone {
					rec.PixelCond = mode.String()
				}
				if !includePixels {
					rec.Pixels = nil
				}
				log.Debug("sweep progress", "done", done, "total", len(jobs))
				return enc.Encode(rec)
			})
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			log.Info("sweep finished", "jobs", done)
			return nil
		},
	}
}

func newSweepRecord(out sweep.Output, rounds int) sweepRecord {
	res := out.Result
	if res == nil {
		res = &inference.Result{Pixels: out.Pixels}
	}
	return sweepRecord{
		RunID:     runID,
		Job:       out.Job,
		Split:     res.Split,
		MaskFirst: res.MaskFirst,
		Rounds:    rounds,
		Channels:  out.Pixels.C,
		Height:    out.Pixels.H,
		Width:     out.Pixels.W,
		Sampled:   res.Stats.Sampled,
		Pixels:    out.Pixels.Data,
	}
}

// syntheticImages draws the job's class images with the job seed.
func syntheticImages(job sweep.Job) (target, control *pixel.Batch, err error) {
	classes := make([]int, job.Batch)
	for i := range classes {
		classes[i] = job.Class
	}
	target, control = toy.SyntheticFor(classes, int(channels), int(imageSize), int(numClasses), job.Seed)
	return target, control, nil
}
