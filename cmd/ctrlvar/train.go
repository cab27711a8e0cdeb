package main

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ctrlvar/internal/condition"
	"github.com/samcharles93/ctrlvar/internal/errdefs"
	"github.com/samcharles93/ctrlvar/internal/logger"
	"github.com/samcharles93/ctrlvar/internal/objective"
	"github.com/samcharles93/ctrlvar/internal/sequence"
	"github.com/samcharles93/ctrlvar/internal/toy"
	"github.com/samcharles93/ctrlvar/internal/train"
)

// stepRecord is one JSON line of train output.
type stepRecord struct {
	RunID     string  `json:"run_id"`
	Epoch     int     `json:"epoch"`
	Step      int     `json:"step"`
	Loss      float64 `json:"loss"`
	MeanLoss  float64 `json:"mean_loss"`
	Active    float64 `json:"active"`
	Positions int     `json:"positions"`
	MaskFirst bool    `json:"mask_first"`
	Dropped   int     `json:"dropped"`
}

func trainCmd() *cli.Command {
	var (
		steps         int64
		epochs        int64
		batch         int64
		dropRate      float64
		bidirectional bool
		supervise     string
		trainSeed     int64
		typeName      string
	)
	return &cli.Command{
		Name:  "train",
		Usage: "Evaluate the masked training objective over synthetic batches",
		Flags: append(commonModelFlags(),
			&cli.Int64Flag{Name: "steps", Usage: "steps per epoch", Value: 10, Destination: &steps},
			&cli.Int64Flag{Name: "epochs", Usage: "number of epochs", Value: 1, Destination: &epochs},
			&cli.Int64Flag{Name: "batch", Aliases: []string{"b"}, Usage: "samples per step", Value: 4, Destination: &batch},
			&cli.Float64Flag{Name: "drop-rate", Usage: "classifier-free dropout rate", Value: 0.1, Destination: &dropRate},
			&cli.BoolFlag{Name: "bidirectional", Usage: "draw the stream order per step", Destination: &bidirectional},
			&cli.StringFlag{Name: "supervise", Usage: "supervised streams (target, both)", Value: "target", Destination: &supervise},
			&cli.Int64Flag{Name: "seed", Usage: "run seed for data, dropout and stream order", Destination: &trainSeed},
			&cli.StringFlag{Name: "type", Aliases: []string{"t"}, Usage: "condition type of the control images", Value: "mask", Destination: &typeName},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "write JSON lines to this file instead of stdout", Destination: &output},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			tc := loaded.Train
			setInt(cmd, "steps", tc.Steps, &steps)
			setInt(cmd, "batch", tc.Batch, &batch)
			if tc.DropRate != nil && !cmd.IsSet("drop-rate") {
				dropRate = *tc.DropRate
			}
			if tc.Bidirectional != nil && !cmd.IsSet("bidirectional") {
				bidirectional = *tc.Bidirectional
			}
			setString(cmd, "supervise", tc.Supervise, &supervise)
			if steps <= 0 || epochs <= 0 || batch <= 0 {
				return errdefs.Configf("steps, epochs and batch must be positive")
			}
			sup, err := parseSupervise(supervise)
			if err != nil {
				return err
			}
			typ, err := condition.ParseType(typeName)
			if err != nil {
				return err
			}

			l, err := loaderFromFlags(cmd)
			if err != nil {
				return err
			}
			lr, err := l.Load(log)
			if err != nil {
				return fmt.Errorf("load model: %w", err)
			}

			var (
				total float64
				seen  int
			)
			tr := &train.Trainer{
				Config: train.Config{
					Policy:        lr.Policy,
					Bidirectional: bidirectional,
					Supervise:     sup,
					DropRate:      dropRate,
					Seed:          trainSeed,
				},
				Builder:   lr.Builder,
				Resolver:  lr.Resolver,
				Quantizer: lr.Quantizer,
				Predictor: lr.Predictor,
				Updater: train.UpdaterFunc(func(_ context.Context, _ train.State, loss objective.Result) error {
					total += loss.Loss
					seen++
					return nil
				}),
				Log: log,
			}

			w, err := openOutput(output)
			if err != nil {
				return err
			}
			defer w.Close()
			enc := json.NewEncoder(w)

			var st train.State
			for e := 0; e < int(epochs); e++ {
				for i := 0; i < int(steps); i++ {
					if err := ctx.Err(); err != nil {
						return err
					}
					dataSeed := trainSeed + int64(st.Epoch)*1_000_003 + int64(st.Step)
					target, control, classes := toy.SyntheticBatch(int(batch), l.Channels, l.ImageSize, l.NumClasses, dataSeed)
					b := train.Batch{
						Target:  target,
						Control: control,
						Spec:    condition.Spec{ClassIDs: classes, Types: []condition.Type{typ}},
					}
					next, m, err := tr.Step(ctx, st, b)
					if err != nil {
						return fmt.Errorf("epoch %d step %d: %w", st.Epoch, st.Step, err)
					}
					if err := enc.Encode(stepRecord{
						RunID:     runID,
						Epoch:     st.Epoch,
						Step:      st.Step,
						Loss:      m.Loss,
						MeanLoss:  total / float64(seen),
						Active:    m.Active,
						Positions: m.Positions,
						MaskFirst: m.MaskFirst,
						Dropped:   m.Dropped,
					}); err != nil {
						return err
					}
					st = next
				}
				log.Info("epoch finished", "epoch", st.Epoch, "steps", st.Step, "mean_loss", total/float64(seen))
				st = st.NextEpoch()
			}
			return nil
		},
	}
}

func parseSupervise(name string) (sequence.Supervise, error) {
	switch name {
	case "target":
		return sequence.SuperviseTarget, nil
	case "both":
		return sequence.SuperviseBoth, nil
	default:
		return sequence.Supervise{}, errdefs.Configf("unknown supervise mode %q", name)
	}
}
