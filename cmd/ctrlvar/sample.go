package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ctrlvar/internal/condition"
	"github.com/samcharles93/ctrlvar/internal/inference"
	"github.com/samcharles93/ctrlvar/internal/logger"
	"github.com/samcharles93/ctrlvar/internal/toy"
)

func sampleCmd() *cli.Command {
	return &cli.Command{
		Name:  "sample",
		Usage: "Decode a control/target pair for each requested class",
		Flags: append(commonModelFlags(), samplingFlags()...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			lr, req, err := prepare(cmd, log)
			if err != nil {
				return err
			}
			mode, err := inference.ParsePixelCondition(pixCond)
			if err != nil {
				return err
			}
			if req.Spec, err = conditionOnSynthetic(ctx, lr, req, mode); err != nil {
				return err
			}
			sampler := lr.Sampler.WithProgress(func(p inference.Phase, done, total int) {
				log.Debug("phase decoded", "scale", p.Scale, "stream", p.Stream.String(), "done", done, "total", total)
			})
			res, err := sampler.Sample(ctx, req)
			if err != nil {
				return fmt.Errorf("sample: %w", err)
			}
			log.Info("sampled", "batch", res.Pixels.N, "sampled", res.Stats.Sampled, "forced", res.Stats.Forced, "duration", res.Stats.Duration)
			rep := newReport(req, lr.Policy.String(), res)
			if mode != inference.PixelNone {
				rep.PixelCond = mode.String()
			}
			return writeJSON(output, rep)
		},
	}
}

// prepare loads the model for the current flags and resolves the request.
func prepare(cmd *cli.Command, log logger.Logger) (*inference.LoadResult, inference.Request, error) {
	l, err := loaderFromFlags(cmd)
	if err != nil {
		return nil, inference.Request{}, err
	}
	lr, err := l.Load(log)
	if err != nil {
		return nil, inference.Request{}, fmt.Errorf("load model: %w", err)
	}
	spec, err := specFromFlags()
	if err != nil {
		return nil, inference.Request{}, err
	}
	opts, err := requestOptions(cmd)
	if err != nil {
		return nil, inference.Request{}, err
	}
	defaults, err := genDefaults(loaded.Sampling)
	if err != nil {
		return nil, inference.Request{}, err
	}
	return lr, inference.ResolveRequest(spec, opts, defaults), nil
}

func specFromFlags() (condition.Spec, error) {
	ids, err := parseInts(classes)
	if err != nil {
		return condition.Spec{}, fmt.Errorf("--classes: %w", err)
	}
	typ, err := condition.ParseType(condType)
	if err != nil {
		return condition.Spec{}, err
	}
	return condition.Spec{ClassIDs: ids, Types: []condition.Type{typ}}, nil
}

// conditionOnSynthetic forces one stream of req from synthetic images drawn
// for its class ids with the request seed.
func conditionOnSynthetic(ctx context.Context, lr *inference.LoadResult, req inference.Request, mode inference.PixelCondition) (condition.Spec, error) {
	if mode == inference.PixelNone {
		return req.Spec, nil
	}
	target, control := toy.SyntheticFor(req.Spec.ClassIDs, int(channels), int(imageSize), int(numClasses), req.Seed)
	img := control
	if mode == inference.PixelTarget {
		img = target
	}
	return inference.ConditionOnPixels(ctx, lr.Quantizer, req.Spec, mode, img)
}
