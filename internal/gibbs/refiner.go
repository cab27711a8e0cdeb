// Package gibbs refines a decoded control/target pair by regenerating one
// stream while the other is held fixed, alternating the roles each half
// sweep.
package gibbs

import (
	"context"
	"fmt"

	"github.com/samcharles93/ctrlvar/internal/errdefs"
	"github.com/samcharles93/ctrlvar/internal/inference"
	"github.com/samcharles93/ctrlvar/internal/logger"
	"github.com/samcharles93/ctrlvar/internal/model"
	"github.com/samcharles93/ctrlvar/internal/pixel"
)

// SplitRule cuts a stacked batch into its control and target images.
type SplitRule func(*pixel.Batch) (control, target *pixel.Batch, err error)

// RowSplit treats rows above boundary as the control image and the rest as
// the target image.
func RowSplit(boundary int) SplitRule {
	return func(b *pixel.Batch) (*pixel.Batch, *pixel.Batch, error) {
		return b.SplitRows(boundary)
	}
}

// StackedSplit cuts a batch decoded with the first stream on top. The upper
// image is the control when controlFirst is set.
func StackedSplit(boundary int, controlFirst bool) SplitRule {
	if controlFirst {
		return RowSplit(boundary)
	}
	return func(b *pixel.Batch) (*pixel.Batch, *pixel.Batch, error) {
		top, bottom, err := b.SplitRows(boundary)
		return bottom, top, err
	}
}

// HalfSplit splits at half the image height, with the control on top when
// controlFirst is set.
func HalfSplit(controlFirst bool) SplitRule {
	return func(b *pixel.Batch) (*pixel.Batch, *pixel.Batch, error) {
		return StackedSplit(b.H/2, controlFirst)(b)
	}
}

// Refiner runs Gibbs sweeps. Base supplies the class, type, guidance and
// sampling settings of every call; its teacher-forcing tracks are replaced.
type Refiner struct {
	Engine    inference.Engine
	Quantizer model.Quantizer
	Base      inference.Request
	// Split defaults to HalfSplit in the stream order of Base.MaskFirst.
	Split SplitRule
	Log   logger.Logger
}

// Refine runs exactly rounds sweeps over initial. Each sweep regenerates
// the target with the control held fixed, then regenerates the control
// with the new target held fixed. rounds == 0 returns initial itself.
func (r *Refiner) Refine(ctx context.Context, initial *pixel.Batch, rounds int) (*pixel.Batch, error) {
	if rounds < 0 {
		return nil, errdefs.Invalidf("gibbs rounds must be non-negative, got %d", rounds)
	}
	if rounds == 0 {
		return initial, nil
	}
	log := r.Log
	if log == nil {
		log = logger.Discard()
	}
	base := r.Base
	if base.MaskFirst == nil {
		controlFirst := true
		base.MaskFirst = &controlFirst
	}
	split := r.Split
	if split == nil {
		split = HalfSplit(*base.MaskFirst)
	}

	cur := initial
	for round := 0; round < rounds; round++ {
		next, err := r.half(ctx, cur, split, base, true)
		if err != nil {
			return nil, fmt.Errorf("gibbs round %d control pass: %w", round, err)
		}
		if cur, err = r.half(ctx, next, split, base, false); err != nil {
			return nil, fmt.Errorf("gibbs round %d target pass: %w", round, err)
		}
		log.Debug("gibbs sweep finished", "round", round+1, "rounds", rounds)
	}
	return cur, nil
}

// half re-encodes one half of cur and samples a new pair with that half
// teacher forced.
func (r *Refiner) half(ctx context.Context, cur *pixel.Batch, split SplitRule, base inference.Request, forceControl bool) (*pixel.Batch, error) {
	control, target, err := split(cur)
	if err != nil {
		return nil, err
	}
	keep := target
	if forceControl {
		keep = control
	}
	labels, err := r.Quantizer.EncodeToLabels(ctx, keep.Normalize())
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	req := base
	req.Spec.ControlTokens, req.Spec.TargetTokens = nil, nil
	if forceControl {
		req.Spec.ControlTokens = labels
	} else {
		req.Spec.TargetTokens = labels
	}
	res, err := r.Engine.Sample(ctx, req)
	if err != nil {
		return nil, err
	}
	return res.Pixels, nil
}
