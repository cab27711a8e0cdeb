package inference

import (
	"context"
	"fmt"

	"github.com/samcharles93/ctrlvar/internal/condition"
	"github.com/samcharles93/ctrlvar/internal/errdefs"
	"github.com/samcharles93/ctrlvar/internal/model"
	"github.com/samcharles93/ctrlvar/internal/pixel"
)

// PixelCondition names the stream a conditioning image teacher-forces.
type PixelCondition int

const (
	PixelNone PixelCondition = iota
	// PixelControl forces the control stream and samples the target.
	PixelControl
	// PixelTarget forces the target stream and samples the control.
	PixelTarget
)

// ParsePixelCondition resolves "none" (or empty), "control" or "target".
func ParsePixelCondition(name string) (PixelCondition, error) {
	switch name {
	case "", "none":
		return PixelNone, nil
	case "control":
		return PixelControl, nil
	case "target":
		return PixelTarget, nil
	default:
		return PixelNone, errdefs.Configf("unknown pixel condition %q", name)
	}
}

func (p PixelCondition) String() string {
	switch p {
	case PixelControl:
		return "control"
	case PixelTarget:
		return "target"
	default:
		return "none"
	}
}

// ConditionOnPixels encodes images (N×C×H×W in [-1, 1], one per class id of
// spec) and returns spec with the forced track of mode set to the codes.
// PixelNone returns spec unchanged.
func ConditionOnPixels(ctx context.Context, quant model.Quantizer, spec condition.Spec, mode PixelCondition, images *pixel.Batch) (condition.Spec, error) {
	if mode == PixelNone {
		return spec, nil
	}
	if images == nil {
		return spec, errdefs.Invalidf("%s conditioning needs an image batch", mode)
	}
	if images.N != spec.Batch() {
		return spec, errdefs.Shapef("%s conditioning has %d images for %d class ids", mode, images.N, spec.Batch())
	}
	labels, err := quant.EncodeToLabels(ctx, images)
	if err != nil {
		return spec, fmt.Errorf("encode %s image: %w", mode, err)
	}
	if mode == PixelControl {
		spec.ControlTokens = labels
	} else {
		spec.TargetTokens = labels
	}
	return spec, nil
}
