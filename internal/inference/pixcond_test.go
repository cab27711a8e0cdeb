package inference

import (
	"context"
	"errors"
	"testing"

	"github.com/samcharles93/ctrlvar/internal/condition"
	"github.com/samcharles93/ctrlvar/internal/errdefs"
	"github.com/samcharles93/ctrlvar/internal/toy"
)

func TestParsePixelCondition(t *testing.T) {
	t.Parallel()
	for name, want := range map[string]PixelCondition{"": PixelNone, "none": PixelNone, "control": PixelControl, "target": PixelTarget} {
		got, err := ParsePixelCondition(name)
		if err != nil || got != want {
			t.Fatalf("ParsePixelCondition(%q) = %v, %v", name, got, err)
		}
	}
	if _, err := ParsePixelCondition("both"); !errors.Is(err, errdefs.ErrConfiguration) {
		t.Fatalf("unknown name: err = %v", err)
	}
}

func TestConditionOnPixelsForcesStream(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := testLoader()
	lr := load(t, l)
	classes := []int{2, 2, 4}
	target, control := toy.SyntheticFor(classes, l.Channels, l.ImageSize, l.NumClasses, 3)

	for _, mode := range []PixelCondition{PixelControl, PixelTarget} {
		img := control
		if mode == PixelTarget {
			img = target
		}
		want, err := lr.Quantizer.EncodeToLabels(ctx, img)
		if err != nil {
			t.Fatal(err)
		}
		req := request(5)
		req.Spec = condition.Spec{ClassIDs: classes, Types: []condition.Type{condition.TypeMask}}
		if req.Spec, err = ConditionOnPixels(ctx, lr.Quantizer, req.Spec, mode, img); err != nil {
			t.Fatalf("%s: %v", mode, err)
		}
		res, err := lr.Sampler.Sample(ctx, req)
		if err != nil {
			t.Fatalf("%s: sample: %v", mode, err)
		}
		got := res.Control
		if mode == PixelTarget {
			got = res.Target
		}
		if !equalPyramids(got, want) {
			t.Fatalf("%s: decoded stream does not match the encoded image", mode)
		}
		if res.Stats.Forced != len(classes)*(1+4+16) {
			t.Fatalf("%s: forced %d positions", mode, res.Stats.Forced)
		}
	}
}

func TestConditionOnPixelsErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := testLoader()
	lr := load(t, l)
	spec := condition.Uniform(1, condition.TypeMask, 2)

	same, err := ConditionOnPixels(ctx, lr.Quantizer, spec, PixelNone, nil)
	if err != nil || same.ControlTokens != nil || same.TargetTokens != nil {
		t.Fatalf("none should leave the spec alone: %v", err)
	}
	if _, err := ConditionOnPixels(ctx, lr.Quantizer, spec, PixelControl, nil); !errors.Is(err, errdefs.ErrInvalidArgument) {
		t.Fatalf("missing image: err = %v", err)
	}
	_, control := toy.SyntheticFor([]int{1}, l.Channels, l.ImageSize, l.NumClasses, 1)
	if _, err := ConditionOnPixels(ctx, lr.Quantizer, spec, PixelControl, control); !errors.Is(err, errdefs.ErrShapeMismatch) {
		t.Fatalf("batch mismatch: err = %v", err)
	}
	_, wrong := toy.SyntheticFor([]int{1, 1}, l.Channels, l.ImageSize*2, l.NumClasses, 1)
	if _, err := ConditionOnPixels(ctx, lr.Quantizer, spec, PixelTarget, wrong); !errors.Is(err, errdefs.ErrShapeMismatch) {
		t.Fatalf("wrong resolution: err = %v", err)
	}
}
