package inference

import (
	"context"
	"time"

	"github.com/samcharles93/ctrlvar/internal/condition"
	"github.com/samcharles93/ctrlvar/internal/pixel"
	"github.com/samcharles93/ctrlvar/internal/sequence"
)

// Request is a fully resolved sampling request.
type Request struct {
	Spec     condition.Spec
	Guidance [3]float64
	TopK     int
	TopP     float64
	Seed     int64
	// MaskFirst puts the control stream first under interleave_append.
	// Nil keeps the policy default.
	MaskFirst *bool
}

// Phase is one stream decoded at one scale.
type Phase struct {
	Scale  int
	Stream sequence.Stream
	// Single is set when the layout carries one stream per scale.
	Single bool
}

// GuidanceSchedule picks which of the three guidance values applies to a
// phase.
type GuidanceSchedule func(Phase) int

// DefaultGuidance uses the first value for control phases, the second for
// target phases and the third when each scale holds a single stream.
func DefaultGuidance(p Phase) int {
	switch {
	case p.Single:
		return 2
	case p.Stream == sequence.StreamControl:
		return 0
	default:
		return 1
	}
}

// ProgressFunc is called after every decoded phase.
type ProgressFunc func(p Phase, done, total int)

type Stats struct {
	Phases   int
	Sampled  int
	Forced   int
	Duration time.Duration
}

// Result is a decoded batch.
//
// Under interleave_append Pixels stacks both streams vertically, the
// stream decoded first on top, and Split is the first row of the lower
// image. Under replace Pixels holds one image per sample, Split is zero and
// the merged pyramid is reported as Target.
type Result struct {
	Pixels    *pixel.Batch
	Control   [][][]int
	Target    [][][]int
	Split     int
	MaskFirst bool
	Stats     Stats
}

// Engine is what outer surfaces need from a sampler.
type Engine interface {
	Sample(ctx context.Context, req Request) (*Result, error)
}
