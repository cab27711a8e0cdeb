package sequence

import (
	"github.com/samcharles93/ctrlvar/internal/scale"
)

// Supervise names the streams whose positions count toward the loss.
type Supervise struct {
	Control bool
	Target  bool
}

// SuperviseTarget supervises only the target stream.
var SuperviseTarget = Supervise{Target: true}

// SuperviseBoth supervises every position.
var SuperviseBoth = Supervise{Control: true, Target: true}

func (s Supervise) has(st Stream) bool {
	if st == StreamControl {
		return s.Control
	}
	return s.Target
}

// MaskSet holds the two precomputed ignore-mask variants of a batch. Each
// variant is [B][L] with 1 marking a supervised position.
type MaskSet struct {
	ControlFirst [][]float32
	TargetFirst  [][]float32
}

// Select returns the variant matching the resolved order.
func (m MaskSet) Select(maskFirst bool) [][]float32 {
	if maskFirst {
		return m.ControlFirst
	}
	return m.TargetFirst
}

// NewStreamMasks builds both variants for a batch by marking the positions
// of the supervised streams. Separator positions follow the stream they
// close.
func NewStreamMasks(s scale.Schedule, policy Policy, separator bool, batch int, sup Supervise) MaskSet {
	build := func(maskFirst bool) [][]float32 {
		l := NewLayout(s, policy, maskFirst, separator)
		row := make([]float32, l.Len)
		for _, seg := range l.Segments {
			if !sup.has(seg.Stream) {
				continue
			}
			for p := seg.Offset; p < seg.Offset+seg.Len; p++ {
				row[p] = 1
			}
		}
		out := make([][]float32, batch)
		for b := range out {
			out[b] = append([]float32(nil), row...)
		}
		return out
	}
	return MaskSet{ControlFirst: build(true), TargetFirst: build(false)}
}

// Active counts the supervised entries of a mask.
func Active(mask [][]float32) float64 {
	var n float64
	for _, row := range mask {
		for _, v := range row {
			n += float64(v)
		}
	}
	return n
}
