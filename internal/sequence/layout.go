package sequence

import (
	"github.com/samcharles93/ctrlvar/internal/scale"
)

// Segment is one contiguous run of positions in the merged sequence.
type Segment struct {
	Scale     int
	Stream    Stream
	Offset    int
	Len       int
	Separator bool
}

// Layout describes where every scale of every stream lands in the merged
// sequence.
type Layout struct {
	Policy    Policy
	MaskFirst bool
	Segments  []Segment
	Len       int
}

// replaceStream returns the stream whose block occupies scale i under replace.
func replaceStream(i int) Stream {
	if i%2 == 0 {
		return StreamControl
	}
	return StreamTarget
}

// NewLayout computes the segment order for a policy. maskFirst is ignored
// under replace. Separators apply only to interleaved layouts.
func NewLayout(s scale.Schedule, policy Policy, maskFirst, separator bool) Layout {
	l := Layout{Policy: policy, MaskFirst: maskFirst && policy.Interleaved()}
	add := func(seg Segment) {
		seg.Offset = l.Len
		l.Segments = append(l.Segments, seg)
		l.Len += seg.Len
	}
	for i := 0; i < s.Len(); i++ {
		n := s.Positions(i)
		if !policy.Interleaved() {
			add(Segment{Scale: i, Stream: replaceStream(i), Len: n})
			continue
		}
		first := StreamTarget
		if l.MaskFirst {
			first = StreamControl
		}
		for _, st := range []Stream{first, first.Other()} {
			add(Segment{Scale: i, Stream: st, Len: n})
			if separator && i > 0 {
				add(Segment{Scale: i, Stream: st, Len: 1, Separator: true})
			}
		}
	}
	return l
}

// Phases returns, for scale i, the streams decoded at that scale in
// sequence order.
func (l Layout) Phases(i int) []Stream {
	var out []Stream
	for _, seg := range l.Segments {
		if seg.Scale == i && !seg.Separator {
			out = append(out, seg.Stream)
		}
	}
	return out
}
