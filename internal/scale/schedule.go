// Package scale describes the coarse-to-fine token hierarchy: the ordered
// patch counts, the positions each scale owns and the separator ids reserved
// after the codebook.
package scale

import (
	"github.com/samcharles93/ctrlvar/internal/errdefs"
)

// DefaultPatchNums is the ten-scale pyramid used for 256px images.
var DefaultPatchNums = []int{1, 2, 3, 4, 5, 6, 8, 10, 13, 16}

// Schedule is an immutable list of strictly increasing patch counts. Scale i
// owns an pn_i × pn_i grid of token positions.
type Schedule struct {
	patchNums []int
	offsets   []int
	total     int
}

// New validates patchNums and returns a Schedule over a private copy.
func New(patchNums []int) (Schedule, error) {
	if len(patchNums) == 0 {
		return Schedule{}, errdefs.Configf("scale schedule is empty")
	}
	pn := append([]int(nil), patchNums...)
	offsets := make([]int, len(pn))
	total := 0
	for i, n := range pn {
		if n <= 0 {
			return Schedule{}, errdefs.Configf("patch count %d at scale %d must be positive", n, i)
		}
		if i > 0 && n <= pn[i-1] {
			return Schedule{}, errdefs.Configf("patch counts must be strictly increasing: %v", pn)
		}
		offsets[i] = total
		total += n * n
	}
	return Schedule{patchNums: pn, offsets: offsets, total: total}, nil
}

// MustNew is New for static schedules; it panics on error.
func MustNew(patchNums []int) Schedule {
	s, err := New(patchNums)
	if err != nil {
		panic(err)
	}
	return s
}

// Len returns the number of scales S.
func (s Schedule) Len() int { return len(s.patchNums) }

// PatchNum returns pn_i.
func (s Schedule) PatchNum(i int) int { return s.patchNums[i] }

// PatchNums returns a copy of the patch counts.
func (s Schedule) PatchNums() []int { return append([]int(nil), s.patchNums...) }

// Positions returns pn_i², the number of tokens at scale i.
func (s Schedule) Positions(i int) int {
	n := s.patchNums[i]
	return n * n
}

// Offset returns the first position of scale i within one stream.
func (s Schedule) Offset(i int) int { return s.offsets[i] }

// Total returns Σ pn_i² for one stream.
func (s Schedule) Total() int { return s.total }

// Last returns the finest patch count.
func (s Schedule) Last() int { return s.patchNums[len(s.patchNums)-1] }

// SeparatorCount returns the 2·(S-1) ids reserved after the codebook.
func (s Schedule) SeparatorCount() int { return 2 * (len(s.patchNums) - 1) }

// SeparatorID returns the id placed after the first (slot 0) or second
// (slot 1) stream block of scale i. Scale 0 carries no separators.
func (s Schedule) SeparatorID(vocab, i, slot int) (int, bool) {
	if i <= 0 || i >= len(s.patchNums) || slot < 0 || slot > 1 {
		return 0, false
	}
	return vocab + 2*(i-1) + slot, true
}

// HeadSize returns the number of logits the predictor emits per position.
func (s Schedule) HeadSize(vocab int, separator bool) int {
	if separator {
		return vocab + s.SeparatorCount()
	}
	return vocab
}

// InterleavedLen returns the merged length of an interleaved sequence.
func (s Schedule) InterleavedLen(separator bool) int {
	n := 2 * s.total
	if separator {
		n += s.SeparatorCount()
	}
	return n
}
