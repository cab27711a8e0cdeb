package scale

import (
	"errors"
	"testing"

	"github.com/samcharles93/ctrlvar/internal/errdefs"
)

func TestScheduleOffsets(t *testing.T) {
	t.Parallel()
	s := MustNew([]int{1, 2, 3})
	if s.Total() != 14 {
		t.Fatalf("Total = %d want 14", s.Total())
	}
	want := []int{0, 1, 5}
	for i, off := range want {
		if s.Offset(i) != off {
			t.Fatalf("Offset(%d) = %d want %d", i, s.Offset(i), off)
		}
	}
	if s.InterleavedLen(false) != 28 {
		t.Fatalf("InterleavedLen = %d want 28", s.InterleavedLen(false))
	}
	if s.InterleavedLen(true) != 32 {
		t.Fatalf("InterleavedLen with separators = %d want 32", s.InterleavedLen(true))
	}
}

func TestScheduleRejectsBadPatchNums(t *testing.T) {
	t.Parallel()
	for _, pn := range [][]int{nil, {1, 1}, {2, 1}, {0, 1}} {
		if _, err := New(pn); !errors.Is(err, errdefs.ErrConfiguration) {
			t.Fatalf("New(%v) err = %v, want configuration error", pn, err)
		}
	}
}

func TestSeparatorIDs(t *testing.T) {
	t.Parallel()
	s := MustNew(DefaultPatchNums)
	const vocab = 4096
	if s.HeadSize(vocab, true) != vocab+18 {
		t.Fatalf("HeadSize = %d", s.HeadSize(vocab, true))
	}
	if _, ok := s.SeparatorID(vocab, 0, 0); ok {
		t.Fatalf("scale 0 must not own separators")
	}
	first, _ := s.SeparatorID(vocab, 1, 0)
	last, _ := s.SeparatorID(vocab, s.Len()-1, 1)
	if first != vocab || last != vocab+s.SeparatorCount()-1 {
		t.Fatalf("separator range [%d,%d]", first, last)
	}
}

func TestPatchNumsIsCopy(t *testing.T) {
	t.Parallel()
	src := []int{1, 2}
	s := MustNew(src)
	src[0] = 9
	got := s.PatchNums()
	got[1] = 7
	if s.PatchNum(0) != 1 || s.PatchNum(1) != 2 {
		t.Fatalf("schedule aliased its input")
	}
}
