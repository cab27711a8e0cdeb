package pixel

import (
	"errors"
	"testing"

	"github.com/samcharles93/ctrlvar/internal/errdefs"
)

func ramp(n, c, h, w int) *Batch {
	b := New(n, c, h, w)
	for i := range b.Data {
		b.Data[i] = float32(i)
	}
	return b
}

func TestSplitStackRoundTrip(t *testing.T) {
	t.Parallel()
	b := ramp(2, 3, 6, 4)
	top, bottom, err := b.SplitRows(2)
	if err != nil {
		t.Fatal(err)
	}
	if top.H != 2 || bottom.H != 4 {
		t.Fatalf("split heights %d/%d", top.H, bottom.H)
	}
	if got, want := bottom.At(1, 2, 0, 3), b.At(1, 2, 2, 3); got != want {
		t.Fatalf("bottom first row = %v want %v", got, want)
	}
	back, err := StackRows(top, bottom)
	if err != nil {
		t.Fatal(err)
	}
	for i := range b.Data {
		if back.Data[i] != b.Data[i] {
			t.Fatalf("restack differs at %d", i)
		}
	}
}

func TestSplitRowsBounds(t *testing.T) {
	t.Parallel()
	b := ramp(1, 1, 4, 4)
	for _, row := range []int{0, 4, -1} {
		if _, _, err := b.SplitRows(row); !errors.Is(err, errdefs.ErrInvalidArgument) {
			t.Fatalf("SplitRows(%d) err = %v", row, err)
		}
	}
}

func TestStackRowsMismatch(t *testing.T) {
	t.Parallel()
	if _, err := StackRows(New(1, 3, 2, 4), New(1, 3, 2, 5)); !errors.Is(err, errdefs.ErrShapeMismatch) {
		t.Fatalf("expected shape mismatch, got %v", err)
	}
}

func TestToUnitClampsAndNormalizeInverts(t *testing.T) {
	t.Parallel()
	b := &Batch{N: 1, C: 1, H: 1, W: 5, Data: []float32{-3, -1, 0, 1, 2}}
	b.ToUnit()
	want := []float32{0, 0, 0.5, 1, 1}
	for i := range want {
		if b.Data[i] != want[i] {
			t.Fatalf("ToUnit = %v want %v", b.Data, want)
		}
	}
	b.Normalize()
	if b.Data[2] != 0 || b.Data[3] != 1 || b.Data[0] != -1 {
		t.Fatalf("Normalize = %v", b.Data)
	}
}
