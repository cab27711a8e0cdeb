package tensor

import (
	"math/rand"
)

// Mat represents a dense row‑major matrix of float32 values.
//
// R and C are the number of rows and columns. Stride is the number of
// elements between the starts of two consecutive rows and equals C for every
// matrix built by this package. Token blocks use one row per sequence
// position and one column per channel; logits use one column per vocabulary
// entry.
type Mat struct {
	R, C   int
	Stride int
	Data   []float32
}

// NewMat allocates a zeroed matrix with the given number of rows and columns.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   make([]float32, r*c),
	}
}

// NewMatFromData wraps existing data. It panics if len(data) != r*c.
func NewMatFromData(r, c int, data []float32) Mat {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   data,
	}
}

// Row returns a view of the i‑th row. Writes through the slice update m.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.Stride
	return m.Data[start : start+m.C]
}

// Clone returns a deep copy of m.
func (m Mat) Clone() Mat {
	out := NewMat(m.R, m.C)
	for i := 0; i < m.R; i++ {
		copy(out.Row(i), m.Row(i))
	}
	return out
}

// ConcatRows stacks the rows of mats in order. All inputs must share the
// same column count; zero-row inputs are skipped.
func ConcatRows(mats ...Mat) (Mat, error) {
	rows, cols := 0, -1
	for _, m := range mats {
		if m.R == 0 {
			continue
		}
		if cols >= 0 && m.C != cols {
			return Mat{}, errColMismatch
		}
		cols = m.C
		rows += m.R
	}
	if cols < 0 {
		cols = 0
	}
	out := NewMat(rows, cols)
	r := 0
	for _, m := range mats {
		for i := 0; i < m.R; i++ {
			copy(out.Row(r), m.Row(i))
			r++
		}
	}
	return out, nil
}

// FillRand fills the matrix with reproducible pseudo‑random values in a small
// range around zero. Multiple calls with the same seed produce identical
// matrices.
func FillRand(m *Mat, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = (rng.Float32() - 0.5) * 0.02 // roughly in (-0.01,0.01)
	}
}

// FillNormal fills m with N(0, std²) samples from a seeded source.
func FillNormal(m *Mat, seed int64, std float32) {
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = float32(rng.NormFloat64()) * std
	}
}

var errColMismatch = fmtError("column count mismatch")

type fmtError string

func (e fmtError) Error() string { return string(e) }
