// Package pixel holds decoded image batches as planar float32 buffers.
package pixel

import "github.com/samcharles93/ctrlvar/internal/errdefs"

// Batch is an N×C×H×W image batch stored sample-major, then channel, row
// and column.
type Batch struct {
	N, C, H, W int
	Data       []float32
}

// New allocates a zeroed batch.
func New(n, c, h, w int) *Batch {
	if n < 0 || c < 0 || h < 0 || w < 0 {
		panic("pixel: negative dimension")
	}
	return &Batch{N: n, C: c, H: h, W: w, Data: make([]float32, n*c*h*w)}
}

func (b *Batch) index(n, c, y, x int) int {
	return ((n*b.C+c)*b.H+y)*b.W + x
}

// At returns the value at sample n, channel c, row y, column x.
func (b *Batch) At(n, c, y, x int) float32 { return b.Data[b.index(n, c, y, x)] }

// Set stores v at sample n, channel c, row y, column x.
func (b *Batch) Set(n, c, y, x int, v float32) { b.Data[b.index(n, c, y, x)] = v }

// Clone returns a deep copy.
func (b *Batch) Clone() *Batch {
	out := *b
	out.Data = append([]float32(nil), b.Data...)
	return &out
}

// SplitRows cuts every image at row boundary and returns the rows above it
// and the rows from it down.
func (b *Batch) SplitRows(boundary int) (*Batch, *Batch, error) {
	if boundary <= 0 || boundary >= b.H {
		return nil, nil, errdefs.Invalidf("split row %d outside (0, %d)", boundary, b.H)
	}
	top := New(b.N, b.C, boundary, b.W)
	bottom := New(b.N, b.C, b.H-boundary, b.W)
	for n := 0; n < b.N; n++ {
		for c := 0; c < b.C; c++ {
			src := b.Data[b.index(n, c, 0, 0):b.index(n, c, 0, 0)+b.H*b.W]
			copy(top.Data[top.index(n, c, 0, 0):], src[:boundary*b.W])
			copy(bottom.Data[bottom.index(n, c, 0, 0):], src[boundary*b.W:])
		}
	}
	return top, bottom, nil
}

// StackRows places bottom under top. Both must agree on N, C and W.
func StackRows(top, bottom *Batch) (*Batch, error) {
	if top.N != bottom.N || top.C != bottom.C || top.W != bottom.W {
		return nil, errdefs.Shapef("cannot stack %dx%dx%dx%d on %dx%dx%dx%d",
			top.N, top.C, top.H, top.W, bottom.N, bottom.C, bottom.H, bottom.W)
	}
	out := New(top.N, top.C, top.H+bottom.H, top.W)
	for n := 0; n < top.N; n++ {
		for c := 0; c < top.C; c++ {
			dst := out.Data[out.index(n, c, 0, 0):]
			k := copy(dst, top.Data[top.index(n, c, 0, 0):top.index(n, c, 0, 0)+top.H*top.W])
			copy(dst[k:], bottom.Data[bottom.index(n, c, 0, 0):bottom.index(n, c, 0, 0)+bottom.H*bottom.W])
		}
	}
	return out, nil
}

// ToUnit maps decoder output from [-1, 1] to [0, 1] in place, clamping
// anything outside, and returns b.
func (b *Batch) ToUnit() *Batch {
	for i, v := range b.Data {
		v = (v + 1) / 2
		switch {
		case v < 0 || v != v:
			v = 0
		case v > 1:
			v = 1
		}
		b.Data[i] = v
	}
	return b
}

// Normalize maps [0, 1] pixels back to [-1, 1] in place and returns b.
func (b *Batch) Normalize() *Batch {
	for i, v := range b.Data {
		b.Data[i] = (v - 0.5) / 0.5
	}
	return b
}
