package tensor

import (
	"math"
)

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// MatVec computes dst = w·x where w is [R x C], x has length C and dst has
// length R.
func MatVec(dst []float32, w *Mat, x []float32) {
	if len(x) != w.C || len(dst) < w.R {
		panic("MatVec shape mismatch")
	}
	for i := 0; i < w.R; i++ {
		dst[i] = Dot(w.Row(i), x)
	}
}

// Softmax applies the softmax function to x in place.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// LogSumExp returns log(Σ exp(x_i)) computed around the maximum for
// stability. Entries equal to -Inf contribute nothing; an empty or all -Inf
// input yields -Inf.
func LogSumExp(x []float32) float64 {
	maxv := math.Inf(-1)
	for _, v := range x {
		if float64(v) > maxv {
			maxv = float64(v)
		}
	}
	if math.IsInf(maxv, -1) {
		return maxv
	}
	var sum float64
	for _, v := range x {
		sum += math.Exp(float64(v) - maxv)
	}
	return maxv + math.Log(sum)
}

// Argmax returns the index of the maximum value in x, preferring the lowest
// index on ties. It panics on an empty slice.
func Argmax(x []float32) int {
	if len(x) == 0 {
		panic("argmax: empty slice")
	}
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV {
			bestV = x[i]
			bestI = i
		}
	}
	return bestI
}
