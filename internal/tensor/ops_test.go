package tensor

import (
	"math"
	"testing"
)

func TestSoftmaxSumsToOne(t *testing.T) {
	t.Parallel()
	x := []float32{1, -2, 3, 0}
	Softmax(x)
	var sum float32
	for _, v := range x {
		sum += v
	}
	if math.Abs(float64(sum-1)) > 1e-6 {
		t.Fatalf("softmax sum = %f", sum)
	}
	if math.Abs(float64(x[2]-0.839024)) > 1e-5 {
		t.Fatalf("softmax[2] = %f want 0.839024", x[2])
	}
}

func TestLogSumExp(t *testing.T) {
	t.Parallel()
	got := LogSumExp([]float32{0, 0})
	if math.Abs(got-math.Log(2)) > 1e-9 {
		t.Fatalf("LogSumExp = %g want %g", got, math.Log(2))
	}
	inf := float32(math.Inf(-1))
	if !math.IsInf(LogSumExp([]float32{inf, inf}), -1) {
		t.Fatalf("all -Inf input should give -Inf")
	}
	big := LogSumExp([]float32{1000, 1000})
	if math.Abs(big-(1000+math.Log(2))) > 1e-6 {
		t.Fatalf("LogSumExp overflowed: %g", big)
	}
}

func TestArgmaxPrefersFirstTie(t *testing.T) {
	t.Parallel()
	if got := Argmax([]float32{-1, 5, 3, 5, 2}); got != 1 {
		t.Fatalf("Argmax = %d want 1", got)
	}
}

func TestConcatRows(t *testing.T) {
	t.Parallel()
	a := NewMatFromData(1, 2, []float32{1, 2})
	b := NewMatFromData(2, 2, []float32{3, 4, 5, 6})
	out, err := ConcatRows(a, NewMat(0, 0), b)
	if err != nil {
		t.Fatalf("ConcatRows: %v", err)
	}
	if out.R != 3 || out.C != 2 {
		t.Fatalf("shape %dx%d", out.R, out.C)
	}
	if out.Row(2)[1] != 6 {
		t.Fatalf("unexpected last value %f", out.Row(2)[1])
	}
	if _, err := ConcatRows(a, NewMat(1, 3)); err == nil {
		t.Fatalf("expected column mismatch")
	}
}

func TestFillRandDeterministic(t *testing.T) {
	t.Parallel()
	a, b := NewMat(3, 4), NewMat(3, 4)
	FillRand(&a, 7)
	FillRand(&b, 7)
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			t.Fatalf("FillRand not deterministic at %d", i)
		}
	}
}
