package objective

import (
	"bytes"
	"errors"
	"log/slog"
	"math"
	"strings"
	"testing"

	"github.com/samcharles93/ctrlvar/internal/errdefs"
	"github.com/samcharles93/ctrlvar/internal/logger"
	"github.com/samcharles93/ctrlvar/internal/tensor"
)

func fixture() ([]tensor.Mat, [][]int) {
	logits := []tensor.Mat{
		tensor.NewMatFromData(3, 4, []float32{
			2, 0, 0, 1,
			0, 0, 3, 0,
			-1, 1, 0.5, 0,
		}),
		tensor.NewMatFromData(3, 4, []float32{
			0, 0, 0, 0,
			1, 2, 3, 4,
			5, -5, 0, 0,
		}),
	}
	labels := [][]int{{0, 2, 1}, {3, 0, 0}}
	return logits, labels
}

func plainMeanCE(logits []tensor.Mat, labels [][]int) float64 {
	var sum float64
	var n int
	for b := range labels {
		for p, id := range labels[b] {
			row := logits[b].Row(p)
			var z float64
			for _, v := range row {
				z += math.Exp(float64(v))
			}
			sum += math.Log(z) - float64(row[id])
			n++
		}
	}
	return sum / float64(n)
}

func ones(labels [][]int, v float32) [][]float32 {
	out := make([][]float32, len(labels))
	for b := range labels {
		out[b] = make([]float32, len(labels[b]))
		for i := range out[b] {
			out[b][i] = v
		}
	}
	return out
}

func TestFullMaskMatchesPlainMean(t *testing.T) {
	t.Parallel()
	logits, labels := fixture()
	got, err := Loss(logits, labels, ones(labels, 1), nil)
	if err != nil {
		t.Fatalf("Loss: %v", err)
	}
	want := plainMeanCE(logits, labels)
	if math.Abs(got.Loss-want) > 1e-5*want {
		t.Fatalf("loss = %g want %g", got.Loss, want)
	}
	if got.Active != 1 || got.Positions != 6 {
		t.Fatalf("active=%g positions=%d", got.Active, got.Positions)
	}
}

func TestPartialMaskNormalisesByActiveFraction(t *testing.T) {
	t.Parallel()
	logits, labels := fixture()
	mask := ones(labels, 0)
	mask[0][1] = 1
	got, err := Loss(logits, labels, mask, nil)
	if err != nil {
		t.Fatalf("Loss: %v", err)
	}
	// one active position: its own CE, not CE/6
	row := logits[0].Row(1)
	want := tensor.LogSumExp(row) - float64(row[2])
	if math.Abs(got.Loss-want) > 1e-4 {
		t.Fatalf("loss = %g want ≈ %g", got.Loss, want)
	}
}

func TestZeroMaskIsBoundedAndLogged(t *testing.T) {
	t.Parallel()
	logits, labels := fixture()
	var buf bytes.Buffer
	log := logger.JSON(&buf, slog.LevelWarn)
	got, err := Loss(logits, labels, ones(labels, 0), log)
	if err != nil {
		t.Fatalf("zero mask must not raise: %v", err)
	}
	if got.Loss < 0 || got.Loss > 1/Epsilon {
		t.Fatalf("loss %g not bounded by 1/eps", got.Loss)
	}
	if !strings.Contains(buf.String(), "ignore mask selects no positions") {
		t.Fatalf("expected warning, got %q", buf.String())
	}
}

func TestLossShapeErrors(t *testing.T) {
	t.Parallel()
	logits, labels := fixture()
	if _, err := Loss(logits[:1], labels, ones(labels, 1), nil); !errors.Is(err, errdefs.ErrShapeMismatch) {
		t.Fatalf("batch mismatch err = %v", err)
	}
	bad := [][]int{{0, 2, 9}, {3, 0, 0}}
	if _, err := Loss(logits, bad, ones(bad, 1), nil); !errors.Is(err, errdefs.ErrShapeMismatch) {
		t.Fatalf("label range err = %v", err)
	}
	short := ones(labels, 1)
	short[1] = short[1][:2]
	if _, err := Loss(logits, labels, short, nil); !errors.Is(err, errdefs.ErrShapeMismatch) {
		t.Fatalf("mask length err = %v", err)
	}
}

func TestEmptyBatchScoresZero(t *testing.T) {
	t.Parallel()
	got, err := Loss(nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("empty batch must not raise: %v", err)
	}
	if got != (Result{}) {
		t.Fatalf("got %+v, want zero result", got)
	}
	got, err = Loss([]tensor.Mat{tensor.NewMat(0, 4)}, [][]int{{}}, [][]float32{{}}, nil)
	if err != nil || got != (Result{}) {
		t.Fatalf("zero-length sample: %+v, %v", got, err)
	}
}

func TestNonFiniteLossIsLogged(t *testing.T) {
	t.Parallel()
	logits, labels := fixture()
	logits[0].Row(1)[3] = float32(math.NaN())
	var buf bytes.Buffer
	log := logger.JSON(&buf, slog.LevelWarn)
	got, err := Loss(logits, labels, ones(labels, 1), log)
	if err != nil {
		t.Fatalf("Loss: %v", err)
	}
	if got.Loss != 0 {
		t.Fatalf("non-finite loss should report 0, got %g", got.Loss)
	}
	if !strings.Contains(buf.String(), "non-finite loss") {
		t.Fatalf("expected warning, got %q", buf.String())
	}
}
