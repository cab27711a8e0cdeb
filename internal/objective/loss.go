// Package objective computes the masked next-scale cross-entropy used to
// train the predictor.
package objective

import (
	"math"

	"github.com/samcharles93/ctrlvar/internal/errdefs"
	"github.com/samcharles93/ctrlvar/internal/logger"
	"github.com/samcharles93/ctrlvar/internal/tensor"
)

// Epsilon floors the mask mean in the normaliser.
const Epsilon = 1e-6

// Result reports one loss evaluation.
type Result struct {
	Loss      float64
	Active    float64 // mean of the mask
	Positions int
}

// Loss returns mean(ce·m) / (mean(m) + Epsilon) over every position of the
// batch. logits holds one [L x V] matrix per sample; labels and mask are
// [B][L]. An all-zero mask is not an error: the numerator is zero and the
// result is 0, which stays below 1/Epsilon. An empty batch scores as a zero
// Result. A non-finite loss is reported as 0 and logged. log may be nil.
func Loss(logits []tensor.Mat, labels [][]int, mask [][]float32, log logger.Logger) (Result, error) {
	if len(logits) != len(labels) || len(labels) != len(mask) {
		return Result{}, errdefs.Shapef("batch sizes differ: logits %d, labels %d, mask %d", len(logits), len(labels), len(mask))
	}
	var (
		weighted float64
		maskSum  float64
		n        int
	)
	for b := range labels {
		lg := logits[b]
		if lg.R != len(labels[b]) || len(mask[b]) != len(labels[b]) {
			return Result{}, errdefs.Shapef("sample %d: logits %d rows, labels %d, mask %d", b, lg.R, len(labels[b]), len(mask[b]))
		}
		for p, id := range labels[b] {
			if id < 0 || id >= lg.C {
				return Result{}, errdefs.Shapef("sample %d position %d: label %d outside head of %d", b, p, id, lg.C)
			}
			m := float64(mask[b][p])
			maskSum += m
			n++
			if m == 0 {
				continue
			}
			row := lg.Row(p)
			ce := tensor.LogSumExp(row) - float64(row[id])
			weighted += ce * m
		}
	}
	if log == nil {
		log = logger.Discard()
	}
	if n == 0 {
		return Result{}, nil
	}
	active := maskSum / float64(n)
	if maskSum == 0 {
		log.Warn("ignore mask selects no positions; loss is floored by epsilon", "positions", n)
	}
	loss := (weighted / float64(n)) / (active + Epsilon)
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		log.Warn("non-finite loss replaced by zero", "loss", loss, "positions", n)
		loss = 0
	}
	return Result{Loss: loss, Active: active, Positions: n}, nil
}
