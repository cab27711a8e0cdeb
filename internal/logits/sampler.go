package logits

import (
	"cmp"
	"math"
	"math/rand"
	"slices"

	"github.com/samcharles93/ctrlvar/internal/tensor"
)

// SamplerConfig configures the behaviour of a Sampler.
type SamplerConfig struct {
	// TopK keeps the k highest logits. Zero or negative disables it.
	TopK int
	// TopP keeps the smallest probability-sorted prefix whose mass reaches
	// TopP. Values outside (0, 1) disable it.
	TopP float32
}

// Sampler draws codebook ids from logit rows. It is not safe for concurrent
// use: it owns its rng and scratch buffers.
type Sampler struct {
	rng  *rand.Rand
	cfg  SamplerConfig
	idx  []int
	prob []float64
}

// NewSampler returns a sampler drawing from rng. The caller owns seeding so
// no process-wide random state is involved.
func NewSampler(cfg SamplerConfig, rng *rand.Rand) *Sampler {
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	return &Sampler{rng: rng, cfg: cfg}
}

// Greedy reports whether Sample always returns the argmax.
func (s *Sampler) Greedy() bool { return s.cfg.TopK == 1 }

// Sample draws a single index from the provided logits row:
//
//  1. If TopK == 1 the argmax is returned without consuming randomness.
//  2. The top k logits are shortlisted in descending order.
//  3. A softmax over the shortlist is computed around its maximum.
//  4. If TopP < 1 the shortlist is cut where the cumulative mass first
//     reaches TopP.
//  5. A value drawn from [0, mass) selects an index from the cut.
func (s *Sampler) Sample(logits []float32) int {
	if s.Greedy() {
		return tensor.Argmax(logits)
	}
	idx, prob := s.shortlist(logits)
	var mass float64
	for _, p := range prob {
		mass += p
	}
	r := s.rng.Float64() * mass
	var c float64
	for i, p := range prob {
		c += p
		if r < c {
			return idx[i]
		}
	}
	return idx[len(idx)-1]
}

// shortlist returns the surviving candidates ordered from most to least
// likely with their softmax probabilities before the top-p cut is
// renormalised. Entries at -Inf never survive unless every entry is -Inf.
func (s *Sampler) shortlist(logits []float32) ([]int, []float64) {
	if len(logits) == 0 {
		panic("sample: empty logits")
	}
	if cap(s.idx) < len(logits) {
		s.idx = make([]int, len(logits))
	}
	idx := s.idx[:len(logits)]
	for i := range idx {
		idx[i] = i
	}
	slices.SortFunc(idx, func(a, b int) int {
		if c := cmp.Compare(logits[b], logits[a]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	k := len(idx)
	if s.cfg.TopK > 0 && s.cfg.TopK < k {
		k = s.cfg.TopK
	}
	idx = idx[:k]

	maxv := float64(logits[idx[0]])
	if math.IsInf(maxv, -1) {
		return idx[:1], []float64{1}
	}
	if cap(s.prob) < k {
		s.prob = make([]float64, k)
	}
	prob := s.prob[:k]
	var sum float64
	for i, id := range idx {
		e := math.Exp(float64(logits[id]) - maxv)
		prob[i] = e
		sum += e
	}
	inv := 1 / sum
	for i := range prob {
		prob[i] *= inv
	}

	cut := len(prob)
	if s.cfg.TopP < 1 {
		var c float64
		for i := range prob {
			c += prob[i]
			if float32(c) >= s.cfg.TopP {
				cut = i + 1
				break
			}
		}
	}
	for cut > 1 && prob[cut-1] == 0 {
		cut--
	}
	return idx[:cut], prob[:cut]
}

// Filter returns a copy of logits where every entry removed by top-k and
// top-p is set to -Inf.
func (s *Sampler) Filter(logits []float32) []float32 {
	out := make([]float32, len(logits))
	for i := range out {
		out[i] = float32(math.Inf(-1))
	}
	idx, _ := s.shortlist(logits)
	for _, id := range idx {
		out[id] = logits[id]
	}
	return out
}
