// Package toy provides small deterministic stand-ins for the codec and the
// predictor so the decoding core can run without trained weights.
package toy

import (
	"context"
	"math"

	"github.com/samcharles93/ctrlvar/internal/errdefs"
	"github.com/samcharles93/ctrlvar/internal/pixel"
	"github.com/samcharles93/ctrlvar/internal/scale"
	"github.com/samcharles93/ctrlvar/internal/tensor"
)

// QuantizerConfig sizes a Quantizer.
type QuantizerConfig struct {
	Schedule scale.Schedule
	Vocab    int
	Channels int
	Height   int
	Width    int
	Seed     int64
}

// Quantizer is a residual-sum codec over one shared codebook. Each scale
// quantizes what the coarser scales left unexplained on a pn×pn grid; the
// reconstruction is the sum of every scale upsampled with nearest-neighbour
// lookup onto the finest grid.
type Quantizer struct {
	cfg      QuantizerConfig
	codebook tensor.Mat // [Vocab x Channels]
}

// NewQuantizer builds a quantizer with a seeded codebook.
func NewQuantizer(cfg QuantizerConfig) (*Quantizer, error) {
	if cfg.Schedule.Len() == 0 {
		return nil, errdefs.Configf("quantizer needs a scale schedule")
	}
	if cfg.Vocab <= 0 || cfg.Channels <= 0 {
		return nil, errdefs.Configf("quantizer vocab %d and channels %d must be positive", cfg.Vocab, cfg.Channels)
	}
	last := cfg.Schedule.Last()
	if cfg.Height < last || cfg.Width < last {
		return nil, errdefs.Configf("image %dx%d is smaller than the finest grid %d", cfg.Height, cfg.Width, last)
	}
	q := &Quantizer{cfg: cfg, codebook: tensor.NewMat(cfg.Vocab, cfg.Channels)}
	tensor.FillNormal(&q.codebook, cfg.Seed+7, 0.5)
	return q, nil
}

// Channels returns the embedding width, which equals the pixel channels.
func (q *Quantizer) Channels() int { return q.cfg.Channels }

// cell maps coordinate v on a grid of size from onto a grid of size to.
func cell(v, from, to int) int { return v * to / from }

// EncodeToLabels implements model.Quantizer.
func (q *Quantizer) EncodeToLabels(ctx context.Context, images *pixel.Batch) ([][][]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if images.C != q.cfg.Channels || images.H != q.cfg.Height || images.W != q.cfg.Width {
		return nil, errdefs.Shapef("quantizer expects %dx%dx%d images, got %dx%dx%d",
			q.cfg.Channels, q.cfg.Height, q.cfg.Width, images.C, images.H, images.W)
	}
	s := q.cfg.Schedule
	p := s.Last()
	ch := q.cfg.Channels
	out := make([][][]int, s.Len())
	for i := range out {
		out[i] = make([][]int, images.N)
	}
	for n := 0; n < images.N; n++ {
		resid := q.pool(images, n)
		for i := 0; i < s.Len(); i++ {
			pn := s.PatchNum(i)
			coarse := make([]float32, pn*pn*ch)
			counts := make([]float32, pn*pn)
			for fy := 0; fy < p; fy++ {
				for fx := 0; fx < p; fx++ {
					k := cell(fy, p, pn)*pn + cell(fx, p, pn)
					tensor.Add(coarse[k*ch:(k+1)*ch], resid[(fy*p+fx)*ch:(fy*p+fx+1)*ch])
					counts[k]++
				}
			}
			ids := make([]int, pn*pn)
			for k := range ids {
				v := coarse[k*ch : (k+1)*ch]
				for c := range v {
					v[c] /= counts[k]
				}
				ids[k] = q.nearest(v)
			}
			for fy := 0; fy < p; fy++ {
				for fx := 0; fx < p; fx++ {
					code := q.codebook.Row(ids[cell(fy, p, pn)*pn+cell(fx, p, pn)])
					r := resid[(fy*p+fx)*ch : (fy*p+fx+1)*ch]
					for c := range r {
						r[c] -= code[c]
					}
				}
			}
			out[i][n] = ids
		}
	}
	return out, nil
}

// pool area-averages sample n onto the finest grid, channels innermost.
func (q *Quantizer) pool(images *pixel.Batch, n int) []float32 {
	p := q.cfg.Schedule.Last()
	ch := q.cfg.Channels
	sum := make([]float32, p*p*ch)
	counts := make([]float32, p*p)
	for y := 0; y < images.H; y++ {
		for x := 0; x < images.W; x++ {
			k := cell(y, images.H, p)*p + cell(x, images.W, p)
			counts[k]++
			for c := 0; c < ch; c++ {
				sum[k*ch+c] += images.At(n, c, y, x)
			}
		}
	}
	for k, cnt := range counts {
		for c := 0; c < ch; c++ {
			sum[k*ch+c] /= cnt
		}
	}
	return sum
}

func (q *Quantizer) nearest(v []float32) int {
	best, bestD := 0, math.Inf(1)
	for id := 0; id < q.codebook.R; id++ {
		row := q.codebook.Row(id)
		var d float64
		for c := range v {
			diff := float64(v[c] - row[c])
			d += diff * diff
		}
		if d < bestD {
			best, bestD = id, d
		}
	}
	return best
}

// checkPyramid validates a [scale][sample][position] pyramid with at most
// the schedule's scales and returns its batch size.
func (q *Quantizer) checkPyramid(labels [][][]int) (int, error) {
	s := q.cfg.Schedule
	if len(labels) > s.Len() {
		return 0, errdefs.Shapef("pyramid has %d scales, schedule has %d", len(labels), s.Len())
	}
	batch := -1
	for i, scaleIDs := range labels {
		if batch < 0 {
			batch = len(scaleIDs)
		}
		if len(scaleIDs) != batch {
			return 0, errdefs.Shapef("scale %d has batch %d, want %d", i, len(scaleIDs), batch)
		}
		for n, ids := range scaleIDs {
			if len(ids) != s.Positions(i) {
				return 0, errdefs.Shapef("scale %d sample %d has %d ids, want %d", i, n, len(ids), s.Positions(i))
			}
			for _, id := range ids {
				if id < 0 || id >= q.cfg.Vocab {
					return 0, errdefs.Invalidf("codebook id %d outside [0, %d)", id, q.cfg.Vocab)
				}
			}
		}
	}
	return max(batch, 0), nil
}

// LabelsToEmbeddings implements model.Quantizer. The embedding of scale i is
// the running residual sum up to i sampled on the pn_i grid.
func (q *Quantizer) LabelsToEmbeddings(ctx context.Context, labels [][][]int) ([][]tensor.Mat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	batch, err := q.checkPyramid(labels)
	if err != nil {
		return nil, err
	}
	out := make([][]tensor.Mat, len(labels))
	for i := range labels {
		out[i] = make([]tensor.Mat, batch)
		for n := 0; n < batch; n++ {
			out[i][n] = q.embedScale(labels, i, n)
		}
	}
	return out, nil
}

func (q *Quantizer) embedScale(labels [][][]int, i, n int) tensor.Mat {
	s := q.cfg.Schedule
	pn := s.PatchNum(i)
	m := tensor.NewMat(pn*pn, q.cfg.Channels)
	for y := 0; y < pn; y++ {
		for x := 0; x < pn; x++ {
			row := m.Row(y*pn + x)
			for j := 0; j <= i; j++ {
				pj := s.PatchNum(j)
				tensor.Add(row, q.codebook.Row(labels[j][n][cell(y, pn, pj)*pj+cell(x, pn, pj)]))
			}
		}
	}
	return m
}

// Decode implements model.Quantizer.
func (q *Quantizer) Decode(ctx context.Context, labels [][][]int) (*pixel.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := q.cfg.Schedule
	if len(labels) != s.Len() {
		return nil, errdefs.Shapef("decode needs %d scales, got %d", s.Len(), len(labels))
	}
	batch, err := q.checkPyramid(labels)
	if err != nil {
		return nil, err
	}
	p := s.Last()
	out := pixel.New(batch, q.cfg.Channels, q.cfg.Height, q.cfg.Width)
	for n := 0; n < batch; n++ {
		fhat := q.embedScale(labels, s.Len()-1, n)
		for c := 0; c < q.cfg.Channels; c++ {
			for y := 0; y < q.cfg.Height; y++ {
				for x := 0; x < q.cfg.Width; x++ {
					k := cell(y, q.cfg.Height, p)*p + cell(x, q.cfg.Width, p)
					out.Set(n, c, y, x, fhat.Row(k)[c])
				}
			}
		}
	}
	return out, nil
}
