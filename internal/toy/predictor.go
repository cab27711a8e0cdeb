package toy

import (
	"context"

	"github.com/samcharles93/ctrlvar/internal/errdefs"
	"github.com/samcharles93/ctrlvar/internal/model"
	"github.com/samcharles93/ctrlvar/internal/tensor"
)

// PredictorConfig sizes a Predictor.
type PredictorConfig struct {
	Head     int // logit width, codebook plus separator ids
	EmbedDim int
	CondDim  int
	MaxLen   int
	Seed     int64
}

// Predictor is a linear stand-in for the transformer. The logits at
// position p of a sample are
//
//	Wc·cond + We·mean(context before p's block) + Pos[p]
//
// so they depend only on the conditioning and on earlier blocks. The
// weights never change after construction and the predictor is safe for
// concurrent use.
type Predictor struct {
	cfg PredictorConfig
	wc  tensor.Mat // [Head x CondDim]
	we  tensor.Mat // [Head x EmbedDim]
	pos tensor.Mat // [MaxLen x Head]
}

// NewPredictor builds a predictor with seeded weights.
func NewPredictor(cfg PredictorConfig) (*Predictor, error) {
	if cfg.Head <= 0 || cfg.EmbedDim <= 0 || cfg.CondDim <= 0 || cfg.MaxLen <= 0 {
		return nil, errdefs.Configf("predictor dimensions must be positive: %+v", cfg)
	}
	p := &Predictor{
		cfg: cfg,
		wc:  tensor.NewMat(cfg.Head, cfg.CondDim),
		we:  tensor.NewMat(cfg.Head, cfg.EmbedDim),
		pos: tensor.NewMat(cfg.MaxLen, cfg.Head),
	}
	tensor.FillNormal(&p.wc, cfg.Seed+11, 1)
	tensor.FillNormal(&p.we, cfg.Seed+23, 1)
	tensor.FillNormal(&p.pos, cfg.Seed+31, 0.5)
	return p, nil
}

// running is the sum of appended rows for one sample.
type running struct {
	sum []float32
	n   int
}

func (c *running) add(m tensor.Mat) {
	for r := 0; r < m.R; r++ {
		tensor.Add(c.sum, m.Row(r))
	}
	c.n += m.R
}

// base writes Wc·cond + We·mean(ctx) into dst.
func (p *Predictor) base(dst, cond []float32, c *running, tmp []float32) {
	tensor.MatVec(dst, &p.wc, cond)
	if c.n == 0 {
		return
	}
	mean := tmp[:p.cfg.EmbedDim]
	inv := 1 / float32(c.n)
	for i, v := range c.sum {
		mean[i] = v * inv
	}
	out := tmp[p.cfg.EmbedDim:]
	tensor.MatVec(out, &p.we, mean)
	tensor.Add(dst, out[:p.cfg.Head])
}

func (p *Predictor) fill(dst tensor.Mat, row int, base []float32, start, n int) {
	for k := 0; k < n; k++ {
		out := dst.Row(row + k)
		copy(out, base)
		tensor.Add(out, p.pos.Row(start+k))
	}
}

func (p *Predictor) checkCond(cond tensor.Mat, batch int) error {
	if cond.R != batch || cond.C != p.cfg.CondDim {
		return errdefs.Shapef("conditioning is %dx%d, want %dx%d", cond.R, cond.C, batch, p.cfg.CondDim)
	}
	return nil
}

// Forward implements model.Predictor.
func (p *Predictor) Forward(ctx context.Context, in model.ForwardInput) ([]tensor.Mat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.checkCond(in.Cond, len(in.Embed)); err != nil {
		return nil, err
	}
	if in.Layout.Len > p.cfg.MaxLen {
		return nil, errdefs.Shapef("sequence of %d positions exceeds %d", in.Layout.Len, p.cfg.MaxLen)
	}
	out := make([]tensor.Mat, len(in.Embed))
	base := make([]float32, p.cfg.Head)
	tmp := make([]float32, p.cfg.EmbedDim+p.cfg.Head)
	for b, emb := range in.Embed {
		if emb.R != in.Layout.Len || emb.C != p.cfg.EmbedDim {
			return nil, errdefs.Shapef("sample %d embeddings are %dx%d, want %dx%d", b, emb.R, emb.C, in.Layout.Len, p.cfg.EmbedDim)
		}
		logits := tensor.NewMat(in.Layout.Len, p.cfg.Head)
		c := &running{sum: make([]float32, p.cfg.EmbedDim)}
		for _, seg := range in.Layout.Segments {
			for c.n < seg.Offset {
				tensor.Add(c.sum, emb.Row(c.n))
				c.n++
			}
			p.base(base, in.Cond.Row(b), c, tmp)
			p.fill(logits, seg.Offset, base, seg.Offset, seg.Len)
		}
		out[b] = logits
	}
	return out, nil
}

// NewSession implements model.Predictor.
func (p *Predictor) NewSession(ctx context.Context, cfg model.SessionConfig) (model.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.checkCond(cfg.Cond, cfg.Cond.R); err != nil {
		return nil, err
	}
	if cfg.Layout.Len > p.cfg.MaxLen {
		return nil, errdefs.Shapef("sequence of %d positions exceeds %d", cfg.Layout.Len, p.cfg.MaxLen)
	}
	s := &session{
		p:    p,
		cond: cfg.Cond,
		ctx:  make([]running, cfg.Cond.R),
		base: make([]float32, p.cfg.Head),
		tmp:  make([]float32, p.cfg.EmbedDim+p.cfg.Head),
	}
	for i := range s.ctx {
		s.ctx[i].sum = make([]float32, p.cfg.EmbedDim)
	}
	return s, nil
}

type session struct {
	p    *Predictor
	cond tensor.Mat
	ctx  []running
	base []float32
	tmp  []float32
}

// Step implements model.Session.
func (s *session) Step(ctx context.Context, appended []tensor.Mat, positions int) ([]tensor.Mat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(appended) != 0 && len(appended) != len(s.ctx) {
		return nil, errdefs.Shapef("appended %d samples, session has %d", len(appended), len(s.ctx))
	}
	for b, m := range appended {
		if m.R > 0 && m.C != s.p.cfg.EmbedDim {
			return nil, errdefs.Shapef("sample %d appended %d channels, want %d", b, m.C, s.p.cfg.EmbedDim)
		}
		s.ctx[b].add(m)
	}
	out := make([]tensor.Mat, len(s.ctx))
	for b := range s.ctx {
		c := &s.ctx[b]
		if c.n+positions > s.p.cfg.MaxLen {
			return nil, errdefs.Shapef("step reaches position %d beyond %d", c.n+positions, s.p.cfg.MaxLen)
		}
		s.p.base(s.base, s.cond.Row(b), c, s.tmp)
		out[b] = tensor.NewMat(positions, s.p.cfg.Head)
		s.p.fill(out[b], 0, s.base, c.n, positions)
	}
	return out, nil
}
