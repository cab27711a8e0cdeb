// Package inference drives scale-by-scale decoding of both token streams
// with classifier-free guidance.
package inference

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/samcharles93/ctrlvar/internal/condition"
	"github.com/samcharles93/ctrlvar/internal/errdefs"
	"github.com/samcharles93/ctrlvar/internal/logger"
	"github.com/samcharles93/ctrlvar/internal/logits"
	"github.com/samcharles93/ctrlvar/internal/model"
	"github.com/samcharles93/ctrlvar/internal/pixel"
	"github.com/samcharles93/ctrlvar/internal/scale"
	"github.com/samcharles93/ctrlvar/internal/sequence"
	"github.com/samcharles93/ctrlvar/internal/tensor"
)

// Config fixes the geometry shared by every request of a Sampler.
type Config struct {
	Schedule  scale.Schedule
	Vocab     int
	Policy    sequence.Policy
	Separator bool
	// Guidance maps phases to guidance values. Nil uses DefaultGuidance.
	Guidance GuidanceSchedule
}

// Sampler decodes batches. It holds no per-request state and may be shared
// by concurrent callers as long as its predictor and quantizer allow it.
type Sampler struct {
	cfg      Config
	resolver *condition.Resolver
	quant    model.Quantizer
	pred     model.Predictor
	log      logger.Logger
	progress ProgressFunc
}

// NewSampler validates cfg and wires the collaborators. A nil log discards
// output.
func NewSampler(cfg Config, resolver *condition.Resolver, quant model.Quantizer, pred model.Predictor, log logger.Logger) (*Sampler, error) {
	if cfg.Schedule.Len() == 0 {
		return nil, errdefs.Configf("sampler needs a scale schedule")
	}
	if cfg.Vocab <= 0 {
		return nil, errdefs.Configf("sampler vocab %d must be positive", cfg.Vocab)
	}
	if _, err := sequence.ParsePolicy(cfg.Policy.String()); err != nil {
		return nil, err
	}
	if cfg.Separator && !cfg.Policy.Interleaved() {
		return nil, errdefs.Configf("separator tokens require interleave_append, got %s", cfg.Policy)
	}
	if resolver == nil || quant == nil || pred == nil {
		return nil, errdefs.Configf("sampler needs a resolver, a quantizer and a predictor")
	}
	if cfg.Guidance == nil {
		cfg.Guidance = DefaultGuidance
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Sampler{cfg: cfg, resolver: resolver, quant: quant, pred: pred, log: log}, nil
}

// Config returns the sampler geometry.
func (s *Sampler) Config() Config { return s.cfg }

// WithProgress returns a copy of s that reports every decoded phase to fn.
func (s *Sampler) WithProgress(fn ProgressFunc) *Sampler {
	cp := *s
	cp.progress = fn
	return &cp
}

// Sample decodes one batch. The same request and seed always produce the
// same tokens. Invalid requests fail before the predictor is called; a
// cancelled context is noticed between scales and fails the whole decode.
func (s *Sampler) Sample(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	batch := req.Spec.Batch()
	if batch == 0 {
		return nil, errdefs.Invalidf("sample request has no class ids")
	}
	if err := s.checkForced("control", req.Spec.ControlTokens, batch); err != nil {
		return nil, err
	}
	if err := s.checkForced("target", req.Spec.TargetTokens, batch); err != nil {
		return nil, err
	}
	cond, err := s.resolver.Resolve(req.Spec, condition.ModeEval, nil)
	if err != nil {
		return nil, err
	}
	null := s.resolver.Null(cond)

	interleaved := s.cfg.Policy.Interleaved()
	maskFirst := sequence.ResolveMaskFirst(s.cfg.Policy, false, nil)
	if interleaved && req.MaskFirst != nil {
		maskFirst = *req.MaskFirst
	}
	layout := sequence.NewLayout(s.cfg.Schedule, s.cfg.Policy, maskFirst, s.cfg.Separator)

	condSess, err := safeOpen(ctx, s.pred, model.SessionConfig{Cond: cond.Embed, Layout: layout})
	if err != nil {
		return nil, fmt.Errorf("open conditional session: %w", err)
	}
	nullSess, err := safeOpen(ctx, s.pred, model.SessionConfig{Cond: null.Embed, Layout: layout})
	if err != nil {
		return nil, fmt.Errorf("open unconditional session: %w", err)
	}

	rng := rand.New(rand.NewSource(req.Seed))
	draw := logits.NewSampler(logits.SamplerConfig{TopK: req.TopK, TopP: float32(req.TopP)}, rng)
	guided := make([]float32, s.cfg.Vocab)

	var (
		pyramids [2][][][]int
		stats    Stats
		total    int
	)
	for _, seg := range layout.Segments {
		if !seg.Separator {
			total++
		}
	}
	pending := make([]tensor.Mat, batch)
	current := -1
	for _, seg := range layout.Segments {
		if seg.Scale != current {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("decode stopped before scale %d: %w", seg.Scale, err)
			}
			current = seg.Scale
		}
		if seg.Separator {
			for b := range pending {
				pending[b], err = tensor.ConcatRows(pending[b], tensor.NewMat(1, pending[b].C))
				if err != nil {
					return nil, err
				}
			}
			continue
		}

		condLogits, err := safeStep(ctx, condSess, pending, seg.Len)
		if err != nil {
			return nil, fmt.Errorf("conditional step at scale %d: %w", seg.Scale, err)
		}
		nullLogits, err := safeStep(ctx, nullSess, pending, seg.Len)
		if err != nil {
			return nil, fmt.Errorf("unconditional step at scale %d: %w", seg.Scale, err)
		}
		if err := s.checkLogits(condLogits, batch, seg.Len); err != nil {
			return nil, err
		}
		if err := s.checkLogits(nullLogits, batch, seg.Len); err != nil {
			return nil, err
		}

		phase := Phase{Scale: seg.Scale, Stream: seg.Stream, Single: !interleaved}
		ids := forced(cond, seg)
		if ids != nil {
			stats.Forced += batch * seg.Len
		} else {
			gi := s.cfg.Guidance(phase)
			if gi < 0 || gi >= len(req.Guidance) {
				return nil, errdefs.Configf("guidance schedule returned index %d for scale %d", gi, seg.Scale)
			}
			g := float32(req.Guidance[gi])
			ids = make([][]int, batch)
			for b := range ids {
				ids[b] = make([]int, seg.Len)
				for p := range ids[b] {
					row := logits.Guide(guided, condLogits[b].Row(p)[:s.cfg.Vocab], nullLogits[b].Row(p)[:s.cfg.Vocab], g)
					ids[b][p] = draw.Sample(row)
				}
			}
			stats.Sampled += batch * seg.Len
		}

		t := 0
		if interleaved {
			t = int(seg.Stream)
		}
		pyramids[t] = append(pyramids[t], ids)
		emb, err := s.quant.LabelsToEmbeddings(ctx, pyramids[t])
		if err != nil {
			return nil, fmt.Errorf("embed %s scale %d: %w", seg.Stream, seg.Scale, err)
		}
		if len(emb) != len(pyramids[t]) || len(emb[len(emb)-1]) != batch {
			return nil, errdefs.Shapef("quantizer returned %d scales for %d", len(emb), len(pyramids[t]))
		}
		copy(pending, emb[len(emb)-1])

		stats.Phases++
		if s.progress != nil {
			s.progress(phase, stats.Phases, total)
		}
	}

	res := &Result{MaskFirst: maskFirst}
	if interleaved {
		first := sequence.StreamTarget
		if maskFirst {
			first = sequence.StreamControl
		}
		top, err := s.decode(ctx, pyramids[first])
		if err != nil {
			return nil, err
		}
		bottom, err := s.decode(ctx, pyramids[first.Other()])
		if err != nil {
			return nil, err
		}
		if res.Pixels, err = pixel.StackRows(top, bottom); err != nil {
			return nil, err
		}
		res.Split = top.H
		res.Control = pyramids[sequence.StreamControl]
		res.Target = pyramids[sequence.StreamTarget]
	} else {
		if res.Pixels, err = s.decode(ctx, pyramids[0]); err != nil {
			return nil, err
		}
		res.Target = pyramids[0]
	}

	stats.Duration = time.Since(start)
	res.Stats = stats
	s.log.Debug("decoded batch",
		"batch", batch,
		"scales", s.cfg.Schedule.Len(),
		"mask_first", maskFirst,
		"sampled", stats.Sampled,
		"forced", stats.Forced,
		"duration", stats.Duration,
	)
	return res, nil
}

func (s *Sampler) decode(ctx context.Context, labels [][][]int) (*pixel.Batch, error) {
	px, err := s.quant.Decode(ctx, labels)
	if err != nil {
		return nil, fmt.Errorf("decode pyramid: %w", err)
	}
	return px.ToUnit(), nil
}

// forced returns the teacher-forced ids for seg, copied, or nil when the
// stream is sampled.
func forced(cond condition.Conditioning, seg sequence.Segment) [][]int {
	src := cond.TargetTokens
	if seg.Stream == sequence.StreamControl {
		src = cond.ControlTokens
	}
	if src == nil {
		return nil
	}
	out := make([][]int, len(src[seg.Scale]))
	for b, ids := range src[seg.Scale] {
		out[b] = append([]int(nil), ids...)
	}
	return out
}

func (s *Sampler) checkForced(name string, tokens [][][]int, batch int) error {
	if tokens == nil {
		return nil
	}
	sch := s.cfg.Schedule
	if len(tokens) != sch.Len() {
		return errdefs.Shapef("%s tokens have %d scales, schedule has %d", name, len(tokens), sch.Len())
	}
	for i, scaleIDs := range tokens {
		if len(scaleIDs) != batch {
			return errdefs.Shapef("%s tokens at scale %d have batch %d, want %d", name, i, len(scaleIDs), batch)
		}
		for b, ids := range scaleIDs {
			if len(ids) != sch.Positions(i) {
				return errdefs.Shapef("%s tokens at scale %d sample %d have %d ids, want %d", name, i, b, len(ids), sch.Positions(i))
			}
			for _, id := range ids {
				if id < 0 || id >= s.cfg.Vocab {
					return errdefs.Invalidf("%s token %d outside [0, %d)", name, id, s.cfg.Vocab)
				}
			}
		}
	}
	return nil
}

func (s *Sampler) checkLogits(out []tensor.Mat, batch, positions int) error {
	if len(out) != batch {
		return errdefs.Shapef("predictor returned %d samples, want %d", len(out), batch)
	}
	for b, m := range out {
		if m.R != positions || m.C < s.cfg.Vocab {
			return errdefs.Shapef("sample %d logits are %dx%d, want %dx>=%d", b, m.R, m.C, positions, s.cfg.Vocab)
		}
	}
	return nil
}
