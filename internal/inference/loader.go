package inference

import (
	"github.com/samcharles93/ctrlvar/internal/condition"
	"github.com/samcharles93/ctrlvar/internal/logger"
	"github.com/samcharles93/ctrlvar/internal/scale"
	"github.com/samcharles93/ctrlvar/internal/sequence"
	"github.com/samcharles93/ctrlvar/internal/toy"
)

// Loader describes the model geometry and builds the toy collaborators for
// it. Every table is seeded from Seed so two loads with the same Loader are
// identical.
type Loader struct {
	PatchNums  []int
	Vocab      int
	Channels   int
	ImageSize  int
	NumClasses int
	ClassDim   int
	TypeDim    int
	MultiCond  bool
	Policy     string
	Separator  bool
	Seed       int64
}

// DefaultLoader returns a small geometry that decodes in milliseconds.
func DefaultLoader() Loader {
	return Loader{
		PatchNums:  []int{1, 2, 3, 4, 6, 8},
		Vocab:      64,
		Channels:   3,
		ImageSize:  16,
		NumClasses: 10,
		ClassDim:   8,
		TypeDim:    4,
		MultiCond:  true,
		Policy:     sequence.PolicyInterleaveAppend.String(),
		Seed:       0,
	}
}

type LoadResult struct {
	Sampler   *Sampler
	Schedule  scale.Schedule
	Policy    sequence.Policy
	Builder   sequence.Builder
	Resolver  *condition.Resolver
	Quantizer *toy.Quantizer
	Predictor *toy.Predictor
}

// Load validates l and wires a sampler over fresh toy collaborators.
func (l Loader) Load(log logger.Logger) (*LoadResult, error) {
	sch, err := scale.New(l.PatchNums)
	if err != nil {
		return nil, err
	}
	policy, err := sequence.ParsePolicy(l.Policy)
	if err != nil {
		return nil, err
	}
	resolver, err := condition.NewResolver(condition.Config{
		NumClasses: l.NumClasses,
		ClassDim:   l.ClassDim,
		TypeDim:    l.TypeDim,
		MultiCond:  l.MultiCond,
		Seed:       l.Seed,
	})
	if err != nil {
		return nil, err
	}
	quant, err := toy.NewQuantizer(toy.QuantizerConfig{
		Schedule: sch,
		Vocab:    l.Vocab,
		Channels: l.Channels,
		Height:   l.ImageSize,
		Width:    l.ImageSize,
		Seed:     l.Seed,
	})
	if err != nil {
		return nil, err
	}
	maxLen := sch.Total()
	if policy.Interleaved() {
		maxLen = sch.InterleavedLen(l.Separator)
	}
	pred, err := toy.NewPredictor(toy.PredictorConfig{
		Head:     sch.HeadSize(l.Vocab, l.Separator),
		EmbedDim: quant.Channels(),
		CondDim:  resolver.Width(),
		MaxLen:   maxLen,
		Seed:     l.Seed,
	})
	if err != nil {
		return nil, err
	}
	sampler, err := NewSampler(Config{
		Schedule:  sch,
		Vocab:     l.Vocab,
		Policy:    policy,
		Separator: l.Separator,
	}, resolver, quant, pred, log)
	if err != nil {
		return nil, err
	}
	return &LoadResult{
		Sampler:   sampler,
		Schedule:  sch,
		Policy:    policy,
		Builder:   sequence.Builder{Schedule: sch, Vocab: l.Vocab, Separator: l.Separator},
		Resolver:  resolver,
		Quantizer: quant,
		Predictor: pred,
	}, nil
}
