package condition

import (
	"math/rand"

	"github.com/samcharles93/ctrlvar/internal/errdefs"
	"github.com/samcharles93/ctrlvar/internal/tensor"
)

// Conditioning is the resolved per-sample condition of a batch.
type Conditioning struct {
	ClassIDs []int
	Types    []Type
	Dropped  []bool
	// Embed is [B x Width] and feeds the predictor's conditioning path.
	Embed tensor.Mat

	ControlTokens [][][]int
	TargetTokens  [][][]int
}

// Batch returns the number of samples.
func (c Conditioning) Batch() int { return len(c.ClassIDs) }

// Config sizes the embedding tables of a Resolver.
type Config struct {
	NumClasses int
	ClassDim   int
	TypeDim    int
	// MultiCond concatenates the condition-type embedding to the class
	// embedding. When false only the class embedding is used.
	MultiCond bool
	Seed      int64
}

// Resolver owns read-only class and type embedding tables. It is safe for
// concurrent use.
type Resolver struct {
	cfg      Config
	classEmb tensor.Mat // [(NumClasses+1) x ClassDim], last row unconditional
	typeEmb  tensor.Mat // [NumTypes x TypeDim]
}

// NewResolver validates cfg and initialises the tables from cfg.Seed.
func NewResolver(cfg Config) (*Resolver, error) {
	if cfg.NumClasses <= 0 {
		return nil, errdefs.Configf("num classes must be positive, got %d", cfg.NumClasses)
	}
	if cfg.ClassDim <= 0 {
		return nil, errdefs.Configf("class embedding width must be positive, got %d", cfg.ClassDim)
	}
	if cfg.MultiCond && cfg.TypeDim <= 0 {
		return nil, errdefs.Configf("multi-condition needs a positive type embedding width, got %d", cfg.TypeDim)
	}
	r := &Resolver{
		cfg:      cfg,
		classEmb: tensor.NewMat(cfg.NumClasses+1, cfg.ClassDim),
	}
	tensor.FillNormal(&r.classEmb, cfg.Seed+101, 0.5)
	if cfg.MultiCond {
		r.typeEmb = tensor.NewMat(NumTypes, cfg.TypeDim)
		tensor.FillNormal(&r.typeEmb, cfg.Seed+103, 0.5)
	}
	return r, nil
}

// Sentinel returns the class id used for unconditional samples.
func (r *Resolver) Sentinel() int { return r.cfg.NumClasses }

// Width returns the conditioning embedding width.
func (r *Resolver) Width() int {
	if r.cfg.MultiCond {
		return r.cfg.ClassDim + r.cfg.TypeDim
	}
	return r.cfg.ClassDim
}

// Resolve validates spec and builds its conditioning. In ModeTrain every
// sample is independently replaced by the unconditional sentinel with
// probability spec.DropRate, drawn from rng. rng may be nil in ModeEval.
func (r *Resolver) Resolve(spec Spec, mode Mode, rng *rand.Rand) (Conditioning, error) {
	batch := spec.Batch()
	if batch == 0 {
		return Conditioning{}, errdefs.Invalidf("condition spec has no samples")
	}
	types, err := broadcastTypes(spec.Types, batch)
	if err != nil {
		return Conditioning{}, err
	}
	out := Conditioning{
		ClassIDs:      make([]int, batch),
		Types:         types,
		Dropped:       make([]bool, batch),
		ControlTokens: spec.ControlTokens,
		TargetTokens:  spec.TargetTokens,
	}
	for i, id := range spec.ClassIDs {
		if id < 0 || id >= r.cfg.NumClasses {
			return Conditioning{}, errdefs.Invalidf("class id %d at sample %d outside [0,%d)", id, i, r.cfg.NumClasses)
		}
		out.ClassIDs[i] = id
	}
	if mode == ModeTrain && spec.DropRate > 0 {
		if rng == nil {
			return Conditioning{}, errdefs.Invalidf("training mode needs an explicit rng")
		}
		for i := range out.ClassIDs {
			if rng.Float64() < spec.DropRate {
				out.ClassIDs[i] = r.Sentinel()
				out.Types[i] = TypeNone
				out.Dropped[i] = true
			}
		}
	}
	out.Embed = r.embed(out.ClassIDs, out.Types)
	return out, nil
}

// Null returns the unconditional counterpart of c for classifier-free
// guidance. Teacher-forced tokens are kept: both branches share one context.
func (r *Resolver) Null(c Conditioning) Conditioning {
	n := c.Batch()
	out := Conditioning{
		ClassIDs:      make([]int, n),
		Types:         make([]Type, n),
		Dropped:       make([]bool, n),
		ControlTokens: c.ControlTokens,
		TargetTokens:  c.TargetTokens,
	}
	for i := range out.ClassIDs {
		out.ClassIDs[i] = r.Sentinel()
		out.Types[i] = TypeNone
		out.Dropped[i] = true
	}
	out.Embed = r.embed(out.ClassIDs, out.Types)
	return out
}

func (r *Resolver) embed(classIDs []int, types []Type) tensor.Mat {
	m := tensor.NewMat(len(classIDs), r.Width())
	for i, id := range classIDs {
		row := m.Row(i)
		copy(row, r.classEmb.Row(id))
		if r.cfg.MultiCond {
			copy(row[r.cfg.ClassDim:], r.typeEmb.Row(int(types[i])))
		}
	}
	return m
}

func broadcastTypes(types []Type, batch int) ([]Type, error) {
	out := make([]Type, batch)
	switch len(types) {
	case 0:
		for i := range out {
			out[i] = TypeNone
		}
		return out, nil
	case 1:
		if !types[0].Valid() {
			return nil, errdefs.Configf("unknown condition type %d", int(types[0]))
		}
		for i := range out {
			out[i] = types[0]
		}
		return out, nil
	case batch:
		for i, t := range types {
			if !t.Valid() {
				return nil, errdefs.Configf("unknown condition type %d at sample %d", int(t), i)
			}
		}
		copy(out, types)
		return out, nil
	default:
		return nil, errdefs.Invalidf("%d condition types for %d samples", len(types), batch)
	}
}
