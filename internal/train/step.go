// Package train runs single teacher-forced training steps over a batch of
// target and control images.
package train

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/samcharles93/ctrlvar/internal/condition"
	"github.com/samcharles93/ctrlvar/internal/errdefs"
	"github.com/samcharles93/ctrlvar/internal/logger"
	"github.com/samcharles93/ctrlvar/internal/model"
	"github.com/samcharles93/ctrlvar/internal/objective"
	"github.com/samcharles93/ctrlvar/internal/pixel"
	"github.com/samcharles93/ctrlvar/internal/sequence"
)

// State is the position of a run. Steps return an updated copy.
type State struct {
	Step  int
	Epoch int
}

// NextEpoch returns the state at the start of the following epoch.
func (s State) NextEpoch() State { return State{Step: s.Step, Epoch: s.Epoch + 1} }

// Batch is one training batch. Target and Control are N×C×H×W in [-1, 1].
type Batch struct {
	Target  *pixel.Batch
	Control *pixel.Batch
	Spec    condition.Spec
}

// Metrics describes one finished step.
type Metrics struct {
	Loss      float64
	Active    float64
	Positions int
	MaskFirst bool
	Dropped   int
}

// Updater consumes the loss of a step, typically to apply gradients.
type Updater interface {
	Update(ctx context.Context, st State, loss objective.Result) error
}

// UpdaterFunc adapts a function to Updater.
type UpdaterFunc func(ctx context.Context, st State, loss objective.Result) error

func (f UpdaterFunc) Update(ctx context.Context, st State, loss objective.Result) error {
	return f(ctx, st, loss)
}

// Config holds the per-run training switches.
type Config struct {
	Policy        sequence.Policy
	Bidirectional bool
	Supervise     sequence.Supervise
	// DropRate is the classifier-free dropout rate used when the batch
	// spec leaves it at zero.
	DropRate float64
	Seed     int64
}

// Trainer wires the collaborators of a training step. It keeps no mutable
// state, so Step may run concurrently for different batches.
type Trainer struct {
	Config    Config
	Builder   sequence.Builder
	Resolver  *condition.Resolver
	Quantizer model.Quantizer
	Predictor model.Predictor
	Updater   Updater
	Log       logger.Logger
}

// rngFor derives the step's random source from the run seed, so replaying a
// step reproduces its dropout and stream order.
func (t *Trainer) rngFor(st State) *rand.Rand {
	return rand.New(rand.NewSource(t.Config.Seed + int64(st.Epoch)*1_000_003 + int64(st.Step)))
}

// Step encodes both images, merges the streams, runs the teacher-forced
// forward pass and computes the masked loss. The returned state has Step
// advanced by one; st itself is never modified.
func (t *Trainer) Step(ctx context.Context, st State, b Batch) (State, Metrics, error) {
	if b.Target == nil || b.Control == nil {
		return st, Metrics{}, errdefs.Invalidf("training batch needs target and control images")
	}
	n := b.Spec.Batch()
	if b.Target.N != n || b.Control.N != n {
		return st, Metrics{}, errdefs.Shapef("batch has %d targets, %d controls and %d class ids", b.Target.N, b.Control.N, n)
	}
	log := t.Log
	if log == nil {
		log = logger.Discard()
	}
	rng := t.rngFor(st)

	target, err := t.encode(ctx, b.Target)
	if err != nil {
		return st, Metrics{}, fmt.Errorf("encode target: %w", err)
	}
	control, err := t.encode(ctx, b.Control)
	if err != nil {
		return st, Metrics{}, fmt.Errorf("encode control: %w", err)
	}

	spec := b.Spec
	if spec.DropRate == 0 {
		spec.DropRate = t.Config.DropRate
	}
	cond, err := t.Resolver.Resolve(spec, condition.ModeTrain, rng)
	if err != nil {
		return st, Metrics{}, err
	}

	maskFirst := sequence.ResolveMaskFirst(t.Config.Policy, t.Config.Bidirectional, rng)
	masks := sequence.NewStreamMasks(t.Builder.Schedule, t.Config.Policy, t.Builder.Separator, n, t.Config.Supervise)
	merged, err := t.Builder.Build(target, control, t.Config.Policy, maskFirst, masks)
	if err != nil {
		return st, Metrics{}, err
	}

	logits, err := t.Predictor.Forward(ctx, model.ForwardInput{Cond: cond.Embed, Embed: merged.Embed, Layout: merged.Layout})
	if err != nil {
		return st, Metrics{}, fmt.Errorf("forward: %w", err)
	}
	loss, err := objective.Loss(logits, merged.Labels, merged.Mask, log)
	if err != nil {
		return st, Metrics{}, err
	}
	if t.Updater != nil {
		if err := t.Updater.Update(ctx, st, loss); err != nil {
			return st, Metrics{}, fmt.Errorf("update: %w", err)
		}
	}

	m := Metrics{
		Loss:      loss.Loss,
		Active:    loss.Active,
		Positions: loss.Positions,
		MaskFirst: merged.MaskFirst,
	}
	for _, d := range cond.Dropped {
		if d {
			m.Dropped++
		}
	}
	log.Debug("train step", "epoch", st.Epoch, "step", st.Step, "loss", m.Loss, "mask_first", m.MaskFirst, "dropped", m.Dropped)
	return State{Step: st.Step + 1, Epoch: st.Epoch}, m, nil
}

func (t *Trainer) encode(ctx context.Context, images *pixel.Batch) ([]sequence.Block, error) {
	labels, err := t.Quantizer.EncodeToLabels(ctx, images)
	if err != nil {
		return nil, err
	}
	emb, err := t.Quantizer.LabelsToEmbeddings(ctx, labels)
	if err != nil {
		return nil, err
	}
	blocks := make([]sequence.Block, len(labels))
	for i := range labels {
		blocks[i] = sequence.Block{Labels: labels[i], Embed: emb[i]}
	}
	return blocks, nil
}
