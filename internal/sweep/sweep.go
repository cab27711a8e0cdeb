// Package sweep runs class-conditional evaluation: classes are sharded
// across ranks, each class is sampled in fixed-size batches and the
// batches run on a bounded worker pool.
package sweep

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/ctrlvar/internal/condition"
	"github.com/samcharles93/ctrlvar/internal/errdefs"
	"github.com/samcharles93/ctrlvar/internal/gibbs"
	"github.com/samcharles93/ctrlvar/internal/inference"
	"github.com/samcharles93/ctrlvar/internal/logger"
	"github.com/samcharles93/ctrlvar/internal/model"
	"github.com/samcharles93/ctrlvar/internal/pixel"
)

// Shard returns the contiguous classes owned by rank out of world ranks.
// Every rank gets numClasses/world classes and the last one also takes the
// remainder.
func Shard(numClasses, world, rank int) ([]int, error) {
	if numClasses <= 0 || world <= 0 {
		return nil, errdefs.Configf("shard needs positive classes and world size, got %d and %d", numClasses, world)
	}
	if rank < 0 || rank >= world {
		return nil, errdefs.Configf("rank %d outside [0, %d)", rank, world)
	}
	per := numClasses / world
	lo, hi := per*rank, per*(rank+1)
	if rank == world-1 {
		hi = numClasses
	}
	out := make([]int, 0, hi-lo)
	for c := lo; c < hi; c++ {
		out = append(out, c)
	}
	return out, nil
}

// Plan splits perClass samples into batches of at most batch.
func Plan(perClass, batch int) ([]int, error) {
	if batch <= 0 {
		return nil, errdefs.Configf("batch size must be positive, got %d", batch)
	}
	if perClass < 0 {
		return nil, errdefs.Configf("samples per class must be non-negative, got %d", perClass)
	}
	var out []int
	for left := perClass; left > 0; left -= batch {
		out = append(out, min(batch, left))
	}
	return out, nil
}

// Job is one batch of one class.
type Job struct {
	Class int   `json:"class"`
	Index int   `json:"index"`
	Batch int   `json:"batch"`
	Seed  int64 `json:"seed"`
	// First is the index of the job's first sample within its class.
	First int `json:"first"`
}

// Jobs expands classes into batches. The i-th batch of class c uses seed
// seed + i·(c+1) so every job can run independently.
func Jobs(classes []int, perClass, batch int, seed int64) ([]Job, error) {
	plan, err := Plan(perClass, batch)
	if err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(classes)*len(plan))
	for _, c := range classes {
		first := 0
		for i, n := range plan {
			jobs = append(jobs, Job{Class: c, Index: i, Batch: n, Seed: seed + int64(i)*int64(c+1), First: first})
			first += n
		}
	}
	return jobs, nil
}

// Output is a finished job.
type Output struct {
	Job    Job
	Result *inference.Result
	// Pixels is Result.Pixels after any Gibbs rounds.
	Pixels *pixel.Batch
}

// ImageSource supplies the target and control images of a job, N×C×H×W
// in [-1, 1] with one sample per job slot.
type ImageSource func(job Job) (target, control *pixel.Batch, err error)

// Config controls a sweep run.
type Config struct {
	Workers     int
	Type        condition.Type
	Base        inference.Request
	GibbsRounds int
	Split       gibbs.SplitRule
	// PixelCond teacher-forces one stream from the Images of each job.
	PixelCond inference.PixelCondition
	Images    ImageSource
}

// Runner executes jobs against an engine.
type Runner struct {
	Engine    inference.Engine
	Quantizer model.Quantizer
	Config    Config
	Log       logger.Logger
}

// Run executes jobs on at most Config.Workers goroutines and calls emit for
// each finished job. emit calls are serialised. The first error cancels
// the remaining jobs and is returned.
func (r *Runner) Run(ctx context.Context, jobs []Job, emit func(Output) error) error {
	if r.Config.GibbsRounds > 0 && r.Quantizer == nil {
		return errdefs.Configf("gibbs rounds need a quantizer")
	}
	if r.Config.PixelCond != inference.PixelNone && (r.Quantizer == nil || r.Config.Images == nil) {
		return errdefs.Configf("%s pixel conditioning needs a quantizer and an image source", r.Config.PixelCond)
	}
	log := r.Log
	if log == nil {
		log = logger.Discard()
	}
	workers := r.Config.Workers
	if workers <= 0 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	var mu sync.Mutex
	for _, job := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out, err := r.runJob(gctx, job)
			if err != nil {
				return fmt.Errorf("class %d batch %d: %w", job.Class, job.Index, err)
			}
			log.Debug("sweep job finished", "class", job.Class, "batch", job.Index, "samples", job.Batch)
			mu.Lock()
			defer mu.Unlock()
			return emit(out)
		})
	}
	return g.Wait()
}

func (r *Runner) runJob(ctx context.Context, job Job) (Output, error) {
	req := r.Config.Base
	req.Spec = condition.Uniform(job.Class, r.Config.Type, job.Batch)
	req.Spec.Guidance = r.Config.Base.Spec.Guidance
	req.Seed = job.Seed
	if r.Config.PixelCond != inference.PixelNone {
		target, control, err := r.Config.Images(job)
		if err != nil {
			return Output{}, fmt.Errorf("load images: %w", err)
		}
		img := control
		if r.Config.PixelCond == inference.PixelTarget {
			img = target
		}
		if req.Spec, err = inference.ConditionOnPixels(ctx, r.Quantizer, req.Spec, r.Config.PixelCond, img); err != nil {
			return Output{}, err
		}
	}
	res, err := r.Engine.Sample(ctx, req)
	if err != nil {
		return Output{}, err
	}
	out := Output{Job: job, Result: res, Pixels: res.Pixels}
	if r.Config.GibbsRounds > 0 {
		split := r.Config.Split
		if split == nil {
			if res.Split == 0 {
				return Output{}, errdefs.Configf("gibbs refinement needs an interleaved layout")
			}
			split = gibbs.StackedSplit(res.Split, res.MaskFirst)
		}
		ref := &gibbs.Refiner{
			Engine:    r.Engine,
			Quantizer: r.Quantizer,
			Base:      req,
			Split:     split,
			Log:       r.Log,
		}
		if out.Pixels, err = ref.Refine(ctx, res.Pixels, r.Config.GibbsRounds); err != nil {
			return Output{}, err
		}
	}
	return out, nil
}
