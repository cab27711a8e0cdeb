package sweep

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/samcharles93/ctrlvar/internal/condition"
	"github.com/samcharles93/ctrlvar/internal/errdefs"
	"github.com/samcharles93/ctrlvar/internal/inference"
	"github.com/samcharles93/ctrlvar/internal/pixel"
	"github.com/samcharles93/ctrlvar/internal/toy"
)

func TestShardCoversEveryClassOnce(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct{ classes, world int }{{1000, 8}, {10, 3}, {7, 7}, {5, 1}} {
		seen := make([]int, tc.classes)
		for rank := 0; rank < tc.world; rank++ {
			got, err := Shard(tc.classes, tc.world, rank)
			if err != nil {
				t.Fatal(err)
			}
			for i := 1; i < len(got); i++ {
				if got[i] != got[i-1]+1 {
					t.Fatalf("shard %d is not contiguous: %v", rank, got)
				}
			}
			for _, c := range got {
				seen[c]++
			}
		}
		for c, n := range seen {
			if n != 1 {
				t.Fatalf("%d/%d: class %d seen %d times", tc.classes, tc.world, c, n)
			}
		}
	}
	last, _ := Shard(10, 3, 2)
	if len(last) != 4 || last[0] != 6 {
		t.Fatalf("last rank should take the remainder, got %v", last)
	}
}

func TestShardErrors(t *testing.T) {
	t.Parallel()
	for _, args := range [][3]int{{0, 1, 0}, {10, 0, 0}, {10, 2, 2}, {10, 2, -1}} {
		if _, err := Shard(args[0], args[1], args[2]); !errors.Is(err, errdefs.ErrConfiguration) {
			t.Fatalf("Shard%v err = %v", args, err)
		}
	}
}

func TestPlan(t *testing.T) {
	t.Parallel()
	cases := []struct {
		perClass, batch int
		want            []int
	}{
		{50, 16, []int{16, 16, 16, 2}},
		{48, 16, []int{16, 16, 16}},
		{3, 8, []int{3}},
		{0, 8, nil},
	}
	for _, tc := range cases {
		got, err := Plan(tc.perClass, tc.batch)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != len(tc.want) {
			t.Fatalf("Plan(%d,%d) = %v", tc.perClass, tc.batch, got)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("Plan(%d,%d) = %v", tc.perClass, tc.batch, got)
			}
		}
	}
	if _, err := Plan(5, 0); !errors.Is(err, errdefs.ErrConfiguration) {
		t.Fatalf("zero batch: %v", err)
	}
}

func TestJobsSeeds(t *testing.T) {
	t.Parallel()
	jobs, err := Jobs([]int{0, 4}, 5, 2, 100)
	if err != nil {
		t.Fatal(err)
	}
	want := []Job{
		{Class: 0, Index: 0, Batch: 2, Seed: 100, First: 0},
		{Class: 0, Index: 1, Batch: 2, Seed: 101, First: 2},
		{Class: 0, Index: 2, Batch: 1, Seed: 102, First: 4},
		{Class: 4, Index: 0, Batch: 2, Seed: 100, First: 0},
		{Class: 4, Index: 1, Batch: 2, Seed: 105, First: 2},
		{Class: 4, Index: 2, Batch: 1, Seed: 110, First: 4},
	}
	if len(jobs) != len(want) {
		t.Fatalf("got %d jobs", len(jobs))
	}
	for i := range want {
		if jobs[i] != want[i] {
			t.Fatalf("job %d = %+v want %+v", i, jobs[i], want[i])
		}
	}
}

type countingEngine struct {
	inner inference.Engine
	calls atomic.Int64
}

func (e *countingEngine) Sample(ctx context.Context, req inference.Request) (*inference.Result, error) {
	e.calls.Add(1)
	return e.inner.Sample(ctx, req)
}

func loadToy(t *testing.T) *inference.LoadResult {
	t.Helper()
	l := inference.DefaultLoader()
	l.PatchNums = []int{1, 2, 4}
	l.Vocab = 16
	l.ImageSize = 8
	lr, err := l.Load(nil)
	if err != nil {
		t.Fatal(err)
	}
	return lr
}

func TestRunEmitsEveryJob(t *testing.T) {
	t.Parallel()
	lr := loadToy(t)
	eng := &countingEngine{inner: lr.Sampler}
	jobs, err := Jobs([]int{0, 1, 2}, 3, 2, 42)
	if err != nil {
		t.Fatal(err)
	}
	r := &Runner{
		Engine:    eng,
		Quantizer: lr.Quantizer,
		Config: Config{
			Workers:     3,
			Type:        condition.TypeDepth,
			Base:        inference.Request{Guidance: [3]float64{2, 2, 2}, TopK: 4, TopP: 0.9},
			GibbsRounds: 1,
		},
	}
	samples := 0
	byClass := map[int]int{}
	err = r.Run(context.Background(), jobs, func(o Output) error {
		samples += o.Pixels.N
		byClass[o.Job.Class]++
		if o.Pixels.N != o.Job.Batch {
			t.Errorf("job %+v produced %d samples", o.Job, o.Pixels.N)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if samples != 9 || len(byClass) != 3 {
		t.Fatalf("emitted %d samples over %v", samples, byClass)
	}
	// One sample call per job plus two per Gibbs round.
	if got := eng.calls.Load(); got != int64(len(jobs)*3) {
		t.Fatalf("engine called %d times", got)
	}
}

func TestRunStopsOnEmitError(t *testing.T) {
	t.Parallel()
	lr := loadToy(t)
	jobs, _ := Jobs([]int{0, 1, 2, 3}, 4, 1, 1)
	boom := errors.New("disk full")
	r := &Runner{Engine: lr.Sampler, Config: Config{Workers: 2, Base: inference.Request{TopK: 1}}}
	err := r.Run(context.Background(), jobs, func(Output) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected emit error, got %v", err)
	}
}

func TestRunPixelConditionedControl(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	lr := loadToy(t)
	l := inference.DefaultLoader()
	jobs, err := Jobs([]int{1, 3}, 2, 2, 7)
	if err != nil {
		t.Fatal(err)
	}
	images := func(job Job) (*pixel.Batch, *pixel.Batch, error) {
		classes := make([]int, job.Batch)
		for i := range classes {
			classes[i] = job.Class
		}
		target, control := toy.SyntheticFor(classes, l.Channels, 8, l.NumClasses, job.Seed)
		return target, control, nil
	}
	r := &Runner{
		Engine:    lr.Sampler,
		Quantizer: lr.Quantizer,
		Config: Config{
			Workers:   2,
			Type:      condition.TypeMask,
			Base:      inference.Request{Guidance: [3]float64{3, 3, 3}, TopK: 4, TopP: 0.9},
			PixelCond: inference.PixelControl,
			Images:    images,
		},
	}
	seen := 0
	err = r.Run(ctx, jobs, func(o Output) error {
		_, control, _ := images(o.Job)
		want, err := lr.Quantizer.EncodeToLabels(ctx, control)
		if err != nil {
			return err
		}
		for i := range want {
			for b := range want[i] {
				for p := range want[i][b] {
					if o.Result.Control[i][b][p] != want[i][b][p] {
						t.Errorf("class %d: control token differs at scale %d sample %d pos %d", o.Job.Class, i, b, p)
						return nil
					}
				}
			}
		}
		if o.Result.Stats.Sampled != o.Result.Stats.Forced {
			t.Errorf("class %d: sampled %d forced %d", o.Job.Class, o.Result.Stats.Sampled, o.Result.Stats.Forced)
		}
		seen++
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if seen != len(jobs) {
		t.Fatalf("emitted %d of %d jobs", seen, len(jobs))
	}
}

func TestRunPixelConditionNeedsImages(t *testing.T) {
	t.Parallel()
	lr := loadToy(t)
	jobs, _ := Jobs([]int{0}, 1, 1, 1)
	r := &Runner{Engine: lr.Sampler, Quantizer: lr.Quantizer, Config: Config{PixelCond: inference.PixelTarget}}
	if err := r.Run(context.Background(), jobs, func(Output) error { return nil }); !errors.Is(err, errdefs.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
