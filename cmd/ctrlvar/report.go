package main

import (
	"io"
	"math"
	"os"

	"github.com/goccy/go-json"

	"github.com/samcharles93/ctrlvar/internal/condition"
	"github.com/samcharles93/ctrlvar/internal/errdefs"
	"github.com/samcharles93/ctrlvar/internal/inference"
	"github.com/samcharles93/ctrlvar/internal/pixel"
)

// sampleReport is what sample and refine print. Pixels are in [0, 1],
// indexed ((n·C+c)·H+y)·W+x.
type sampleReport struct {
	RunID     string      `json:"run_id"`
	Classes   []int       `json:"classes"`
	Type      string      `json:"type"`
	Policy    string      `json:"policy"`
	Seed      int64       `json:"seed"`
	Guidance  [3]float64  `json:"guidance"`
	TopK      int         `json:"top_k"`
	TopP      float64     `json:"top_p"`
	MaskFirst bool        `json:"mask_first"`
	PixelCond string      `json:"pixel_cond,omitempty"`
	Split     int         `json:"split"`
	Rounds    int         `json:"rounds,omitempty"`
	Batch     int         `json:"batch"`
	Channels  int         `json:"channels"`
	Height    int         `json:"height"`
	Width     int         `json:"width"`
	Control   [][][]int   `json:"control,omitempty"`
	Target    [][][]int   `json:"target,omitempty"`
	Pixels    []float32   `json:"pixels"`
	Stats     reportStats `json:"stats"`
}

type reportStats struct {
	Phases     int   `json:"phases"`
	Sampled    int   `json:"sampled"`
	Forced     int   `json:"forced"`
	DurationMS int64 `json:"duration_ms"`
}

func newReport(req inference.Request, policyName string, res *inference.Result) sampleReport {
	typ := condition.TypeNone
	if len(req.Spec.Types) > 0 {
		typ = req.Spec.Types[0]
	}
	return sampleReport{
		RunID:     runID,
		Classes:   req.Spec.ClassIDs,
		Type:      typ.String(),
		Policy:    policyName,
		Seed:      req.Seed,
		Guidance:  req.Guidance,
		TopK:      req.TopK,
		TopP:      req.TopP,
		MaskFirst: res.MaskFirst,
		Split:     res.Split,
		Batch:     res.Pixels.N,
		Channels:  res.Pixels.C,
		Height:    res.Pixels.H,
		Width:     res.Pixels.W,
		Control:   res.Control,
		Target:    res.Target,
		Pixels:    res.Pixels.Data,
		Stats: reportStats{
			Phases:     res.Stats.Phases,
			Sampled:    res.Stats.Sampled,
			Forced:     res.Stats.Forced,
			DurationMS: res.Stats.Duration.Milliseconds(),
		},
	}
}

// pixels rebuilds the batch a report describes.
func (r sampleReport) pixels() (*pixel.Batch, error) {
	dims := [4]int{r.Batch, r.Channels, r.Height, r.Width}
	need := 1
	for _, d := range dims {
		if d <= 0 {
			return nil, errdefs.Invalidf("report geometry %dx%dx%dx%d has a non-positive dimension", r.Batch, r.Channels, r.Height, r.Width)
		}
		if need > math.MaxInt/d {
			return nil, errdefs.Invalidf("report geometry %dx%dx%dx%d is too large", r.Batch, r.Channels, r.Height, r.Width)
		}
		need *= d
	}
	if len(r.Pixels) != need {
		return nil, errdefs.Shapef("report holds %d pixels, geometry %dx%dx%dx%d needs %d",
			len(r.Pixels), r.Batch, r.Channels, r.Height, r.Width, need)
	}
	b := pixel.New(r.Batch, r.Channels, r.Height, r.Width)
	copy(b.Data, r.Pixels)
	return b, nil
}

func readReport(path string) (sampleReport, error) {
	var r sampleReport
	data, err := os.ReadFile(path)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, errdefs.Invalidf("parse report %s: %v", path, err)
	}
	return r, nil
}

// openOutput returns stdout when path is empty.
func openOutput(path string) (io.WriteCloser, error) {
	if path == "" {
		return nopCloser{os.Stdout}, nil
	}
	return os.Create(path)
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func writeJSON(path string, v any) error {
	w, err := openOutput(path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}
