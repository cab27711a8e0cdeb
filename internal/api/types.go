package api

import "github.com/samcharles93/ctrlvar/internal/inference"

// SampleRequest is the body of POST /v1/sample.
type SampleRequest struct {
	Classes   []int       `json:"classes"`
	Type      string      `json:"type,omitempty"`
	Guidance  *[3]float64 `json:"guidance,omitempty"`
	TopK      *int        `json:"top_k,omitempty"`
	TopP      *float64    `json:"top_p,omitempty"`
	Seed      *int64      `json:"seed,omitempty"`
	MaskFirst *bool       `json:"mask_first,omitempty"`
	// ControlTokens teacher-forces the control stream, [scale][sample][pos].
	ControlTokens [][][]int `json:"control_tokens,omitempty"`
	// ControlImage or TargetImage teacher-forces a stream from pixels.
	ControlImage *ImageInput `json:"control_image,omitempty"`
	TargetImage  *ImageInput `json:"target_image,omitempty"`
	// IncludePixels adds the decoded pixel buffer to the response.
	IncludePixels bool `json:"include_pixels,omitempty"`
}

func (r SampleRequest) options() inference.RequestOptions {
	return inference.RequestOptions{
		Seed:      r.Seed,
		TopK:      r.TopK,
		TopP:      r.TopP,
		Guidance:  r.Guidance,
		MaskFirst: r.MaskFirst,
	}
}

// ImageInput is one image per requested class, laid out like the
// response pixels: values in [0, 1] indexed ((n·C+c)·H+y)·W+x.
type ImageInput struct {
	Channels int       `json:"channels"`
	Height   int       `json:"height"`
	Width    int       `json:"width"`
	Data     []float32 `json:"data"`
}

// RefineRequest is the body of POST /v1/refine. It refines a stored sample.
type RefineRequest struct {
	SampleID      string      `json:"sample_id"`
	Rounds        int         `json:"rounds"`
	Guidance      *[3]float64 `json:"guidance,omitempty"`
	TopK          *int        `json:"top_k,omitempty"`
	TopP          *float64    `json:"top_p,omitempty"`
	Seed          *int64      `json:"seed,omitempty"`
	IncludePixels bool        `json:"include_pixels,omitempty"`
}

type SampleStats struct {
	Sampled    int   `json:"sampled"`
	Forced     int   `json:"forced"`
	DurationMS int64 `json:"duration_ms"`
}

// SampleResponse describes a stored sample.
type SampleResponse struct {
	ID        string      `json:"id"`
	Object    string      `json:"object"`
	CreatedAt int64       `json:"created_at"`
	Parent    string      `json:"parent,omitempty"`
	Classes   []int       `json:"classes"`
	Type      string      `json:"type"`
	Seed      int64       `json:"seed"`
	Batch     int         `json:"batch"`
	Channels  int         `json:"channels"`
	Height    int         `json:"height"`
	Width     int         `json:"width"`
	Split     int         `json:"split"`
	MaskFirst bool        `json:"mask_first"`
	Rounds    int         `json:"rounds,omitempty"`
	Control   [][][]int   `json:"control,omitempty"`
	Target    [][][]int   `json:"target,omitempty"`
	Pixels    []float32   `json:"pixels,omitempty"`
	Stats     SampleStats `json:"stats"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

type DeleteResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}
