// Package model defines the boundary between the decoding core and the
// networks it drives: a quantizer mapping pixels to per-scale codebook ids
// and a predictor producing logits over the merged sequence.
package model

import (
	"context"

	"github.com/samcharles93/ctrlvar/internal/pixel"
	"github.com/samcharles93/ctrlvar/internal/sequence"
	"github.com/samcharles93/ctrlvar/internal/tensor"
)

// Quantizer is a multi-scale residual codec.
//
// Labels are indexed [scale][sample][position]; a pyramid may hold fewer
// scales than the schedule while it is still being decoded.
type Quantizer interface {
	// EncodeToLabels quantizes every scale of the batch.
	EncodeToLabels(ctx context.Context, images *pixel.Batch) ([][][]int, error)
	// LabelsToEmbeddings returns one [pn² x C] matrix per scale and sample
	// for the scales present in labels.
	LabelsToEmbeddings(ctx context.Context, labels [][][]int) ([][]tensor.Mat, error)
	// Decode reconstructs pixels in [-1, 1] from a full pyramid.
	Decode(ctx context.Context, labels [][][]int) (*pixel.Batch, error)
}

// ForwardInput is the teacher-forced input for a whole merged sequence.
type ForwardInput struct {
	// Cond holds one conditioning embedding row per sample.
	Cond tensor.Mat
	// Embed holds one [Layout.Len x C] matrix per sample.
	Embed []tensor.Mat
	// Layout locates each block so the predictor can respect block
	// causality and tell the streams apart.
	Layout sequence.Layout
}

// SessionConfig starts an incremental decode.
type SessionConfig struct {
	Cond   tensor.Mat
	Layout sequence.Layout
}

// Predictor produces next-block logits.
type Predictor interface {
	// Forward returns one [Layout.Len x head] logit matrix per sample.
	// The logits of a block depend only on the conditioning and on blocks
	// placed before it.
	Forward(ctx context.Context, in ForwardInput) ([]tensor.Mat, error)
	// NewSession opens a context-cached decode for one batch.
	NewSession(ctx context.Context, cfg SessionConfig) (Session, error)
}

// Session is an incremental decode over one batch.
type Session interface {
	// Step appends one matrix of rows per sample to the context (appended
	// may be empty on the first call) and returns logits for the next
	// positions rows of every sample.
	Step(ctx context.Context, appended []tensor.Mat, positions int) ([]tensor.Mat, error)
}
