package inference

import (
	"context"
	"fmt"

	"github.com/samcharles93/ctrlvar/internal/model"
	"github.com/samcharles93/ctrlvar/internal/tensor"
)

func safeOpen(ctx context.Context, p model.Predictor, cfg model.SessionConfig) (sess model.Session, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in NewSession: %v", rec)
		}
	}()
	return p.NewSession(ctx, cfg)
}

func safeStep(ctx context.Context, s model.Session, appended []tensor.Mat, positions int) (out []tensor.Mat, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Step: %v", rec)
		}
	}()
	return s.Step(ctx, appended, positions)
}
