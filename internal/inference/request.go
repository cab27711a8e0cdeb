package inference

import "github.com/samcharles93/ctrlvar/internal/condition"

// RequestOptions carries optional overrides; nil fields fall back to
// GenDefaults and then to built-in values.
type RequestOptions struct {
	Seed      *int64
	TopK      *int
	TopP      *float64
	Guidance  *[3]float64
	MaskFirst *bool
}

// GenDefaults are deployment-wide sampling defaults, usually from config.
type GenDefaults struct {
	Seed     *int64
	TopK     *int
	TopP     *float64
	Guidance *[3]float64
}

// ResolveRequest merges opts over defaults for spec. Guidance is taken from
// opts, then from a non-zero spec.Guidance, then from defaults.
func ResolveRequest(spec condition.Spec, opts RequestOptions, defaults GenDefaults) Request {
	req := Request{
		Spec:     spec,
		Guidance: [3]float64{4, 4, 4},
		TopK:     900,
		TopP:     0.95,
		Seed:     42,
	}

	if defaults.Seed != nil {
		req.Seed = *defaults.Seed
	}
	if defaults.TopK != nil && *defaults.TopK >= 0 {
		req.TopK = *defaults.TopK
	}
	if defaults.TopP != nil && *defaults.TopP > 0 && *defaults.TopP <= 1 {
		req.TopP = *defaults.TopP
	}
	if defaults.Guidance != nil {
		req.Guidance = *defaults.Guidance
	}
	if spec.Guidance != ([3]float64{}) {
		req.Guidance = spec.Guidance
	}

	if opts.Seed != nil {
		req.Seed = *opts.Seed
	}
	if opts.TopK != nil {
		req.TopK = *opts.TopK
	}
	if opts.TopP != nil {
		req.TopP = *opts.TopP
	}
	if opts.Guidance != nil {
		req.Guidance = *opts.Guidance
	}
	if opts.MaskFirst != nil {
		v := *opts.MaskFirst
		req.MaskFirst = &v
	}

	return req
}
