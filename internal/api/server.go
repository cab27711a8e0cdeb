// Package api exposes the sampler and the Gibbs refiner over HTTP.
package api

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/ctrlvar/internal/condition"
	"github.com/samcharles93/ctrlvar/internal/gibbs"
	"github.com/samcharles93/ctrlvar/internal/inference"
	"github.com/samcharles93/ctrlvar/internal/logger"
	"github.com/samcharles93/ctrlvar/internal/model"
	"github.com/samcharles93/ctrlvar/internal/pixel"
	"github.com/samcharles93/ctrlvar/internal/version"
)

type Server struct {
	engine   inference.Engine
	quant    model.Quantizer
	defaults inference.GenDefaults
	store    *SampleStore
	clock    func() time.Time
	log      logger.Logger
}

func NewServer(engine inference.Engine, quant model.Quantizer, defaults inference.GenDefaults, store *SampleStore, log logger.Logger) *Server {
	if store == nil {
		store = NewSampleStore(0)
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Server{
		engine:   engine,
		quant:    quant,
		defaults: defaults,
		store:    store,
		clock:    time.Now,
		log:      log,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.POST("/v1/sample", s.handleSample)
	e.POST("/v1/refine", s.handleRefine)
	e.GET("/v1/samples/:id", s.handleGetSample)
	e.DELETE("/v1/samples/:id", s.handleDeleteSample)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.String(),
	})
}

func (s *Server) handleSample(c *echo.Context) error {
	if s.engine == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "sampler not configured", "", "")
	}
	req, err := decodeJSON[SampleRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	spec, err := req.spec()
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	mode, img, err := req.pixelCondition()
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if mode != inference.PixelNone {
		if s.quant == nil {
			return writeError(c, http.StatusInternalServerError, "server_error", "quantizer not configured", "", "")
		}
		if spec, err = inference.ConditionOnPixels(c.Request().Context(), s.quant, spec, mode, img); err != nil {
			return s.writeFailure(c, err)
		}
	}
	ireq := inference.ResolveRequest(spec, req.options(), s.defaults)
	res, err := s.engine.Sample(c.Request().Context(), ireq)
	if err != nil {
		return s.writeFailure(c, err)
	}
	resp := s.newResponse(ireq, res.Pixels, res.Split, res.MaskFirst, req.IncludePixels)
	resp.Control, resp.Target = res.Control, res.Target
	resp.Stats = SampleStats{
		Sampled:    res.Stats.Sampled,
		Forced:     res.Stats.Forced,
		DurationMS: res.Stats.Duration.Milliseconds(),
	}
	s.store.Save(sampleRecord{Response: withoutPixels(resp), Request: ireq, Pixels: res.Pixels})
	s.log.Info("sampled", "id", resp.ID, "batch", resp.Batch, "seed", ireq.Seed)
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRefine(c *echo.Context) error {
	if s.engine == nil || s.quant == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "refiner not configured", "", "")
	}
	req, err := decodeJSON[RefineRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if req.SampleID == "" {
		return writeBadRequest(c, "sample_id is required")
	}
	rec, ok := s.store.Get(req.SampleID)
	if !ok {
		return writeNotFound(c, "sample not found: "+req.SampleID)
	}
	if rec.Response.Split == 0 {
		return writeBadRequest(c, "sample has no control/target split to refine")
	}

	prev := rec.Request
	base := inference.ResolveRequest(condition.Spec{ClassIDs: prev.Spec.ClassIDs, Types: prev.Spec.Types},
		inference.RequestOptions{Seed: req.Seed, TopK: req.TopK, TopP: req.TopP, Guidance: req.Guidance},
		inference.GenDefaults{Seed: &prev.Seed, TopK: &prev.TopK, TopP: &prev.TopP, Guidance: &prev.Guidance})
	maskFirst := rec.Response.MaskFirst
	base.MaskFirst = &maskFirst

	start := s.clock()
	ref := &gibbs.Refiner{
		Engine:    s.engine,
		Quantizer: s.quant,
		Base:      base,
		Split:     gibbs.StackedSplit(rec.Response.Split, maskFirst),
		Log:       s.log,
	}
	out, err := ref.Refine(c.Request().Context(), rec.Pixels, req.Rounds)
	if err != nil {
		return s.writeFailure(c, err)
	}
	resp := s.newResponse(base, out, rec.Response.Split, maskFirst, req.IncludePixels)
	resp.Parent = rec.Response.ID
	resp.Rounds = rec.Response.Rounds + req.Rounds
	resp.Stats.DurationMS = s.clock().Sub(start).Milliseconds()
	s.store.Save(sampleRecord{Response: withoutPixels(resp), Request: base, Pixels: out})
	s.log.Info("refined", "id", resp.ID, "parent", resp.Parent, "rounds", req.Rounds)
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetSample(c *echo.Context) error {
	id := c.Param("id")
	rec, ok := s.store.Get(id)
	if !ok {
		return writeNotFound(c, "sample not found: "+id)
	}
	return c.JSON(http.StatusOK, rec.Response)
}

func (s *Server) handleDeleteSample(c *echo.Context) error {
	id := c.Param("id")
	if !s.store.Delete(id) {
		return writeNotFound(c, "sample not found: "+id)
	}
	return c.JSON(http.StatusOK, DeleteResponse{ID: id, Object: "sample.deleted", Deleted: true})
}

func (s *Server) newResponse(req inference.Request, px *pixel.Batch, split int, maskFirst, includePixels bool) SampleResponse {
	typ := condition.TypeNone
	if len(req.Spec.Types) > 0 {
		typ = req.Spec.Types[0]
	}
	resp := SampleResponse{
		ID:        newSampleID(),
		Object:    "sample",
		CreatedAt: s.clock().Unix(),
		Classes:   req.Spec.ClassIDs,
		Type:      typ.String(),
		Seed:      req.Seed,
		Batch:     px.N,
		Channels:  px.C,
		Height:    px.H,
		Width:     px.W,
		Split:     split,
		MaskFirst: maskFirst,
	}
	if includePixels {
		resp.Pixels = px.Data
	}
	return resp
}

func withoutPixels(resp SampleResponse) SampleResponse {
	resp.Pixels = nil
	return resp
}

func (r SampleRequest) spec() (condition.Spec, error) {
	typ := condition.TypeNone
	if r.Type != "" {
		t, err := condition.ParseType(r.Type)
		if err != nil {
			return condition.Spec{}, newInvalidRequest(err.Error())
		}
		typ = t
	}
	return condition.Spec{
		ClassIDs:      r.Classes,
		Types:         []condition.Type{typ},
		ControlTokens: r.ControlTokens,
	}, nil
}

// pixelCondition picks the image that teacher-forces a stream and converts
// it to the quantizer's [-1, 1] range.
func (r SampleRequest) pixelCondition() (inference.PixelCondition, *pixel.Batch, error) {
	switch {
	case r.ControlImage != nil && r.TargetImage != nil:
		return inference.PixelNone, nil, newInvalidRequest("control_image and target_image are mutually exclusive")
	case r.ControlImage != nil && r.ControlTokens != nil:
		return inference.PixelNone, nil, newInvalidRequest("control_image and control_tokens are mutually exclusive")
	case r.ControlImage != nil:
		b, err := r.ControlImage.batch(len(r.Classes))
		return inference.PixelControl, b, err
	case r.TargetImage != nil:
		b, err := r.TargetImage.batch(len(r.Classes))
		return inference.PixelTarget, b, err
	}
	return inference.PixelNone, nil, nil
}

func (in ImageInput) batch(n int) (*pixel.Batch, error) {
	if n <= 0 {
		return nil, newInvalidRequest("classes is required with an image")
	}
	need := n
	for _, d := range []int{in.Channels, in.Height, in.Width} {
		if d <= 0 {
			return nil, newInvalidRequest("image dimensions must be positive")
		}
		if need > math.MaxInt/d {
			return nil, newInvalidRequest("image is too large")
		}
		need *= d
	}
	if len(in.Data) != need {
		return nil, newInvalidRequest(fmt.Sprintf("image data has %d values, want %d images of %dx%dx%d", len(in.Data), n, in.Channels, in.Height, in.Width))
	}
	b := pixel.New(n, in.Channels, in.Height, in.Width)
	copy(b.Data, in.Data)
	return b.Normalize(), nil
}

func (s *Server) writeFailure(c *echo.Context, err error) error {
	if isClientError(err) {
		return writeBadRequest(c, err.Error())
	}
	s.log.Error("request failed", "error", err)
	return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "", "")
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg, "", "")
}

func writeError(c *echo.Context, status int, errType, msg, param, code string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Code:    code,
			Param:   param,
		},
	})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
