// Package analyze serves POST /api/analyze, the entry point that runs one
// intent through the analysis pipeline.
package analyze

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/intentguard/internal/api/respond"
	"github.com/tjfontaine/intentguard/internal/core/domain"
	"github.com/tjfontaine/intentguard/internal/pipeline"
	"github.com/tjfontaine/intentguard/internal/server"
)

// DefaultMaxBodyBytes caps the request body.
const DefaultMaxBodyBytes = 1 << 20

// Runner executes one analysis run.
type Runner interface {
	Run(ctx context.Context, env *domain.IntentEnvelope) (*pipeline.Result, error)
}

// Response is the body of a successful analysis.
type Response struct {
	ID                  string            `json:"id,omitempty"`
	RunID               string            `json:"run_id"`
	IsSafe              bool              `json:"is_safe"`
	InterventionTitle   string            `json:"intervention_title,omitempty"`
	InterventionMessage string            `json:"intervention_message,omitempty"`
	RiskFactors         []string          `json:"risk_factors"`
	Domain              string            `json:"domain"`
	Handler             string            `json:"handler"`
	Economics           domain.Economics  `json:"economics"`
	Metadata            pipeline.Metadata `json:"metadata"`
}

// Handler serves the analyze endpoint.
type Handler struct {
	runner       Runner
	logger       *slog.Logger
	maxBodyBytes int64
}

// NewHandler creates an analyze handler.
func NewHandler(runner Runner, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{runner: runner, logger: logger, maxBodyBytes: DefaultMaxBodyBytes}
}

// Mount registers the route. limiter may be nil.
func (h *Handler) Mount(r chi.Router, limiter *server.RateLimiter) {
	if limiter != nil {
		r.With(limiter.Middleware).Post("/api/analyze", h.ServeHTTP)
		return
	}
	r.Post("/api/analyze", h.ServeHTTP)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var env domain.IntentEnvelope
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err := dec.Decode(&env); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respond.Status(w, http.StatusRequestEntityTooLarge, string(domain.ErrorKindInvalidRequest), "request body too large")
			return
		}
		server.AddError(r.Context(), err)
		respond.Error(w, domain.InvalidRequest("request body must be a JSON object with user_id, domain and intent"))
		return
	}
	server.AddLogField(r.Context(), "user_id", env.UserID)
	server.AddLogField(r.Context(), "domain", env.Domain)

	res, err := h.runner.Run(r.Context(), &env)
	if err != nil {
		var runErr *pipeline.RunError
		if errors.As(err, &runErr) {
			server.AddLogField(r.Context(), "run_id", runErr.RunID)
			server.AddLogField(r.Context(), "state", runErr.State.String())
		}
		server.AddError(r.Context(), err)
		respond.Error(w, err)
		return
	}

	server.AddLogField(r.Context(), "run_id", res.RunID)
	server.AddLogField(r.Context(), "handler", res.Handler)
	respond.JSON(w, http.StatusOK, NewResponse(res))
}

// NewResponse flattens a pipeline result into the public response shape.
func NewResponse(res *pipeline.Result) Response {
	out := Response{
		ID:          res.InteractionID,
		RunID:       res.RunID,
		IsSafe:      res.Verdict.IsSafe,
		RiskFactors: res.Verdict.RiskFactors,
		Domain:      res.Domain,
		Handler:     res.Handler,
		Economics:   res.Economics,
		Metadata:    res.Metadata,
	}
	if out.RiskFactors == nil {
		out.RiskFactors = []string{}
	}
	if res.Intervention != nil {
		out.InterventionTitle = res.Intervention.Title
		out.InterventionMessage = res.Intervention.Message
	}
	return out
}
