package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/tjfontaine/intentguard/internal/core/domain"
	"github.com/tjfontaine/intentguard/internal/core/ports"
)

// DefaultDraftingTimeout bounds the drafting call.
const DefaultDraftingTimeout = 20 * time.Second

// DraftOutcome is the result of the drafting stage.
type DraftOutcome struct {
	Intervention domain.Intervention
	Usage        domain.Usage

	// Degraded is true when the handler's default message was used.
	Degraded bool
	Err      error
}

// Drafter writes the intervention message for an unsafe verdict.
type Drafter struct {
	service ports.JudgmentService
	timeout time.Duration
	logger  *slog.Logger
}

// NewDrafter creates the drafting stage.
func NewDrafter(service ports.JudgmentService, timeout time.Duration, logger *slog.Logger) *Drafter {
	if timeout <= 0 {
		timeout = DefaultDraftingTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Drafter{service: service, timeout: timeout, logger: logger}
}

// Draft never fails: any error falls back to the handler's default
// intervention and is reported in the outcome.
func (d *Drafter) Draft(ctx context.Context, h ports.DomainHandler, env *domain.IntentEnvelope, verdict domain.Verdict) DraftOutcome {
	fallback := h.DefaultIntervention(env, verdict)

	req, err := h.BuildDraftingRequest(env, verdict)
	if err != nil {
		return d.degrade(h, fallback, domain.DraftingUnavailable("could not build drafting request", err))
	}

	dctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	res, err := d.service.Draft(dctx, req)
	if err == nil && (res == nil || strings.TrimSpace(res.Message) == "") {
		err = domain.DraftingUnavailable("drafting reply was empty", nil)
	}
	if err != nil {
		if !domain.IsKind(err, domain.ErrorKindDraftingUnavailable) {
			err = domain.DraftingUnavailable("", err)
		}
		return d.degrade(h, fallback, err)
	}

	return DraftOutcome{
		Intervention: domain.Intervention{Title: fallback.Title, Message: strings.TrimSpace(res.Message)},
		Usage:        res.Usage,
	}
}

func (d *Drafter) degrade(h ports.DomainHandler, fallback domain.Intervention, err error) DraftOutcome {
	d.logger.Warn("drafting unavailable, using default intervention",
		slog.String("handler", h.Name()),
		slog.String("error", err.Error()),
	)
	return DraftOutcome{Intervention: fallback, Degraded: true, Err: err}
}
