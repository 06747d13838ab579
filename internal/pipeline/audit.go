package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/tjfontaine/intentguard/internal/core/domain"
	"github.com/tjfontaine/intentguard/internal/core/ports"
)

// DefaultAuditTimeout bounds the audit call.
const DefaultAuditTimeout = 30 * time.Second

// AuditOutcome is the result of the audit stage.
type AuditOutcome struct {
	Request *domain.JudgmentRequest
	Verdict domain.Verdict
	Usage   domain.Usage
	Model   string
}

// Auditor builds the judgment request and maps the reply to a verdict.
type Auditor struct {
	service ports.JudgmentService
	timeout time.Duration
	logger  *slog.Logger
}

// NewAuditor creates the audit stage.
func NewAuditor(service ports.JudgmentService, timeout time.Duration, logger *slog.Logger) *Auditor {
	if timeout <= 0 {
		timeout = DefaultAuditTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{service: service, timeout: timeout, logger: logger}
}

// BuildRequest asks the handler for the audit request. Any handler error is
// reported as a malformed intent.
func (a *Auditor) BuildRequest(h ports.DomainHandler, env *domain.IntentEnvelope, bundle *domain.ContextBundle) (*domain.JudgmentRequest, error) {
	req, err := h.BuildAuditRequest(env, bundle)
	if err != nil {
		if domain.KindOf(err) == "" {
			err = domain.MalformedIntent(h.Name(), "", err)
		}
		return nil, err
	}
	return req, nil
}

// Judge calls the judgment service. The call is detached from ctx's
// cancellation and bounded by the audit timeout instead, so a started audit
// always completes and its usage can be accounted for.
//
// The verdict is the union of the handler's findings and the service's
// risks. A failed call never yields a verdict.
func (a *Auditor) Judge(ctx context.Context, req *domain.JudgmentRequest) (*AuditOutcome, error) {
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
	defer cancel()

	start := time.Now()
	res, err := a.service.Judge(jctx, req)
	if err == nil && res == nil {
		err = domain.JudgmentUnavailable("judgment service returned no result", nil)
	}
	if err != nil {
		if !domain.IsKind(err, domain.ErrorKindJudgmentUnavailable) {
			err = domain.JudgmentUnavailable("", err)
		}
		a.logger.Error("audit failed",
			slog.String("handler", req.Handler),
			slog.Duration("duration", time.Since(start)),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	verdict := domain.NewVerdict(req.FindingDescriptions(), res.RiskFactors)
	a.logger.Debug("audit complete",
		slog.String("handler", req.Handler),
		slog.Bool("is_safe", verdict.IsSafe),
		slog.Int("risk_factors", len(verdict.RiskFactors)),
		slog.Int("findings", len(req.Findings)),
		slog.Duration("duration", time.Since(start)),
	)
	return &AuditOutcome{
		Request: req,
		Verdict: verdict,
		Usage:   res.Usage,
		Model:   res.Model,
	}, nil
}
