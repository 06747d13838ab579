package judgment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tjfontaine/intentguard/internal/core/domain"
	"github.com/tjfontaine/intentguard/internal/core/ports"
	"github.com/tjfontaine/intentguard/internal/resilience"
)

// Service implements ports.JudgmentService.
type Service struct {
	audit    Backend
	drafting Backend

	auditBreaker    *resilience.Breaker
	draftingBreaker *resilience.Breaker

	counter ports.TokenCounter
	logger  *slog.Logger
}

var _ ports.JudgmentService = (*Service)(nil)

// Option configures a Service.
type Option func(*Service)

// WithDraftingBackend uses a separate backend for intervention messages.
func WithDraftingBackend(b Backend) Option {
	return func(s *Service) { s.drafting = b }
}

// WithBreakers guards the audit and drafting backends. Either may be nil.
func WithBreakers(audit, drafting *resilience.Breaker) Option {
	return func(s *Service) {
		s.auditBreaker = audit
		s.draftingBreaker = drafting
	}
}

// WithTokenCounter estimates usage when a backend reports none.
func WithTokenCounter(c ports.TokenCounter) Option {
	return func(s *Service) { s.counter = c }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a judgment service. The audit backend also drafts
// unless WithDraftingBackend is given.
func NewService(audit Backend, opts ...Option) *Service {
	s := &Service{
		audit:  audit,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.drafting == nil {
		s.drafting = s.audit
	}
	return s
}

// Judge implements ports.JudgmentService.
func (s *Service) Judge(ctx context.Context, req *domain.JudgmentRequest) (*domain.JudgmentResult, error) {
	comp, err := s.complete(ctx, s.audit, s.auditBreaker, req, true)
	if err != nil {
		return nil, domain.JudgmentUnavailable(s.failureMessage(s.audit, err), err)
	}

	risks, err := ParseRisks(comp.Text)
	if err != nil {
		s.logger.Warn("unparseable audit reply",
			slog.String("backend", s.audit.Name()),
			slog.String("handler", req.Handler),
			slog.String("error", err.Error()),
		)
		return nil, domain.JudgmentUnavailable("audit reply could not be parsed", err)
	}

	return &domain.JudgmentResult{
		RiskFactors: risks,
		Usage:       s.usage(s.audit, comp, req),
		Model:       comp.Model,
	}, nil
}

// Draft implements ports.JudgmentService.
func (s *Service) Draft(ctx context.Context, req *domain.JudgmentRequest) (*domain.DraftResult, error) {
	comp, err := s.complete(ctx, s.drafting, s.draftingBreaker, req, false)
	if err != nil {
		return nil, domain.DraftingUnavailable(s.failureMessage(s.drafting, err), err)
	}

	msg := CleanDraft(comp.Text)
	if msg == "" {
		return nil, domain.DraftingUnavailable("drafting reply was empty", nil)
	}
	return &domain.DraftResult{
		Message: msg,
		Usage:   s.usage(s.drafting, comp, req),
		Model:   comp.Model,
	}, nil
}

func (s *Service) complete(ctx context.Context, b Backend, breaker *resilience.Breaker, req *domain.JudgmentRequest, jsonReply bool) (*Completion, error) {
	creq := &CompletionRequest{System: req.System, Prompt: req.Prompt, JSON: jsonReply}

	start := time.Now()
	var comp *Completion
	err := breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		comp, err = b.Complete(ctx, creq)
		return err
	})
	if err == nil && comp == nil {
		err = errors.New("backend returned no completion")
	}

	attrs := []any{
		slog.String("backend", b.Name()),
		slog.String("kind", string(req.Kind)),
		slog.String("handler", req.Handler),
		slog.Duration("duration", time.Since(start)),
	}
	if err != nil {
		s.logger.Warn("judgment call failed", append(attrs, slog.String("error", err.Error()))...)
		return nil, err
	}
	s.logger.Debug("judgment call completed", append(attrs, slog.Int("total_tokens", comp.Usage.TotalTokens))...)
	return comp, nil
}

// usage returns the reported usage, or a local count when the backend
// reported none.
func (s *Service) usage(b Backend, comp *Completion, req *domain.JudgmentRequest) domain.Usage {
	if comp.Usage.TotalTokens > 0 || s.counter == nil {
		return comp.Usage
	}
	model := comp.Model
	if model == "" {
		model = b.Model()
	}
	prompt := s.counter.CountText(model, req.System) + s.counter.CountText(model, req.Prompt)
	completion := s.counter.CountText(model, comp.Text)
	return domain.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
		Estimated:        true,
	}
}

func (s *Service) failureMessage(b Backend, err error) string {
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return fmt.Sprintf("%s backend is temporarily disabled after repeated failures", b.Name())
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("%s backend timed out", b.Name())
	case errors.Is(err, context.Canceled):
		return "request canceled"
	default:
		return fmt.Sprintf("%s backend failed", b.Name())
	}
}
