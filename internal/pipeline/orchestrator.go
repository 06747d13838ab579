package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/intentguard/internal/core/domain"
	"github.com/tjfontaine/intentguard/internal/core/ports"
)

var errNoInteractionStore = errors.New("no interaction store configured")

const tracerName = "github.com/tjfontaine/intentguard/internal/pipeline"

// Metadata describes how a run degraded.
type Metadata struct {
	PersistenceDegraded bool                `json:"persistence_degraded"`
	PersistenceErrors   []string            `json:"persistence_errors,omitempty"`
	UnavailableSources  []domain.SourceName `json:"unavailable_sources,omitempty"`
	DraftingDegraded    bool                `json:"drafting_degraded"`
	FallbackHandler     bool                `json:"fallback_handler"`
	Model               string              `json:"model,omitempty"`
	Usage               domain.Usage        `json:"usage"`
}

// Result is the outcome of a run that reached Responded.
type Result struct {
	RunID        string               `json:"run_id"`
	Domain       string               `json:"domain"`
	Handler      string               `json:"handler"`
	Verdict      domain.Verdict       `json:"verdict"`
	Intervention *domain.Intervention `json:"intervention,omitempty"`
	Economics    domain.Economics     `json:"economics"`
	Metadata     Metadata             `json:"metadata"`

	// InteractionID is empty when the interaction could not be stored.
	InteractionID string `json:"interaction_id,omitempty"`

	State State        `json:"state"`
	Trace []Transition `json:"trace"`
}

// RunError is returned when a run ends in Rejected, Unavailable or
// Canceled. It wraps the *domain.Error that caused it.
type RunError struct {
	RunID string
	State State
	Trace []Transition
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run %s %s: %v", e.RunID, e.State, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Config configures an Orchestrator.
type Config struct {
	Router    RouterConfig
	Economics EconomicsConfig

	AuditTimeout    time.Duration
	DraftingTimeout time.Duration
	StorageTimeout  time.Duration

	// StoreDomainRecords is the default for envelopes without an override.
	StoreDomainRecords bool
}

// DefaultConfig returns the standard timeouts and pricing.
func DefaultConfig() Config {
	return Config{
		Router:             RouterConfig{FetchTimeout: DefaultFetchTimeout},
		Economics:          DefaultEconomicsConfig(),
		AuditTimeout:       DefaultAuditTimeout,
		DraftingTimeout:    DefaultDraftingTimeout,
		StorageTimeout:     DefaultStorageTimeout,
		StoreDomainRecords: true,
	}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the clock used for hour-of-day and timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithLogger sets the orchestrator logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithTracer overrides the tracer used for stage spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// Orchestrator sequences the stages of a run. It holds no per-run state and
// is safe for concurrent use.
type Orchestrator struct {
	router    *Router
	auditor   *Auditor
	drafter   *Drafter
	persister *Persister
	economics EconomicsConfig

	now    func() time.Time
	logger *slog.Logger
	tracer trace.Tracer
}

// NewOrchestrator wires the stages. interactions may be nil.
func NewOrchestrator(resolver HandlerResolver, judge ports.JudgmentService, interactions ports.InteractionRepository, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		economics: cfg.Economics,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}
	o.router = NewRouter(resolver, cfg.Router, o.logger)
	o.auditor = NewAuditor(judge, cfg.AuditTimeout, o.logger)
	o.drafter = NewDrafter(judge, cfg.DraftingTimeout, o.logger)
	o.persister = NewPersister(interactions, cfg.StoreDomainRecords, cfg.StorageTimeout, o.logger)
	return o
}

// run carries the mutable state of one execution.
type run struct {
	id      string
	started time.Time
	state   State
	trace   []Transition
	logger  *slog.Logger
	now     func() time.Time
}

func (r *run) moveTo(s State) {
	if !CanTransition(r.state, s) {
		panic(fmt.Sprintf("pipeline: illegal transition %s -> %s", r.state, s))
	}
	at := r.now()
	r.state = s
	r.trace = append(r.trace, Transition{State: s, At: at, Elapsed: at.Sub(r.started)})
	r.logger.Debug("run transition", slog.String("state", s.String()))
}

func (r *run) fail(s State, err error) error {
	r.moveTo(s)
	level := slog.LevelError
	if s == StateRejected || s == StateCanceled {
		level = slog.LevelWarn
	}
	r.logger.Log(context.Background(), level, "run ended",
		slog.String("state", s.String()),
		slog.String("error", err.Error()),
	)
	return &RunError{RunID: r.id, State: s, Trace: r.trace, Err: err}
}

// Run executes the pipeline for one envelope. On success the result is in
// state Responded; otherwise the error is a *RunError.
func (o *Orchestrator) Run(ctx context.Context, env *domain.IntentEnvelope) (*Result, error) {
	r := &run{
		id:      uuid.NewString(),
		started: o.now(),
		state:   StateReceived,
		now:     o.now,
	}
	r.trace = []Transition{{State: StateReceived, At: r.started}}
	var site string
	if env != nil {
		site = env.Domain
	}
	r.logger = o.logger.With(
		slog.String("run_id", r.id),
		slog.String("domain", site),
	)

	ctx, span := o.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("intent.domain", site),
		attribute.String("run.id", r.id),
	))
	defer span.End()

	res, err := o.run(ctx, r, env)
	span.SetAttributes(attribute.String("run.state", r.state.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, r.state.String())
		return nil, err
	}
	return res, nil
}

func (o *Orchestrator) run(ctx context.Context, r *run, env *domain.IntentEnvelope) (*Result, error) {
	if err := validateEnvelope(env); err != nil {
		return nil, r.fail(StateRejected, err)
	}

	// Routed
	_, span := o.tracer.Start(ctx, "pipeline.route")
	h, matched := o.router.Resolve(env)
	span.SetAttributes(attribute.String("handler", h.Name()), attribute.Bool("matched", matched))
	span.End()
	r.logger = r.logger.With(slog.String("handler", h.Name()))

	if v, ok := h.(ports.IntentValidator); ok {
		if err := v.ValidateIntent(env.Intent); err != nil {
			if domain.KindOf(err) == "" {
				err = domain.MalformedIntent(h.Name(), "", err)
			}
			return nil, r.fail(StateRejected, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, r.fail(StateCanceled, canceled("route", err))
	}
	r.moveTo(StateRouted)

	// ContextGathered
	gctx, span := o.tracer.Start(ctx, "pipeline.gather", trace.WithAttributes(attribute.String("handler", h.Name())))
	bundle, err := o.router.Gather(gctx, h, env)
	if bundle != nil {
		span.SetAttributes(attribute.Int("sources.unavailable", len(bundle.Unavailable())))
	}
	span.End()
	if err != nil {
		return nil, r.fail(StateCanceled, err)
	}
	r.moveTo(StateContextGathered)

	// Audited
	req, err := o.auditor.BuildRequest(h, env, bundle)
	if err != nil {
		return nil, r.fail(StateRejected, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, r.fail(StateCanceled, canceled("audit", err))
	}
	actx, span := o.tracer.Start(ctx, "pipeline.audit", trace.WithAttributes(attribute.String("handler", h.Name())))
	audit, err := o.auditor.Judge(actx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "judgment unavailable")
		span.End()
		return nil, r.fail(StateUnavailable, err)
	}
	span.SetAttributes(attribute.Bool("verdict.safe", audit.Verdict.IsSafe), attribute.Int("usage.total_tokens", audit.Usage.TotalTokens))
	span.End()
	if err := ctx.Err(); err != nil {
		r.logger.Warn("caller went away after audit; discarding result",
			slog.Int("tokens", audit.Usage.TotalTokens),
			slog.Float64("compute_cost", ComputeEconomics(o.economics, EconomicsInput{Usage: audit.Usage}).ComputeCost),
		)
		return nil, r.fail(StateCanceled, canceled("audit", err))
	}
	r.moveTo(StateAudited)

	usage := audit.Usage
	meta := Metadata{
		UnavailableSources: bundle.Unavailable(),
		FallbackHandler:    !matched,
		Model:              audit.Model,
	}

	// Drafted, only when unsafe
	var intervention *domain.Intervention
	if !audit.Verdict.IsSafe {
		dctx, span := o.tracer.Start(ctx, "pipeline.draft", trace.WithAttributes(attribute.String("handler", h.Name())))
		draft := o.drafter.Draft(dctx, h, env, audit.Verdict)
		span.SetAttributes(attribute.Bool("draft.degraded", draft.Degraded))
		span.End()

		intervention = &draft.Intervention
		usage = usage.Add(draft.Usage)
		meta.DraftingDegraded = draft.Degraded
		r.moveTo(StateDrafted)
	}
	meta.Usage = usage

	// Economized
	_, span = o.tracer.Start(ctx, "pipeline.economics", trace.WithAttributes(attribute.String("handler", h.Name())))
	hour, ok := h.ExtractHour(env)
	if !ok {
		hour = o.now().Hour()
	}
	econ := ComputeEconomics(o.economics, EconomicsInput{
		Price:   h.ExtractPrice(env),
		Verdict: audit.Verdict,
		Usage:   usage,
		Hour:    hour,
	})
	span.SetAttributes(attribute.Float64("compute_cost", econ.ComputeCost), attribute.Float64("money_saved", econ.MoneySaved))
	span.End()
	r.moveTo(StateEconomized)

	// Stored
	sctx, span := o.tracer.Start(ctx, "pipeline.store", trace.WithAttributes(attribute.String("handler", h.Name())))
	persisted := o.persister.Persist(sctx, PersistInput{
		Envelope:     env,
		Handler:      h,
		Verdict:      audit.Verdict,
		Intervention: intervention,
		Economics:    econ,
		MistakeTypes: req.FindingKinds(),
		Unavailable:  meta.UnavailableSources,
		AnalyzedAt:   o.now().UTC(),
	})
	span.SetAttributes(attribute.Bool("persistence.degraded", persisted.Degraded))
	span.End()
	meta.PersistenceDegraded = persisted.Degraded
	meta.PersistenceErrors = persisted.Errors
	r.moveTo(StateStored)

	r.moveTo(StateResponded)
	r.logger.Info("run complete",
		slog.Bool("is_safe", audit.Verdict.IsSafe),
		slog.Int("risk_factors", len(audit.Verdict.RiskFactors)),
		slog.Float64("money_saved", econ.MoneySaved),
		slog.Bool("persistence_degraded", persisted.Degraded),
		slog.Duration("duration", o.now().Sub(r.started)),
	)

	return &Result{
		RunID:         r.id,
		Domain:        env.Domain,
		Handler:       h.Name(),
		Verdict:       audit.Verdict,
		Intervention:  intervention,
		Economics:     econ,
		Metadata:      meta,
		InteractionID: persisted.InteractionID,
		State:         r.state,
		Trace:         r.trace,
	}, nil
}

func validateEnvelope(env *domain.IntentEnvelope) error {
	if env == nil {
		return domain.InvalidRequest("missing request body")
	}
	if strings.TrimSpace(env.UserID) == "" {
		return domain.InvalidRequest("user_id is required")
	}
	if strings.TrimSpace(env.Domain) == "" {
		return domain.InvalidRequest("domain is required")
	}
	if len(env.Intent) == 0 || string(env.Intent) == "null" {
		return domain.InvalidRequest("intent is required")
	}
	return nil
}

func canceled(op string, err error) error {
	return domain.NewError(domain.ErrorKindCanceled, op, "request canceled", err)
}
