package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/intentguard/internal/core/domain"
	"github.com/tjfontaine/intentguard/internal/core/ports"
)

// DefaultStorageTimeout bounds each storage write.
const DefaultStorageTimeout = 3 * time.Second

// PersistOutcome reports what the storage stage managed to write.
type PersistOutcome struct {
	InteractionID   string
	DomainRecordIDs []string

	// Degraded is true when at least one write failed.
	Degraded bool
	Errors   []string
}

// PersistInput is everything written for one run.
type PersistInput struct {
	Envelope     *domain.IntentEnvelope
	Handler      ports.DomainHandler
	Verdict      domain.Verdict
	Intervention *domain.Intervention
	Economics    domain.Economics
	MistakeTypes []string
	Unavailable  []domain.SourceName
	AnalyzedAt   time.Time
}

// Persister is the best-effort storage stage.
type Persister struct {
	interactions ports.InteractionRepository

	// storeDomainRecords is the default for envelopes without an override.
	storeDomainRecords bool
	timeout            time.Duration
	logger             *slog.Logger
}

// NewPersister creates the storage stage. interactions may be nil, in
// which case interaction writes are reported as failed.
func NewPersister(interactions ports.InteractionRepository, storeDomainRecords bool, timeout time.Duration, logger *slog.Logger) *Persister {
	if timeout <= 0 {
		timeout = DefaultStorageTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Persister{
		interactions:       interactions,
		storeDomainRecords: storeDomainRecords,
		timeout:            timeout,
		logger:             logger,
	}
}

func (p *Persister) wantsDomainRecords(env *domain.IntentEnvelope) bool {
	if env.StoreDomainRecords != nil {
		return *env.StoreDomainRecords
	}
	return p.storeDomainRecords
}

// Persist writes the domain records and then the interaction record. Both
// writes are attempted; failures are collected rather than returned. Writes
// are detached from ctx's cancellation so a completed result is recorded
// even when the caller has gone.
func (p *Persister) Persist(ctx context.Context, in PersistInput) PersistOutcome {
	var out PersistOutcome
	base := context.WithoutCancel(ctx)

	if p.wantsDomainRecords(in.Envelope) {
		ids, err := p.storeDomain(base, in)
		if err != nil {
			out.fail(p.logger, "store domain records", in.Handler.Name(), err)
		} else {
			out.DomainRecordIDs = ids
		}
	}

	rec := p.record(in, out.DomainRecordIDs)
	if err := p.saveInteraction(base, rec); err != nil {
		out.fail(p.logger, "store interaction", in.Handler.Name(), err)
	} else {
		out.InteractionID = rec.ID
	}
	return out
}

func (p *Persister) storeDomain(ctx context.Context, in PersistInput) ([]string, error) {
	sctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	ids, err := in.Handler.Store(sctx, in.Envelope, in.Economics)
	if err != nil {
		if domain.KindOf(err) != domain.ErrorKindWriteFailed {
			err = domain.WriteFailed("store domain records", err)
		}
		return nil, err
	}
	return ids, nil
}

func (p *Persister) saveInteraction(ctx context.Context, rec *domain.InteractionRecord) error {
	if p.interactions == nil {
		return domain.WriteFailed("store interaction", errNoInteractionStore)
	}
	sctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.interactions.SaveInteraction(sctx, rec); err != nil {
		if domain.KindOf(err) != domain.ErrorKindWriteFailed {
			err = domain.WriteFailed("store interaction", err)
		}
		return err
	}
	return nil
}

func (p *Persister) record(in PersistInput, domainIDs []string) *domain.InteractionRecord {
	summary := in.Handler.Summarize(in.Envelope)
	rec := &domain.InteractionRecord{
		ID:                 uuid.NewString(),
		UserID:             in.Envelope.UserID,
		Domain:             in.Envelope.Domain,
		Title:              summary.Title,
		IntentType:         summary.IntentType,
		IntentData:         in.Envelope.Intent,
		RiskFactors:        in.Verdict.RiskFactors,
		MistakeTypes:       in.MistakeTypes,
		WasIntervened:      !in.Verdict.IsSafe,
		ComputeCost:        in.Economics.ComputeCost,
		MoneySaved:         in.Economics.MoneySaved,
		PlatformFee:        in.Economics.PlatformFee,
		HourOfDay:          in.Economics.HourOfDay,
		DomainRecordIDs:    domainIDs,
		UnavailableSources: in.Unavailable,
		AnalyzedAt:         in.AnalyzedAt,
	}
	if !in.Verdict.IsSafe {
		rec.Categories = summary.Categories
		if len(rec.Categories) == 0 {
			rec.Categories = []string{domain.CategoryOther}
		}
	}
	if in.Intervention != nil {
		rec.InterventionMessage = in.Intervention.Message
	}
	return rec
}

func (o *PersistOutcome) fail(logger *slog.Logger, op, handler string, err error) {
	o.Degraded = true
	o.Errors = append(o.Errors, op+": "+err.Error())
	logger.Warn("persistence degraded",
		slog.String("op", op),
		slog.String("handler", handler),
		slog.String("error", err.Error()),
	)
}
