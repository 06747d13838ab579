// Package ports defines the core interfaces for the analysis engine.
// This file contains the per-domain strategy and judgment service contracts.
package ports

import (
	"context"
	"encoding/json"

	"github.com/tjfontaine/intentguard/internal/core/domain"
)

// DomainHandler is the strategy for one family of websites (flights,
// shopping, ...). Handlers are shared across concurrent runs and must be
// safe for concurrent use.
type DomainHandler interface {
	// Name returns the handler identifier used in logs and metadata.
	Name() string

	// ContextRequirements declares the sources to fetch for an intent.
	// It performs no I/O.
	ContextRequirements(intent json.RawMessage) []domain.SourceName

	// FetchContext fetches one declared source. Each call is independent and
	// must not assume any other source was fetched. The returned value is a
	// typed slice such as []domain.CalendarEvent.
	FetchContext(ctx context.Context, source domain.SourceName, env *domain.IntentEnvelope) (any, error)

	// BuildAuditRequest builds the judgment request from the intent and the
	// settled bundle. It is deterministic for the same inputs and degrades
	// gracefully when sources are unavailable. An intent the handler cannot
	// interpret yields an ErrorKindMalformedIntent error.
	BuildAuditRequest(env *domain.IntentEnvelope, bundle *domain.ContextBundle) (*domain.JudgmentRequest, error)

	// BuildDraftingRequest builds the request for the intervention message.
	// Only called when the verdict is unsafe.
	BuildDraftingRequest(env *domain.IntentEnvelope, verdict domain.Verdict) (*domain.JudgmentRequest, error)

	// DefaultIntervention is used when drafting fails.
	DefaultIntervention(env *domain.IntentEnvelope, verdict domain.Verdict) domain.Intervention

	// ExtractPrice returns the value at stake in the intent.
	ExtractPrice(env *domain.IntentEnvelope) float64

	// ExtractHour returns the hour of day stated by the intent. ok is false
	// when the intent carries no usable time.
	ExtractHour(env *domain.IntentEnvelope) (hour int, ok bool)

	// Summarize returns the intent type and title stored with the interaction.
	Summarize(env *domain.IntentEnvelope) domain.IntentSummary

	// Store persists the domain records for a confirmed intent and returns
	// their ids. Called at most once per run.
	Store(ctx context.Context, env *domain.IntentEnvelope, econ domain.Economics) ([]string, error)
}

// IntentValidator is implemented by handlers that can reject a malformed
// intent before any context is fetched.
type IntentValidator interface {
	ValidateIntent(intent json.RawMessage) error
}

// JudgmentService produces verdicts and intervention messages.
type JudgmentService interface {
	// Judge returns the risk factors the service found. It fails with
	// ErrorKindJudgmentUnavailable when no usable answer was obtained.
	Judge(ctx context.Context, req *domain.JudgmentRequest) (*domain.JudgmentResult, error)

	// Draft returns an intervention message. It fails with
	// ErrorKindDraftingUnavailable when no message was obtained.
	Draft(ctx context.Context, req *domain.JudgmentRequest) (*domain.DraftResult, error)
}

// TokenCounter counts tokens in text for a model.
type TokenCounter interface {
	CountText(model, text string) int
}
