package domains

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tjfontaine/intentguard/internal/core/domain"
	"github.com/tjfontaine/intentguard/internal/core/ports"
)

// FallbackHandlerName identifies the fallback handler.
const FallbackHandlerName = "fallback"

// priceKeys are checked in order, first at the top level of the intent and
// then one level down.
var priceKeys = []string{"amount", "price", "total"}

// nameKeys are the fields tried when looking for what the user is acting on.
var nameKeys = []string{"name", "item", "title", "product"}

// FallbackHandler handles any website without a dedicated handler. It
// accepts any JSON payload and never persists domain records.
type FallbackHandler struct {
	base
	purchases    ports.PurchaseRepository
	lookbackDays int
}

var _ ports.DomainHandler = (*FallbackHandler)(nil)

// NewFallbackHandler creates the fallback handler. purchases may be nil, in
// which case the handler needs no context.
func NewFallbackHandler(purchases ports.PurchaseRepository, lookbackDays int, opts ...Option) *FallbackHandler {
	if lookbackDays <= 0 {
		lookbackDays = 90
	}
	return &FallbackHandler{
		base:         newBase(opts),
		purchases:    purchases,
		lookbackDays: lookbackDays,
	}
}

// Name implements ports.DomainHandler.
func (h *FallbackHandler) Name() string { return FallbackHandlerName }

// ContextRequirements implements ports.DomainHandler.
func (h *FallbackHandler) ContextRequirements(json.RawMessage) []domain.SourceName {
	if h.purchases == nil {
		return nil
	}
	return []domain.SourceName{domain.SourcePurchases}
}

// FetchContext implements ports.DomainHandler.
func (h *FallbackHandler) FetchContext(ctx context.Context, source domain.SourceName, env *domain.IntentEnvelope) (any, error) {
	if source != domain.SourcePurchases || h.purchases == nil {
		return nil, fmt.Errorf("fallback handler cannot fetch source %q", source)
	}
	since := dayStart(h.now()).AddDate(0, 0, -h.lookbackDays)
	return h.purchases.PurchasesSince(ctx, env.UserID, since)
}

// BuildAuditRequest implements ports.DomainHandler.
func (h *FallbackHandler) BuildAuditRequest(env *domain.IntentEnvelope, bundle *domain.ContextBundle) (*domain.JudgmentRequest, error) {
	fields := decodeObject(env.Intent)

	var findings []domain.Finding
	history, haveHistory := domain.Records[domain.Purchase](bundle, domain.SourcePurchases)
	if name := firstString(fields, nameKeys); name != "" && haveHistory {
		for _, p := range sortedByDate(history) {
			if similarNames(name, p.ItemName) {
				findings = append(findings, domain.Finding{
					Kind: "duplicate_purchase",
					Description: fmt.Sprintf("Possible duplicate: you bought %q on %s (%.2f %s).",
						p.ItemName, p.PurchasedAt.Format(dateLayout), p.Price, p.Currency),
				})
				break
			}
		}
	}

	var p promptBuilder
	p.line("You are protecting a neurodivergent user from impulsive or mistaken online actions.")
	p.b.WriteByte('\n')
	p.contextHeader(bundle)
	p.line("**Website:** %s", stripHTML(env.Domain))
	p.b.WriteByte('\n')
	p.section("Action the user wants to take", json.RawMessage(env.Intent))
	if haveHistory {
		p.section(fmt.Sprintf("Their recent purchases (last %d days)", h.lookbackDays), nonNil(history))
	} else if len(bundle.Sources()) > 0 {
		p.unavailable("Their recent purchases", domain.SourcePurchases)
	}
	p.findings(findings)
	p.line("Look for duplicate purchases, unusually high spending, or any clearly wasteful or conflicting action.")
	p.b.WriteByte('\n')
	p.line("%s", auditReplyFormat)

	return &domain.JudgmentRequest{
		Kind:        domain.JudgmentAudit,
		Domain:      env.Domain,
		Handler:     FallbackHandlerName,
		System:      "You are a careful assistant. Reply with JSON only.",
		Prompt:      p.String(),
		Findings:    findings,
		Unavailable: bundle.Unavailable(),
	}, nil
}

// BuildDraftingRequest implements ports.DomainHandler.
func (h *FallbackHandler) BuildDraftingRequest(env *domain.IntentEnvelope, verdict domain.Verdict) (*domain.JudgmentRequest, error) {
	return &domain.JudgmentRequest{
		Kind:    domain.JudgmentDrafting,
		Domain:  env.Domain,
		Handler: FallbackHandlerName,
		System:  "You write brief, kind warnings.",
		Prompt:  draftingPrompt("continue an action on "+stripHTML(env.Domain), verdict.RiskFactors, ""),
	}, nil
}

// DefaultIntervention implements ports.DomainHandler.
func (h *FallbackHandler) DefaultIntervention(env *domain.IntentEnvelope, verdict domain.Verdict) domain.Intervention {
	return domain.Intervention{
		Title:   "Take a moment",
		Message: defaultMessage("⚠️ Before you continue, please check:", verdict.RiskFactors),
	}
}

// ExtractPrice implements ports.DomainHandler.
func (h *FallbackHandler) ExtractPrice(env *domain.IntentEnvelope) float64 {
	fields := decodeObject(env.Intent)
	if v, ok := firstAmount(fields); ok {
		return v
	}
	for _, k := range objectKeys(env.Intent) {
		if nested := decodeObject(fields[k]); nested != nil {
			if v, ok := firstAmount(nested); ok {
				return v
			}
		}
	}
	return 0
}

// ExtractHour implements ports.DomainHandler.
func (h *FallbackHandler) ExtractHour(*domain.IntentEnvelope) (int, bool) {
	return 0, false
}

// Summarize implements ports.DomainHandler.
func (h *FallbackHandler) Summarize(env *domain.IntentEnvelope) domain.IntentSummary {
	fields := decodeObject(env.Intent)
	site := stripHTML(env.Domain)

	intentType := stripHTML(firstString(fields, []string{"type"}))
	title := "Action on " + site
	if intentType != "" {
		title = intentType + " on " + site
	} else {
		intentType = "action"
	}
	return domain.IntentSummary{
		IntentType: intentType,
		Title:      title,
		Categories: []string{categorize(intentType, site)},
	}
}

// Store implements ports.DomainHandler. Unknown domains have no tables, so
// only the interaction record is kept.
func (h *FallbackHandler) Store(_ context.Context, env *domain.IntentEnvelope, _ domain.Economics) ([]string, error) {
	h.logger.Debug("skipping domain records for fallback domain", slog.String("domain", env.Domain))
	return nil, nil
}

// decodeObject returns the top-level fields of a JSON object, or nil.
func decodeObject(raw json.RawMessage) map[string]json.RawMessage {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// objectKeys returns the top-level keys of a JSON object in document order.
func objectKeys(raw json.RawMessage) []string {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil
	}
	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return keys
		}
		key, _ := tok.(string)
		keys = append(keys, key)
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return keys
		}
	}
	return keys
}

func firstAmount(fields map[string]json.RawMessage) (float64, bool) {
	for _, k := range priceKeys {
		raw, ok := fields[k]
		if !ok {
			continue
		}
		var a domain.Amount
		if err := json.Unmarshal(raw, &a); err != nil {
			continue
		}
		return float64(a), true
	}
	return 0, false
}

func firstString(fields map[string]json.RawMessage, keys []string) string {
	for _, k := range keys {
		raw, ok := fields[k]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}
