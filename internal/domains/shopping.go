package domains

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/intentguard/internal/core/domain"
	"github.com/tjfontaine/intentguard/internal/core/ports"
)

// ShoppingHandlerName identifies the shopping handler.
const ShoppingHandlerName = "shopping"

// ShoppingConfig tunes the shopping checks.
type ShoppingConfig struct {
	// DuplicateLookbackDays bounds the search for items already owned.
	DuplicateLookbackDays int

	// RecentDays is the window shown to the model as recent purchases.
	RecentDays int

	// CategoryLookbackDays bounds purchases shown per cart category.
	CategoryLookbackDays int

	// SpendingWindowDays is the window for the spending total and the
	// impulse check.
	SpendingWindowDays int

	// ImpulseCategoryThreshold flags a cart category once the user has
	// bought this many items in it within SpendingWindowDays.
	ImpulseCategoryThreshold int

	// MonthlyBudget enables the budget check when positive.
	MonthlyBudget float64
}

// DefaultShoppingConfig returns the standard shopping settings.
func DefaultShoppingConfig() ShoppingConfig {
	return ShoppingConfig{
		DuplicateLookbackDays:    365,
		RecentDays:               90,
		CategoryLookbackDays:     180,
		SpendingWindowDays:       30,
		ImpulseCategoryThreshold: 3,
	}
}

// ShoppingHandler analyses carts against the user's purchase history.
type ShoppingHandler struct {
	base
	purchases ports.PurchaseRepository
	cfg       ShoppingConfig
}

var (
	_ ports.DomainHandler   = (*ShoppingHandler)(nil)
	_ ports.IntentValidator = (*ShoppingHandler)(nil)
)

// NewShoppingHandler creates a shopping handler.
func NewShoppingHandler(purchases ports.PurchaseRepository, cfg ShoppingConfig, opts ...Option) *ShoppingHandler {
	return &ShoppingHandler{
		base:      newBase(opts),
		purchases: purchases,
		cfg:       cfg,
	}
}

type cartItem struct {
	Name     string        `json:"name"`
	Category string        `json:"category,omitempty"`
	Price    domain.Amount `json:"price"`
	Quantity int           `json:"quantity,omitempty"`
	Currency string        `json:"currency,omitempty"`
	URL      string        `json:"url,omitempty"`
}

func (c cartItem) quantity() int {
	if c.Quantity <= 0 {
		return 1
	}
	return c.Quantity
}

type shoppingIntent struct {
	Type      string     `json:"type,omitempty"`
	Items     []cartItem `json:"items"`
	CartTotal *money     `json:"cart_total,omitempty"`
}

func (si *shoppingIntent) total() float64 {
	if si.CartTotal != nil && si.CartTotal.Amount != 0 {
		return float64(si.CartTotal.Amount)
	}
	var sum float64
	for _, it := range si.Items {
		sum += float64(it.Price) * float64(it.quantity())
	}
	return sum
}

func (si *shoppingIntent) currency() string {
	if si.CartTotal != nil && si.CartTotal.Currency != "" {
		return si.CartTotal.Currency
	}
	for _, it := range si.Items {
		if it.Currency != "" {
			return it.Currency
		}
	}
	return "GBP"
}

func (si *shoppingIntent) categories() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, it := range si.Items {
		c := strings.TrimSpace(it.Category)
		if c == "" {
			continue
		}
		key := strings.ToLower(c)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}
	return out
}

func parseShoppingIntent(raw json.RawMessage) (*shoppingIntent, error) {
	var si shoppingIntent
	if err := json.Unmarshal(raw, &si); err != nil {
		return nil, domain.MalformedIntent(ShoppingHandlerName, "intent is not a shopping cart", err)
	}
	named := si.Items[:0:0]
	for _, it := range si.Items {
		it.Name = stripHTML(it.Name)
		if it.Name != "" {
			named = append(named, it)
		}
	}
	if len(named) == 0 {
		return nil, domain.MalformedIntent(ShoppingHandlerName, "cart has no named items", nil)
	}
	si.Items = named
	return &si, nil
}

// Name implements ports.DomainHandler.
func (h *ShoppingHandler) Name() string { return ShoppingHandlerName }

// ValidateIntent implements ports.IntentValidator.
func (h *ShoppingHandler) ValidateIntent(intent json.RawMessage) error {
	_, err := parseShoppingIntent(intent)
	return err
}

// ContextRequirements implements ports.DomainHandler.
func (h *ShoppingHandler) ContextRequirements(json.RawMessage) []domain.SourceName {
	return []domain.SourceName{domain.SourcePurchases}
}

// FetchContext implements ports.DomainHandler. The purchase source covers
// the longest lookback; shorter windows are derived when auditing.
func (h *ShoppingHandler) FetchContext(ctx context.Context, source domain.SourceName, env *domain.IntentEnvelope) (any, error) {
	if source != domain.SourcePurchases {
		return nil, fmt.Errorf("shopping handler cannot fetch source %q", source)
	}
	since := dayStart(h.now()).AddDate(0, 0, -h.lookbackDays())
	purchases, err := h.purchases.PurchasesSince(ctx, env.UserID, since)
	if err != nil {
		return nil, err
	}
	receipts := h.emailReceipts(ctx, env.UserID, since)
	h.logger.Debug("purchases fetched",
		slog.String("user_id", env.UserID),
		slog.Time("since", since),
		slog.Int("purchases", len(purchases)),
		slog.Int("email_receipts", len(receipts)),
	)
	if len(receipts) == 0 {
		return purchases, nil
	}
	return mergeBy(purchaseKey, purchases, receipts), nil
}

// emailReceipts reads mailbox receipts since the lookback start. Mailbox
// failures are logged and yield nothing.
func (h *ShoppingHandler) emailReceipts(ctx context.Context, userID string, since time.Time) []domain.Purchase {
	mb, ok := h.mailbox(userID)
	if !ok {
		return nil
	}
	found, err := mb.Receipts(ctx, userID, since)
	if err != nil {
		h.logger.Warn("email receipt lookup failed", slog.String("user_id", userID), slog.String("error", err.Error()))
		return nil
	}
	return found
}

func (h *ShoppingHandler) lookbackDays() int {
	return max(h.cfg.DuplicateLookbackDays, h.cfg.RecentDays, h.cfg.CategoryLookbackDays, h.cfg.SpendingWindowDays)
}

// purchaseView splits the fetched history into the windows shown to the model.
type purchaseView struct {
	recent     []domain.Purchase
	similar    []domain.Purchase
	byCategory []domain.Purchase
	spending   float64
}

func (h *ShoppingHandler) view(si *shoppingIntent, history []domain.Purchase) purchaseView {
	today := dayStart(h.now())
	recentSince := today.AddDate(0, 0, -h.cfg.RecentDays)
	dupSince := today.AddDate(0, 0, -h.cfg.DuplicateLookbackDays)
	catSince := today.AddDate(0, 0, -h.cfg.CategoryLookbackDays)
	spendSince := today.AddDate(0, 0, -h.cfg.SpendingWindowDays)

	cats := make(map[string]struct{})
	for _, c := range si.categories() {
		cats[strings.ToLower(c)] = struct{}{}
	}

	var v purchaseView
	seen := make(map[string]struct{})
	for _, p := range sortedByDate(history) {
		at := p.PurchasedAt
		if !at.Before(recentSince) {
			v.recent = append(v.recent, p)
		}
		if !at.Before(spendSince) {
			v.spending += p.LineTotal()
		}
		if !at.Before(dupSince) {
			for _, it := range si.Items {
				if similarNames(it.Name, p.ItemName) {
					if _, dup := seen[p.ID]; !dup {
						seen[p.ID] = struct{}{}
						v.similar = append(v.similar, p)
					}
					break
				}
			}
		}
		if _, ok := cats[strings.ToLower(p.Category)]; ok && p.Category != "" && !at.Before(catSince) {
			v.byCategory = append(v.byCategory, p)
		}
	}
	v.spending = math.Round(v.spending*100) / 100
	return v
}

// BuildAuditRequest implements ports.DomainHandler.
func (h *ShoppingHandler) BuildAuditRequest(env *domain.IntentEnvelope, bundle *domain.ContextBundle) (*domain.JudgmentRequest, error) {
	si, err := parseShoppingIntent(env.Intent)
	if err != nil {
		return nil, err
	}

	history, haveHistory := domain.Records[domain.Purchase](bundle, domain.SourcePurchases)
	var v purchaseView
	var findings []domain.Finding
	if haveHistory {
		v = h.view(si, history)
		findings = append(findings, h.historyFindings(si, v, history)...)
	}

	names := make([]string, 0, len(si.Items))
	for _, it := range si.Items {
		names = append(names, it.Name)
	}

	var p promptBuilder
	p.line("You are protecting a neurodivergent user from impulsive or duplicate online purchases.")
	p.b.WriteByte('\n')
	p.contextHeader(bundle)
	p.line("**What the user is about to buy:**")
	p.line("Items: %s", strings.Join(names, "; "))
	if cats := si.categories(); len(cats) > 0 {
		p.line("Categories: %s", strings.Join(cats, ", "))
	}
	p.line("Cart total: %.2f %s", si.total(), si.currency())
	p.line("Current time: %s", h.now().Format("15:04"))
	p.b.WriteByte('\n')
	p.section("Full intent data", json.RawMessage(env.Intent))
	if haveHistory {
		p.section(fmt.Sprintf("Their recent purchases (last %d days)", h.cfg.RecentDays), nonNil(v.recent))
		p.section("Similar or related items they already own", nonNil(v.similar))
		p.section(fmt.Sprintf("Purchases in the same categories (last %d days)", h.cfg.CategoryLookbackDays), nonNil(v.byCategory))
		p.line("**Spending summary:**")
		p.line("Total spent in last %d days: %.2f", h.cfg.SpendingWindowDays, v.spending)
		p.b.WriteByte('\n')
	} else {
		p.unavailable("Their purchase history", domain.SourcePurchases)
	}
	p.findings(findings)
	p.line("Look for ALL of the following risk patterns:")
	p.line("1. Duplicate purchase: they already own the same or a very similar item.")
	p.line("2. Impulse buying: several purchases in the same category within a short window, buying late at night, rapidly adding items without apparent need.")
	p.line("3. Budget concern: the cart total is unusually high relative to recent spending.")
	p.line("4. Unnecessary upgrade: they already own a previous-generation version that still works.")
	p.b.WriteByte('\n')
	p.line("%s", auditReplyFormat)

	return &domain.JudgmentRequest{
		Kind:        domain.JudgmentAudit,
		Domain:      env.Domain,
		Handler:     ShoppingHandlerName,
		System:      "You are a careful shopping assistant. Reply with JSON only.",
		Prompt:      p.String(),
		Findings:    findings,
		Unavailable: bundle.Unavailable(),
	}, nil
}

func (h *ShoppingHandler) historyFindings(si *shoppingIntent, v purchaseView, history []domain.Purchase) []domain.Finding {
	var out []domain.Finding

	for _, it := range si.Items {
		for _, p := range v.similar {
			if !similarNames(it.Name, p.ItemName) {
				continue
			}
			days := int(dayStart(h.now()).Sub(dayStart(p.PurchasedAt)).Hours() / 24)
			out = append(out, domain.Finding{
				Kind: "duplicate_purchase",
				Description: fmt.Sprintf("Possible duplicate: you bought %q %d %s ago (%.2f %s).",
					p.ItemName, days, plural(days, "day", "days"), p.Price, p.Currency),
			})
			break
		}
	}

	if h.cfg.ImpulseCategoryThreshold > 0 {
		spendSince := dayStart(h.now()).AddDate(0, 0, -h.cfg.SpendingWindowDays)
		for _, cat := range si.categories() {
			n := 0
			for _, p := range history {
				if strings.EqualFold(p.Category, cat) && !p.PurchasedAt.Before(spendSince) {
					n++
				}
			}
			if n >= h.cfg.ImpulseCategoryThreshold {
				out = append(out, domain.Finding{
					Kind: "impulse_buying",
					Description: fmt.Sprintf("Impulse buying pattern: %d %s purchases in the last %d days.",
						n, cat, h.cfg.SpendingWindowDays),
				})
			}
		}
	}

	if h.cfg.MonthlyBudget > 0 {
		if total := v.spending + si.total(); total > h.cfg.MonthlyBudget {
			out = append(out, domain.Finding{
				Kind: "budget_concern",
				Description: fmt.Sprintf("Budget concern: this cart brings your %d-day spending to %.2f, over your %.2f budget.",
					h.cfg.SpendingWindowDays, total, h.cfg.MonthlyBudget),
			})
		}
	}
	return out
}

// BuildDraftingRequest implements ports.DomainHandler.
func (h *ShoppingHandler) BuildDraftingRequest(env *domain.IntentEnvelope, verdict domain.Verdict) (*domain.JudgmentRequest, error) {
	si, err := parseShoppingIntent(env.Intent)
	if err != nil {
		return nil, err
	}
	subject := fmt.Sprintf("buy %q on %s", si.Items[0].Name, env.Domain)
	guidance := "If the risk is about already owning something similar, mention it specifically. " +
		"If it is about impulse buying, be understanding about how tempting online shopping can be."
	return &domain.JudgmentRequest{
		Kind:    domain.JudgmentDrafting,
		Domain:  env.Domain,
		Handler: ShoppingHandlerName,
		System:  "You write brief, kind shopping warnings.",
		Prompt:  draftingPrompt(subject, verdict.RiskFactors, guidance),
	}, nil
}

// DefaultIntervention implements ports.DomainHandler.
func (h *ShoppingHandler) DefaultIntervention(env *domain.IntentEnvelope, verdict domain.Verdict) domain.Intervention {
	item := "this"
	if si, err := parseShoppingIntent(env.Intent); err == nil {
		item = fmt.Sprintf("%q", si.Items[0].Name)
	}
	return domain.Intervention{
		Title:   "Pause before you buy",
		Message: defaultMessage(fmt.Sprintf("🛒 Before you buy %s, take a moment:", item), verdict.RiskFactors),
	}
}

// ExtractPrice implements ports.DomainHandler: the cart total, or the sum
// of line items when no total was captured.
func (h *ShoppingHandler) ExtractPrice(env *domain.IntentEnvelope) float64 {
	var si shoppingIntent
	if err := json.Unmarshal(env.Intent, &si); err != nil {
		return 0
	}
	return si.total()
}

// ExtractHour implements ports.DomainHandler. Carts carry no time, so the
// run clock is used.
func (h *ShoppingHandler) ExtractHour(*domain.IntentEnvelope) (int, bool) {
	return 0, false
}

// Summarize implements ports.DomainHandler.
func (h *ShoppingHandler) Summarize(env *domain.IntentEnvelope) domain.IntentSummary {
	title := "Purchase on " + stripHTML(env.Domain)
	var categories []string
	if si, err := parseShoppingIntent(env.Intent); err == nil {
		title = si.Items[0].Name
		if n := len(si.Items) - 1; n > 0 {
			title += fmt.Sprintf(" + %d more", n)
		}
		for _, it := range si.Items {
			if c := categorize(it.Category, it.Name); !slices.Contains(categories, c) {
				categories = append(categories, c)
			}
		}
	}
	return domain.IntentSummary{IntentType: "purchase", Title: title, Categories: categories}
}

// Store implements ports.DomainHandler. Each cart item becomes one purchase.
func (h *ShoppingHandler) Store(ctx context.Context, env *domain.IntentEnvelope, _ domain.Economics) ([]string, error) {
	si, err := parseShoppingIntent(env.Intent)
	if err != nil {
		return nil, err
	}

	at := h.now().UTC()
	rows := make([]domain.Purchase, 0, len(si.Items))
	ids := make([]string, 0, len(si.Items))
	for _, it := range si.Items {
		currency := it.Currency
		if currency == "" {
			currency = si.currency()
		}
		row := domain.Purchase{
			ID:          uuid.NewString(),
			UserID:      env.UserID,
			ItemName:    it.Name,
			Category:    strings.TrimSpace(it.Category),
			Price:       float64(it.Price),
			Currency:    currency,
			Quantity:    it.quantity(),
			Domain:      env.Domain,
			ProductURL:  it.URL,
			PurchasedAt: at,
		}
		rows = append(rows, row)
		ids = append(ids, row.ID)
	}

	if err := h.purchases.SavePurchases(ctx, rows); err != nil {
		return nil, err
	}
	h.logger.Info("purchases stored",
		slog.String("user_id", env.UserID),
		slog.String("domain", env.Domain),
		slog.Int("items", len(rows)),
	)
	return ids, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
