package domain

import (
	"encoding/json"
	"math"
	"time"
)

// Feedback is the user's verdict on an intervention, recorded after the fact.
type Feedback string

const (
	FeedbackNone     Feedback = ""
	FeedbackPositive Feedback = "positive"
	FeedbackNegative Feedback = "negative"
)

// Interaction categories.
const (
	CategoryElectronics = "electronics"
	CategoryTravel      = "travel"
	CategoryGroceries   = "groceries"
	CategoryClothing    = "clothing"
	CategoryOther       = "other"
)

// Valid reports whether f is a value a user may submit.
func (f Feedback) Valid() bool {
	return f == FeedbackPositive || f == FeedbackNegative
}

// InteractionRecord is the durable record of one analysis run. It is
// written exactly once by the storage stage; only Feedback changes later.
type InteractionRecord struct {
	// ID uniquely identifies this interaction
	ID string `json:"id"`

	UserID string `json:"user_id"`
	Domain string `json:"domain"`

	// Title is a short human-readable label, e.g. "Flight LHR → BCN on 2026-04-25".
	Title string `json:"title"`

	// IntentType is the handler's classification of the intent
	// (flight_booking, purchase, or a page-supplied type).
	IntentType string `json:"intent_type"`

	// IntentData is the intent exactly as received.
	IntentData json.RawMessage `json:"intent_data"`

	RiskFactors []string `json:"risk_factors"`

	// MistakeTypes are the categories of the rule-based findings that fired.
	MistakeTypes []string `json:"mistake_types,omitempty"`

	// Categories say what kind of purchase was intervened on. Empty for
	// safe runs.
	Categories []string `json:"categories,omitempty"`

	InterventionMessage string `json:"intervention_message,omitempty"`
	WasIntervened       bool   `json:"was_intervened"`

	Feedback Feedback `json:"feedback,omitempty"`

	ComputeCost float64 `json:"compute_cost"`
	MoneySaved  float64 `json:"money_saved"`
	PlatformFee float64 `json:"platform_fee"`
	HourOfDay   int     `json:"hour_of_day"`

	// DomainRecordIDs are the ids returned by the handler's Store call.
	DomainRecordIDs []string `json:"domain_record_ids,omitempty"`

	// UnavailableSources lists context sources that could not be fetched.
	UnavailableSources []SourceName `json:"unavailable_sources,omitempty"`

	AnalyzedAt time.Time `json:"analyzed_at"`
}

// InteractionListOptions filters and paginates interaction listings.
type InteractionListOptions struct {
	UserID string
	Domain string
	Limit  int
	Offset int
}

// DomainStats aggregates interactions for one domain.
type DomainStats struct {
	Domain      string  `json:"domain" db:"domain"`
	Total       int     `json:"total" db:"total"`
	Intervened  int     `json:"intervened" db:"intervened"`
	MoneySaved  float64 `json:"money_saved" db:"money_saved"`
	ComputeCost float64 `json:"-" db:"compute_cost"`
	PlatformFee float64 `json:"-" db:"platform_fee"`
}

// InteractionStats summarises a user's interaction history.
type InteractionStats struct {
	TotalAnalyses      int           `json:"total_analyses"`
	TotalInterventions int           `json:"total_interventions"`
	TotalMoneySaved    float64       `json:"total_money_saved"`
	TotalComputeCost   float64       `json:"total_compute_cost"`
	TotalPlatformFees  float64       `json:"total_platform_fees"`
	ByDomain           []DomainStats `json:"by_domain"`
}

// SummarizeStats totals per-domain aggregates.
func SummarizeStats(byDomain []DomainStats) *InteractionStats {
	stats := &InteractionStats{ByDomain: byDomain}
	if stats.ByDomain == nil {
		stats.ByDomain = []DomainStats{}
	}
	for _, d := range byDomain {
		stats.TotalAnalyses += d.Total
		stats.TotalInterventions += d.Intervened
		stats.TotalMoneySaved += d.MoneySaved
		stats.TotalComputeCost += d.ComputeCost
		stats.TotalPlatformFees += d.PlatformFee
	}
	stats.TotalMoneySaved = math.Round(stats.TotalMoneySaved*100) / 100
	stats.TotalComputeCost = math.Round(stats.TotalComputeCost*1e6) / 1e6
	stats.TotalPlatformFees = math.Round(stats.TotalPlatformFees*1e6) / 1e6
	return stats
}
