package domain

import (
	"encoding/json"
	"math"
	"strings"
)

// SourceName identifies a context source a domain handler can ask for.
type SourceName string

const (
	SourceCalendar  SourceName = "calendar"
	SourceBookings  SourceName = "bookings"
	SourcePurchases SourceName = "purchases"
)

// IntentEnvelope is the unit of work for one analysis run. It is never
// mutated once a run starts.
type IntentEnvelope struct {
	// UserID identifies the user the intent belongs to.
	UserID string `json:"user_id"`

	// Domain is the website the intent was captured on (e.g. "www.skyscanner.net").
	Domain string `json:"domain"`

	// Intent is the raw domain-specific payload. Only the resolved handler
	// interprets it.
	Intent json.RawMessage `json:"intent"`

	// StoreDomainRecords overrides the configured default for writing the
	// intent into the domain tables (bookings, purchases). Nil keeps the
	// default.
	StoreDomainRecords *bool `json:"store_domain_records,omitempty"`
}

// Verdict is the outcome of the audit stage.
type Verdict struct {
	IsSafe      bool     `json:"is_safe"`
	RiskFactors []string `json:"risk_factors"`
}

// NewVerdict merges risk factor lists into a single verdict. Blank entries
// and exact duplicates are dropped and the first-seen order is preserved.
// IsSafe is derived from the merged list and nothing else.
func NewVerdict(lists ...[]string) Verdict {
	seen := make(map[string]struct{})
	risks := make([]string, 0)
	for _, list := range lists {
		for _, r := range list {
			r = strings.TrimSpace(r)
			if r == "" {
				continue
			}
			if _, ok := seen[r]; ok {
				continue
			}
			seen[r] = struct{}{}
			risks = append(risks, r)
		}
	}
	return Verdict{IsSafe: len(risks) == 0, RiskFactors: risks}
}

// Intervention is the warning shown to the user when a verdict is unsafe.
type Intervention struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

// Economics summarises the cost and value of one run.
type Economics struct {
	ComputeCost float64 `json:"compute_cost"`
	MoneySaved  float64 `json:"money_saved"`
	PlatformFee float64 `json:"platform_fee"`
	HourOfDay   int     `json:"hour_of_day"`
}

// Usage tracks token consumption of the judgment calls in a run.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	// Estimated is true when counts were derived locally rather than
	// reported by the backend.
	Estimated bool `json:"estimated,omitempty"`
}

// Add returns the sum of two usages.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + other.PromptTokens,
		CompletionTokens: u.CompletionTokens + other.CompletionTokens,
		TotalTokens:      u.TotalTokens + other.TotalTokens,
		Estimated:        u.Estimated || other.Estimated,
	}
}

// Amount is a monetary value that tolerates both JSON numbers and numeric
// strings, since captured page data is not consistent about either.
type Amount float64

// UnmarshalJSON implements json.Unmarshaler.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == "" {
		*a = 0
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*a = Amount(ParseAmount(str))
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*a = Amount(f)
	return nil
}

// ParseAmount extracts a number from strings like "£1,299.00" or "89".
// Unparseable input yields 0.
func ParseAmount(s string) float64 {
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' || r == '-' {
			b.WriteRune(r)
		}
	}
	var f float64
	if err := json.Unmarshal([]byte(b.String()), &f); err != nil {
		return 0
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
