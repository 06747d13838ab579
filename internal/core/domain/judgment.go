package domain

// JudgmentKind distinguishes the two calls made to the judgment service.
type JudgmentKind string

const (
	JudgmentAudit    JudgmentKind = "audit"
	JudgmentDrafting JudgmentKind = "drafting"
)

// Finding is a risk detected deterministically by a domain handler from
// the intent and its context, before any model is consulted.
type Finding struct {
	// Kind is a stable category such as "schedule_conflict" or "duplicate_purchase".
	Kind string `json:"kind"`

	// Description is the user-facing risk text.
	Description string `json:"description"`
}

// JudgmentRequest is what a handler hands to the judgment service.
type JudgmentRequest struct {
	Kind    JudgmentKind `json:"kind"`
	Domain  string       `json:"domain"`
	Handler string       `json:"handler"`

	// System is the instruction preamble for the model.
	System string `json:"system"`

	// Prompt carries the intent, the context and the expected reply format.
	Prompt string `json:"prompt"`

	// Findings are merged into the verdict whatever the service replies.
	Findings []Finding `json:"findings,omitempty"`

	// Unavailable lists the context sources the prompt was built without.
	Unavailable []SourceName `json:"unavailable,omitempty"`
}

// FindingDescriptions returns the descriptions of the request's findings.
func (r *JudgmentRequest) FindingDescriptions() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.Findings))
	for _, f := range r.Findings {
		out = append(out, f.Description)
	}
	return out
}

// FindingKinds returns the distinct finding kinds in first-seen order.
func (r *JudgmentRequest) FindingKinds() []string {
	if r == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	for _, f := range r.Findings {
		if _, ok := seen[f.Kind]; ok {
			continue
		}
		seen[f.Kind] = struct{}{}
		out = append(out, f.Kind)
	}
	return out
}

// JudgmentResult is the parsed reply to an audit request.
type JudgmentResult struct {
	RiskFactors []string `json:"risk_factors"`
	Usage       Usage    `json:"usage"`
	Model       string   `json:"model,omitempty"`
}

// DraftResult is the reply to a drafting request.
type DraftResult struct {
	Message string `json:"message"`
	Usage   Usage  `json:"usage"`
	Model   string `json:"model,omitempty"`
}

// IntentSummary is the handler's description of an intent for storage.
type IntentSummary struct {
	IntentType string
	Title      string

	// Categories classify what the intent buys. Only unsafe runs keep them.
	Categories []string
}
