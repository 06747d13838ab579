// Package tokens counts prompt and reply tokens for the judgment backends.
package tokens

import (
	"math"
	"strings"
)

// Counter counts tokens in plain text for the models it supports.
type Counter interface {
	CountText(model, text string) (int, error)
	SupportsModel(model string) bool
}

// Registry picks a counter per model, falling back to an estimate.
type Registry struct {
	counters []Counter
	fallback *Estimator
}

// NewRegistry creates a registry with the given counters tried in order.
func NewRegistry(counters ...Counter) *Registry {
	return &Registry{
		counters: counters,
		fallback: NewEstimator(),
	}
}

// NewDefaultRegistry returns a registry with tiktoken for OpenAI models.
func NewDefaultRegistry() *Registry {
	return NewRegistry(NewOpenAICounter())
}

// CountText counts tokens in text. Counter errors degrade to the estimate.
func (r *Registry) CountText(model, text string) int {
	if text == "" {
		return 0
	}
	for _, c := range r.counters {
		if !c.SupportsModel(model) {
			continue
		}
		if n, err := c.CountText(model, text); err == nil {
			return n
		}
		break
	}
	n, _ := r.fallback.CountText(model, text)
	return n
}

// Exact reports whether model has a real tokenizer rather than the estimate.
func (r *Registry) Exact(model string) bool {
	for _, c := range r.counters {
		if c.SupportsModel(model) {
			return true
		}
	}
	return false
}

// Estimator approximates token counts from text length.
type Estimator struct {
	// CharsPerToken is the average characters per token (default: 4)
	CharsPerToken float64
}

// NewEstimator creates a new token estimator.
func NewEstimator() *Estimator {
	return &Estimator{CharsPerToken: 4.0}
}

// CountText estimates tokens, rounding up so any text counts as at least one.
func (e *Estimator) CountText(_ string, text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	return int(math.Ceil(float64(len([]rune(text))) / e.CharsPerToken)), nil
}

// SupportsModel returns true; the estimator is the fallback for every model.
func (e *Estimator) SupportsModel(string) bool { return true }

// ModelMatcher matches model names by exact name or prefix.
type ModelMatcher struct {
	prefixes []string
	exact    []string
}

// NewModelMatcher creates a new model matcher.
func NewModelMatcher(prefixes, exact []string) *ModelMatcher {
	return &ModelMatcher{prefixes: prefixes, exact: exact}
}

// Matches returns true if the model matches any pattern.
func (m *ModelMatcher) Matches(model string) bool {
	model = strings.ToLower(model)
	for _, e := range m.exact {
		if model == e {
			return true
		}
	}
	for _, p := range m.prefixes {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}
