package domain

import "time"

// SourceResult is the settled outcome of fetching one context source.
type SourceResult struct {
	Source SourceName

	// Records holds the typed records returned by the handler, e.g.
	// []CalendarEvent. Nil when the source is unavailable.
	Records any

	// Available is false when the fetch failed or timed out.
	Available bool

	// Reason explains why the source is unavailable.
	Reason string

	Latency time.Duration
}

// ContextBundle holds one settled result for every source a handler
// declared. It is built once by the router and read by the audit stage.
type ContextBundle struct {
	order   []SourceName
	results map[SourceName]SourceResult
}

// NewContextBundle builds a bundle that has an entry for every declared
// source. Declared sources without a result are marked unavailable.
func NewContextBundle(declared []SourceName, results []SourceResult) *ContextBundle {
	b := &ContextBundle{results: make(map[SourceName]SourceResult, len(declared))}
	for _, r := range results {
		b.results[r.Source] = r
	}
	for _, s := range declared {
		if _, ok := b.results[s]; !ok {
			b.results[s] = SourceResult{Source: s, Reason: "not fetched"}
		}
		b.order = append(b.order, s)
	}
	return b
}

// Sources returns the declared sources in declaration order.
func (b *ContextBundle) Sources() []SourceName {
	if b == nil {
		return nil
	}
	return append([]SourceName(nil), b.order...)
}

// Get returns the result for a source.
func (b *ContextBundle) Get(s SourceName) (SourceResult, bool) {
	if b == nil {
		return SourceResult{}, false
	}
	r, ok := b.results[s]
	return r, ok
}

// Unavailable lists the declared sources that could not be fetched.
func (b *ContextBundle) Unavailable() []SourceName {
	if b == nil {
		return nil
	}
	var out []SourceName
	for _, s := range b.order {
		if !b.results[s].Available {
			out = append(out, s)
		}
	}
	return out
}

// Records returns the typed records for a source. ok is false when the
// source is missing, unavailable or holds a different record type.
func Records[T any](b *ContextBundle, s SourceName) ([]T, bool) {
	r, ok := b.Get(s)
	if !ok || !r.Available {
		return nil, false
	}
	recs, ok := r.Records.([]T)
	return recs, ok
}
