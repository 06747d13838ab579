// Package judgment implements the judgment service on top of pluggable
// model backends. It owns reply parsing, token accounting and the circuit
// breakers protecting each backend.
package judgment

import (
	"context"

	"github.com/tjfontaine/intentguard/internal/core/domain"
)

// CompletionRequest is a single prompt sent to a backend.
type CompletionRequest struct {
	System string
	Prompt string

	// JSON asks the backend for a JSON-only reply.
	JSON bool
}

// Completion is a backend reply.
type Completion struct {
	Text  string
	Model string

	// Usage is zero when the backend does not report token counts.
	Usage domain.Usage
}

// Backend is a model that answers prompts.
type Backend interface {
	// Name identifies the backend in logs and breaker state.
	Name() string

	// Model returns the model used for token accounting.
	Model() string

	Complete(ctx context.Context, req *CompletionRequest) (*Completion, error)
}
