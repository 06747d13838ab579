// Package rules is an offline judgment backend. It adds no risks of its
// own, so verdicts rest on the handlers' deterministic findings, and it
// never drafts, so interventions use each handler's default message.
package rules

import (
	"context"

	"github.com/tjfontaine/intentguard/internal/judgment"
)

// Backend is the offline backend.
type Backend struct{}

var _ judgment.Backend = Backend{}

// New returns the offline backend.
func New() Backend { return Backend{} }

// Name implements judgment.Backend.
func (Backend) Name() string { return "rules" }

// Model implements judgment.Backend.
func (Backend) Model() string { return "rules" }

// Complete implements judgment.Backend.
func (Backend) Complete(ctx context.Context, req *judgment.CompletionRequest) (*judgment.Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text := ""
	if req.JSON {
		text = `{"risks": []}`
	}
	return &judgment.Completion{Text: text, Model: "rules"}, nil
}
