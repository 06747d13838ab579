// Package gemini is a judgment backend for the Gemini API.
package gemini

import (
	"context"
	"errors"
	"net/http"
	"strings"

	genai "google.golang.org/genai"

	"github.com/tjfontaine/intentguard/internal/core/domain"
	"github.com/tjfontaine/intentguard/internal/judgment"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.5-flash"

// ErrEmptyResponse is returned when the model produced no text.
var ErrEmptyResponse = errors.New("gemini: response has no text")

// Config configures the backend.
type Config struct {
	Name        string
	APIKey      string
	Model       string
	Temperature *float32

	// BaseURL overrides the API endpoint.
	BaseURL    string
	HTTPClient *http.Client
}

// Backend adapts the genai client to judgment.Backend.
type Backend struct {
	cli *genai.Client
	cfg Config
}

var _ judgment.Backend = (*Backend)(nil)

// New creates a backend. An empty APIKey lets the client read
// GEMINI_API_KEY or GOOGLE_API_KEY from the environment.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Name == "" {
		cfg.Name = "gemini"
	}
	cli, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      cfg.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  cfg.HTTPClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: cfg.BaseURL},
	})
	if err != nil {
		return nil, err
	}
	return &Backend{cli: cli, cfg: cfg}, nil
}

// Name implements judgment.Backend.
func (b *Backend) Name() string { return b.cfg.Name }

// Model implements judgment.Backend.
func (b *Backend) Model() string { return b.cfg.Model }

// Complete implements judgment.Backend.
func (b *Backend) Complete(ctx context.Context, req *judgment.CompletionRequest) (*judgment.Completion, error) {
	gcfg := &genai.GenerateContentConfig{Temperature: b.cfg.Temperature}
	if req.JSON {
		gcfg.ResponseMIMEType = "application/json"
	}
	if req.System != "" {
		gcfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}

	resp, err := b.cli.Models.GenerateContent(ctx, b.cfg.Model,
		[]*genai.Content{{Role: "user", Parts: []*genai.Part{{Text: req.Prompt}}}},
		gcfg,
	)
	if err != nil {
		return nil, err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, ErrEmptyResponse
	}

	var text strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		text.WriteString(p.Text)
	}

	comp := &judgment.Completion{
		Text:  strings.TrimSpace(text.String()),
		Model: b.cfg.Model,
	}
	if resp.ModelVersion != "" {
		comp.Model = resp.ModelVersion
	}
	if u := resp.UsageMetadata; u != nil {
		comp.Usage = domain.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return comp, nil
}
