package openai

import (
	"context"
	"errors"
	"strings"

	"github.com/tjfontaine/intentguard/internal/core/domain"
	"github.com/tjfontaine/intentguard/internal/judgment"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4o-mini"

// Config configures the backend.
type Config struct {
	Name        string
	Model       string
	Temperature *float32
	MaxTokens   int
}

// Backend adapts the chat completions API to judgment.Backend.
type Backend struct {
	client *Client
	cfg    Config
}

var _ judgment.Backend = (*Backend)(nil)

// New creates a backend.
func New(apiKey string, cfg Config, opts ...ClientOption) *Backend {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	return &Backend{client: NewClient(apiKey, opts...), cfg: cfg}
}

// Name implements judgment.Backend.
func (b *Backend) Name() string { return b.cfg.Name }

// Model implements judgment.Backend.
func (b *Backend) Model() string { return b.cfg.Model }

// Complete implements judgment.Backend.
func (b *Backend) Complete(ctx context.Context, req *judgment.CompletionRequest) (*judgment.Completion, error) {
	creq := &ChatCompletionRequest{
		Model:       b.cfg.Model,
		MaxTokens:   b.cfg.MaxTokens,
		Temperature: b.cfg.Temperature,
	}
	if req.System != "" {
		creq.Messages = append(creq.Messages, ChatMessage{Role: "system", Content: req.System})
	}
	creq.Messages = append(creq.Messages, ChatMessage{Role: "user", Content: req.Prompt})
	if req.JSON {
		creq.ResponseFormat = &ResponseFormat{Type: "json_object"}
	}

	resp, err := b.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: response has no choices")
	}

	model := resp.Model
	if model == "" {
		model = b.cfg.Model
	}
	return &judgment.Completion{
		Text:  strings.TrimSpace(resp.Choices[0].Message.Content),
		Model: model,
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}
