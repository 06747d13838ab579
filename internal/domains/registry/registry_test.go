package registry

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/tjfontaine/intentguard/internal/core/domain"
)

type stubHandler struct{ name string }

func (h *stubHandler) Name() string { return h.name }
func (h *stubHandler) ContextRequirements(json.RawMessage) []domain.SourceName {
	return nil
}
func (h *stubHandler) FetchContext(context.Context, domain.SourceName, *domain.IntentEnvelope) (any, error) {
	return nil, nil
}
func (h *stubHandler) BuildAuditRequest(*domain.IntentEnvelope, *domain.ContextBundle) (*domain.JudgmentRequest, error) {
	return &domain.JudgmentRequest{}, nil
}
func (h *stubHandler) BuildDraftingRequest(*domain.IntentEnvelope, domain.Verdict) (*domain.JudgmentRequest, error) {
	return &domain.JudgmentRequest{}, nil
}
func (h *stubHandler) DefaultIntervention(*domain.IntentEnvelope, domain.Verdict) domain.Intervention {
	return domain.Intervention{}
}
func (h *stubHandler) ExtractPrice(*domain.IntentEnvelope) float64    { return 0 }
func (h *stubHandler) ExtractHour(*domain.IntentEnvelope) (int, bool) { return 0, false }
func (h *stubHandler) Summarize(*domain.IntentEnvelope) domain.IntentSummary {
	return domain.IntentSummary{}
}
func (h *stubHandler) Store(context.Context, *domain.IntentEnvelope, domain.Economics) ([]string, error) {
	return nil, nil
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"skyscanner.net", "skyscanner.net"},
		{"  WWW.Skyscanner.NET ", "skyscanner.net"},
		{"https://www.amazon.co.uk/gp/cart?ref=x", "amazon.co.uk"},
		{"amazon.com:443", "amazon.com"},
		{"amazon.com/dp/B0", "amazon.com"},
		{"shop.example.org.", "shop.example.org"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := Normalize(tt.in); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRegistry_Resolve(t *testing.T) {
	flight := &stubHandler{name: "flight"}
	shopping := &stubHandler{name: "shopping"}
	fallback := &stubHandler{name: "fallback"}

	reg, err := NewBuilder(fallback).
		Register(flight, "skyscanner.net", "skyscanner.co.uk").
		Register(shopping, "amazon.co.uk", "co.uk.example").
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	tests := []struct {
		domain      string
		wantHandler string
		wantMatched bool
	}{
		{"skyscanner.net", "flight", true},
		{"WWW.SKYSCANNER.NET", "flight", true},
		{"https://www.skyscanner.co.uk/transport/flights", "flight", true},
		{"checkout.amazon.co.uk", "shopping", true},
		{"amazon.co.uk.evil.com", "fallback", false},
		{"notskyscanner.net", "fallback", false},
		{"ebay.com", "fallback", false},
		{"", "fallback", false},
	}

	for _, tt := range tests {
		t.Run(tt.domain, func(t *testing.T) {
			h, matched := reg.Resolve(tt.domain)
			if h.Name() != tt.wantHandler {
				t.Errorf("Resolve(%q) handler = %s, want %s", tt.domain, h.Name(), tt.wantHandler)
			}
			if matched != tt.wantMatched {
				t.Errorf("Resolve(%q) matched = %v, want %v", tt.domain, matched, tt.wantMatched)
			}
		})
	}
}

func TestBuilder_DuplicateKeyFails(t *testing.T) {
	a := &stubHandler{name: "a"}
	b := &stubHandler{name: "b"}

	_, err := NewBuilder(&stubHandler{name: "fallback"}).
		Register(a, "amazon.com").
		Register(b, "www.Amazon.com").
		Build()
	if err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	if !strings.Contains(err.Error(), "already registered") {
		t.Errorf("error = %v, want duplicate message", err)
	}
}

func TestBuilder_RequiresFallback(t *testing.T) {
	if _, err := NewBuilder(nil).Build(); err == nil {
		t.Fatal("expected error without fallback handler")
	}
}

func TestRegistry_LongestSuffixWins(t *testing.T) {
	generic := &stubHandler{name: "generic"}
	specific := &stubHandler{name: "specific"}

	reg, err := NewBuilder(&stubHandler{name: "fallback"}).
		Register(generic, "example.com").
		Register(specific, "shop.example.com").
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	h, _ := reg.Resolve("eu.shop.example.com")
	if h.Name() != "specific" {
		t.Errorf("Resolve() = %s, want specific", h.Name())
	}
}
