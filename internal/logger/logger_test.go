package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/tjfontaine/intentguard/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"", slog.LevelInfo, false},
		{"INFO", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"trace", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewWithWriter(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(&buf, config.LoggingConfig{Level: "warn", Service: "intentguard"})
	if err != nil {
		t.Fatalf("NewWithWriter() error = %v", err)
	}

	logger.Info("dropped")
	logger.Warn("kept", slog.String("run_id", "r-1"))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected one JSON line, got %q: %v", buf.String(), err)
	}
	if entry["msg"] != "kept" || entry["service"] != "intentguard" || entry["run_id"] != "r-1" {
		t.Errorf("entry = %v", entry)
	}

	if _, err := NewWithWriter(&buf, config.LoggingConfig{Level: "loud"}); err == nil {
		t.Error("expected error for unknown level")
	}
}
