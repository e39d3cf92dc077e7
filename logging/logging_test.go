package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{" warn ", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"fatal", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewText(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "info", "text")
	logger.Debug("hidden")
	logger.Info("group started", slog.Int("group", 2))

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("debug line should be filtered at info level")
	}
	if !strings.Contains(out, "group=2") {
		t.Errorf("expected group attr, got %q", out)
	}
	if !strings.Contains(out, "service=swarmsim") {
		t.Errorf("expected service attr, got %q", out)
	}
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "debug", "json")
	logger.Debug("tick", slog.Int("cycle", 1))

	out := buf.String()
	if !strings.HasPrefix(out, "{") {
		t.Errorf("expected json line, got %q", out)
	}
	if !strings.Contains(out, `"cycle":1`) {
		t.Errorf("expected cycle attr, got %q", out)
	}
}
