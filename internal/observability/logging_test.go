package observability

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "json", "warn")
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	logger.Info("hidden")
	logger.Warn("call ended", "call_id", "c1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if rec["msg"] != "call ended" || rec["call_id"] != "c1" {
		t.Fatalf("record = %v", rec)
	}
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	if _, err := newLogger(&buf, "text", "debug"); err != nil {
		t.Fatalf("text logger error = %v", err)
	}
	if l, err := newLogger(&buf, "otel", "info"); err != nil || l == nil {
		t.Fatalf("otel logger = %v, %v", l, err)
	}
	if _, err := newLogger(&buf, "xml", "info"); err == nil {
		t.Fatalf("expected error for unknown format")
	}
	if _, err := newLogger(&buf, "json", "loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{"": slog.LevelInfo, "DEBUG": slog.LevelDebug, "warning": slog.LevelWarn, "error": slog.LevelError}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
}
