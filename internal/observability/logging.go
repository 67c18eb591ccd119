package observability

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelslog"
)

const scopeName = "github.com/ent0n29/callbridge"

// NewLogger builds the process logger. format is json, text, or otel; the otel
// format hands records to the global OpenTelemetry logger provider.
func NewLogger(format, level string) (*slog.Logger, error) {
	return newLogger(os.Stderr, format, level)
}

func newLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "otel":
		return otelslog.NewLogger(scopeName), nil
	default:
		return nil, fmt.Errorf("unknown log format %q (expected json|text|otel)", format)
	}
}

func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
}
