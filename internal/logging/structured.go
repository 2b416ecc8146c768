package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// InitStructured reconfigures the operational logger.
// format: "text" (default) or "json" (Loki/ELK compatible)
// level: "debug", "info", "warn", "error"
// file: optional path; records go to stderr and are appended to the file,
// which is rotated daily to "<file>.YYYY-MM-DD".
//
// The returned function closes the log file, if any.
func InitStructured(format, level, file string) (func() error, error) {
	SetLevelFromString(level)

	var w io.Writer = os.Stderr
	closeFn := func() error { return nil }
	if file != "" {
		if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := openDaily(file, time.Now)
		if err != nil {
			return nil, err
		}
		w = io.MultiWriter(os.Stderr, f)
		closeFn = f.Close
	}

	opLogger.Store(slog.New(newHandler(format, w)))
	return closeFn, nil
}

func newHandler(format string, w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: logLevel,
	}
	switch format {
	case "json":
		return slog.NewJSONHandler(w, opts)
	default:
		return slog.NewTextHandler(w, opts)
	}
}

// OpWithTrace returns the operational logger with trace context fields.
// traceID and spanID are injected as attributes when available.
func OpWithTrace(traceID, spanID string) *slog.Logger {
	l := opLogger.Load()
	if traceID == "" {
		return l
	}
	args := []any{"trace_id", traceID}
	if spanID != "" {
		args = append(args, "span_id", spanID)
	}
	return l.With(args...)
}
