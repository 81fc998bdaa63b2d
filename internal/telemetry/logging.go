// Package telemetry builds the relay's structured logger.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/ccmob/internal/shared"
)

const (
	logDirName  = "logs"
	logFileName = "system.jsonl"
	component   = "ccmob"
)

// NewLogger returns a logger appending JSON lines to logs/system.jsonl under
// homeDir. Unless quiet, lines are mirrored to stderr. The Closer closes the
// file.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	dir := filepath.Join(homeDir, logDirName)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stderr, file)
	}
	return New(w, level), file, nil
}

// New returns a JSON logger writing to w. Every line carries component and
// trace_id; the latter comes from the request context when logged with the
// *Context methods. Secrets are scrubbed from attribute values.
func New(w io.Writer, level string) *slog.Logger {
	inner := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       ParseLevel(level),
		ReplaceAttr: scrubAttr,
	})
	return slog.New(traceHandler{inner}).With("component", component)
}

// traceHandler stamps each record with the caller's trace id.
type traceHandler struct {
	slog.Handler
}

func (h traceHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(slog.String("trace_id", shared.TraceID(ctx)))
	return h.Handler.Handle(ctx, r)
}

func (h traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return traceHandler{h.Handler.WithAttrs(attrs)}
}

func (h traceHandler) WithGroup(name string) slog.Handler {
	return traceHandler{h.Handler.WithGroup(name)}
}

func scrubAttr(_ []string, a slog.Attr) slog.Attr {
	switch {
	case a.Key == slog.TimeKey:
		a.Key = "timestamp"
		return a
	case shared.IsSecretKey(a.Key):
		return slog.String(a.Key, shared.Redacted)
	case a.Value.Kind() != slog.KindString:
		return a
	}
	v := a.Value.String()
	if strings.Contains(strings.ToLower(v), "bearer ") {
		return slog.String(a.Key, shared.Redacted)
	}
	if scrubbed := shared.Redact(v); scrubbed != v {
		return slog.String(a.Key, scrubbed)
	}
	return a
}

// ParseLevel maps a level name to a slog level. Unknown names mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
