package telemetry

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/jllopis/carmcp/pkg/core"
	"go.opentelemetry.io/otel/trace"
)

var levelVar = new(slog.LevelVar)

// ConfigureSlog sets the global slog logger. Records carry trace, span and
// run ids when the context has them.
func ConfigureSlog(output io.Writer, level, format string) *slog.Logger {
	levelVar.Set(ParseLevel(level))
	logger := slog.New(newHandler(output, levelVar, format))
	slog.SetDefault(logger)
	return logger
}

// SetLevel changes the level of the logger installed by ConfigureSlog.
func SetLevel(level string) {
	levelVar.Set(ParseLevel(level))
}

// NewHandler builds the context-aware handler without touching the default
// logger.
func NewHandler(output io.Writer, level, format string) slog.Handler {
	return newHandler(output, ParseLevel(level), format)
}

func newHandler(output io.Writer, level slog.Leveler, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	var base slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		base = slog.NewJSONHandler(output, opts)
	default:
		base = slog.NewTextHandler(output, opts)
	}
	return &contextHandler{next: base}
}

type contextHandler struct {
	next slog.Handler
}

func (h *contextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *contextHandler) Handle(ctx context.Context, record slog.Record) error {
	if ctx != nil {
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			addIfMissing(&record, "trace_id", sc.TraceID().String())
			addIfMissing(&record, "span_id", sc.SpanID().String())
		}
		if id, ok := core.RunID(ctx); ok {
			addIfMissing(&record, "run_id", id)
		}
	}
	return h.next.Handle(ctx, record)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{next: h.next.WithAttrs(attrs)}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{next: h.next.WithGroup(name)}
}

// ParseLevel maps a level name to slog.Level. Unknown names mean info.
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

func addIfMissing(record *slog.Record, key, value string) {
	found := false
	record.Attrs(func(attr slog.Attr) bool {
		if attr.Key == key {
			found = true
			return false
		}
		return true
	})
	if !found {
		record.AddAttrs(slog.String(key, value))
	}
}
