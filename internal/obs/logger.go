package obs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/jobsift/jobsift/internal/config"
	"github.com/jobsift/jobsift/internal/types"
)

type traceIDKey struct{}

// WithTraceID stores a run trace ID in the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// TraceID returns the trace ID from the context, or "".
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey{}).(string)
	return id
}

// NewTraceID generates a fresh run trace ID.
func NewTraceID() string {
	return uuid.NewString()
}

// traceHandler stamps the context trace ID on every record.
type traceHandler struct {
	slog.Handler
}

func (h traceHandler) Handle(ctx context.Context, rec slog.Record) error {
	if id := TraceID(ctx); id != "" {
		rec.AddAttrs(slog.String("trace_id", id))
	}
	return h.Handler.Handle(ctx, rec)
}

func (h traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return traceHandler{h.Handler.WithAttrs(attrs)}
}

func (h traceHandler) WithGroup(name string) slog.Handler {
	return traceHandler{h.Handler.WithGroup(name)}
}

// fanoutHandler writes each record to every sink whose level admits it.
type fanoutHandler struct {
	handlers []slog.Handler
}

func (h fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h fanoutHandler) Handle(ctx context.Context, rec slog.Record) error {
	var firstErr error
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, rec.Level) {
			if err := hh.Handle(ctx, rec.Clone()); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (h fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		out[i] = hh.WithAttrs(attrs)
	}
	return fanoutHandler{out}
}

func (h fanoutHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		out[i] = hh.WithGroup(name)
	}
	return fanoutHandler{out}
}

// Logger bundles the slog logger with its closable sinks.
type Logger struct {
	*slog.Logger
	sinks []*lumberjack.Logger
}

// NewLogger creates the three-sink JSON logger: main (configured level,
// at least info), debug (all records), errors (error and up). Sinks are
// size-rotated.
func NewLogger(cfg config.LoggingSettings) (*Logger, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, types.NewClassified(types.KindIOUnavailable,
			fmt.Errorf("create log dir: %w", err))
	}

	mainLevel := parseLevel(cfg.Level)
	if mainLevel < slog.LevelInfo {
		mainLevel = slog.LevelInfo
	}

	sink := func(name string) *lumberjack.Logger {
		return &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Dir, name),
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
	}

	mainSink := sink("main.log")
	debugSink := sink("debug.log")
	errorSink := sink("errors.log")

	handlers := []slog.Handler{
		slog.NewJSONHandler(mainSink, &slog.HandlerOptions{Level: mainLevel}),
		slog.NewJSONHandler(debugSink, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewJSONHandler(errorSink, &slog.HandlerOptions{Level: slog.LevelError}),
	}
	if cfg.Console {
		handlers = append(handlers,
			slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.Level)}))
	}

	return &Logger{
		Logger: slog.New(traceHandler{fanoutHandler{handlers}}),
		sinks:  []*lumberjack.Logger{mainSink, debugSink, errorSink},
	}, nil
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}

// Close flushes and closes all file sinks.
func (l *Logger) Close() error {
	var firstErr error
	for _, s := range l.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Timed logs an event with its duration_ms once the returned func runs.
func (l *Logger) Timed(ctx context.Context, component, event string, attrs ...any) func() {
	start := time.Now()
	return func() {
		all := append([]any{
			"component", component,
			"event", event,
			"duration_ms", time.Since(start).Milliseconds(),
		}, attrs...)
		l.InfoContext(ctx, event, all...)
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
