package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type ctxKey int

const (
	executionIDKey ctxKey = iota
	templateIDKey
	stepIDKey
)

// correlationAttrs lists the context keys injected into log records, in order.
var correlationAttrs = []struct {
	key  ctxKey
	attr string
}{
	{executionIDKey, "execution_id"},
	{templateIDKey, "template_id"},
	{stepIDKey, "step_id"},
}

// WithExecutionID returns a context carrying the execution ID.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey, id)
}

// WithTemplateID returns a context carrying the template ID.
func WithTemplateID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, templateIDKey, id)
}

// WithStepID returns a context carrying the step ID.
func WithStepID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, stepIDKey, id)
}

// ExecutionID extracts the execution ID from ctx, or "".
func ExecutionID(ctx context.Context) string {
	v, _ := ctx.Value(executionIDKey).(string)
	return v
}

// TemplateID extracts the template ID from ctx, or "".
func TemplateID(ctx context.Context) string {
	v, _ := ctx.Value(templateIDKey).(string)
	return v
}

// StepID extracts the step ID from ctx, or "".
func StepID(ctx context.Context) string {
	v, _ := ctx.Value(stepIDKey).(string)
	return v
}

// WithExecution sets the execution and template IDs at once.
func WithExecution(ctx context.Context, executionID, templateID string) context.Context {
	return WithTemplateID(WithExecutionID(ctx, executionID), templateID)
}

func correlation(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	for _, c := range correlationAttrs {
		if v, _ := ctx.Value(c.key).(string); v != "" {
			attrs = append(attrs, slog.String(c.attr, v))
		}
	}
	return attrs
}

// LogWith returns logger enriched with the correlation IDs found in ctx.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range correlation(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler and injects correlation IDs from
// the record's context, so logger.InfoContext(ctx, ...) is enough.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps inner.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(correlation(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// ParseLevel maps "debug", "info", "warn", "error" to slog levels. Unknown
// values fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// New builds the process logger: a text handler on w wrapped in a
// CorrelationHandler.
func New(w io.Writer, level string) *slog.Logger {
	return NewLeveled(w, ParseLevel(level))
}

// NewLeveled is New with a caller-owned level, typically a *slog.LevelVar
// adjusted at runtime.
func NewLeveled(w io.Writer, level slog.Leveler) *slog.Logger {
	inner := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(NewCorrelationHandler(inner))
}
