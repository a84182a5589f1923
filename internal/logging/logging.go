// Package logging configures the process-wide structured logger.
//
// Card data must never reach a log sink. Every slog record passes through
// RedactHandler, which replaces the values of sensitive attribute keys with
// "[REDACTED]" before handing the record to the wrapped handler. Packages log
// through plain slog calls and do not need to know about redaction.
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// sensitiveKeys are attribute names whose values are always redacted.
// Matching is case-insensitive and applies to grouped attributes too.
var sensitiveKeys = map[string]bool{
	"pan":            true,
	"card_number":    true,
	"cvv":            true,
	"card_expiry":    true,
	"key_material":   true,
	"secret":         true,
	"webhook_secret": true,
	"api_key":        true,
	"authorization":  true,
}

const redactedValue = "[REDACTED]"

// RedactHandler wraps another slog.Handler and scrubs sensitive attributes.
type RedactHandler struct {
	inner slog.Handler
}

// NewRedactHandler wraps h with sensitive-field redaction.
func NewRedactHandler(h slog.Handler) *RedactHandler {
	return &RedactHandler{inner: h}
}

func (h *RedactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *RedactHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(redactAttr(a))
		return true
	})
	return h.inner.Handle(ctx, out)
}

func (h *RedactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redacted[i] = redactAttr(a)
	}
	return &RedactHandler{inner: h.inner.WithAttrs(redacted)}
}

func (h *RedactHandler) WithGroup(name string) slog.Handler {
	return &RedactHandler{inner: h.inner.WithGroup(name)}
}

func redactAttr(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindGroup {
		members := a.Value.Group()
		out := make([]slog.Attr, len(members))
		for i, m := range members {
			out[i] = redactAttr(m)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(out...)}
	}
	if sensitiveKeys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, redactedValue)
	}
	return a
}

// Setup installs the redacting JSON logger as the slog default.
// level accepts "debug", "info", "warn", "error"; anything else means info.
func Setup(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := NewRedactHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
