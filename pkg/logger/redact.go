package logger

import (
	"context"
	"log/slog"
)

// RedactedValue replaces the value of a redacted attribute.
const RedactedValue = "[redacted]"

// DefaultRedactedKeys are attribute keys whose values never reach a log
// sink: chat credentials and full session tokens.
var DefaultRedactedKeys = []string{"password", "session_id", "token", "authorization"}

// redactHandler masks the values of selected attribute keys, including keys
// nested in groups, before passing records on.
type redactHandler struct {
	next slog.Handler
	keys map[string]struct{}
}

func newRedactHandler(next slog.Handler, keys []string) slog.Handler {
	if len(keys) == 0 {
		return next
	}
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return &redactHandler{next: next, keys: set}
}

func (h *redactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *redactHandler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.redact(a))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *redactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	masked := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		masked[i] = h.redact(a)
	}
	return &redactHandler{next: h.next.WithAttrs(masked), keys: h.keys}
}

func (h *redactHandler) WithGroup(name string) slog.Handler {
	return &redactHandler{next: h.next.WithGroup(name), keys: h.keys}
}

func (h *redactHandler) redact(a slog.Attr) slog.Attr {
	if _, ok := h.keys[a.Key]; ok {
		return slog.String(a.Key, RedactedValue)
	}

	v := a.Value.Resolve()
	if v.Kind() != slog.KindGroup {
		return a
	}
	group := v.Group()
	masked := make([]slog.Attr, len(group))
	for i, ga := range group {
		masked[i] = h.redact(ga)
	}
	return slog.Attr{Key: a.Key, Value: slog.GroupValue(masked...)}
}
