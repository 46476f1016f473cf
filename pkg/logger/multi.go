package logger

import (
	"context"
	"errors"
	"log/slog"
)

// multiHandler fans out log records to multiple slog.Handler instances.
// The serve command uses it to write console output and a JSON log file at
// the same time.
type multiHandler struct {
	handlers []slog.Handler
}

// Multi creates a *slog.Logger that dispatches every record to the handlers
// of all provided loggers. Nil loggers are skipped. A failing handler does
// not keep the record from the others.
func Multi(loggers ...*slog.Logger) *slog.Logger {
	handlers := make([]slog.Handler, 0, len(loggers))
	for _, l := range loggers {
		if l != nil {
			handlers = append(handlers, l.Handler())
		}
	}
	return slog.New(&multiHandler{handlers: handlers})
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range m.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return m.each(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	return m.each(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (m *multiHandler) each(fn func(slog.Handler) slog.Handler) *multiHandler {
	children := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		children[i] = fn(h)
	}
	return &multiHandler{handlers: children}
}
