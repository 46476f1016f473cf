// Package logger provides opinionated logging capabilities for the chatbridge system
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"

	charmlog "github.com/charmbracelet/log"
)

// config holds the options applied by New.
type config struct {
	level   slog.Level
	pretty  bool
	json    bool
	source  bool
	redact  []string
	writers []io.Writer
}

// New builds a *slog.Logger. The default handler is slog's text handler
// writing to os.Stdout at Info level, with DefaultRedactedKeys masked.
func New(opts ...Option) *slog.Logger {
	c := &config{
		level:  slog.LevelInfo,
		redact: DefaultRedactedKeys,
	}
	for _, opt := range opts {
		opt(c)
	}

	if len(c.writers) == 0 {
		c.writers = []io.Writer{os.Stdout}
	}

	var w io.Writer
	if len(c.writers) == 1 {
		w = c.writers[0]
	} else {
		w = io.MultiWriter(c.writers...)
	}

	return slog.New(newRedactHandler(c.handler(w), c.redact))
}

func (c *config) handler(w io.Writer) slog.Handler {
	switch {
	case c.json:
		return slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:     c.level,
			AddSource: c.source,
		})

	case c.pretty:
		return charmlog.NewWithOptions(w, charmlog.Options{
			Level:           charmLevel(c.level),
			ReportTimestamp: true,
			ReportCaller:    c.source,
		})

	default:
		return slog.NewTextHandler(w, &slog.HandlerOptions{
			Level:     c.level,
			AddSource: c.source,
		})
	}
}

// Nop returns a logger that discards everything.
func Nop() *slog.Logger {
	return slog.New(nopHandler{})
}

func charmLevel(l slog.Level) charmlog.Level {
	switch {
	case l <= slog.LevelDebug:
		return charmlog.DebugLevel
	case l <= slog.LevelInfo:
		return charmlog.InfoLevel
	case l <= slog.LevelWarn:
		return charmlog.WarnLevel
	default:
		return charmlog.ErrorLevel
	}
}

type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (h nopHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h nopHandler) WithGroup(string) slog.Handler           { return h }
