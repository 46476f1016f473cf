// Package cliui provides reusable terminal UI helpers (styles, step
// indicators) for chatbridge CLI commands.
package cliui

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"charm.land/lipgloss/v2"
	"golang.org/x/term"
)

var (
	SuccessMark  = lipgloss.NewStyle().Foreground(lipgloss.Color("82")).Render("✓")
	FailMark     = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Render("✗")
	StepStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	KeyStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	ValueStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("255"))
	DimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	spinnerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("82"))
)

var spinnerFrames = []string{"⣾", "⣽", "⣻", "⢿", "⡿", "⣟", "⣯", "⣷"}

// Step runs fn and reports its outcome as a ✓ or ✗ line with the elapsed
// time. On a terminal an animated spinner is shown while fn runs.
func Step(w io.Writer, msg string, fn func() error) error {
	var stop func()
	if IsTerminal(w) {
		stop = spin(w, msg)
	}

	start := time.Now()
	err := fn()
	elapsed := time.Since(start)

	prefix := "  "
	if stop != nil {
		stop()
		prefix = "\r  "
	}

	fmt.Fprintf(w, "%s%s %s %s\n",
		prefix,
		Mark(err),
		msg,
		StepStyle.Render(fmt.Sprintf("(%s)", FormatDuration(elapsed))),
	)

	return err
}

// spin animates a spinner on w until the returned func is called.
func spin(w io.Writer, msg string) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	var mu sync.Mutex

	go func() {
		defer close(stopped)
		frame := 0
		ticker := time.NewTicker(80 * time.Millisecond)
		defer ticker.Stop()

		for {
			mu.Lock()
			fmt.Fprintf(w, "\r  %s %s",
				spinnerStyle.Render(spinnerFrames[frame%len(spinnerFrames)]),
				msg,
			)
			mu.Unlock()

			select {
			case <-done:
				return
			case <-ticker.C:
				frame++
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}

// Field prints an indented, styled key and value on one line.
func Field(w io.Writer, key, value string) {
	if value == "" {
		fmt.Fprintf(w, "  %s  %s\n", KeyStyle.Render(key), DimStyle.Render("<not set>"))
		return
	}
	fmt.Fprintf(w, "  %s  %s\n", KeyStyle.Render(key), ValueStyle.Render(value))
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Mark returns a ✓ for nil errors or ✗ for non-nil errors.
func Mark(err error) string {
	if err != nil {
		return FailMark
	}
	return SuccessMark
}

// FormatDuration formats a duration for display (e.g. "12ms" or "3.2s").
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}
