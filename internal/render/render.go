// Package render prints pipeline events for a terminal.
package render

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/splax/canary/internal/eventlog"
	"github.com/splax/canary/internal/pipeline"
)

var (
	colorOK    = lipgloss.Color("#2CD7C7")
	colorWarn  = lipgloss.Color("#F4D03F")
	colorError = lipgloss.Color("#E74C3C")
	colorMuted = lipgloss.Color("#5C7480")
)

var styles = struct {
	time  lipgloss.Style
	step  lipgloss.Style
	info  lipgloss.Style
	warn  lipgloss.Style
	err   lipgloss.Style
	title lipgloss.Style
}{
	time:  lipgloss.NewStyle().Foreground(colorMuted),
	step:  lipgloss.NewStyle().Bold(true),
	info:  lipgloss.NewStyle().Foreground(colorOK),
	warn:  lipgloss.NewStyle().Foreground(colorWarn),
	err:   lipgloss.NewStyle().Foreground(colorError).Bold(true),
	title: lipgloss.NewStyle().Bold(true).Foreground(colorOK),
}

// Printer writes events one per line. Output is styled only when Color is set.
type Printer struct {
	mu    sync.Mutex
	w     io.Writer
	Color bool
}

// NewPrinter styles output when w is a terminal.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w, Color: IsTerminal(w)}
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Entry prints one event.
func (p *Printer) Entry(e eventlog.Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, p.Format(e))
}

// Format renders one event without writing it.
func (p *Printer) Format(e eventlog.Entry) string {
	if !p.Color {
		return e.String()
	}
	level := fmt.Sprintf("%-5s", string(e.Level))
	switch e.Level {
	case eventlog.LevelError:
		level = styles.err.Render(level)
	case eventlog.LevelWarn:
		level = styles.warn.Render(level)
	default:
		level = styles.info.Render(level)
	}
	return fmt.Sprintf("%s %s %s %s",
		styles.time.Render(e.Time.Format("15:04:05")),
		level,
		styles.step.Render("["+e.Step+"]"),
		e.Message,
	)
}

// Drain prints entries until the channel closes.
func (p *Printer) Drain(entries <-chan eventlog.Entry) {
	for e := range entries {
		p.Entry(e)
	}
}

// Summary prints the final phase and the phases visited.
func (p *Printer) Summary(res pipeline.Result) {
	phases := make([]string, 0, len(res.Phases))
	for _, ph := range res.Phases {
		phases = append(phases, string(ph))
	}
	line := fmt.Sprintf("%s (%s)", strings.ToUpper(string(res.Phase)), strings.Join(phases, " -> "))
	if !res.Finished.IsZero() && !res.Started.IsZero() {
		line += fmt.Sprintf(" in %s", res.Finished.Sub(res.Started).Round(10*time.Millisecond))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.Color {
		fmt.Fprintln(p.w, line)
		return
	}
	style := styles.title
	switch res.Phase {
	case pipeline.PhaseFailed, pipeline.PhaseRejected:
		style = styles.err
	case pipeline.PhaseCancelled:
		style = styles.warn
	}
	fmt.Fprintln(p.w, style.Render(line))
}
