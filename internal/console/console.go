// Package console renders operator-facing output: task headers, provider
// progress, stats and next steps
package console

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/cloud-shuttle/gza/internal/provider"
	"github.com/cloud-shuttle/gza/pkg/types"
)

type styles struct {
	header    lipgloss.Style
	dim       lipgloss.Style
	bold      lipgloss.Style
	kind      lipgloss.Style
	success   lipgloss.Style
	warning   lipgloss.Style
	error     lipgloss.Style
	command   lipgloss.Style
	turn      lipgloss.Style
	tool      lipgloss.Style
	message   lipgloss.Style
	todo      map[string]lipgloss.Style
	status    map[types.TaskStatus]lipgloss.Style
	verdict   map[string]lipgloss.Style
	tableHead lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	c := func(color string) lipgloss.Style { return r.NewStyle().Foreground(lipgloss.Color(color)) }
	return styles{
		header:  c("86").Bold(true),
		dim:     r.NewStyle().Faint(true),
		bold:    r.NewStyle().Bold(true),
		kind:    c("170"),
		success: c("42").Bold(true),
		warning: c("226"),
		error:   c("196").Bold(true),
		command: c("39"),
		turn:    c("33"),
		tool:    c("170"),
		message: c("42"),
		todo: map[string]lipgloss.Style{
			"pending":     c("252"),
			"in_progress": c("226"),
			"completed":   c("42"),
		},
		status: map[types.TaskStatus]lipgloss.Style{
			types.TaskStatusPending:    c("252"),
			types.TaskStatusInProgress: c("226"),
			types.TaskStatusCompleted:  c("42"),
			types.TaskStatusFailed:     c("196"),
			types.TaskStatusUnmerged:   c("214"),
		},
		verdict: map[string]lipgloss.Style{
			"APPROVED":          c("42").Bold(true),
			"CHANGES_REQUESTED": c("214").Bold(true),
			"NEEDS_DISCUSSION":  c("226").Bold(true),
		},
		tableHead: r.NewStyle().Bold(true).Underline(true),
	}
}

// Writer prints styled lines to one destination. Safe for concurrent use;
// each call writes whole lines.
type Writer struct {
	mu    sync.Mutex
	out   io.Writer
	st    styles
	quiet bool
}

// New creates a Writer. Colors are used only when out is a terminal.
func New(out io.Writer) *Writer {
	return &Writer{out: out, st: newStyles(lipgloss.NewRenderer(out))}
}

// Discard returns a Writer that prints nothing
func Discard() *Writer {
	w := New(io.Discard)
	w.quiet = true
	return w
}

func (w *Writer) println(s string) {
	if w.quiet {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintln(w.out, s)
}

// Println prints an unstyled line
func (w *Writer) Println(a ...any) {
	w.println(fmt.Sprint(a...))
}

// Printf prints an unstyled formatted line
func (w *Writer) Printf(format string, a ...any) {
	w.println(fmt.Sprintf(format, a...))
}

// TaskHeader announces the task about to run
func (w *Writer) TaskHeader(prompt, slug string, t types.TaskType) {
	w.println(w.st.header.Render("=== Task: " + Truncate(prompt, 80) + " ==="))
	w.println("    ID: " + w.st.dim.Render(slug))
	w.println("    Type: " + w.st.kind.Render(string(t)))
}

// Info prints a "label: value" line
func (w *Writer) Info(label, value string) {
	w.println(label + ": " + value)
}

// Success prints a success banner
func (w *Writer) Success(title string) {
	w.println(w.st.success.Render("=== " + title + " ==="))
}

// Warn prints a warning
func (w *Writer) Warn(msg string) {
	w.println(w.st.warning.Render(msg))
}

// Error prints an error
func (w *Writer) Error(msg string) {
	w.println(w.st.error.Render(msg))
}

// Stats prints runtime, turns, cost and optionally whether commits were made
func (w *Writer) Stats(s types.Stats, hasCommits *bool) {
	var parts []string
	label := func(name, value string) string {
		return w.st.dim.Render(name+":") + " " + w.st.bold.Render(value)
	}
	if s.DurationSeconds != nil {
		parts = append(parts, label("Runtime", FormatDuration(time.Duration(*s.DurationSeconds*float64(time.Second)))))
	}
	if n := Turns(s); n != nil {
		parts = append(parts, label("Turns", fmt.Sprint(*n)))
	}
	if s.CostUSD != nil {
		parts = append(parts, label("Cost", fmt.Sprintf("$%.4f", *s.CostUSD)))
	}
	if hasCommits != nil {
		v := "no"
		if *hasCommits {
			v = w.st.message.Render("yes")
		}
		parts = append(parts, w.st.dim.Render("Commits:")+" "+v)
	}
	if len(parts) > 0 {
		w.println("Stats: " + strings.Join(parts, " | "))
	}
}

// Step is a suggested follow-up command
type Step struct {
	Command string
	Comment string
}

// NextSteps prints suggested follow-up commands
func (w *Writer) NextSteps(steps ...Step) {
	if len(steps) == 0 {
		return
	}
	width := 0
	for _, s := range steps {
		width = max(width, len(s.Command))
	}
	w.println("\nNext steps:")
	for _, s := range steps {
		pad := strings.Repeat(" ", width-len(s.Command)+3)
		w.println("  " + w.st.command.Render(s.Command) + pad + w.st.dim.Render(s.Comment))
	}
}

// Verdict prints a review verdict in its color
func (w *Writer) Verdict(v string) {
	if v == "" {
		return
	}
	style, ok := w.st.verdict[v]
	if !ok {
		style = w.st.bold
	}
	w.println("Verdict: " + style.Render(v))
}

// Event renders one provider progress event
func (w *Writer) Event(ev provider.Event) {
	switch ev.Kind {
	case provider.EventTurn:
		w.println(w.st.turn.Render(fmt.Sprintf("| Turn %d | %s | $%.2f | %s |",
			ev.Turn, FormatTokens(ev.Tokens), ev.CostUSD, FormatDuration(ev.Elapsed))))
	case provider.EventTool:
		line := "  → " + ev.Tool
		if ev.Detail != "" {
			line += " " + ev.Detail
		}
		w.println(w.st.tool.Render(line))
	case provider.EventMessage:
		text := strings.TrimSpace(ev.Text)
		if text == "" {
			return
		}
		w.println(w.st.message.Render("  " + Truncate(firstLine(text), 200)))
	case provider.EventTodo:
		icon := map[string]string{"in_progress": "◐", "completed": "●"}[ev.Detail]
		if icon == "" {
			icon = "○"
		}
		style, ok := w.st.todo[ev.Detail]
		if !ok {
			style = w.st.todo["pending"]
		}
		w.println(style.Render("    " + icon + " " + ev.Text))
	case provider.EventRaw:
		// Non-JSON noise from the agent stays in the log file only
	}
}

// Status renders a task status in its color
func (w *Writer) Status(s types.TaskStatus) string {
	if style, ok := w.st.status[s]; ok {
		return style.Render(string(s))
	}
	return string(s)
}

// Dim renders s faint
func (w *Writer) Dim(s string) string {
	return w.st.dim.Render(s)
}

// Turns returns the reported turn count, falling back to the computed one
func Turns(s types.Stats) *int {
	if s.NumTurnsReported != nil {
		return s.NumTurnsReported
	}
	return s.NumTurnsComputed
}

// FormatDuration renders 45s, 2m 30s or 1h 5m
func FormatDuration(d time.Duration) string {
	secs := int(d.Seconds())
	switch {
	case secs < 60:
		return fmt.Sprintf("%ds", secs)
	case secs < 3600:
		return fmt.Sprintf("%dm %ds", secs/60, secs%60)
	}
	return fmt.Sprintf("%dh %dm", secs/3600, (secs%3600)/60)
}

// FormatTokens renders a compact token count
func FormatTokens(n int) string {
	switch {
	case n > 1_000_000:
		return fmt.Sprintf("%.1fM tokens", float64(n)/1_000_000)
	case n > 1000:
		return fmt.Sprintf("%dk tokens", n/1000)
	}
	return fmt.Sprintf("%d tokens", n)
}

// Truncate shortens s to n runes, ending in "..."
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
