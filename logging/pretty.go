package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// PrettyLogger writes human-facing CLI output. Structured logs go through
// NewLogger; this is for results the operator asked for.
type PrettyLogger struct {
	writer io.Writer
	styles PrettyStyles
}

// PrettyStyles contains lipgloss styles for different output kinds
type PrettyStyles struct {
	Success lipgloss.Style
	Info    lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Key     lipgloss.Style
	Value   lipgloss.Style
	Path    lipgloss.Style
	Muted   lipgloss.Style
}

// DefaultPrettyStyles returns the default styling for pretty output
func DefaultPrettyStyles() PrettyStyles {
	return PrettyStyles{
		Success: lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true),
		Info:    lipgloss.NewStyle().Foreground(lipgloss.Color("12")),
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		Error:   lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		Key:     lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		Value:   lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Bold(true),
		Path:    lipgloss.NewStyle().Foreground(lipgloss.Color("6")).Italic(true),
		Muted:   lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	}
}

// NewPrettyLogger creates a pretty printer on stdout
func NewPrettyLogger() *PrettyLogger {
	return &PrettyLogger{
		writer: os.Stdout,
		styles: DefaultPrettyStyles(),
	}
}

// WithWriter sets a custom writer for pretty output
func (p *PrettyLogger) WithWriter(w io.Writer) *PrettyLogger {
	p.writer = w
	return p
}

// Success prints a message with a checkmark
func (p *PrettyLogger) Success(message string) {
	fmt.Fprintf(p.writer, "%s %s\n", p.styles.Success.Render("✓"), p.styles.Success.Render(message))
}

// Info prints a plain informational line
func (p *PrettyLogger) Info(message string) {
	fmt.Fprintln(p.writer, p.styles.Info.Render(message))
}

// Warn prints a warning line
func (p *PrettyLogger) Warn(message string) {
	fmt.Fprintf(p.writer, "%s %s\n", p.styles.Warning.Render("⚠"), p.styles.Warning.Render(message))
}

// Error prints a failure line, with err appended when non-nil
func (p *PrettyLogger) Error(message string, err error) {
	fmt.Fprintf(p.writer, "%s %s", p.styles.Error.Render("✗"), p.styles.Error.Render(message))
	if err != nil {
		fmt.Fprintf(p.writer, ": %s", p.styles.Error.Render(err.Error()))
	}
	fmt.Fprintln(p.writer)
}

// Field prints a key-value pair
func (p *PrettyLogger) Field(key string, value interface{}) {
	fmt.Fprintf(p.writer, "%s: %s\n", p.styles.Key.Render(key), p.styles.Value.Render(fmt.Sprint(value)))
}

// Path prints a labelled filesystem path
func (p *PrettyLogger) Path(label, path string) {
	fmt.Fprintf(p.writer, "%s: %s\n", p.styles.Key.Render(label), p.styles.Path.Render(path))
}

// Status prints one "name  state  detail" row, coloring state by outcome.
func (p *PrettyLogger) Status(name, state, detail string, ok bool) {
	style := p.styles.Success
	if !ok {
		style = p.styles.Error
	}
	line := fmt.Sprintf("%-32s %s", name, style.Render(fmt.Sprintf("%-12s", state)))
	if detail != "" {
		line += " " + p.styles.Muted.Render(detail)
	}
	fmt.Fprintln(p.writer, line)
}

// Block prints multi-line content indented by two spaces
func (p *PrettyLogger) Block(content string) {
	for _, line := range strings.Split(strings.TrimRight(content, "\n"), "\n") {
		fmt.Fprintf(p.writer, "  %s\n", p.styles.Muted.Render(line))
	}
}
