package logsink

import (
	"bytes"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/coduno/piper/internal/logparse"
)

// labelColors cycles through for labels without an explicit colour.
var labelColors = []lipgloss.Color{"39", "42", "213", "214", "81", "141"}

// ConsoleConfig tunes the console sink.
type ConsoleConfig struct {
	// Highlight is the lowest severity rendered in a warning/error style.
	// The zero value, Trace, highlights every line.
	Highlight logparse.Severity
	// NoColor disables all styling.
	NoColor bool
}

// Console renders lines for a terminal: a coloured, fixed-width label column
// followed by the line, with warnings and errors highlighted.
type Console struct {
	mu       sync.Mutex
	w        io.Writer
	renderer *lipgloss.Renderer
	cfg      ConsoleConfig

	labels map[string]lipgloss.Style
	warn   lipgloss.Style
	err    lipgloss.Style
}

func NewConsole(w io.Writer, cfg ConsoleConfig) *Console {
	r := lipgloss.NewRenderer(w)
	return &Console{
		w:        w,
		renderer: r,
		cfg:      cfg,
		labels:   make(map[string]lipgloss.Style),
		warn:     r.NewStyle().Foreground(lipgloss.Color("220")),
		err:      r.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
	}
}

func (c *Console) Append(label string, line []byte) {
	text := string(bytes.TrimRight(line, "\r\n"))

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.NoColor {
		_, _ = io.WriteString(c.w, padLabel(label)+" "+text+"\n")
		return
	}

	if style, ok := c.severityStyle(logparse.Classify(line)); ok {
		text = style.Render(text)
	}
	_, _ = io.WriteString(c.w, c.labelStyle(label).Render(padLabel(label))+" "+text+"\n")
}

// severityStyle returns the style for a line of severity sev, if it is
// highlighted at all.
func (c *Console) severityStyle(sev logparse.Severity) (lipgloss.Style, bool) {
	switch {
	case sev < c.cfg.Highlight:
		return lipgloss.Style{}, false
	case sev >= logparse.Error:
		return c.err, true
	default:
		return c.warn, true
	}
}

func (c *Console) labelStyle(label string) lipgloss.Style {
	if s, ok := c.labels[label]; ok {
		return s
	}
	s := c.renderer.NewStyle().
		Foreground(labelColors[len(c.labels)%len(labelColors)]).
		Bold(true)
	c.labels[label] = s
	return s
}

func padLabel(label string) string {
	const width = 4
	for len(label) < width {
		label += " "
	}
	return label
}
