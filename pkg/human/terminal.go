package human

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/indent"
	"github.com/muesli/reflow/wordwrap"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)
	labelStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
	proStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	conStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	impactStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("13"))
	hintStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// TerminalResponder renders requests to a terminal and reads the operator's
// selection from in.
type TerminalResponder struct {
	in     *bufio.Scanner
	out    io.Writer
	width  int
	logger *slog.Logger
}

// NewTerminalResponder returns a responder. width <= 0 uses 80 columns.
func NewTerminalResponder(in io.Reader, out io.Writer, width int, logger *slog.Logger) *TerminalResponder {
	if width <= 0 {
		width = 80
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TerminalResponder{
		in:     bufio.NewScanner(in),
		out:    out,
		width:  width,
		logger: logger.With("component", "terminal-responder"),
	}
}

// Attach answers every request raised on bridge.
func (t *TerminalResponder) Attach(bridge *Bridge) {
	bridge.OnRequest(func(req Request) {
		if err := t.Answer(bridge, req); err != nil {
			t.logger.Warn("terminal response failed", "request_id", req.ID, "error", err)
		}
	})
}

// Answer renders req and keeps prompting until a valid label is accepted.
func (t *TerminalResponder) Answer(bridge *Bridge, req Request) error {
	fmt.Fprint(t.out, Render(req, t.width))
	for {
		fmt.Fprintf(t.out, "%s ", hintStyle.Render(fmt.Sprintf("Choose [%s]:", strings.Join(req.Labels(), "/"))))
		if !t.in.Scan() {
			if err := t.in.Err(); err != nil {
				return err
			}
			return io.EOF
		}
		label := strings.TrimSpace(t.in.Text())
		if label == "" {
			continue
		}
		err := bridge.Respond(req.ID, label)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrStaleResponse) {
			return err
		}
		fmt.Fprintln(t.out, conStyle.Render(err.Error()))
	}
}

// Render formats the full option set with trade-offs, wrapped to width.
func Render(req Request, width int) string {
	if width <= 0 {
		width = 80
	}
	var b strings.Builder
	b.WriteString(headerStyle.Render("HUMAN DECISION REQUIRED"))
	b.WriteString("\n\n")
	b.WriteString(wordwrap.String(req.Question, width))
	b.WriteString("\n\n")

	for _, opt := range req.Options {
		b.WriteString(labelStyle.Render("Option " + opt.Label))
		b.WriteString("\n")
		b.WriteString(indent.String(wordwrap.String(opt.Description, width-2), 2))
		b.WriteString("\n")
		for _, pro := range opt.Pros {
			b.WriteString(bullet(proStyle.Render("+"), pro, width))
		}
		for _, con := range opt.Cons {
			b.WriteString(bullet(conStyle.Render("-"), con, width))
		}
		b.WriteString(indent.String(wordwrap.String(impactStyle.Render("Impact: ")+opt.Impact, width-2), 2))
		b.WriteString("\n\n")
	}
	return b.String()
}

func bullet(mark, text string, width int) string {
	wrapped := wordwrap.String(text, width-6)
	lines := strings.Split(wrapped, "\n")
	var b strings.Builder
	for i, line := range lines {
		if i == 0 {
			fmt.Fprintf(&b, "  %s %s\n", mark, line)
			continue
		}
		fmt.Fprintf(&b, "    %s\n", line)
	}
	return b.String()
}
