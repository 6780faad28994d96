package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"
)

// defaultWidth is used when the output is not a terminal.
const defaultWidth = 100

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func terminalWidth(w io.Writer) int {
	if f, ok := w.(*os.File); ok {
		if width, _, err := term.GetSize(int(f.Fd())); err == nil && width > 0 {
			return width
		}
	}
	return defaultWidth
}

// section writes a titled divider.
func section(w io.Writer, title string) {
	fmt.Fprintln(w)
	if isTerminal(w) {
		fmt.Fprintln(w, titleStyle.Render(title))
		return
	}
	fmt.Fprintln(w, title)
	fmt.Fprintln(w, strings.Repeat("─", 50))
}

// renderTable writes rows as a bordered table on a terminal and as
// space-aligned plain text otherwise.
func renderTable(w io.Writer, headers []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "  (none)")
		return
	}

	tty := isTerminal(w)
	t := table.New().Headers(headers...).Rows(rows...)
	if tty {
		t = t.Border(lipgloss.RoundedBorder()).
			BorderStyle(borderStyle).
			StyleFunc(func(row, _ int) lipgloss.Style {
				if row == table.HeaderRow {
					return headerStyle
				}
				return cellStyle
			})
	} else {
		t = t.Border(lipgloss.HiddenBorder()).
			BorderTop(false).
			BorderBottom(false).
			BorderHeader(false).
			StyleFunc(func(int, int) lipgloss.Style { return cellStyle })
	}
	fmt.Fprintln(w, t.Render())
}

// truncate shortens s to maxWidth visible columns, keeping ANSI sequences
// intact.
func truncate(s string, maxWidth int) string {
	if maxWidth <= 3 {
		return "..."
	}
	if lipgloss.Width(s) <= maxWidth {
		return s
	}
	return ansi.Truncate(s, maxWidth, "...")
}

// muted dims s on a terminal.
func muted(w io.Writer, s string) string {
	if isTerminal(w) {
		return mutedStyle.Render(s)
	}
	return s
}

// age formats how long ago t was.
func age(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	if d < 0 {
		return "in " + (-d).Round(time.Second).String()
	}
	return d.Round(time.Second).String() + " ago"
}
