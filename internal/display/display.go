// Package display renders the run registry for the operator at the terminal.
package display

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"github.com/animus-labs/runsync/internal/run"
)

const defaultNotes = 12

// Sink receives registry renders and operator notes.
type Sink interface {
	Note(msg string)
	SetRuns(runs []run.Snapshot)
}

// Fanout forwards to every sink in order.
type Fanout []Sink

func (f Fanout) Note(msg string) {
	for _, s := range f {
		s.Note(msg)
	}
}

func (f Fanout) SetRuns(runs []run.Snapshot) {
	for _, s := range f {
		s.SetRuns(runs)
	}
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)

	statusStyles = map[run.Status]lipgloss.Style{
		run.StatusNew:         lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		run.StatusPostponed:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		run.StatusPrepared:    lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		run.StatusStarted:     lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		run.StatusStartedSWMR: lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
	}
)

type note struct {
	at  time.Time
	msg string
}

// Terminal redraws a status board on every render when out is a terminal.
// Otherwise it degrades to one timestamped line per note.
type Terminal struct {
	mu       sync.Mutex
	out      io.Writer
	tty      bool
	width    func() int
	notes    []note
	maxNotes int
	title    string
	now      func() time.Time
}

// NewTerminal writes to os.Stdout.
func NewTerminal(title string) *Terminal {
	fd := int(os.Stdout.Fd())
	return newTerminal(os.Stdout, term.IsTerminal(fd), func() int {
		w, _, err := term.GetSize(fd)
		if err != nil || w <= 0 {
			return 80
		}
		return w
	}, title)
}

func newTerminal(out io.Writer, tty bool, width func() int, title string) *Terminal {
	return &Terminal{
		out:      out,
		tty:      tty,
		width:    width,
		maxNotes: defaultNotes,
		title:    title,
		now:      time.Now,
	}
}

func (t *Terminal) Note(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := note{at: t.now(), msg: msg}
	t.notes = append(t.notes, n)
	if over := len(t.notes) - t.maxNotes; over > 0 {
		t.notes = append([]note(nil), t.notes[over:]...)
	}
	if !t.tty {
		fmt.Fprintf(t.out, "%s %s\n", n.at.Format("15:04:05"), msg)
	}
}

func (t *Terminal) SetRuns(runs []run.Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.tty {
		return
	}
	fmt.Fprint(t.out, "\x1b[H\x1b[2J"+t.render(runs))
}

func (t *Terminal) render(runs []run.Snapshot) string {
	width := t.width()
	now := t.now()

	nameWidth := len("RUN")
	for _, r := range runs {
		nameWidth = max(nameWidth, len(r.Name))
	}
	row := func(name, status, jobs, updated string) string {
		return fmt.Sprintf("%-*s  %-14s  %-20s  %s", nameWidth, name, status, jobs, updated)
	}

	lines := []string{
		headerStyle.Render(t.title),
		mutedStyle.Render(fmt.Sprintf("%d runs, %s", len(runs), now.Format(time.DateTime))),
		"",
		headerStyle.Render(row("RUN", "STATUS", "JOBS", "UPDATED")),
	}
	for _, r := range runs {
		status := string(r.Status)
		style, ok := statusStyles[r.Status]
		if !ok {
			style = mutedStyle
		}
		updated := "-"
		if !r.UpdatedAt.IsZero() {
			updated = humanize.RelTime(r.UpdatedAt, now, "ago", "from now")
		}
		line := row(r.Name, status, truncate(strings.Join(r.JobIDs, " "), 20), updated)
		lines = append(lines, style.Render(truncate(line, width)))
	}

	lines = append(lines, "", headerStyle.Render("Notes"))
	for _, n := range t.notes {
		text := truncate(n.at.Format("15:04:05")+" "+n.msg, width)
		if strings.HasPrefix(n.msg, "WARNING") {
			text = warnStyle.Render(text)
		}
		lines = append(lines, text)
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...) + "\n"
}

// truncate cuts s to width terminal cells, keeping escape sequences intact.
func truncate(s string, width int) string {
	if width <= 0 || lipgloss.Width(s) <= width {
		return s
	}
	if width <= 3 {
		return ansi.Truncate(s, width, "")
	}
	return ansi.Truncate(s, width, "...")
}
