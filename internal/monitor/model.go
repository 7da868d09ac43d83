// Package monitor implements the operator-facing `luci top` live view:
// name, version-chain depth, TLS module id, updatable flag and path per
// identity, refreshed on a ticker. It is read-only operator tooling and
// never touches load/relocate/update semantics.
package monitor

import (
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/luci-dsu/luci/internal/loader"
	"github.com/luci-dsu/luci/internal/log"
	"github.com/luci-dsu/luci/internal/trace"
)

// maxRecentEvents bounds the ring buffer fed by log.L's event callback so a
// busy update run doesn't grow the monitor's memory unbounded.
const maxRecentEvents = 8

// recentEvents is the process-wide ring buffer internal/log.Logger.Event
// pushes into via SetOnEvent. It's package-level because log.L is a
// process-wide singleton too: only one `luci top` can sensibly be driving
// it at a time.
var recentEvents struct {
	mu        sync.Mutex
	buf       []*trace.Event
	listening bool
}

// listenForEvents registers the ring-buffer callback with log.L exactly
// once. Called from New rather than an init(), since log.L isn't built
// until the CLI calls log.Init — registering against a nil *Logger would
// panic.
func listenForEvents() {
	recentEvents.mu.Lock()
	already := recentEvents.listening
	recentEvents.listening = true
	recentEvents.mu.Unlock()
	if already || log.L == nil {
		return
	}
	log.L.SetOnEvent(func(e *trace.Event) {
		recentEvents.mu.Lock()
		defer recentEvents.mu.Unlock()
		recentEvents.buf = append(recentEvents.buf, e)
		if len(recentEvents.buf) > maxRecentEvents {
			recentEvents.buf = recentEvents.buf[len(recentEvents.buf)-maxRecentEvents:]
		}
	})
}

func snapshotEvents() []*trace.Event {
	recentEvents.mu.Lock()
	defer recentEvents.mu.Unlock()
	out := make([]*trace.Event, len(recentEvents.buf))
	copy(out, recentEvents.buf)
	return out
}

// Row is one identity's snapshot for a single refresh tick.
type Row struct {
	Name          string
	Path          string
	Versions      int
	TLSModuleID   int
	Updatable     bool
	LastEventTime time.Time
}

type tickMsg time.Time

// Model is the bubbletea model backing `luci top`. The identity table
// itself is a bubbles/table.Model so the operator gets cursor navigation
// and viewport scrolling for free once the identity count outgrows one
// screen.
type Model struct {
	l        *loader.Loader
	rows     []Row
	tbl      table.Model
	interval time.Duration
	width    int
}

func newTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "IDENTITY", Width: 24},
			{Title: "VERSIONS", Width: 8},
			{Title: "TLS MODULE", Width: 10},
			{Title: "UPDATABLE", Width: 10},
			{Title: "PATH", Width: 40},
		}),
		table.WithFocused(true),
		table.WithHeight(12),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).Underline(true)
	styles.Selected = styles.Selected.Foreground(lipgloss.Color("#FFC800")).Bold(true)
	t.SetStyles(styles)
	return t
}

// New creates a Model polling l every interval.
func New(l *loader.Loader, interval time.Duration) Model {
	listenForEvents()
	return Model{l: l, interval: interval, tbl: newTable()}
}

func (m Model) Init() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.tbl, cmd = m.tbl.Update(msg)
		return m, cmd
	case tickMsg:
		m.rows = snapshot(m.l)
		m.tbl.SetRows(rowsToTableRows(m.rows))
		return m, tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
	default:
		return m, nil
	}
}

func rowsToTableRows(rows []Row) []table.Row {
	out := make([]table.Row, len(rows))
	for i, r := range rows {
		updatable := "no"
		if r.Updatable {
			updatable = "yes"
		}
		out[i] = table.Row{
			r.Name,
			fmt.Sprintf("%d", r.Versions),
			fmt.Sprintf("%d", r.TLSModuleID),
			updatable,
			r.Path,
		}
	}
	return out
}

var headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)

func (m Model) View() string {
	out := m.tbl.View() + "\n"
	out += "\n" + headerStyle.Render("RECENT EVENTS") + "\n"
	for _, e := range snapshotEvents() {
		out += fmt.Sprintf("%s %-8s %s\n", e.Timestamp.Format("15:04:05"), e.Name, formatEventTags(e))
	}
	out += "\n(q to quit, arrows to scroll)\n"
	return out
}

func formatEventTags(e *trace.Event) string {
	out := ""
	for i, t := range e.Tags.Strings() {
		if i > 0 {
			out += " "
		}
		out += t
	}
	if e.Detail != "" {
		out += " " + e.Detail
	}
	return out
}

func snapshot(l *loader.Loader) []Row {
	ids := l.Identities()
	rows := make([]Row, 0, len(ids))
	for _, id := range ids {
		cur := id.Current()
		versions := 0
		for o := cur; o != nil; o = o.FilePrevious {
			versions++
		}
		rows = append(rows, Row{
			Name:        id.Name,
			Path:        id.Path,
			Versions:    versions,
			TLSModuleID: id.TLSModuleID,
			Updatable:   id.Flags.Updatable,
		})
	}
	return rows
}
