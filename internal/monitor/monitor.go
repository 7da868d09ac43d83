package monitor

import (
	"fmt"
	"io"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/luci-dsu/luci/internal/loader"
	"github.com/luci-dsu/luci/internal/ui/colorize"
)

// Run starts the interactive `luci top` TUI against l, blocking until the
// user quits.
func Run(l *loader.Loader, interval time.Duration) error {
	p := tea.NewProgram(New(l, interval))
	_, err := p.Run()
	return err
}

// RenderOnce writes a single non-interactive snapshot to w, used when
// stdout isn't a TTY (piped output, CI logs) instead of launching the
// bubbletea TUI.
func RenderOnce(l *loader.Loader, w io.Writer) error {
	listenForEvents()
	for _, r := range snapshot(l) {
		label := "no"
		if r.Updatable {
			label = "yes"
		}
		updatable := colorize.RedirectState(label, r.Updatable)
		if _, err := fmt.Fprintf(w, "%-24s versions=%d tls_module=%d updatable=%s\n  %s\n",
			r.Name, r.Versions, r.TLSModuleID, updatable, colorize.Detail(r.Path)); err != nil {
			return err
		}
	}
	for _, e := range snapshotEvents() {
		if _, err := fmt.Fprintf(w, "%s %-8s %s\n", e.Timestamp.Format("15:04:05"), e.Name, formatEventTags(e)); err != nil {
			return err
		}
	}
	return nil
}
