// Package statusinfo implements the status-info stream of spec.md §6.4: a
// line-oriented log of load/update outcomes, one line per event, suitable
// for a supervisor to tail.
package statusinfo

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/luci-dsu/luci/internal/object"
)

// Line is one status-info record.
type Line struct {
	Info          object.Info
	Name          string
	Path          string
	PID           int
	Timestamp     time.Time
	CorrelationID uuid.UUID
}

// String renders Line in spec.md §6.4's documented format, additionally
// appending a trailing corr=<uuid> field (SPEC_FULL.md §8): the base
// format is still matched as a prefix by anything parsing the original
// shape.
func (l Line) String() string {
	return fmt.Sprintf("%s for %s [%s] in PID %d at %s corr=%s",
		l.Info, l.Name, l.Path, l.PID, l.Timestamp.Format(time.RFC3339Nano), l.CorrelationID)
}

// Stream writes Lines to an underlying writer (a file opened from the
// --statusinfo FILE flag, or stdout/stderr), one per write, flushing
// immediately so a tailing supervisor sees events as they happen.
type Stream struct {
	mu  sync.Mutex
	w   io.Writer
	pid int
}

// New wraps w as a Stream. Passing os.Stdout/os.Stderr is fine; so is any
// *os.File opened in append mode for --statusinfo FILE.
func New(w io.Writer) *Stream {
	return &Stream{w: w, pid: os.Getpid()}
}

// Open creates (or appends to) the file at path and wraps it as a Stream,
// matching the --statusinfo FILE CLI flag of spec.md §6.3.
func Open(path string) (*Stream, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("statusinfo: open %s: %w", path, err)
	}
	return New(f), nil
}

// Emit writes one Line, stamping PID and timestamp.
func (s *Stream) Emit(corr uuid.UUID, info object.Info, name, path string) {
	line := Line{
		Info: info, Name: name, Path: path,
		PID: s.pid, Timestamp: time.Now(), CorrelationID: corr,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.w, line.String())
}
