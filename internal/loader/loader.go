// Package loader coordinates every other internal package into the
// process-wide linker/loader described by spec.md §4.7/§5: it owns the
// identity table, wires symbol resolution and relocation across objects,
// runs the dynamic-update pipeline, and drives the helper thread that
// watches for file changes.
package loader

import (
	"fmt"
	"sync"

	"github.com/luci-dsu/luci/internal/log"
	"github.com/luci-dsu/luci/internal/object"
	"github.com/luci-dsu/luci/internal/redirect"
	"github.com/luci-dsu/luci/internal/tls"
	"go.uber.org/zap"
)

// UpdateMode is the bit-flag form of spec.md §6.3's --update-mode values.
type UpdateMode int

const (
	// UpdateGOT redirects only callers reached indirectly (GOT/PLT
	// slots); this is always on.
	UpdateGOT UpdateMode = 1 << iota
	// UpdateCodeRel additionally installs trap-based redirections for
	// directly-referenced changed symbols (spec.md §4.6).
	UpdateCodeRel
	// UpdateCodeRelLocalInt is accepted as a mode value; the update cascade
	// does not check it, so it behaves like UpdateCodeRel and local
	// intra-object branches are not rewritten.
	UpdateCodeRelLocalInt
)

func (m UpdateMode) has(f UpdateMode) bool { return m&f != 0 }

// DetectMode selects the helper thread's outdated-access detector
// (spec.md §4.7/§6.3's --detect-outdated values).
type DetectMode int

const (
	DetectDisabled DetectMode = iota
	DetectUserfaultfd
	DetectUprobes
	DetectUprobesDeps
	DetectPtrace
)

func (m DetectMode) String() string {
	switch m {
	case DetectDisabled:
		return "disabled"
	case DetectUserfaultfd:
		return "userfaultfd"
	case DetectUprobes:
		return "uprobes"
	case DetectUprobesDeps:
		return "uprobes_deps"
	case DetectPtrace:
		return "ptrace"
	default:
		return "unknown"
	}
}

// ErrDetectModeUnimplemented is returned by detectors recognized in the
// enumeration but not implemented on this platform, matching how the
// original compatibility layer reports "not available on this kernel".
var ErrDetectModeUnimplemented = fmt.Errorf("loader: detect-outdated mode not implemented on this platform")

// Options configures a Loader at construction.
type Options struct {
	LibraryPath    []string
	Preload        []string
	Exclude        []string
	BindNow        bool
	Update         bool
	Force          bool
	DetectOutdated DetectMode
	UpdateMode     UpdateMode
	DynamicWeak    bool
}

// Loader is the process-wide coordinator. Its mu is the Go analogue of the
// original repository's lookup_sync reader-writer lock: readers (symbol
// lookups) proceed concurrently, writers (splicing a new Object version,
// adding an Identity) exclude everyone.
type Loader struct {
	mu sync.RWMutex

	opts       Options
	identities map[string]*object.Identity // keyed by normalized path
	order      []string                    // load order, for dependency-scope construction

	tls      *tls.Engine
	redirect *redirect.Engine

	helperStop chan struct{}
	helperWG   sync.WaitGroup
}

// New creates a Loader. redirectEngine may be nil in contexts (such as
// internal/verify) that only need to exercise relocation/update logic
// without a live redirect subsystem.
func New(opts Options, redirectEngine *redirect.Engine) *Loader {
	return &Loader{
		opts:       opts,
		identities: make(map[string]*object.Identity),
		tls:        tls.New(),
		redirect:   redirectEngine,
		helperStop: make(chan struct{}),
	}
}

// TLS returns the loader's TLS engine, used by internal/dl's
// TLSGetAddr and by the update cascade when a new module carries TLS.
func (l *Loader) TLS() *tls.Engine { return l.tls }

// Identity returns the Identity registered for a normalized path, if any.
func (l *Loader) Identity(path string) (*object.Identity, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.identities[path]
	return id, ok
}

// Identities returns a snapshot of every registered identity in load
// order, for internal/monitor and internal/dl's DLIteratePHDR.
func (l *Loader) Identities() []*object.Identity {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*object.Identity, 0, len(l.order))
	for _, p := range l.order {
		out = append(out, l.identities[p])
	}
	return out
}

// Register adds a freshly-constructed Identity to the loader under the
// write lock, appending it to the load order. It is a no-op (returning the
// existing Identity) if path is already registered.
func (l *Loader) Register(id *object.Identity) *object.Identity {
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.identities[id.Path]; ok {
		return existing
	}
	if l.opts.Update {
		id.Flags.Updatable = true
	}
	l.identities[id.Path] = id
	l.order = append(l.order, id.Path)
	return id
}

// fatal logs at Fatal level, which zap turns into a flush-then-os.Exit(1)
// after the message is written, matching spec.md §7's "process abort with
// message on stderr, exit code 1".
func fatal(msg string, fields ...zap.Field) {
	log.L.Fatal(msg, fields...)
}

// Close stops the helper thread if running and calls Close on every
// identity's current Object (which closes its file; segments stay mapped).
func (l *Loader) Close() error {
	l.StopHelper()

	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for _, p := range l.order {
		id := l.identities[p]
		if cur := id.Current(); cur != nil {
			if err := cur.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
