// Package redirect implements the trap-based code-redirection engine of
// spec.md §4.5/§5: it splices calls to an old code address over to a new
// one by installing a trap instruction, forwarding through a signal
// handler, and promoting to a static jump once every live thread has been
// observed crossing the site.
package redirect

import (
	"fmt"
	"sync"

	"github.com/luci-dsu/luci/internal/trampoline"
)

// Mode selects which trap instruction a Redirection uses. Only Int3 is
// fully wired end-to-end; the others are recognized so callers can select
// them, matching the upstream Redirect::Mode enumeration, but Install
// rejects them until a signal-handling path exists for each (spec.md's own
// open question: "only int3 has a complete implementation in the source").
type Mode int

const (
	Int3 Mode = iota
	Int1
	Ud2
	PushEs
	Hlt
)

func (m Mode) String() string {
	switch m {
	case Int3:
		return "int3"
	case Int1:
		return "int1"
	case Ud2:
		return "ud2"
	case PushEs:
		return "push es"
	case Hlt:
		return "hlt"
	default:
		return "unknown"
	}
}

// trapBytes returns the instruction encoding for m, or an error if m has no
// implemented handler path.
func trapBytes(m Mode) ([]byte, error) {
	switch m {
	case Int3:
		return trampoline.Trap(), nil
	default:
		return nil, fmt.Errorf("redirect: trap mode %s has no signal-handling path implemented", m)
	}
}

// State tracks a Redirection's lifecycle.
type State int

const (
	Installed State = iota
	MadeStatic
)

// Memory abstracts the live process memory a Redirection patches, so the
// engine can be driven by a real process-self view (internal/loader) or a
// fake buffer in tests without either depending on the other.
type Memory interface {
	Read(addr uintptr, n int) ([]byte, error)
	Write(addr uintptr, data []byte) error
}

// Redirection is one installed from->to splice.
type Redirection struct {
	From, To      uintptr
	Mode          Mode
	OriginalBytes []byte
	MakeStatic    bool
	State         State

	observed map[int]bool
}

// LiveTasksFunc enumerates the thread ids the promotion check must see
// observed before a Redirection can go static, e.g. reading
// /proc/self/task (spec.md §4.5), excluding the loader's own helper thread.
type LiveTasksFunc func() ([]int, error)

// Engine is the process-wide redirection map guarded by a single
// reader-writer lock, per spec.md §5's "Redirect::redirection_sync".
type Engine struct {
	mu   sync.RWMutex
	mem  Memory
	live LiveTasksFunc

	byFrom map[uintptr]*Redirection
}

// New creates an Engine backed by mem for patching and live for the thread
// census used during promotion.
func New(mem Memory, live LiveTasksFunc) *Engine {
	return &Engine{
		mem:    mem,
		live:   live,
		byFrom: make(map[uintptr]*Redirection),
	}
}

// Install writes a trap at from and records the redirection so a later
// OnTrap(from) forwards execution to to. makeStatic requests eventual
// promotion to a direct jump once every live thread crosses the site.
func (e *Engine) Install(from, to uintptr, mode Mode, makeStatic bool) (*Redirection, error) {
	trap, err := trapBytes(mode)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	patchLen, err := e.patchLengthLocked(from, len(trap))
	if err != nil {
		return nil, err
	}
	original, err := e.mem.Read(from, patchLen)
	if err != nil {
		return nil, fmt.Errorf("redirect: read original bytes at %#x: %w", from, err)
	}

	padded := make([]byte, len(original))
	copy(padded, trap)
	for i := len(trap); i < len(padded); i++ {
		padded[i] = 0x90 // nop filler so the rest of the saved instruction window stays well-formed
	}
	if err := e.mem.Write(from, padded); err != nil {
		return nil, fmt.Errorf("redirect: install trap at %#x: %w", from, err)
	}

	r := &Redirection{
		From: from, To: to, Mode: mode,
		OriginalBytes: original,
		MakeStatic:    makeStatic,
		State:         Installed,
		observed:      make(map[int]bool),
	}
	e.byFrom[from] = r
	return r, nil
}

func (e *Engine) patchLengthLocked(from uintptr, trapLen int) (int, error) {
	// The trap itself is always shorter than any jump we might later
	// promote to; reserve room for the largest possible replacement
	// (trampoline.FarJumpSize) so promotion never has to re-measure.
	probe, err := e.mem.Read(from, trampoline.FarJumpSize+16)
	if err != nil {
		return 0, fmt.Errorf("redirect: probe instructions at %#x: %w", from, err)
	}
	n, err := trampoline.PatchLength(probe, trampoline.FarJumpSize)
	if err != nil {
		return 0, err
	}
	if trapLen > n {
		n = trapLen
	}
	return n, nil
}

// OnTrap is called from the SIGTRAP handler (trap_linux_amd64.go) with the
// faulting instruction pointer, minus the trap instruction's own length,
// i.e. the address of the trap itself. It returns where execution should
// resume, plus the Redirection itself so the caller can drive promotion
// via ObserveThread (spec.md §4.5) instead of just rewriting RIP.
func (e *Engine) OnTrap(pc uintptr) (target uintptr, r *Redirection, ok bool) {
	e.mu.RLock()
	r, found := e.byFrom[pc]
	e.mu.RUnlock()
	if !found {
		return 0, nil, false
	}
	return r.To, r, true
}

// ObserveThread records that tid has executed through r's trap at least
// once, and promotes r to a static jump once every currently-live thread
// (per the engine's LiveTasksFunc) has been observed, per spec.md §4.5.
func (e *Engine) ObserveThread(r *Redirection, tid int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if r.State == MadeStatic || !r.MakeStatic {
		r.observed[tid] = true
		return nil
	}
	r.observed[tid] = true

	live, err := e.live()
	if err != nil {
		return fmt.Errorf("redirect: enumerate live tasks: %w", err)
	}
	for _, t := range live {
		if !r.observed[t] {
			return nil // promotion waits for the rest
		}
	}
	return e.promoteLocked(r)
}

func (e *Engine) promoteLocked(r *Redirection) error {
	patch := trampoline.Jump(r.From, r.To)
	padded := make([]byte, len(r.OriginalBytes))
	copy(padded, patch)
	for i := len(patch); i < len(padded); i++ {
		padded[i] = 0x90
	}
	if err := e.mem.Write(r.From, padded); err != nil {
		return fmt.Errorf("redirect: promote %#x -> %#x: %w", r.From, r.To, err)
	}
	r.State = MadeStatic
	delete(e.byFrom, r.From)
	return nil
}

// Remove restores a Redirection's original bytes, undoing Install.
func (e *Engine) Remove(r *Redirection) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.mem.Write(r.From, r.OriginalBytes); err != nil {
		return fmt.Errorf("redirect: restore original bytes at %#x: %w", r.From, err)
	}
	delete(e.byFrom, r.From)
	return nil
}
