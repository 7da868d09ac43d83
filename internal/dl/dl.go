// Package dl implements the host runtime interface of spec.md §6.2: the
// dlopen/dlsym/dladdr surface a process embedding Luci calls into,
// expressed as plain Go methods rather than cgo-marshaled C ABI entry
// points (spec.md §1 keeps the glibc compatibility shim itself out of
// scope; this package is the boundary that shim would sit behind).
package dl

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/luci-dsu/luci/internal/loader"
	"github.com/luci-dsu/luci/internal/object"
	"github.com/luci-dsu/luci/internal/symbol"
	"github.com/luci-dsu/luci/internal/tls"
)

// Flags mirrors the RTLD_* open flags relevant to spec.md's scope.
type Flags int

const (
	Lazy Flags = 1 << iota
	Now
	Global
	Local
	NoDelete
	DeepBind
)

// Info mirrors Dl_info: the result of an address-to-symbol lookup.
type Info struct {
	FileName   string
	Base       uintptr
	SymbolName string
	SymbolAddr uintptr
}

// Runtime implements the host-facing dl* surface over a *loader.Loader.
type Runtime struct {
	l *loader.Loader

	mu       sync.Mutex
	lastErr  string
	handles  map[int]*object.Identity
	handleID int
}

// New wraps l as a Runtime.
func New(l *loader.Loader) *Runtime {
	return &Runtime{l: l, handles: make(map[int]*object.Identity)}
}

// DlOpen resolves, loads (if not already current), and returns an opaque
// handle for path in the default namespace.
func (r *Runtime) DlOpen(path string, flags Flags) (int, error) {
	return r.dlopenInNamespace(path, flags, int32(object.NamespaceBase))
}

// DlMOpen is DlOpen with an explicit namespace value. ns is stored on a
// newly registered identity as given: object.NamespaceNew is kept as -1 and
// no fresh namespace id is allocated. For a path that is already
// registered, ns is ignored and the existing identity is used.
func (r *Runtime) DlMOpen(path string, flags Flags, ns int32) (int, error) {
	return r.dlopenInNamespace(path, flags, ns)
}

func (r *Runtime) dlopenInNamespace(path string, flags Flags, ns int32) (int, error) {
	norm, err := object.Normalize(path)
	if err != nil {
		return 0, r.fail(fmt.Errorf("dl: normalize %s: %w", path, err))
	}

	id, existing := r.l.Identity(norm)
	if !existing {
		id = object.New(filepath.Base(norm), norm, ns)
		id.Flags.BindNow = flags&Now != 0
		id.Flags.BindDeep = flags&DeepBind != 0
		id = r.l.Register(id)
	}

	if id.Current() == nil {
		res := r.l.Update(id)
		if res.Err != nil {
			return 0, r.fail(res.Err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handleID++
	r.handles[r.handleID] = id
	return r.handleID, nil
}

// DlClose is a documented no-op (spec.md §6.2): Luci never unloads an
// Identity out from under callers that may still hold resolved addresses
// into it; segment retirement happens only via the update pipeline.
func (r *Runtime) DlClose(handle int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, handle)
	return nil
}

// DlSym resolves name against the handle's own module only (not the whole
// global scope, matching the common embedding pattern).
func (r *Runtime) DlSym(handle int, name string) (uintptr, error) {
	return r.DlVSym(handle, name, "")
}

// DlVSym takes a symbol version for parity with dlvsym; the version is not
// used, and the lookup is the same as DlSym's.
func (r *Runtime) DlVSym(handle int, name, version string) (uintptr, error) {
	r.mu.Lock()
	id, ok := r.handles[handle]
	r.mu.Unlock()
	if !ok {
		return 0, r.fail(fmt.Errorf("dl: invalid handle %d", handle))
	}
	obj := id.Current()
	if obj == nil {
		return 0, r.fail(fmt.Errorf("dl: %s has no loaded version", id.Name))
	}
	_ = version // not consulted: findSymbol matches by name only
	sym, ok := findSymbol(obj, name)
	if !ok {
		return 0, r.fail(fmt.Errorf("dl: undefined symbol %q in %s", name, id.Name))
	}
	return sym, nil
}

// findSymbol scans obj's ELF dynamic symbols for the first defined symbol
// named name and returns its symbol value as recorded in the file. It does
// not use obj.Table and does not look at symbol versions.
func findSymbol(obj *object.Object, name string) (uintptr, bool) {
	if obj.ELF == nil {
		return 0, false
	}
	dynsyms, err := obj.ELF.DynamicSymbols()
	if err != nil {
		return 0, false
	}
	for _, s := range dynsyms {
		if s.Name == name && s.Value != 0 {
			return uintptr(s.Value), true
		}
	}
	return 0, false
}

// DlAddr walks identities in load order and reports the first current
// Object whose Base is at or below addr (segment bounds are not checked),
// plus, when addr falls inside a sized dynamic symbol's [value, value+size)
// as recorded in the file, that symbol.
func (r *Runtime) DlAddr(addr uintptr) (Info, bool) {
	for _, id := range r.l.Identities() {
		obj := id.Current()
		if obj == nil {
			continue
		}
		if addr < obj.Base {
			continue
		}
		info := Info{FileName: id.Path, Base: obj.Base}
		if obj.ELF != nil {
			if syms, err := obj.ELF.DynamicSymbols(); err == nil {
				for _, s := range syms {
					if s.Value == 0 || s.Size == 0 {
						continue
					}
					lo, hi := uintptr(s.Value), uintptr(s.Value+s.Size)
					if addr >= lo && addr < hi {
						info.SymbolName = s.Name
						info.SymbolAddr = lo
						break
					}
				}
			}
		}
		return info, true
	}
	return Info{}, false
}

// DlAddr1 is DlAddr with an extra symbol.Version result, for parity with
// dladdr1. The version returned is always the zero value; no version
// record is looked up.
func (r *Runtime) DlAddr1(addr uintptr) (Info, symbol.Version, bool) {
	info, ok := r.DlAddr(addr)
	return info, symbol.Version{}, ok
}

// DlInfo is an alias for DlAddr kept for naming parity with the spec's
// enumerated entry-point list.
func (r *Runtime) DlInfo(addr uintptr) (Info, bool) { return r.DlAddr(addr) }

// DlError returns (and clears) the last error recorded by a dl* call on
// this Runtime, matching dlerror()'s "describe then clear" contract.
func (r *Runtime) DlError() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.lastErr
	r.lastErr = ""
	return err
}

func (r *Runtime) fail(err error) error {
	r.mu.Lock()
	r.lastErr = err.Error()
	r.mu.Unlock()
	return err
}

// TLSGetAddr implements __tls_get_addr for a caller outside the redirect
// hot path (e.g. a host embedder resolving a TLS symbol explicitly).
func (r *Runtime) TLSGetAddr(thread uintptr, moduleID int) (uintptr, error) {
	return r.l.TLS().GetAddr(tls.ThreadPointer(thread), moduleID, true)
}

// DLIteratePHDR implements dl_iterate_phdr: cb is called once per loaded
// identity's current Object with its base address and path, stopping
// early if cb returns false.
func (r *Runtime) DLIteratePHDR(cb func(path string, base uintptr) bool) {
	for _, id := range r.l.Identities() {
		obj := id.Current()
		if obj == nil {
			continue
		}
		if !cb(id.Path, obj.Base) {
			return
		}
	}
}
