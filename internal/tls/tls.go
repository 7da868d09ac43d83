// Package tls implements the TLS engine of spec.md §3.5/§4.8: a versioned
// DTV generation scheme supporting lazy per-module allocation across
// threads, coherent with dynamic updates.
package tls

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// unallocated is the DTV sentinel for a module slot nothing has
// materialized yet for a given thread (spec.md §3.5: TLS_UNALLOCATED).
const unallocated uintptr = 0

// surplus is the GLIBC-compatible padding the original adds to the
// initial static TLS block (original_source/src/tls.hpp), restored here
// per SPEC_FULL.md §5 since thread-stack layout math depends on it.
const surplus = 0x680

// ThreadPointer identifies a thread's TCB/TLS area. It is opaque to this
// package: internal/loader supplies whatever value the platform's thread
// pointer register (%fs base on x86_64) currently holds.
type ThreadPointer uintptr

// Module is one registered TLS-carrying object (spec.md §3.5).
type Module struct {
	ObjectName   string
	Size         uint64
	Align        uint64
	Image        []byte // initialization image, copied into each thread's block
	StaticOffset int64  // offset from thread pointer, valid only for initial-image modules
}

// dtvSlot is one entry of a thread's Dynamic Thread Vector.
type dtvSlot struct {
	pointer  uintptr
	rawAlloc uintptr // address allocBlock returned, needed to free later
}

// DTV is one thread's Dynamic Thread Vector. Only the owning thread ever
// mutates it (spec.md §5: "no thread ever writes another thread's DTV");
// the Engine only reads/writes it on that thread's behalf during
// allocate/get-addr calls made from that same thread's call stack.
type DTV struct {
	generation uint64
	slots      []dtvSlot // index 0 unused; slot i holds module i (1-based)
}

// Engine is the process-wide TLS module registry (spec.md §3.5 "TLS owns
// modules: Vec<Module>").
type Engine struct {
	mu sync.Mutex

	modules []Module
	gen     uint64

	initialCount uint
	initialAlign uint64
	initialSize  uint64

	dtvs   map[ThreadPointer]*DTV
	dtvsMu sync.Mutex

	blockSizes   map[uintptr]uintptr // raw alloc addr -> mmap length, for Free
	blockSizesMu sync.Mutex

	preExecution bool // true until the initial program's entry point runs
}

// New creates an Engine. preExecution should be true for the duration of
// program bring-up, per spec.md §4.8 add_module's "still in pre-execution
// initialization" check.
func New() *Engine {
	return &Engine{
		initialAlign: 1,
		dtvs:         make(map[ThreadPointer]*DTV),
		blockSizes:   make(map[uintptr]uintptr),
		preExecution: true,
	}
}

// FinishInitialization marks that the initial static TLS block is closed;
// subsequent add_module calls only grow the dynamic module list.
func (e *Engine) FinishInitialization() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.preExecution = false
}

// AddModule registers a new TLS-carrying object and returns its 1-based
// module id, per spec.md §4.8. If still in pre-execution bring-up, it also
// assigns the module's StaticOffset within the initial TLS block.
func (e *Engine) AddModule(objectName string, size, align uint64, image []byte) (moduleID int, offset int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	m := Module{ObjectName: objectName, Size: size, Align: align, Image: image}

	if e.preExecution {
		if align > e.initialAlign {
			e.initialAlign = align
		}
		aligned := alignUp(e.initialSize, align)
		m.StaticOffset = -int64(aligned + size) // negative offset: below the thread pointer, growing down
		e.initialSize = aligned + size
		e.initialCount++
	}

	e.modules = append(e.modules, m)
	e.gen++
	return len(e.modules), m.StaticOffset
}

// Generation returns the current module-table generation.
func (e *Engine) Generation() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gen
}

// InitialBlockSize returns the size (including the GLIBC-compatible
// surplus) reserved for the initial-image modules in each thread's static
// TLS area.
func (e *Engine) InitialBlockSize() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return alignUp(e.initialSize, e.initialAlign) + surplus
}

// moduleAt is safe against a concurrent AddModule: the dtv generation
// check in GetAddr always catches up before a caller reaches here.
func (e *Engine) moduleAt(id int) (Module, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id < 1 || id > len(e.modules) {
		return Module{}, false
	}
	return e.modules[id-1], true
}

// Allocate creates (or grows) the DTV for thread to
// max(len(modules)*2, 16) + 1 slots (index 0 unused; the generation is
// kept in DTV.generation, not in a slot), leaving newly added dynamic
// slots at TLS_UNALLOCATED.
func (e *Engine) Allocate(thread ThreadPointer) *DTV {
	e.dtvsMu.Lock()
	defer e.dtvsMu.Unlock()

	need := len(e.modules)
	slotCap := need * 2
	if slotCap < 16 {
		slotCap = 16
	}

	d := e.dtvs[thread]
	if d == nil {
		d = &DTV{}
		e.dtvs[thread] = d
	}
	if len(d.slots) < slotCap+1 {
		grown := make([]dtvSlot, slotCap+1)
		copy(grown, d.slots)
		d.slots = grown
	}
	return d
}

// DTVSetup copies each initial-image module's content into thread's static
// block and records the generation, per spec.md §4.8.
func (e *Engine) DTVSetup(thread ThreadPointer, staticBlockBase uintptr) {
	d := e.Allocate(thread)

	e.mu.Lock()
	initialCount := e.initialCount
	modules := append([]Module{}, e.modules[:initialCount]...)
	gen := e.gen
	e.mu.Unlock()

	for i, m := range modules {
		addr := uintptr(int64(staticBlockBase) + m.StaticOffset)
		writeImage(addr, m.Image, m.Size)
		d.slots[i+1] = dtvSlot{pointer: addr}
	}
	d.generation = gen
}

// GetAddr is the hot path of __tls_get_addr (spec.md §4.8). If alloc is
// false and the module's slot is unallocated, it returns 0 rather than
// materializing the block (spec.md §8 boundary case).
func (e *Engine) GetAddr(thread ThreadPointer, moduleID int, alloc bool) (uintptr, error) {
	e.dtvsMu.Lock()
	d := e.dtvs[thread]
	e.dtvsMu.Unlock()
	if d == nil {
		if !alloc {
			return 0, nil
		}
		d = e.Allocate(thread)
	}

	curGen := e.Generation()
	if d.generation != curGen {
		if moduleID > len(d.slots)-1 {
			d = e.Allocate(thread)
		}
		d.generation = curGen
	}

	if moduleID < 1 || moduleID >= len(d.slots) {
		return 0, fmt.Errorf("tls: module id %d out of range", moduleID)
	}

	slot := &d.slots[moduleID]
	if slot.pointer != unallocated {
		return slot.pointer, nil
	}
	if !alloc {
		return 0, nil
	}

	mod, ok := e.moduleAt(moduleID)
	if !ok {
		return 0, fmt.Errorf("tls: module id %d not registered", moduleID)
	}

	raw, data, err := e.allocBlock(mod.Size, mod.Align)
	if err != nil {
		return 0, err
	}
	writeImage(data, mod.Image, mod.Size)

	slot.pointer = data
	slot.rawAlloc = raw
	return data, nil
}

// Free releases every lazily-allocated dynamic block for thread, then its
// DTV backing storage, matching spec.md §4.8's free() ordering.
func (e *Engine) Free(thread ThreadPointer) {
	e.dtvsMu.Lock()
	defer e.dtvsMu.Unlock()
	d, ok := e.dtvs[thread]
	if !ok {
		return
	}
	for i := range d.slots {
		if d.slots[i].rawAlloc != unallocated {
			e.freeBlock(d.slots[i].rawAlloc)
		}
	}
	delete(e.dtvs, thread)
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// allocBlock reserves size+align+sizeof(void*) bytes via mmap (so the
// block has a stable address outside the Go heap — required since a
// pointer to it is handed to arbitrary user code across GC cycles), and
// returns the raw allocation plus the aligned data pointer, storing the
// raw address in the word immediately before the data pointer for later
// Free, exactly as spec.md §4.8 describes.
func (e *Engine) allocBlock(size, align uint64) (raw, data uintptr, err error) {
	total := size + align + 8
	mem, err := unix.Mmap(-1, 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return 0, 0, fmt.Errorf("tls: mmap block: %w", err)
	}
	rawAddr := addrOf(mem)
	dataAddr := alignUp(uint64(rawAddr+8), align)
	storeRawAt(uintptr(dataAddr)-8, rawAddr)

	e.blockSizesMu.Lock()
	e.blockSizes[rawAddr] = uintptr(total)
	e.blockSizesMu.Unlock()

	return rawAddr, uintptr(dataAddr), nil
}

func (e *Engine) freeBlock(raw uintptr) {
	e.blockSizesMu.Lock()
	size, ok := e.blockSizes[raw]
	delete(e.blockSizes, raw)
	e.blockSizesMu.Unlock()
	if !ok {
		return
	}
	unix.Munmap(unsafeBytesAt(raw, size))
}
