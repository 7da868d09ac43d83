package object

import (
	"debug/elf"
	"os"
	"sync"

	"github.com/luci-dsu/luci/internal/object/segment"
	"github.com/luci-dsu/luci/internal/symbol"
)

// ObjectType mirrors the ELF e_type-driven subclass selection of spec.md
// §4.1 (ObjectDynamic / ObjectExecutable / ObjectRelocatable).
type ObjectType int

const (
	TypeDynamic ObjectType = iota
	TypeExecutable
	TypeRelocatable
)

// Status is the publication lifecycle of an Object version.
type Status int

const (
	StatusMapped Status = iota
	StatusPreparing
	StatusPrepared
)

// Data describes the backing file of one Object version.
type Data struct {
	Addr  []byte // mapped file bytes
	Size  int64
	MTime int64 // inode mtime, unix nanoseconds
	Hash  uint64
}

// ResolvedRelocation is one entry in the provenance log spec.md §4.4
// describes: "For every externally-resolved relocation, the object
// remembers a (relocation, target_symbol) pair" — the input the update
// cascade (§4.6) re-walks when a dependency is replaced.
type ResolvedRelocation struct {
	Reloc        elf.Rela64
	TargetSymbol string
	TargetObject *Object // the Object whose segment currently backs this value
	Site         uintptr // the absolute address written
}

// Object is one immutable, published version of a file's content once
// loaded (spec.md §3.1). It is never mutated after its Status reaches
// StatusPrepared except by appending to Relocations (the cascade rewrites
// relocation sites, not the Object struct itself).
type Object struct {
	Identity *Identity
	Type     ObjectType

	Data Data
	Base uintptr

	ELF      *elf.File
	Segments []*segment.Segment

	// Table is the hashed dynamic-symbol view internal/loader's relocation
	// pass resolves against, and every other live object's Scope() call
	// includes this Object under, built once at Load time (spec.md §4.3).
	Table *symbol.Table

	// PositionIndependent is set only for ET_DYN objects; every ET_EXEC
	// object, with or without a dynamic section, has it false.
	PositionIndependent bool

	// FilePrevious links to the version this one supersedes, forming the
	// strictly creation-time-ordered chain described in spec.md §3.1.
	FilePrevious *Object

	Status Status

	// Diff is the binary-hash diff against FilePrevious computed during
	// Load, kept so the update cascade (internal/loader) doesn't need to
	// recompute it to know which symbols moved.
	Diff *Diff

	mu          sync.RWMutex
	Relocations []*ResolvedRelocation

	file *os.File // kept open for the lifetime of the mapping
}

// AddRelocation appends to the provenance log under the write lock the
// update cascade (internal/loader) also takes.
func (o *Object) AddRelocation(r *ResolvedRelocation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Relocations = append(o.Relocations, r)
}

// RelocationsSnapshot returns a copy of the provenance log for the caller
// to walk without holding the object's lock.
func (o *Object) RelocationsSnapshot() []*ResolvedRelocation {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*ResolvedRelocation, len(o.Relocations))
	copy(out, o.Relocations)
	return out
}

// Close releases the Object's open file handle. Segment unmapping is the
// caller's responsibility (segments may still be shared with a successor
// version via InheritFD).
func (o *Object) Close() error {
	if o.file != nil {
		return o.file.Close()
	}
	return nil
}
