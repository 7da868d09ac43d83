// Package object implements the object model and lifecycle of spec.md §3-4:
// MemorySegment (in the segment subpackage), Object (a version), and
// ObjectIdentity (a file-level entity owning the version chain).
package object

import (
	"bytes"
	"debug/elf"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/luci-dsu/luci/internal/log"
	"github.com/luci-dsu/luci/internal/symbol"
)

// OracleFunc queries an external "debug hash" oracle by build-id then by
// path (spec.md §4.1). A nil OracleFunc skips the check entirely.
type OracleFunc func(buildID []byte, path string) (compatible bool, err error)

// PolicyFunc is an optional, final say over a patchability decision,
// consulted after the built-in check (spec.md §4.1 augmented by
// SPEC_FULL.md's scriptable compatibility policy). It receives the
// computed Diff and may override Patchable.
type PolicyFunc func(diff *Diff) (patchable bool, reason string)

// Identity is ObjectIdentity (spec.md §3.1): one per normalized absolute
// file path, owning the singly-linked (newest-first, via FilePrevious)
// list of Object versions; an older version has no link to its successor.
type Identity struct {
	Name      string // short name / SONAME
	Path      string // absolute path
	Namespace int32
	Flags     Flags

	mu      sync.RWMutex
	current *Object

	WatchDescriptor int // inotify watch fd for this file, set by the loader
	TLSModuleID     int
	TLSOffset       int64

	UseMTime     bool
	SkipIdentical bool
	Force        bool

	Oracle OracleFunc
	Policy PolicyFunc
}

// New creates an Identity for a normalized absolute path.
func New(name, path string, ns int32) *Identity {
	return &Identity{
		Name:          name,
		Path:          path,
		Namespace:     ns,
		UseMTime:      true,
		SkipIdentical: true,
		WatchDescriptor: -1,
	}
}

// Current returns the newest published Object version, or nil if this
// identity has never completed a load.
func (id *Identity) Current() *Object {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.current
}

// Versions returns the version chain, newest first.
func (id *Identity) Versions() []*Object {
	id.mu.RLock()
	defer id.mu.RUnlock()
	var out []*Object
	for o := id.current; o != nil; o = o.FilePrevious {
		out = append(out, o)
	}
	return out
}

// Load resolves, parses, deduplicates, and — if this is an update — checks
// the patchability of a new version of this identity's file, returning the
// closed Info outcome of spec.md §4.1. On SuccessLoad/SuccessUpdate the new
// Object has NOT yet been spliced in as current; the caller (internal/loader)
// does that once relocation and TLS registration succeed, matching the
// "load → relocate → splice" ordering of spec.md §2.
func (id *Identity) Load() (*Object, Info, error) {
	f, err := os.Open(id.Path)
	if err != nil {
		return nil, ErrorOpen, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, ErrorStat, err
	}

	prev := id.Current()

	if prev != nil && !id.Force {
		if id.UseMTime && id.SkipIdentical && st.ModTime().UnixNano() == prev.Data.MTime {
			return nil, IdenticalTime, nil
		}
	}

	data, err := os.ReadFile(id.Path)
	if err != nil {
		return nil, ErrorMap, err
	}

	hash := xxhash64(data, nameSeed(id.Name))
	if prev != nil && !id.Force {
		for o := prev; o != nil; o = o.FilePrevious {
			if o.Data.Hash == hash {
				return nil, IdenticalHash, nil
			}
		}
		if !id.Flags.Updatable {
			return nil, UpdateDisabled, nil
		}
	}

	ef, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, ErrorELF, err
	}

	obj := &Object{
		Identity: id,
		ELF:      ef,
		Data: Data{
			Addr:  data,
			Size:  st.Size(),
			MTime: st.ModTime().UnixNano(),
			Hash:  hash,
		},
		FilePrevious: prev,
		Status:       StatusMapped,
	}

	switch ef.Type {
	case elf.ET_EXEC:
		if hasDynamic(ef) {
			obj.Type = TypeDynamic
			obj.PositionIndependent = false
		} else {
			obj.Type = TypeExecutable
		}
	case elf.ET_DYN:
		obj.Type = TypeDynamic
		obj.PositionIndependent = true
	case elf.ET_REL:
		obj.Type = TypeRelocatable
	default:
		return nil, ErrorELF, fmt.Errorf("unsupported e_type %v", ef.Type)
	}

	if dynsyms, derr := ef.DynamicSymbols(); derr == nil {
		obj.Table = symbol.NewTable(dynsyms, id.Name)
	}

	if prev == nil {
		return obj, SuccessLoad, nil
	}

	// Patchability check (spec.md §4.1): same ELF identification/machine/version.
	if ef.Machine != prev.ELF.Machine || ef.Class != prev.ELF.Class || ef.Data != prev.ELF.Data {
		return nil, UpdateIncompatible, fmt.Errorf("ELF identification changed")
	}

	diff, err := computeDiff(prev, obj)
	if err != nil {
		return nil, UpdateIncompatible, err
	}

	patchable := diff.Patchable
	reason := ""
	if !patchable {
		if derr := diff.Err(); derr != nil {
			reason = derr.Error()
		}
	}

	if id.Policy != nil {
		if ok, r := id.Policy(diff); !patchable || r != "" {
			patchable, reason = ok, r
		}
	}

	if id.Oracle != nil {
		buildID := buildID(ef)
		ok, oerr := id.Oracle(buildID, id.Path)
		if oerr == nil && !ok && !id.Force {
			return nil, UpdateIncompatible, fmt.Errorf("debug-hash oracle rejected update")
		}
	}

	if !patchable && !id.Force {
		if log.L != nil {
			log.L.Event("update", id.Name, reason)
		}
		return nil, UpdateIncompatible, fmt.Errorf("%s", reason)
	}

	obj.Diff = diff

	// Every external reference into prev must be satisfiable by a
	// same-named symbol in the new version (spec.md §4.1); the caller
	// (internal/loader) verifies this against the live provenance log
	// since Identity has no visibility into other objects' Relocations.

	return obj, SuccessUpdate, nil
}

// Splice installs obj as the new current version. Callers must hold the
// loader's write lock (spec.md §5) before calling this.
func (id *Identity) Splice(obj *Object) {
	id.mu.Lock()
	defer id.mu.Unlock()
	id.current = obj
}

func hasDynamic(ef *elf.File) bool {
	for _, p := range ef.Progs {
		if p.Type == elf.PT_DYNAMIC {
			return true
		}
	}
	return false
}

// buildID extracts NT_GNU_BUILD_ID from the file's PT_NOTE segment
// (spec.md §6.1), used to query the debug-hash oracle by build-id before
// falling back to path.
func buildID(ef *elf.File) []byte {
	for _, p := range ef.Progs {
		if p.Type != elf.PT_NOTE {
			continue
		}
		data := make([]byte, p.Filesz)
		if _, err := io.ReadFull(p.Open(), data); err != nil {
			continue
		}
		if id := parseBuildIDNote(data); id != nil {
			return id
		}
	}
	return nil
}

func parseBuildIDNote(data []byte) []byte {
	const gnuBuildIDType = 3
	for len(data) >= 12 {
		nameSz := le32(data[0:4])
		descSz := le32(data[4:8])
		typ := le32(data[8:12])
		off := 12
		nameEnd := off + int(align4(nameSz))
		descEnd := nameEnd + int(align4(descSz))
		if descEnd > len(data) {
			break
		}
		if typ == gnuBuildIDType {
			return data[nameEnd : nameEnd+int(descSz)]
		}
		data = data[descEnd:]
	}
	return nil
}

func align4(v uint32) uint32 {
	return (v + 3) &^ 3
}

// Normalize returns the absolute, cleaned form of a file path used as an
// Identity key (spec.md §3.1: "one per file path (normalized absolute)").
func Normalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}
