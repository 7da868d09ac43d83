// Package segment implements MemorySegment (spec.md §3.2): one page-aligned
// mapping of a loaded object's content, backed by a shared-memory file so
// that a scratch "compose" buffer and the live mapping can later be
// reconciled with a single remap instead of a byte-by-byte copy.
package segment

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/luci-dsu/luci/internal/log"
)

// Status is the lifecycle state of a MemorySegment.
type Status int

const (
	StatusNew Status = iota
	StatusMapped
	StatusActive
	StatusReactivated // one-shot: content was repopulated by the userfault handler
	StatusInactive    // PROT_NONE; catches stale accesses after retirement
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusMapped:
		return "mapped"
	case StatusActive:
		return "active"
	case StatusReactivated:
		return "reactivated"
	case StatusInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// Source describes where a segment's initial bytes come from.
type Source struct {
	Offset int64 // offset into the owning object's file
	Size   uintptr
}

// Target describes the page-aligned virtual mapping.
type Target struct {
	Base               uintptr
	Offset             uintptr
	Size               uintptr
	Protection         int // requested protection (PROT_*)
	EffectiveProtection int // protection currently installed
	ShmemFD            int
	RELRO              bool
	Status             Status
}

const pageSize = 0x1000

// PageStart returns the page-aligned start address of the target mapping.
func (t Target) PageStart() uintptr { return t.Base &^ (pageSize - 1) }

// PageEnd returns the page-aligned (rounded up) end address.
func (t Target) PageEnd() uintptr {
	end := t.Base + t.Size
	return (end + pageSize - 1) &^ (pageSize - 1)
}

// PageSize returns how many bytes the page-aligned range spans.
func (t Target) PageSize() uintptr { return t.PageEnd() - t.PageStart() }

// Segment is one MemorySegment: a source slice of file content, its live
// target mapping, and an optional scratch buffer used to stage writes
// while the live mapping stays read-only to user code.
type Segment struct {
	Source Source
	Target Target

	// Buffer is the address of the scratch ("compose") mapping, or 0 if
	// none has been established yet. Source and Target share the same
	// memfd so Finalize can publish writes by remapping instead of copying.
	Buffer uintptr
}

// New creates a segment description without mapping any memory yet.
func New(src Source, base, offset, size uintptr, prot int, relro bool) *Segment {
	return &Segment{
		Source: src,
		Target: Target{
			Base:       base,
			Offset:     offset,
			Size:       size,
			Protection: prot,
			RELRO:      relro,
			Status:     StatusNew,
			ShmemFD:    -1,
		},
	}
}

// Map establishes the memfd-backed mapping at PageStart()..PageEnd(),
// mapping it writable so initial content and relocations can be staged,
// matching Object::preload()/map() in spec.md §4.2.
func (s *Segment) Map(name string) error {
	fd, err := unix.MemfdCreate(name, 0)
	if err != nil {
		return fmt.Errorf("memfd_create: %w", err)
	}
	size := int64(s.Target.PageSize())
	if size == 0 {
		size = pageSize
	}
	if err := unix.Ftruncate(fd, size); err != nil {
		unix.Close(fd)
		return fmt.Errorf("ftruncate: %w", err)
	}
	s.Target.ShmemFD = fd

	addr := s.Target.PageStart()
	flags := unix.MAP_SHARED | unix.MAP_FIXED
	if addr == 0 {
		flags = unix.MAP_SHARED
	}
	mapped, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("mmap: %w", err)
	}
	if addr != 0 {
		s.Target.Base = addr
	} else {
		s.Target.Base = uintptr(uintptrOf(mapped))
	}
	s.Target.Status = StatusMapped
	return nil
}

// Compose maps a second, independent view of the same memfd for staging
// writes to a segment whose live mapping is already read-only. Remapping
// (not copy-on-write) keeps the two views coherent once Finalize runs.
func (s *Segment) Compose() (uintptr, error) {
	if s.Target.ShmemFD < 0 {
		return 0, fmt.Errorf("segment has no backing memfd")
	}
	size := int(s.Target.PageSize())
	mapped, err := unix.Mmap(s.Target.ShmemFD, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return 0, fmt.Errorf("mmap compose buffer: %w", err)
	}
	s.Buffer = uintptr(uintptrOf(mapped))
	return s.Buffer, nil
}

// Finalize publishes the segment's declared protection, installing RELRO
// (read-only) if flagged, and unmaps the scratch buffer.
func (s *Segment) Finalize() error {
	prot := s.Target.Protection
	if s.Target.RELRO {
		prot = unix.PROT_READ
	}
	if err := unix.Mprotect(bytesAt(s.Target.PageStart(), s.Target.PageSize()), prot); err != nil {
		return fmt.Errorf("mprotect finalize: %w", err)
	}
	if s.Buffer != 0 {
		if err := unix.Munmap(bytesAt(s.Buffer, s.Target.PageSize())); err != nil {
			return fmt.Errorf("munmap compose buffer: %w", err)
		}
		s.Buffer = 0
	}
	s.Target.EffectiveProtection = prot
	s.Target.Status = StatusActive
	return nil
}

// Disable sets the segment's pages to PROT_NONE so that stale callers
// (holding addresses into a retired Object version) fault instead of
// silently executing outdated code, per spec.md §3.2 lifecycle.
func (s *Segment) Disable() error {
	if err := unix.Mprotect(bytesAt(s.Target.PageStart(), s.Target.PageSize()), unix.PROT_NONE); err != nil {
		return fmt.Errorf("mprotect disable: %w", err)
	}
	s.Target.EffectiveProtection = unix.PROT_NONE
	s.Target.Status = StatusInactive
	if log.L != nil {
		log.L.Debug("segment disabled", log.Addr(uint64(s.Target.Base)), log.Size(uint64(s.Target.Size)))
	}
	return nil
}

// Reactivate marks content as having been re-populated via the userfault
// handler (spec.md §3.2: MEMSEG_REACTIVATED is a one-shot state).
func (s *Segment) Reactivate() {
	s.Target.Status = StatusReactivated
}

// Unmap tears down the live mapping and closes the backing memfd.
func (s *Segment) Unmap() error {
	if s.Target.Base == 0 {
		return nil
	}
	if err := unix.Munmap(bytesAt(s.Target.PageStart(), s.Target.PageSize())); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	if s.Target.ShmemFD >= 0 {
		unix.Close(s.Target.ShmemFD)
		s.Target.ShmemFD = -1
	}
	return nil
}

// InheritFD adopts the shared-memory fd of a previous version's segment so
// unchanged content physically backs both versions (spec.md §4.2).
func (s *Segment) InheritFD(prev *Segment) {
	if prev == nil || prev.Target.ShmemFD < 0 {
		return
	}
	s.Target.ShmemFD = prev.Target.ShmemFD
}
