package loader

import (
	"debug/elf"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/luci-dsu/luci/internal/object"
	"github.com/luci-dsu/luci/internal/object/segment"
)

// mapObject walks obj.ELF's PT_LOAD program headers and turns each into a
// live segment.Segment, per spec.md §4.2's preload()/map()/finalize()
// sequence: reserve a contiguous span for ET_DYN objects (so every segment
// lands at a fixed offset from a single runtime base, exactly like ld.so's
// own PIE mapping), stage each segment's file content into its compose
// buffer, mark RELRO overlap, and finalize each segment's protection. Any
// PT_TLS program header is registered with the loader's TLS engine in the
// same pass (spec.md §4.8).
func (l *Loader) mapObject(obj *object.Object) error {
	var loads []*elf.Prog
	var relro *elf.Prog
	var tlsProg *elf.Prog
	for _, p := range obj.ELF.Progs {
		switch p.Type {
		case elf.PT_LOAD:
			loads = append(loads, p)
		case elf.PT_GNU_RELRO:
			relro = p
		case elf.PT_TLS:
			tlsProg = p
		}
	}
	if len(loads) == 0 {
		return fmt.Errorf("loader: %s has no PT_LOAD segments", obj.Identity.Name)
	}

	base, err := l.reserveBase(obj, loads)
	if err != nil {
		return fmt.Errorf("loader: reserve address space for %s: %w", obj.Identity.Name, err)
	}
	obj.Base = base

	for i, p := range loads {
		seg, err := l.mapLoadSegment(obj, p, base, relro)
		if err != nil {
			return fmt.Errorf("loader: map segment %d of %s: %w", i, obj.Identity.Name, err)
		}
		obj.Segments = append(obj.Segments, seg)
	}

	if tlsProg != nil {
		if err := l.registerTLS(obj, tlsProg, base); err != nil {
			return fmt.Errorf("loader: register TLS for %s: %w", obj.Identity.Name, err)
		}
	}

	return nil
}

// reserveBase picks obj's runtime load base. Position-independent objects
// (ET_DYN) get a fresh address range sized to their full load span, found
// by mapping it PROT_NONE and then unmapping it immediately: the window is
// very unlikely to be reused by the time the PT_LOAD loop below
// MAP_FIXED-maps into it, matching the reserve-then-populate technique a
// real ld.so uses to keep every segment at a single base-relative offset.
// Non-PIE executables use their link-time vaddrs directly (base 0).
func (l *Loader) reserveBase(obj *object.Object, loads []*elf.Prog) (uintptr, error) {
	if !obj.PositionIndependent {
		return 0, nil
	}

	var lo, hi uintptr
	lo = ^uintptr(0)
	for _, p := range loads {
		start := uintptr(p.Vaddr) &^ (segmentPageSize - 1)
		end := (uintptr(p.Vaddr) + uintptr(p.Memsz) + segmentPageSize - 1) &^ (segmentPageSize - 1)
		if start < lo {
			lo = start
		}
		if end > hi {
			hi = end
		}
	}
	span := hi - lo

	reserved, err := unix.Mmap(-1, 0, int(span), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return 0, fmt.Errorf("reserve %d bytes: %w", span, err)
	}
	addr := addrOf(reserved)
	if err := unix.Munmap(reserved); err != nil {
		return 0, fmt.Errorf("release reservation probe: %w", err)
	}
	return addr - lo, nil
}

const segmentPageSize = 0x1000

// mapLoadSegment maps, stages, and finalizes one PT_LOAD entry.
func (l *Loader) mapLoadSegment(obj *object.Object, p *elf.Prog, base uintptr, relro *elf.Prog) (*segment.Segment, error) {
	prot := progProt(p.Flags)
	isRELRO := relro != nil && p.Vaddr <= relro.Vaddr && relro.Vaddr < p.Vaddr+p.Memsz

	unalignedBase := base + uintptr(p.Vaddr)
	seg := segment.New(
		segment.Source{Offset: int64(p.Off), Size: uintptr(p.Filesz)},
		unalignedBase,
		uintptr(p.Vaddr)&(segmentPageSize-1),
		uintptr(p.Memsz),
		prot,
		isRELRO,
	)
	// Map() replaces Target.Base with the page-aligned mapping address, so
	// the in-page offset the file content must land at has to be captured
	// against the pre-Map, link-time-derived base.
	pageOff := unalignedBase &^ (segmentPageSize - 1)
	pageOff = unalignedBase - pageOff

	if err := seg.Map(fmt.Sprintf("%s@%#x", obj.Identity.Name, p.Vaddr)); err != nil {
		return nil, err
	}
	buf, err := seg.Compose()
	if err != nil {
		return nil, err
	}

	if int(p.Off+p.Filesz) <= len(obj.Data.Addr) {
		copyBytesAt(buf+pageOff, obj.Data.Addr[p.Off:p.Off+p.Filesz])
	}
	// The bss tail (Memsz - Filesz) is already zero: it came from a fresh
	// memfd-backed anonymous page.

	if err := seg.Finalize(); err != nil {
		return nil, err
	}
	return seg, nil
}

// progProt translates ELF PF_* program-header flags to PROT_* flags.
func progProt(flags elf.ProgFlag) int {
	prot := 0
	if flags&elf.PF_R != 0 {
		prot |= unix.PROT_READ
	}
	if flags&elf.PF_W != 0 {
		prot |= unix.PROT_WRITE
	}
	if flags&elf.PF_X != 0 {
		prot |= unix.PROT_EXEC
	}
	return prot
}

// registerTLS copies the PT_TLS initialization image and hands it to the
// loader's shared TLS engine, recording the assigned module id/offset on
// obj's Identity for internal/dl's __tls_get_addr path (spec.md §4.8).
func (l *Loader) registerTLS(obj *object.Object, p *elf.Prog, base uintptr) error {
	image := make([]byte, p.Filesz)
	if int(p.Off+p.Filesz) <= len(obj.Data.Addr) {
		copy(image, obj.Data.Addr[p.Off:p.Off+p.Filesz])
	}
	id, offset := l.tls.AddModule(obj.Identity.Name, p.Memsz, p.Align, image)
	obj.Identity.TLSModuleID = id
	obj.Identity.TLSOffset = offset
	_ = base // PT_TLS's own Vaddr is irrelevant once registered: the engine lays out the static block itself
	return nil
}

// addrOf returns the address backing a byte slice returned by mmap.
func addrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
