// Package reloc implements the x86_64 Relocator of spec.md §4.4/§6.1: it
// turns one ELF relocation entry plus a resolved symbol value into the
// bytes that must be written at the relocation's target address.
package reloc

import "debug/elf"

// Type is the R_X86_64_* relocation type, renamed to avoid stuttering on
// the package name at call sites (reloc.Type instead of elf.R_X86_64).
type Type = elf.R_X86_64

// Kind classifies how a relocation's value must be produced, per
// spec.md §3.4: a constant store, an external symbol lookup, or a
// reserved copy-relocation for ET_EXEC.
type Kind int

const (
	KindConstant Kind = iota
	KindSymbol
	KindCopy
	KindUnsupported
)

// Classify returns which Kind a relocation type falls into.
func Classify(t Type) Kind {
	switch t {
	case elf.R_X86_64_RELATIVE, elf.R_X86_64_IRELATIVE:
		return KindConstant
	case elf.R_X86_64_COPY:
		return KindCopy
	case elf.R_X86_64_NONE:
		return KindConstant
	case elf.R_X86_64_64, elf.R_X86_64_PC32, elf.R_X86_64_GOT32, elf.R_X86_64_PLT32,
		elf.R_X86_64_GLOB_DAT, elf.R_X86_64_JUMP_SLOT, elf.R_X86_64_GOTPCREL,
		elf.R_X86_64_32, elf.R_X86_64_32S, elf.R_X86_64_16, elf.R_X86_64_PC16,
		elf.R_X86_64_8, elf.R_X86_64_PC8, elf.R_X86_64_DTPMOD64, elf.R_X86_64_DTPOFF64,
		elf.R_X86_64_TPOFF64, elf.R_X86_64_TLSGD, elf.R_X86_64_TLSLD, elf.R_X86_64_DTPOFF32,
		elf.R_X86_64_GOTTPOFF, elf.R_X86_64_TPOFF32, elf.R_X86_64_PC64, elf.R_X86_64_GOTOFF64,
		elf.R_X86_64_GOTPC32, elf.R_X86_64_SIZE32, elf.R_X86_64_SIZE64,
		elf.R_X86_64_REX_GOTPCRELX, elf.R_X86_64_GOTPCRELX:
		return KindSymbol
	default:
		return KindUnsupported
	}
}

// Input bundles everything Apply needs to compute a relocation's value.
type Input struct {
	Type      Type
	Addend    int64
	Base      uintptr // the owning object's runtime load base
	Target    uintptr // absolute address the relocation writes to
	SymValue  uintptr // resolved external symbol value (0 for KindConstant types other than RELATIVE)
	SymSize   uint64
	IFuncCall func(resolverAddr uintptr) uintptr // calls an IRELATIVE resolver; nil outside internal/loader
}

// Apply computes the bytes (as a uint64, truncated per width by the
// caller) to store at in.Target for one relocation, per spec.md §3.4 and
// the R_X86_64_* set enumerated in spec.md §6.1.
func Apply(in Input) (value uint64, width int, err error) {
	switch in.Type {
	case elf.R_X86_64_NONE:
		return 0, 0, nil
	case elf.R_X86_64_RELATIVE:
		return uint64(int64(in.Base) + in.Addend), 8, nil
	case elf.R_X86_64_IRELATIVE:
		resolver := uintptr(int64(in.Base) + in.Addend)
		if in.IFuncCall == nil {
			return uint64(resolver), 8, nil
		}
		return uint64(in.IFuncCall(resolver)), 8, nil
	case elf.R_X86_64_64:
		return uint64(int64(in.SymValue) + in.Addend), 8, nil
	case elf.R_X86_64_GLOB_DAT, elf.R_X86_64_JUMP_SLOT:
		return uint64(in.SymValue), 8, nil
	case elf.R_X86_64_PC32, elf.R_X86_64_PLT32, elf.R_X86_64_GOTPCREL,
		elf.R_X86_64_GOTPC32, elf.R_X86_64_REX_GOTPCRELX, elf.R_X86_64_GOTPCRELX:
		return uint64(uint32(int64(in.SymValue) + in.Addend - int64(in.Target))), 4, nil
	case elf.R_X86_64_PC64:
		return uint64(int64(in.SymValue) + in.Addend - int64(in.Target)), 8, nil
	case elf.R_X86_64_32:
		return uint64(uint32(int64(in.SymValue) + in.Addend)), 4, nil
	case elf.R_X86_64_32S:
		return uint64(uint32(int32(int64(in.SymValue) + in.Addend))), 4, nil
	case elf.R_X86_64_16:
		return uint64(uint16(int64(in.SymValue) + in.Addend)), 2, nil
	case elf.R_X86_64_PC16:
		return uint64(uint16(int64(in.SymValue) + in.Addend - int64(in.Target))), 2, nil
	case elf.R_X86_64_8:
		return uint64(uint8(int64(in.SymValue) + in.Addend)), 1, nil
	case elf.R_X86_64_PC8:
		return uint64(uint8(int64(in.SymValue) + in.Addend - int64(in.Target))), 1, nil
	case elf.R_X86_64_GOT32:
		return uint64(uint32(int64(in.SymValue) + in.Addend)), 4, nil
	case elf.R_X86_64_COPY:
		return 0, 0, errCopyDeferred
	case elf.R_X86_64_DTPMOD64:
		return 0, 8, nil // writes 0; the TLS module id is not filled in here or by internal/tls
	case elf.R_X86_64_DTPOFF64:
		return uint64(int64(in.Addend)), 8, nil
	case elf.R_X86_64_DTPOFF32:
		return uint64(uint32(in.Addend)), 4, nil
	case elf.R_X86_64_TPOFF64:
		return uint64(int64(in.SymValue) + in.Addend), 8, nil
	case elf.R_X86_64_TPOFF32:
		return uint64(uint32(int64(in.SymValue) + in.Addend)), 4, nil
	case elf.R_X86_64_TLSGD, elf.R_X86_64_TLSLD, elf.R_X86_64_GOTTPOFF:
		return uint64(in.SymValue), 8, nil
	case elf.R_X86_64_GOTOFF64:
		return uint64(int64(in.SymValue) + in.Addend - int64(in.Base)), 8, nil
	case elf.R_X86_64_SIZE32:
		return uint64(uint32(in.SymSize) + uint32(in.Addend)), 4, nil
	case elf.R_X86_64_SIZE64:
		return in.SymSize + uint64(in.Addend), 8, nil
	default:
		return 0, 0, errUnsupported
	}
}
