//go:build linux && amd64 && cgo

package main

/*
#include <stdint.h>

// luci_jump_to_entry switches RSP to a freshly built initial stack and
// jumps to entry. It never returns: by the time it runs, this goroutine's
// Go stack is irrelevant, and execution continues as if the kernel itself
// had execve'd the loaded binary onto this thread. rdx is cleared because
// the SysV ABI reserves it for an rtld_fini pointer when a program is
// started by its dynamic linker rather than directly by the kernel, and
// luci is standing in for that dynamic linker here.
static void luci_jump_to_entry(uint64_t entry, void *stack) {
    __asm__ volatile(
        "mov %0, %%rsp\n"
        "xor %%rdx, %%rdx\n"
        "jmp *%1\n"
        :
        : "r"(stack), "r"(entry)
        : "rdx", "memory"
    );
}
*/
import "C"

import (
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"

	"github.com/luci-dsu/luci/internal/object"
)

// Auxiliary vector entry types this loader cares about patching; the rest
// pass through unchanged from the host process's own auxv (AT_RANDOM,
// AT_SECURE, AT_HWCAP, AT_SYSINFO_EHDR, ...), same as ld.so does when it
// forwards an inherited auxv to the binary it is loading.
const (
	atNull   = 0
	atPhdr   = 3
	atPhent  = 4
	atPhnum  = 5
	atBase   = 7
	atEntry  = 9
	atExecfn = 31
)

// readAuxv reads this process's own auxiliary vector, the template an
// in-process loader has to start from since it was never handed one
// itself for the program it is about to run (spec.md §1: "argv, envp, and
// auxv are presented to the loaded program exactly as the kernel would
// have built them for execve").
func readAuxv() ([][2]uint64, error) {
	data, err := os.ReadFile("/proc/self/auxv")
	if err != nil {
		return nil, fmt.Errorf("read /proc/self/auxv: %w", err)
	}
	var out [][2]uint64
	for off := 0; off+16 <= len(data); off += 16 {
		typ := binary.LittleEndian.Uint64(data[off : off+8])
		val := binary.LittleEndian.Uint64(data[off+8 : off+16])
		out = append(out, [2]uint64{typ, val})
		if typ == atNull {
			break
		}
	}
	return out, nil
}

// phdrAddr reads e_phoff straight out of the raw file bytes: debug/elf
// parses the program header table into Progs but never keeps the file
// offset it came from, and the loaded program's AT_PHDR must point at its
// own header table in its own address space, not luci's.
func phdrAddr(obj *object.Object) uint64 {
	if len(obj.Data.Addr) < 0x28 {
		return 0
	}
	ephoff := binary.LittleEndian.Uint64(obj.Data.Addr[0x20:0x28])
	return uint64(obj.Base) + ephoff
}

// buildAuxv patches this process's inherited auxv with obj's own program
// header location, header geometry, load bias, and entry point, the way
// the kernel computes these for a binary it execve's directly (man 3
// getauxval; elf(5)).
func buildAuxv(obj *object.Object, execfn *C.char) [][2]uint64 {
	base, err := readAuxv()
	if err != nil {
		base = [][2]uint64{{atNull, 0}}
	}

	patched := make([][2]uint64, 0, len(base))
	for _, e := range base {
		switch e[0] {
		case atPhdr:
			e[1] = phdrAddr(obj)
		case atPhent:
			e[1] = 56
		case atPhnum:
			e[1] = uint64(len(obj.ELF.Progs))
		case atBase:
			if obj.PositionIndependent {
				e[1] = uint64(obj.Base)
			} else {
				e[1] = 0
			}
		case atEntry:
			e[1] = uint64(obj.Base) + obj.ELF.Entry
		case atExecfn:
			e[1] = uint64(uintptr(unsafe.Pointer(execfn)))
		}
		patched = append(patched, e)
	}
	return patched
}

// jumpToEntry builds a fresh initial stack (argc, argv, NULL, envp, NULL,
// auxv, AT_NULL) at the _start layout the System V ABI (§3.4.1) and every
// ELF loader's own _start stub expect, and transfers control to obj's
// entry point. It does not return on success.
func jumpToEntry(obj *object.Object, argv, envp []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("luci: jumpToEntry: argv must include argv[0]")
	}
	entry := uint64(obj.Base) + obj.ELF.Entry

	cArgv := make([]*C.char, len(argv))
	for i, a := range argv {
		cArgv[i] = C.CString(a)
	}
	cEnvp := make([]*C.char, len(envp))
	for i, e := range envp {
		cEnvp[i] = C.CString(e)
	}
	execfn := C.CString(argv[0])
	aux := buildAuxv(obj, execfn)

	words := make([]uint64, 0, 1+len(argv)+1+len(envp)+1+len(aux)*2+1)
	words = append(words, uint64(len(argv)))
	for _, p := range cArgv {
		words = append(words, uint64(uintptr(unsafe.Pointer(p))))
	}
	words = append(words, 0)
	for _, p := range cEnvp {
		words = append(words, uint64(uintptr(unsafe.Pointer(p))))
	}
	words = append(words, 0)
	for _, e := range aux {
		words = append(words, e[0], e[1])
	}
	// RSP must be 16-byte aligned at the _start entry point (no return
	// address gets pushed on top of this, unlike a call); an even word
	// count keeps the 8-byte-aligned array itself on that boundary.
	if len(words)%2 != 0 {
		words = append(words, 0)
	}

	stack := C.malloc(C.size_t(len(words) * 8))
	if stack == nil {
		return fmt.Errorf("luci: allocate initial stack: out of memory")
	}
	copy(unsafe.Slice((*uint64)(stack), len(words)), words)

	C.luci_jump_to_entry(C.uint64_t(entry), stack)
	return fmt.Errorf("luci: jumpToEntry returned unexpectedly")
}
