// Package trampoline assembles the x86_64 machine code Luci writes into a
// live process: PLT lazy-binding stubs, the _dlresolve common stub, and the
// small jump sequences that splice one address to another (spec.md §5, the
// code-redirection mechanism, and §3.4's lazy PLT binding).
package trampoline

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// NearJumpSize is the length of a direct E9 rel32 jump, the preferred
// redirect encoding whenever the displacement fits in 32 bits.
const NearJumpSize = 5

// FarJumpSize is the length of an FF/4 indirect jump through an 8-byte
// absolute address embedded immediately after the instruction, used once a
// redirect target is farther than +/-2GiB from its call site.
const FarJumpSize = 14

// TrapSize is the length of the int3 trap instruction installed at a
// redirect site before promotion to a direct jump.
const TrapSize = 1

// NearJump encodes "jmp rel32" from site to target. The caller must have
// already verified the displacement fits an int32 (use Reachable).
func NearJump(site, target uintptr) []byte {
	disp := int32(int64(target) - int64(site) - NearJumpSize)
	buf := make([]byte, NearJumpSize)
	buf[0] = 0xE9
	binary.LittleEndian.PutUint32(buf[1:], uint32(disp))
	return buf
}

// Reachable reports whether target can be reached from site with a 32-bit
// relative displacement, accounting for the instruction's own length.
func Reachable(site, target uintptr) bool {
	disp := int64(target) - int64(site) - NearJumpSize
	return disp >= int64(minInt32) && disp <= int64(maxInt32)
}

const (
	minInt32 = -1 << 31
	maxInt32 = 1<<31 - 1
)

// FarJump encodes "jmp [rip+0]; .quad target", a 14-byte indirect jump
// that reaches any 64-bit address without clobbering a register.
func FarJump(target uintptr) []byte {
	buf := make([]byte, FarJumpSize)
	buf[0] = 0xFF
	buf[1] = 0x25
	binary.LittleEndian.PutUint32(buf[2:6], 0) // rip+0: address follows immediately
	binary.LittleEndian.PutUint64(buf[6:], uint64(target))
	return buf
}

// Jump returns the shortest correct redirect encoding from site to target,
// preferring a 5-byte near jump and falling back to the 14-byte indirect
// form once the displacement overflows 32 bits.
func Jump(site, target uintptr) []byte {
	if Reachable(site, target) {
		return NearJump(site, target)
	}
	return FarJump(target)
}

// Trap returns the single-byte int3 instruction installed at a redirect
// site ahead of promotion (spec.md §5: trap-then-promote).
func Trap() []byte { return []byte{0xCC} }

// PatchLength returns the number of original bytes that must be saved and
// later restored at site in order to safely overwrite it with an n-byte
// jump, by decoding whole x86_64 instructions until their combined length
// covers n. Overwriting a partial instruction would leave a corrupted
// trailing tail live to any thread still executing through it.
func PatchLength(code []byte, n int) (int, error) {
	total := 0
	for total < n {
		if total >= len(code) {
			return 0, fmt.Errorf("trampoline: code region too short to cover a %d-byte patch", n)
		}
		inst, err := x86asm.Decode(code[total:], 64)
		if err != nil {
			return 0, fmt.Errorf("trampoline: decode at offset %d: %w", total, err)
		}
		if inst.Len == 0 {
			return 0, fmt.Errorf("trampoline: zero-length decode at offset %d", total)
		}
		total += inst.Len
	}
	return total, nil
}

// PLTStub builds the lazy-binding stub for one PLT entry: an indirect jump
// through the entry's GOT slot, per spec.md §3.4. Before the first call the
// GOT slot holds the address of the "push index; jmp plt0" continuation
// (Resolver below); after binding it holds the resolved function and this
// same stub becomes a direct tail-call to it.
func PLTStub(gotSlot uintptr) []byte {
	buf := make([]byte, FarJumpSize)
	buf[0] = 0xFF
	buf[1] = 0x25
	binary.LittleEndian.PutUint32(buf[2:6], 0)
	binary.LittleEndian.PutUint64(buf[6:], uint64(gotSlot))
	return buf
}

// Resolver builds the common "push $index; jmp plt0" stub that every
// not-yet-bound PLT entry falls through to; what plt0 does is up to the
// caller that places it. site is the address this stub will itself be
// placed at, needed to compute the trailing jump's displacement correctly.
func Resolver(site uintptr, index uint32, plt0 uintptr) []byte {
	buf := make([]byte, 0, 10)
	buf = append(buf, 0x68) // push imm32
	idx := make([]byte, 4)
	binary.LittleEndian.PutUint32(idx, index)
	buf = append(buf, idx...)
	jmp := NearJump(site+5, plt0)
	buf = append(buf, jmp...)
	return buf
}
