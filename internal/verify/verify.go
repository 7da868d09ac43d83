// Package verify offers an offline self-test harness for the redirect
// mechanism (internal/redirect, internal/trampoline): it emulates just the
// handful of bytes at a redirect site in an isolated x86_64 Unicorn VM,
// confirming the trap-then-jump round trip and the promoted-jump encoding
// without touching a real process or installing a real signal handler.
package verify

import (
	"encoding/binary"
	"fmt"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/luci-dsu/luci/internal/redirect"
	"github.com/luci-dsu/luci/internal/trampoline"
)

// Memory layout for the scratch VM. Two code pages far enough apart that a
// near (rel32) jump between them is representative of a real redirect, plus
// a landing pad each candidate target can signal arrival at.
const (
	siteBase   = 0x00100000
	targetBase = 0x00200000
	pageSize   = 0x1000
	landingReg = uc.X86_REG_RAX
	landingTag = 0xC0FFEE
)

// Harness owns a single scratch Unicorn VM reused across checks.
type Harness struct {
	mu uc.Unicorn
}

// New creates a Harness with siteBase and targetBase mapped.
func New() (*Harness, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_X86, uc.MODE_64)
	if err != nil {
		return nil, fmt.Errorf("verify: create unicorn: %w", err)
	}
	if err := mu.MemMap(siteBase, pageSize); err != nil {
		mu.Close()
		return nil, fmt.Errorf("verify: map site: %w", err)
	}
	if err := mu.MemMap(targetBase, pageSize); err != nil {
		mu.Close()
		return nil, fmt.Errorf("verify: map target: %w", err)
	}
	return &Harness{mu: mu}, nil
}

// Close releases the underlying Unicorn VM.
func (h *Harness) Close() error {
	return h.mu.Close()
}

// landingPad is `mov eax, landingTag; ret` — proof that control reached it.
func landingPad() []byte {
	code := []byte{0xB8, 0, 0, 0, 0, 0xC3}
	binary.LittleEndian.PutUint32(code[1:5], landingTag)
	return code
}

// RoundTrip emulates installing a trap at siteBase, running into it,
// resolving it through onTrap (standing in for redirect.Engine.OnTrap) to a
// landing pad at targetBase, and confirms execution actually lands there.
// This exercises the same redirect.Install + trap semantics the real SIGTRAP
// handler relies on, minus the kernel signal delivery itself.
func (h *Harness) RoundTrip(onTrap func(pc uintptr) (uintptr, bool)) (bool, error) {
	if err := h.mu.MemWrite(targetBase, landingPad()); err != nil {
		return false, fmt.Errorf("verify: write landing pad: %w", err)
	}
	trap := trampoline.Trap()
	pad := make([]byte, trampoline.NearJumpSize-len(trap))
	for i := range pad {
		pad[i] = 0x90
	}
	if err := h.mu.MemWrite(siteBase, append(append([]byte{}, trap...), pad...)); err != nil {
		return false, fmt.Errorf("verify: write trap: %w", err)
	}

	trapped := false
	hh, err := h.mu.HookAdd(uc.HOOK_INTR, func(mu uc.Unicorn, intno uint32) {
		const int3 = 3
		if intno != int3 {
			return
		}
		trapped = true
		pc, err := mu.RegRead(uc.X86_REG_RIP)
		if err != nil {
			h.mu.Stop()
			return
		}
		// Unicorn leaves RIP just past the int3 byte; the redirect engine
		// keys installed redirections by the trap's own address.
		target, ok := onTrap(uintptr(pc - 1))
		if !ok {
			h.mu.Stop()
			return
		}
		if err := mu.RegWrite(uc.X86_REG_RIP, uint64(target)); err != nil {
			h.mu.Stop()
		}
	})
	if err != nil {
		return false, fmt.Errorf("verify: add intr hook: %w", err)
	}
	defer h.mu.HookDel(hh)

	if err := h.mu.RegWrite(uc.X86_REG_RAX, 0); err != nil {
		return false, fmt.Errorf("verify: clear rax: %w", err)
	}
	// Stop at the landing pad's ret: executing it would pop from an unmapped stack.
	if err := h.mu.Start(siteBase, targetBase+uint64(len(landingPad())-1)); err != nil {
		return false, fmt.Errorf("verify: run: %w", err)
	}
	if !trapped {
		return false, nil
	}
	rax, err := h.mu.RegRead(landingReg)
	if err != nil {
		return false, fmt.Errorf("verify: read rax: %w", err)
	}
	return rax == landingTag, nil
}

// PromotedJump emulates running straight over a promoted direct jump (no
// trap at all), confirming trampoline.Jump's encoding lands on the landing
// pad on its own, matching what a Redirection looks like after
// redirect.Engine.promoteLocked rewrites it from trap to static jump.
func (h *Harness) PromotedJump() (bool, error) {
	if err := h.mu.MemWrite(targetBase, landingPad()); err != nil {
		return false, fmt.Errorf("verify: write landing pad: %w", err)
	}
	jump := trampoline.Jump(siteBase, targetBase)
	if err := h.mu.MemWrite(siteBase, jump); err != nil {
		return false, fmt.Errorf("verify: write jump: %w", err)
	}
	if err := h.mu.RegWrite(uc.X86_REG_RAX, 0); err != nil {
		return false, fmt.Errorf("verify: clear rax: %w", err)
	}
	if err := h.mu.Start(siteBase, targetBase+uint64(len(landingPad())-1)); err != nil {
		return false, fmt.Errorf("verify: run: %w", err)
	}
	rax, err := h.mu.RegRead(landingReg)
	if err != nil {
		return false, fmt.Errorf("verify: read rax: %w", err)
	}
	return rax == landingTag, nil
}

// CheckEngine checks a redirect.Engine on which the caller has already
// installed r: it runs once through RoundTrip, resolving the trap through
// e.OnTrap, to confirm it reaches the landing pad, then has the engine
// observe every "live" tid and reports whether r's state became MadeStatic.
// The promoted bytes are not re-run in the VM.
func CheckEngine(e *redirect.Engine, r *redirect.Redirection, liveTIDs []int) (promoted bool, err error) {
	h, err := New()
	if err != nil {
		return false, err
	}
	defer h.Close()

	ok, err := h.RoundTrip(func(pc uintptr) (uintptr, bool) {
		target, _, found := e.OnTrap(pc)
		return target, found
	})
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("verify: trap did not resolve to installed target")
	}

	for _, tid := range liveTIDs {
		if err := e.ObserveThread(r, tid); err != nil {
			return false, fmt.Errorf("verify: observe thread %d: %w", tid, err)
		}
	}
	return r.State == redirect.MadeStatic, nil
}
