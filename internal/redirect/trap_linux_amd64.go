//go:build linux && amd64 && cgo

package redirect

/*
#include <signal.h>
#include <stdint.h>
#include <string.h>

// luci_trap_rip reads RIP out of a ucontext_t passed to a SIGTRAP handler.
// Pure Go cannot express this: there is no portable way to reach into
// ucontext_t.uc_mcontext.gregs[REG_RIP] without the platform's <ucontext.h>
// layout, and mutating it from inside a Go-registered signal handler would
// race the Go runtime's own signal plumbing, so the handler itself is C and
// calls back into Go only to decide the new RIP.
static uint64_t luci_trap_rip(void *uctx) {
    ucontext_t *uc = (ucontext_t *)uctx;
    return (uint64_t)uc->uc_mcontext.gregs[REG_RIP];
}

static void luci_trap_set_rip(void *uctx, uint64_t rip) {
    ucontext_t *uc = (ucontext_t *)uctx;
    uc->uc_mcontext.gregs[REG_RIP] = (long long)rip;
}

extern int luci_install_sigtrap(void);
*/
import "C"

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// engineForTrap is the process-wide Engine the signal handler consults.
// There is exactly one per process: redirect sites are a process-global
// resource, and installing more than one handler for the same signal is
// not meaningful.
var engineForTrap *Engine

// InstallHandler registers e as the process's SIGTRAP handler on a
// dedicated alternate signal stack, per spec.md §5 ("installs a SIGTRAP
// handler on an alternate stack exactly once process-wide"). It is safe to
// call only once; a second call returns an error.
func InstallHandler(e *Engine) error {
	if engineForTrap != nil {
		return fmt.Errorf("redirect: SIGTRAP handler already installed")
	}
	engineForTrap = e

	altStack := make([]byte, 16*1024)
	ss := unix.Stack_t{
		Ss_sp:    &altStack[0],
		Ss_size:  uint64(len(altStack)),
		Ss_flags: 0,
	}
	if err := unix.Sigaltstack(&ss, nil); err != nil {
		return fmt.Errorf("redirect: sigaltstack: %w", err)
	}

	if rc := C.luci_install_sigtrap(); rc != 0 {
		return fmt.Errorf("redirect: sigaction(SIGTRAP): errno %d", rc)
	}
	return nil
}

//export luciHandleTrap
func luciHandleTrap(uctxPtr unsafe.Pointer) {
	if engineForTrap == nil {
		return
	}
	rip := uintptr(C.luci_trap_rip(uctxPtr))
	// The trap byte itself was at rip-1 (int3 advances RIP past itself
	// before the kernel delivers the signal).
	site := rip - trampoline_TrapSize
	target, r, ok := engineForTrap.OnTrap(site)
	if !ok {
		return
	}
	C.luci_trap_set_rip(uctxPtr, C.uint64_t(target))
	// Record that this thread has now crossed the redirect so the engine
	// can promote it to a static jump once every live thread has (spec.md
	// §4.5); a failure here just means promotion stays pending, the trap
	// itself has already been resolved above.
	_ = engineForTrap.ObserveThread(r, unix.Gettid())
}

const trampoline_TrapSize = 1
