package loader

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ptraceDetector implements the --detect-outdated ptrace alternative of
// spec.md §6.3/§4.7: CheckTID attaches to one task from /proc/self/task,
// reads its instruction pointer and detaches. It does not single-step the
// task or compare the pointer against retired segments.
type ptraceDetector struct {
	attached map[int]bool
}

func newPtraceDetector() *ptraceDetector {
	return &ptraceDetector{attached: make(map[int]bool)}
}

// liveTasks lists this process's thread ids from /proc/self/task, excluding
// the loader's own helper thread (tid), matching the trap-promotion census
// internal/redirect also needs.
func liveTasks(excludeTID int) ([]int, error) {
	entries, err := os.ReadDir("/proc/self/task")
	if err != nil {
		return nil, fmt.Errorf("loader: read /proc/self/task: %w", err)
	}
	var tids []int
	for _, e := range entries {
		var tid int
		if _, err := fmt.Sscanf(e.Name(), "%d", &tid); err != nil {
			continue
		}
		if tid != excludeTID {
			tids = append(tids, tid)
		}
	}
	return tids, nil
}

// CheckTID attaches to tid, reads its instruction pointer, and detaches,
// reporting the observed rip so the caller can compare it against retired
// segment ranges.
//
// Linux refuses PTRACE_ATTACH against a thread in the caller's own thread
// group (it returns EPERM), so this only succeeds against a tid in a
// different process; against a sibling thread of the helper's own process
// it fails the same way uprobes does on a kernel without uprobe support.
// --detect-outdated ptrace is kept as a selectable DetectMode because the
// CLI surface names it, but in-process use degrades to a reported error
// rather than silently doing nothing.
func (d *ptraceDetector) CheckTID(tid int) (rip uint64, err error) {
	if err := unix.PtraceAttach(tid); err != nil {
		return 0, fmt.Errorf("loader: ptrace attach %d: %w", tid, err)
	}
	defer unix.PtraceDetach(tid)

	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &regs); err != nil {
		return 0, fmt.Errorf("loader: ptrace getregs %d: %w", tid, err)
	}
	return regs.Rip, nil
}
