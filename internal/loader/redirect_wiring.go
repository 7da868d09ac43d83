package loader

import (
	"golang.org/x/sys/unix"

	"github.com/luci-dsu/luci/internal/redirect"
)

// NewRedirectEngine builds the redirect.Engine a Loader should be
// constructed with on Linux/x86_64: it patches the loader's own address
// space directly (processMemory) and promotes a redirection to static once
// every live task other than the calling (helper) thread has been observed
// (liveTasks), per spec.md §4.5.
func NewRedirectEngine() *redirect.Engine {
	helperTID := unix.Gettid()
	return redirect.New(processMemory{}, func() ([]int, error) {
		return liveTasks(helperTID)
	})
}
