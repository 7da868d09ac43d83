// Package assert provides invariant checks that compile away in release
// builds, mirroring the C++ core's `assert` discipline (spec.md §7): used
// only for conditions that should never fail at runtime, never for
// user-facing error handling.
package assert

import "github.com/luci-dsu/luci/internal/log"

// True panics (in development) or DPanics via zap when cond is false.
// Build with `-tags release` to make this a no-op, matching the
// compiled-away assert behavior described in spec.md §7.
func True(cond bool, msg string, fields ...any) {
	if release || cond {
		return
	}
	if log.L != nil {
		log.L.Sugar().DPanicw(msg, fields...)
		return
	}
	panic(msg)
}
