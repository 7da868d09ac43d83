package verify

import (
	"testing"

	"github.com/luci-dsu/luci/internal/redirect"
	"github.com/stretchr/testify/require"
)

// fakeMemory mirrors redirect_test.go's fake so CheckEngine can drive a real
// Engine without a live process.
type fakeMemory struct {
	buf [pageSize]byte
}

func (m *fakeMemory) Read(addr uintptr, n int) ([]byte, error) {
	off := int(addr - siteBase)
	out := make([]byte, n)
	copy(out, m.buf[off:off+n])
	return out, nil
}

func (m *fakeMemory) Write(addr uintptr, data []byte) error {
	off := int(addr - siteBase)
	copy(m.buf[off:], data)
	return nil
}

func TestRoundTripResolvesTrapToInstalledTarget(t *testing.T) {
	h, err := New()
	require.NoError(t, err)
	defer h.Close()

	ok, err := h.RoundTrip(func(pc uintptr) (uintptr, bool) {
		require.EqualValues(t, siteBase, pc)
		return targetBase, true
	})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRoundTripReturnsFalseWhenTrapUnresolved(t *testing.T) {
	h, err := New()
	require.NoError(t, err)
	defer h.Close()

	ok, err := h.RoundTrip(func(pc uintptr) (uintptr, bool) { return 0, false })
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPromotedJumpLandsOnTarget(t *testing.T) {
	h, err := New()
	require.NoError(t, err)
	defer h.Close()

	ok, err := h.PromotedJump()
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCheckEnginePromotesAfterAllThreadsObserved(t *testing.T) {
	mem := &fakeMemory{}
	for i := range mem.buf {
		mem.buf[i] = 0x90
	}
	live := []int{1, 2}
	e := redirect.New(mem, func() ([]int, error) { return live, nil })
	r, err := e.Install(siteBase, targetBase, redirect.Int3, true)
	require.NoError(t, err)

	promoted, err := CheckEngine(e, r, live)
	require.NoError(t, err)
	require.True(t, promoted)
	require.Equal(t, redirect.MadeStatic, r.State)
}
