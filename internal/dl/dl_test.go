package dl

import (
	"testing"

	"github.com/luci-dsu/luci/internal/loader"
	"github.com/stretchr/testify/require"
)

func TestDlCloseIsNoopAndClearsHandle(t *testing.T) {
	l := loader.New(loader.Options{}, nil)
	r := New(l)

	r.mu.Lock()
	r.handleID++
	handle := r.handleID
	r.handles[handle] = nil
	r.mu.Unlock()

	require.NoError(t, r.DlClose(handle))
	require.NotContains(t, r.handles, handle)
}

func TestDlErrorClearsAfterRead(t *testing.T) {
	l := loader.New(loader.Options{}, nil)
	r := New(l)

	_, err := r.DlSym(999, "missing")
	require.Error(t, err)

	msg := r.DlError()
	require.NotEmpty(t, msg)
	require.Empty(t, r.DlError())
}

func TestDlAddrReturnsFalseWhenNothingLoaded(t *testing.T) {
	l := loader.New(loader.Options{}, nil)
	r := New(l)
	_, ok := r.DlAddr(0x400000)
	require.False(t, ok)
}
