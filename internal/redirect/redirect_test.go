package redirect

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeMemory is a flat byte arena addressed by uintptr offset, standing in
// for a live process's code pages in tests.
type fakeMemory struct {
	base uintptr
	buf  []byte
}

func newFakeMemory(base uintptr, size int) *fakeMemory {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = 0x90 // nop sled: every offset decodes as a whole 1-byte instruction
	}
	return &fakeMemory{base: base, buf: buf}
}

func (f *fakeMemory) Read(addr uintptr, n int) ([]byte, error) {
	off := int(addr - f.base)
	if off < 0 || off+n > len(f.buf) {
		return nil, fmt.Errorf("fakeMemory: out of range read at %#x len %d", addr, n)
	}
	out := make([]byte, n)
	copy(out, f.buf[off:off+n])
	return out, nil
}

func (f *fakeMemory) Write(addr uintptr, data []byte) error {
	off := int(addr - f.base)
	if off < 0 || off+len(data) > len(f.buf) {
		return fmt.Errorf("fakeMemory: out of range write at %#x len %d", addr, len(data))
	}
	copy(f.buf[off:], data)
	return nil
}

func noLiveTasks() ([]int, error) { return nil, nil }

func TestInstallWritesTrapAndPreservesOriginal(t *testing.T) {
	mem := newFakeMemory(0x1000, 64)
	e := New(mem, noLiveTasks)

	from := uintptr(0x1010)
	r, err := e.Install(from, 0x2000, Int3, false)
	require.NoError(t, err)
	require.NotEmpty(t, r.OriginalBytes)

	patched, err := mem.Read(from, 1)
	require.NoError(t, err)
	require.Equal(t, byte(0xCC), patched[0])
}

func TestInstallUnimplementedModeErrors(t *testing.T) {
	mem := newFakeMemory(0x1000, 64)
	e := New(mem, noLiveTasks)
	_, err := e.Install(0x1010, 0x2000, Ud2, false)
	require.Error(t, err)
}

func TestOnTrapReturnsTarget(t *testing.T) {
	mem := newFakeMemory(0x1000, 64)
	e := New(mem, noLiveTasks)
	from, to := uintptr(0x1010), uintptr(0x3000)
	_, err := e.Install(from, to, Int3, false)
	require.NoError(t, err)

	target, r, ok := e.OnTrap(from)
	require.True(t, ok)
	require.Equal(t, to, target)
	require.NotNil(t, r)

	_, _, ok = e.OnTrap(from + 1)
	require.False(t, ok)
}

func TestObserveThreadPromotesOnceAllLiveThreadsSeen(t *testing.T) {
	mem := newFakeMemory(0x1000, 64)
	live := func() ([]int, error) { return []int{1, 2}, nil }
	e := New(mem, live)

	from, to := uintptr(0x1010), uintptr(0x1010+0x100)
	r, err := e.Install(from, to, Int3, true)
	require.NoError(t, err)

	require.NoError(t, e.ObserveThread(r, 1))
	require.Equal(t, Installed, r.State)

	require.NoError(t, e.ObserveThread(r, 2))
	require.Equal(t, MadeStatic, r.State)

	patched, err := mem.Read(from, 5)
	require.NoError(t, err)
	require.Equal(t, byte(0xE9), patched[0])

	_, _, ok := e.OnTrap(from)
	require.False(t, ok)
}

func TestRemoveRestoresOriginalBytes(t *testing.T) {
	mem := newFakeMemory(0x1000, 64)
	e := New(mem, noLiveTasks)
	from := uintptr(0x1010)

	before, err := mem.Read(from, 8)
	require.NoError(t, err)

	r, err := e.Install(from, 0x2000, Int3, false)
	require.NoError(t, err)
	require.NoError(t, e.Remove(r))

	after, err := mem.Read(from, len(before))
	require.NoError(t, err)
	require.Equal(t, before, after)
}
