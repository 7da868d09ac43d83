package tls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddModulePreExecutionAssignsNegativeOffset(t *testing.T) {
	e := New()

	id1, off1 := e.AddModule("libc.so", 16, 8, []byte{1, 2, 3, 4})
	require.Equal(t, 1, id1)
	require.Equal(t, int64(-16), off1)

	id2, off2 := e.AddModule("libm.so", 8, 8, []byte{5, 6})
	require.Equal(t, 2, id2)
	require.Equal(t, int64(-24), off2)

	require.EqualValues(t, 2, e.Generation())
	require.EqualValues(t, 24+surplus, e.InitialBlockSize())
}

func TestAddModuleAfterFinishInitializationDoesNotGrowStaticBlock(t *testing.T) {
	e := New()
	e.AddModule("libc.so", 16, 8, nil)
	e.FinishInitialization()

	before := e.InitialBlockSize()
	id, off := e.AddModule("plugin.so", 64, 16, nil)

	require.Equal(t, 2, id)
	require.Zero(t, off)
	require.Equal(t, before, e.InitialBlockSize())
}

func TestGetAddrUnallocatedWithoutAllocReturnsZero(t *testing.T) {
	e := New()
	id, _ := e.AddModule("plugin.so", 32, 8, []byte{1})
	e.FinishInitialization()

	thread := ThreadPointer(0x1000)
	addr, err := e.GetAddr(thread, id, false)
	require.NoError(t, err)
	require.Zero(t, addr)
}

func TestGetAddrLazilyAllocatesAndIsStable(t *testing.T) {
	e := New()
	id, _ := e.AddModule("plugin.so", 32, 8, []byte{0xAA, 0xBB})
	e.FinishInitialization()

	thread := ThreadPointer(0x2000)
	addr, err := e.GetAddr(thread, id, true)
	require.NoError(t, err)
	require.NotZero(t, addr)

	again, err := e.GetAddr(thread, id, false)
	require.NoError(t, err)
	require.Equal(t, addr, again)

	e.Free(thread)
}

func TestGetAddrUnknownModuleErrors(t *testing.T) {
	e := New()
	e.FinishInitialization()
	_, err := e.GetAddr(ThreadPointer(0x3000), 5, true)
	require.Error(t, err)
}

func TestGetAddrCatchesUpAfterNewModuleRegistered(t *testing.T) {
	e := New()
	first, _ := e.AddModule("base.so", 8, 8, nil)
	e.FinishInitialization()

	thread := ThreadPointer(0x4000)
	_, err := e.GetAddr(thread, first, true)
	require.NoError(t, err)

	second, _ := e.AddModule("late.so", 16, 8, []byte{1, 2, 3})
	addr, err := e.GetAddr(thread, second, true)
	require.NoError(t, err)
	require.NotZero(t, addr)

	e.Free(thread)
}

func TestFreeIsIdempotent(t *testing.T) {
	e := New()
	e.FinishInitialization()
	thread := ThreadPointer(0x5000)
	e.Free(thread)
	e.Free(thread)
}
