package trampoline

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNearJumpEncodesRelativeDisplacement(t *testing.T) {
	site := uintptr(0x401000)
	target := uintptr(0x401100)
	buf := NearJump(site, target)
	require.Len(t, buf, NearJumpSize)
	require.Equal(t, byte(0xE9), buf[0])

	disp := int32(buf[1]) | int32(buf[2])<<8 | int32(buf[3])<<16 | int32(buf[4])<<24
	require.EqualValues(t, int64(target)-int64(site)-NearJumpSize, disp)
}

func TestReachableRejectsOutOfRangeDisplacement(t *testing.T) {
	require.True(t, Reachable(0x400000, 0x500000))
	require.False(t, Reachable(0x400000, 0x400000+1<<33))
}

func TestJumpFallsBackToFarJump(t *testing.T) {
	site := uintptr(0x400000)
	target := uintptr(0x400000 + 1<<33)
	buf := Jump(site, target)
	require.Len(t, buf, FarJumpSize)
	require.Equal(t, byte(0xFF), buf[0])
	require.Equal(t, byte(0x25), buf[1])
}

func TestJumpPrefersNearJumpWhenReachable(t *testing.T) {
	buf := Jump(0x400000, 0x400100)
	require.Len(t, buf, NearJumpSize)
}

func TestTrapIsSingleInt3(t *testing.T) {
	require.Equal(t, []byte{0xCC}, Trap())
}

func TestPatchLengthCoversWholeInstructions(t *testing.T) {
	// 0x90 = nop (1 byte each); five of them must cover a 5-byte patch.
	code := []byte{0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90}
	n, err := PatchLength(code, NearJumpSize)
	require.NoError(t, err)
	require.Equal(t, 5, n)
}

func TestPatchLengthErrorsWhenRegionTooShort(t *testing.T) {
	code := []byte{0x90, 0x90}
	_, err := PatchLength(code, NearJumpSize)
	require.Error(t, err)
}

func TestResolverStubJumpTargetsPLT0(t *testing.T) {
	site := uintptr(0x500000)
	plt0 := uintptr(0x500200)
	buf := Resolver(site, 7, plt0)
	require.Equal(t, byte(0x68), buf[0])
	require.Equal(t, uint32(7), uint32(buf[1])|uint32(buf[2])<<8|uint32(buf[3])<<16|uint32(buf[4])<<24)
	require.Equal(t, byte(0xE9), buf[5])
}

func TestPLTStubIndirectsThroughGOT(t *testing.T) {
	buf := PLTStub(0x600000)
	require.Equal(t, byte(0xFF), buf[0])
	require.Equal(t, byte(0x25), buf[1])
}
