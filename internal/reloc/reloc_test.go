package reloc

import (
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	require.Equal(t, KindConstant, Classify(elf.R_X86_64_RELATIVE))
	require.Equal(t, KindSymbol, Classify(elf.R_X86_64_JUMP_SLOT))
	require.Equal(t, KindCopy, Classify(elf.R_X86_64_COPY))
	require.Equal(t, KindUnsupported, Classify(elf.R_X86_64(9999)))
}

func TestApplyRelative(t *testing.T) {
	v, width, err := Apply(Input{Type: elf.R_X86_64_RELATIVE, Base: 0x400000, Addend: 0x20})
	require.NoError(t, err)
	require.Equal(t, 8, width)
	require.EqualValues(t, 0x400020, v)
}

func TestApplyGlobDat(t *testing.T) {
	v, width, err := Apply(Input{Type: elf.R_X86_64_GLOB_DAT, SymValue: 0xdeadbeef})
	require.NoError(t, err)
	require.Equal(t, 8, width)
	require.EqualValues(t, 0xdeadbeef, v)
}

func TestApplyPC32IsRelativeToTarget(t *testing.T) {
	v, width, err := Apply(Input{Type: elf.R_X86_64_PC32, SymValue: 0x401000, Target: 0x400ffc, Addend: -4})
	require.NoError(t, err)
	require.Equal(t, 4, width)
	require.EqualValues(t, uint32(0x401000-0x400ffc-4), uint32(v))
}

func TestApplyIRelativeCallsResolver(t *testing.T) {
	called := false
	v, _, err := Apply(Input{
		Type: elf.R_X86_64_IRELATIVE, Base: 0x10000, Addend: 0x10,
		IFuncCall: func(addr uintptr) uintptr {
			called = true
			require.EqualValues(t, 0x10010, addr)
			return 0x999
		},
	})
	require.NoError(t, err)
	require.True(t, called)
	require.EqualValues(t, 0x999, v)
}

func TestApplyCopyIsDeferred(t *testing.T) {
	_, _, err := Apply(Input{Type: elf.R_X86_64_COPY})
	require.ErrorIs(t, err, errCopyDeferred)
}

func TestApplyUnsupportedType(t *testing.T) {
	_, _, err := Apply(Input{Type: elf.R_X86_64(12345)})
	require.ErrorIs(t, err, errUnsupported)
}
