package segment

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTargetPageAlignment(t *testing.T) {
	cases := []struct {
		name       string
		base, size uintptr
		wantStart  uintptr
		wantEnd    uintptr
	}{
		{"aligned", 0x1000, 0x2000, 0x1000, 0x3000},
		{"unaligned base", 0x1234, 0x100, 0x1000, 0x2000},
		{"spans two pages", 0x1f00, 0x200, 0x1000, 0x3000},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			tgt := Target{Base: c.base, Size: c.size}
			require.Equal(t, c.wantStart, tgt.PageStart())
			require.Equal(t, c.wantEnd, tgt.PageEnd())
			require.Zero(t, tgt.PageStart()%pageSize)
			require.Zero(t, tgt.PageEnd()%pageSize)
		})
	}
}

func TestSegmentLifecycle(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("memfd_create and mprotect require Linux")
	}

	s := New(Source{Size: 16}, 0, 0, 16, 0x1 /* PROT_READ */, false)
	require.NoError(t, s.Map("luci-test-segment"))
	require.Equal(t, StatusMapped, s.Target.Status)

	_, err := s.Compose()
	require.NoError(t, err)
	require.NotZero(t, s.Buffer)

	require.NoError(t, s.Finalize())
	require.Equal(t, StatusActive, s.Target.Status)

	require.NoError(t, s.Disable())
	require.Equal(t, StatusInactive, s.Target.Status)

	require.NoError(t, s.Unmap())
}

func TestInheritFD(t *testing.T) {
	prev := &Segment{Target: Target{ShmemFD: 7}}
	next := &Segment{Target: Target{ShmemFD: -1}}
	next.InheritFD(prev)
	require.Equal(t, 7, next.Target.ShmemFD)

	// A segment with no predecessor keeps its own (absent) fd.
	fresh := &Segment{Target: Target{ShmemFD: -1}}
	fresh.InheritFD(nil)
	require.Equal(t, -1, fresh.Target.ShmemFD)
}
