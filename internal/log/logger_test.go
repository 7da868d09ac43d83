package log

import (
	"testing"

	"github.com/luci-dsu/luci/internal/trace"
	"github.com/stretchr/testify/require"
)

func TestEventForwardsEnrichedEventToCallback(t *testing.T) {
	l := NewNop()

	var got *trace.Event
	l.SetOnEvent(func(e *trace.Event) { got = e })

	l.Event("redirect", "install", "")

	require.NotNil(t, got)
	require.True(t, got.Tags.Has(trace.Redirect))
	require.True(t, got.Tags.Has(trace.Trap))
}

func TestEventIsNoopWithoutCallback(t *testing.T) {
	l := NewNop()
	require.NotPanics(t, func() { l.Event("update", "libfoo.so", "SUCCESS_UPDATE") })
}
