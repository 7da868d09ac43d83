package trace

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewEventTagsSuccessfulUpdateWithoutFailure(t *testing.T) {
	e := NewEvent("update", "libfoo.so", "SUCCESS_UPDATE")
	require.False(t, e.Tags.Has(Failure))
}

func TestNewEventTagsErrorDetailAsFailure(t *testing.T) {
	e := NewEvent("update", "libfoo.so", "ERROR_OPEN")
	require.True(t, e.Tags.Has(Failure))
}

func TestNewEventTagsRedirectInstallAsTrap(t *testing.T) {
	e := NewEvent("redirect", "install", "")
	require.True(t, e.Tags.Has(Trap))
	require.False(t, e.Tags.Has(Promote))
}

func TestNewEventTagsRedirectPromotionAsPromote(t *testing.T) {
	e := NewEvent("redirect", "libfoo.so", "promoted to static jump")
	require.True(t, e.Tags.Has(Promote))
}

func TestPrimaryTagIncludesHashPrefix(t *testing.T) {
	e := NewEvent("helper", "poll", "inotify read failed")
	require.Equal(t, "#helper", e.PrimaryTag())
	require.True(t, e.Tags.Has(Failure))
}
