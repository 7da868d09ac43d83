package monitor

import (
	"bytes"
	"testing"

	"github.com/luci-dsu/luci/internal/loader"
	"github.com/luci-dsu/luci/internal/object"
	"github.com/stretchr/testify/require"
)

func TestRenderOnceListsRegisteredIdentities(t *testing.T) {
	l := loader.New(loader.Options{}, nil)
	id := object.New("libfoo.so", "/usr/lib/libfoo.so", int32(object.NamespaceBase))
	l.Register(id)

	var buf bytes.Buffer
	require.NoError(t, RenderOnce(l, &buf))
	require.Contains(t, buf.String(), "libfoo.so")
	require.Contains(t, buf.String(), "/usr/lib/libfoo.so")
}

func TestSnapshotReportsZeroVersionsBeforeLoad(t *testing.T) {
	l := loader.New(loader.Options{}, nil)
	id := object.New("libbar.so", "/usr/lib/libbar.so", int32(object.NamespaceBase))
	l.Register(id)

	rows := snapshot(l)
	require.Len(t, rows, 1)
	require.Zero(t, rows[0].Versions)
}
