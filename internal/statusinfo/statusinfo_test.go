package statusinfo

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/luci-dsu/luci/internal/object"
	"github.com/stretchr/testify/require"
)

func TestEmitFormatsLineWithCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	s := New(&buf)
	corr := uuid.New()

	s.Emit(corr, object.SuccessUpdate, "libfoo.so", "/usr/lib/libfoo.so")

	line := buf.String()
	require.Contains(t, line, "SUCCESS_UPDATE for libfoo.so [/usr/lib/libfoo.so] in PID")
	require.Contains(t, line, "corr="+corr.String())
	require.True(t, strings.HasSuffix(strings.TrimSpace(line), "corr="+corr.String()))
}

func TestOpenCreatesFile(t *testing.T) {
	path := t.TempDir() + "/status.log"
	s, err := Open(path)
	require.NoError(t, err)
	s.Emit(uuid.New(), object.SuccessLoad, "libbar.so", "/usr/lib/libbar.so")
}
