package debughash

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClientServiceRoundTrip(t *testing.T) {
	svc := NewService(func(buildIDHex, path string) (bool, string) {
		if buildIDHex == "deadbeef" {
			return true, ""
		}
		return false, "unknown build-id"
	})
	_, handler := svc.Handler()
	server := httptest.NewServer(handler)
	defer server.Close()

	client := New(server.URL)
	ok, err := client.Check(context.Background(), []byte{0xde, 0xad, 0xbe, 0xef}, "/lib/libfoo.so")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = client.Check(context.Background(), []byte{0x01}, "/lib/libbar.so")
	require.NoError(t, err)
	require.False(t, ok)
}
