package object

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// testBinary locates a real ELF file to exercise Load against. Building a
// byte-accurate synthetic ELF/Rela64 fixture is out of scope for a unit
// test; like the teacher's elf_test.go, this skips cleanly when no
// candidate binary is available rather than faking the parse.
func testBinary(t *testing.T) string {
	t.Helper()
	candidates := []string{"/bin/ls", "/usr/bin/ls", os.Getenv("LUCI_TEST_ELF")}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	t.Skip("no ELF binary available to test against")
	return ""
}

func TestLoadFirstVersion(t *testing.T) {
	path := testBinary(t)
	id := New("ls", path, int32(NamespaceBase))

	obj, info, err := id.Load()
	require.NoError(t, err)
	require.Equal(t, SuccessLoad, info)
	require.NotNil(t, obj)
	require.Nil(t, obj.FilePrevious)
}

func TestLoadIdempotent(t *testing.T) {
	path := testBinary(t)
	id := New("ls", path, int32(NamespaceBase))

	obj, info, err := id.Load()
	require.NoError(t, err)
	require.Equal(t, SuccessLoad, info)
	id.Splice(obj)

	_, info, err = id.Load()
	require.NoError(t, err)
	require.True(t, info == IdenticalTime || info == IdenticalHash,
		"repeated load of an unchanged file must never report SUCCESS_UPDATE, got %s", info)
}

func TestLoadUpdateDisabledWithoutFlag(t *testing.T) {
	path := testBinary(t)
	id := New("ls", path, int32(NamespaceBase))
	obj, _, err := id.Load()
	require.NoError(t, err)
	id.Splice(obj)

	// Force a content difference so the mtime/hash dedup gates don't
	// short-circuit before reaching the Updatable check.
	id.Force = false
	id.current.Data.Hash ^= 1
	id.current.Data.MTime ^= 1

	_, info, err := id.Load()
	require.NoError(t, err)
	require.Equal(t, UpdateDisabled, info)
}

func TestNormalize(t *testing.T) {
	abs, err := Normalize("./identity_test.go")
	require.NoError(t, err)
	require.True(t, len(abs) > 0 && abs[0] == '/')
}
