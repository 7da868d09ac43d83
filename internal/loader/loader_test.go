package loader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/luci-dsu/luci/internal/object"
	"github.com/stretchr/testify/require"
)

func TestUpdateModeFlags(t *testing.T) {
	m := UpdateGOT | UpdateCodeRel
	require.True(t, m.has(UpdateGOT))
	require.True(t, m.has(UpdateCodeRel))
	require.False(t, m.has(UpdateCodeRelLocalInt))
}

func TestDetectModeString(t *testing.T) {
	require.Equal(t, "ptrace", DetectPtrace.String())
	require.Equal(t, "userfaultfd", DetectUserfaultfd.String())
	require.Equal(t, "disabled", DetectDisabled.String())
}

func TestRegisterIsIdempotent(t *testing.T) {
	l := New(Options{}, nil)
	id1 := object.New("libfoo.so", "/tmp/libfoo.so", int32(object.NamespaceBase))
	got1 := l.Register(id1)
	require.Same(t, id1, got1)

	id2 := object.New("libfoo.so", "/tmp/libfoo.so", int32(object.NamespaceBase))
	got2 := l.Register(id2)
	require.Same(t, id1, got2) // already registered under that path, id2 discarded

	require.Len(t, l.Identities(), 1)
}

func TestResolvePathSearchesLibraryPath(t *testing.T) {
	dir := t.TempDir()
	libPath := filepath.Join(dir, "libbar.so")
	require.NoError(t, os.WriteFile(libPath, []byte{0}, 0o644))

	l := New(Options{LibraryPath: []string{dir}}, nil)
	resolved, err := l.ResolvePath("libbar.so", nil)
	require.NoError(t, err)
	require.Equal(t, libPath, resolved)
}

func TestResolvePathHonorsExclude(t *testing.T) {
	dir := t.TempDir()
	libPath := filepath.Join(dir, "libexcluded.so")
	require.NoError(t, os.WriteFile(libPath, []byte{0}, 0o644))

	l := New(Options{LibraryPath: []string{dir}, Exclude: []string{"libexcluded.so"}}, nil)
	_, err := l.ResolvePath("libexcluded.so", nil)
	require.Error(t, err)
}

func TestResolvePathMissingDependencyErrors(t *testing.T) {
	l := New(Options{}, nil)
	_, err := l.ResolvePath("libdoesnotexist.so", nil)
	require.Error(t, err)
}

func TestUpdateReportsELFErrorWithoutPanicking(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "not-an-elf")
	require.NoError(t, os.WriteFile(path, []byte("not an elf file"), 0o644))

	l := New(Options{}, nil)
	id := object.New("not-an-elf", path, int32(object.NamespaceBase))
	l.Register(id)

	res := l.Update(id)
	require.Error(t, res.Err)
	require.Equal(t, object.ErrorELF, res.Info)
}
