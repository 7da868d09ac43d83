package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/luci-dsu/luci/internal/object"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.js")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func TestDecideVetoesUpdate(t *testing.T) {
	path := writeScript(t, `
function decide(diff) {
  if (diff.ChangedSymbols.indexOf("critical_fn") !== -1) {
    return {patchable: false, reason: "critical_fn must never hot-patch"};
  }
  return {patchable: true, reason: ""};
}
`)
	s, err := Load(path)
	require.NoError(t, err)

	patchable, reason, err := s.Decide(Diff{ChangedSymbols: []string{"critical_fn"}, Patchable: true})
	require.NoError(t, err)
	require.False(t, patchable)
	require.Contains(t, reason, "critical_fn")
}

func TestDecideDefersWithoutFunction(t *testing.T) {
	path := writeScript(t, `var x = 1;`)
	s, err := Load(path)
	require.NoError(t, err)

	patchable, reason, err := s.Decide(Diff{Patchable: false})
	require.NoError(t, err)
	require.True(t, patchable)
	require.Empty(t, reason)
}

func TestAsPolicyFuncSwallowsScriptErrors(t *testing.T) {
	path := writeScript(t, `function decide(diff) { throw new Error("boom"); }`)
	s, err := Load(path)
	require.NoError(t, err)

	fn := s.AsPolicyFunc()
	patchable, reason := fn(&object.Diff{Patchable: true})
	require.True(t, patchable)
	require.Empty(t, reason)
}
