package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/luci-dsu/luci/internal/loader"
)

func TestDefaultMatchesDocumentedDefaults(t *testing.T) {
	cfg := Default()
	require.Equal(t, "userfaultfd", cfg.DetectOutdated)
	require.Equal(t, "int3", cfg.Trap)
}

func TestLoadMergesFileThenFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "luci.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bind_now: true\nupdate_mode: CODEREL\n"), 0o644))

	cmd := &cobra.Command{Use: "luci"}
	RegisterFlags(cmd)
	require.NoError(t, cmd.Flags().Set("update-mode", "CODEREL_LOCALINT"))

	cfg, err := Load(cmd.Flags(), path)
	require.NoError(t, err)
	require.True(t, cfg.BindNow) // from file, not overridden by a flag
	require.Equal(t, "CODEREL_LOCALINT", cfg.UpdateModeStr) // flag wins over file
}

func TestUpdateModeBits(t *testing.T) {
	cfg := Default()
	cfg.UpdateModeStr = "CODEREL_LOCALINT"
	mode := cfg.UpdateMode()
	require.NotZero(t, mode&loader.UpdateGOT)
	require.NotZero(t, mode&loader.UpdateCodeRel)
	require.NotZero(t, mode&loader.UpdateCodeRelLocalInt)
}

func TestDetectModeRejectsUnknownValue(t *testing.T) {
	cfg := Default()
	cfg.DetectOutdated = "bogus"
	_, err := cfg.DetectMode()
	require.Error(t, err)
}
