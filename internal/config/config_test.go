package config_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentmail/archivecore/internal/config"
)

func TestLoadAppliesDefaults(t *testing.T) {
	root := t.TempDir()
	cfg, err := config.Load(root)
	require.NoError(t, err)

	require.Equal(t, root, cfg.StorageRoot)
	require.Equal(t, "main", cfg.GitBranch)
	require.Equal(t, 8192, cfg.WBQ.Capacity)
	require.True(t, cfg.Writers.NotificationsEnabled)
}

func TestLoadHonoursEnvOverride(t *testing.T) {
	t.Setenv("ARCHIVE_GIT_BRANCH", "archive-main")
	t.Setenv("ARCHIVE_WBQ_CAPACITY", "4096")

	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, "archive-main", cfg.GitBranch)
	require.Equal(t, 4096, cfg.WBQ.Capacity)
}

func TestLoadReadsArchiveYAMLFromStorageRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(root+"/archive.yaml", []byte("git_author_name: Custom Bot\n"), 0o640))

	cfg, err := config.Load(root)
	require.NoError(t, err)
	require.Equal(t, "Custom Bot", cfg.Author.Name)
}
