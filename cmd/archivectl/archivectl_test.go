package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveStorageRootPrefersFlag(t *testing.T) {
	storageRootFlag = "/flag/root"
	t.Setenv("ARCHIVE_STORAGE_ROOT", "/env/root")
	defer func() { storageRootFlag = "" }()

	root, err := resolveStorageRoot()
	require.NoError(t, err)
	require.Equal(t, "/flag/root", root)
}

func TestResolveStorageRootFallsBackToEnv(t *testing.T) {
	storageRootFlag = ""
	t.Setenv("ARCHIVE_STORAGE_ROOT", "/env/root")

	root, err := resolveStorageRoot()
	require.NoError(t, err)
	require.Equal(t, "/env/root", root)
}

func TestResolveStorageRootFallsBackToCwd(t *testing.T) {
	storageRootFlag = ""
	t.Setenv("ARCHIVE_STORAGE_ROOT", "")

	cwd, err := os.Getwd()
	require.NoError(t, err)

	root, err := resolveStorageRoot()
	require.NoError(t, err)
	require.Equal(t, cwd, root)
}

func TestResolveSlugsReturnsRequestedProject(t *testing.T) {
	slugs, err := resolveSlugs(t.TempDir(), "demo")
	require.NoError(t, err)
	require.Equal(t, []string{"demo"}, slugs)
}

func TestResolveSlugsListsProjectsDirectory(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "projects", "alpha"), 0o750))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "projects", "beta"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(root, "projects", "not-a-dir.txt"), []byte("x"), 0o640))

	slugs, err := resolveSlugs(root, "")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"alpha", "beta"}, slugs)
}

func TestResolveSlugsToleratesMissingProjectsDir(t *testing.T) {
	slugs, err := resolveSlugs(t.TempDir(), "")
	require.NoError(t, err)
	require.Nil(t, slugs)
}
