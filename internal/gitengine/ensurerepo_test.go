package gitengine_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentmail/archivecore/internal/gitengine"
)

func TestEnsureRepoDisablesSigningAndSeedsGitattributes(t *testing.T) {
	requireGit(t)
	dir := t.TempDir()

	eng := gitengine.New(dir, "main", testAuthor())
	require.NoError(t, eng.EnsureRepo())

	out, err := exec.Command("git", "-C", dir, "config", "commit.gpgsign").CombinedOutput()
	require.NoError(t, err)
	require.Equal(t, "false", string(trimNewline(out)))

	data, err := os.ReadFile(filepath.Join(dir, ".gitattributes"))
	require.NoError(t, err)
	require.Contains(t, string(data), "text=auto")

	log, err := exec.Command("git", "-C", dir, "log", "--oneline").CombinedOutput()
	require.NoError(t, err)
	require.NotEmpty(t, log)
}

func TestEnsureRepoIsIdempotent(t *testing.T) {
	requireGit(t)
	dir := t.TempDir()

	eng := gitengine.New(dir, "main", testAuthor())
	require.NoError(t, eng.EnsureRepo())
	require.NoError(t, eng.EnsureRepo())

	out, err := exec.Command("git", "-C", dir, "log", "--oneline").CombinedOutput()
	require.NoError(t, err)
	require.Len(t, bytesLines(out), 1)
}

func bytesLines(b []byte) []string {
	var lines []string
	start := 0
	for i, c := range b {
		if c == '\n' {
			if i > start {
				lines = append(lines, string(b[start:i]))
			}
			start = i + 1
		}
	}
	if start < len(b) {
		lines = append(lines, string(b[start:]))
	}
	return lines
}
