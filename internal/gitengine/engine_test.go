package gitengine_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentmail/archivecore/internal/gitengine"
	"github.com/agentmail/archivecore/internal/model"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available in PATH, skipping test")
	}
}

func testAuthor() model.Author {
	return model.Author{Name: "Archive Bot", Email: "archive@example.invalid"}
}

func TestEngineCommitPlumbingFirstCommit(t *testing.T) {
	requireGit(t)
	dir := t.TempDir()

	eng := gitengine.New(dir, "main", testAuthor())
	require.NoError(t, eng.EnsureRepo())

	filePath := filepath.Join(dir, "projects", "demo", "agents", "alice.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(filePath), 0o750))
	require.NoError(t, os.WriteFile(filePath, []byte(`{"name":"alice"}`), 0o640))

	req := model.CoalescerCommitRequest{
		Author:  testAuthor(),
		Message: "archive: update agent alice",
		Paths:   []string{"projects/demo/agents/alice.json"},
	}

	sha, err := eng.Commit(req)
	require.NoError(t, err)
	require.Len(t, sha, 40)

	out, err := exec.Command("git", "-C", dir, "show", sha+":projects/demo/agents/alice.json").CombinedOutput()
	require.NoError(t, err)
	require.Contains(t, string(out), "alice")
}

func TestEngineCommitSecondCommitHasParent(t *testing.T) {
	requireGit(t)
	dir := t.TempDir()

	eng := gitengine.New(dir, "main", testAuthor())
	require.NoError(t, eng.EnsureRepo())

	write := func(name, content string) {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o750))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o640))
	}

	write("a.txt", "one")
	first, err := eng.Commit(model.CoalescerCommitRequest{Author: testAuthor(), Message: "first", Paths: []string{"a.txt"}})
	require.NoError(t, err)

	write("b.txt", "two")
	second, err := eng.Commit(model.CoalescerCommitRequest{Author: testAuthor(), Message: "second", Paths: []string{"b.txt"}})
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	out, err := exec.Command("git", "-C", dir, "rev-parse", "HEAD^").CombinedOutput()
	require.NoError(t, err)
	require.Equal(t, first, string(trimNewline(out)))
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
