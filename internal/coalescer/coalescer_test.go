package coalescer_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentmail/archivecore/internal/archivepath"
	"github.com/agentmail/archivecore/internal/coalescer"
	"github.com/agentmail/archivecore/internal/metrics"
	"github.com/agentmail/archivecore/internal/model"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available in PATH, skipping test")
	}
}

func TestCoalescerCommitsEnqueuedPath(t *testing.T) {
	requireGit(t)
	root := t.TempDir()

	reg := metrics.New(0, nil)
	c := coalescer.New(2, reg, archivepath.NewDirCache())
	defer c.Shutdown()

	cfg := coalescer.RepoConfig{
		Slug:     "demo",
		RepoRoot: root,
		Branch:   "main",
		Author:   model.Author{Name: "Archive Bot", Email: "archive@example.invalid"},
	}

	filePath := filepath.Join(root, "projects", "demo", "agents", "alice.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(filePath), 0o750))
	require.NoError(t, os.WriteFile(filePath, []byte(`{"name":"alice"}`), 0o640))

	c.Enqueue(cfg, "agent: profile alice", []string{"projects/demo/agents/alice.json"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Flush(ctx))

	out, err := exec.Command("git", "-C", root, "log", "--oneline").CombinedOutput()
	require.NoError(t, err)
	require.Contains(t, string(out), "agent: profile alice")

	stats, ok := c.RepoStats("demo")
	require.True(t, ok)
	require.Equal(t, int64(1), stats.Enqueued)
	require.Equal(t, int64(1), stats.Commits)
	require.Equal(t, int64(0), stats.Depth)
}

func TestCoalescerCoalescesSeveralEnqueuesIntoGitHistory(t *testing.T) {
	requireGit(t)
	root := t.TempDir()

	reg := metrics.New(0, nil)
	c := coalescer.New(2, reg, archivepath.NewDirCache())
	defer c.Shutdown()

	cfg := coalescer.RepoConfig{
		Slug:     "demo",
		RepoRoot: root,
		Branch:   "main",
		Author:   model.Author{Name: "Archive Bot", Email: "archive@example.invalid"},
	}

	for _, name := range []string{"a", "b", "c"} {
		p := filepath.Join(root, name+".json")
		require.NoError(t, os.WriteFile(p, []byte(name), 0o640))
		c.Enqueue(cfg, "agent: profile "+name, []string{name + ".json"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Flush(ctx))

	out, err := exec.Command("git", "-C", root, "log", "--format=%s").CombinedOutput()
	require.NoError(t, err)
	require.Contains(t, string(out), "profile")

	stats, ok := c.RepoStats("demo")
	require.True(t, ok)
	require.Equal(t, int64(3), stats.Enqueued)
	require.Equal(t, int64(3), stats.Drained)
	require.GreaterOrEqual(t, stats.Commits, int64(1))
}

func TestCoalescerMultipleProjectsIndependentQueues(t *testing.T) {
	requireGit(t)

	reg := metrics.New(0, nil)
	c := coalescer.New(4, reg, archivepath.NewDirCache())
	defer c.Shutdown()

	for _, slug := range []string{"alpha", "beta"} {
		root := t.TempDir()
		cfg := coalescer.RepoConfig{
			Slug:     slug,
			RepoRoot: root,
			Branch:   "main",
			Author:   model.Author{Name: "Archive Bot", Email: "archive@example.invalid"},
		}
		filePath := filepath.Join(root, "file.txt")
		require.NoError(t, os.WriteFile(filePath, []byte(slug), 0o640))
		c.Enqueue(cfg, "archive: update "+slug, []string{"file.txt"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Flush(ctx))
}
