package archive_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentmail/archivecore/internal/archive"
	"github.com/agentmail/archivecore/internal/model"
	"github.com/agentmail/archivecore/internal/wbq"
)

func TestArchiveEnqueueAndFlushWritesProfile(t *testing.T) {
	root := t.TempDir()
	a := archive.New(archive.Config{
		StorageRoot: root,
		Author:      model.Author{Name: "Archive Bot", Email: "archive@example.invalid"},
	}, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})

	result := a.Enqueue(model.WriteOp{
		Kind:     model.OpAgentProfile,
		Slug:     "demo",
		Agent:    &model.AgentRecord{Name: "alice", JSON: map[string]any{"role": "planner"}},
		Enqueued: time.Now(),
	})
	require.Equal(t, wbq.Enqueued, result)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Flush(ctx))

	data, err := os.ReadFile(filepath.Join(root, "projects", "demo", "agents", "alice", "profile.json"))
	require.NoError(t, err)
	require.Contains(t, string(data), "alice")
}

func TestArchiveCheckConsistencyReportsMissing(t *testing.T) {
	root := t.TempDir()
	a := archive.New(archive.Config{StorageRoot: root}, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})

	report := a.CheckConsistency([]model.MessageRef{
		{Slug: "demo", MessageID: "ghost", CreatedAt: "2026-01-15T10:00:00Z"},
	})
	require.Equal(t, 1, report.Missing)
}

func TestArchiveStatsReflectsActivity(t *testing.T) {
	root := t.TempDir()
	a := archive.New(archive.Config{StorageRoot: root}, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})

	a.Enqueue(model.WriteOp{
		Kind:     model.OpAgentProfile,
		Slug:     "demo",
		Agent:    &model.AgentRecord{Name: "bob"},
		Enqueued: time.Now(),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Flush(ctx))

	require.GreaterOrEqual(t, a.Stats().WBQEnqueued, int64(1))
}
