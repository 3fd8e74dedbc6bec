package consistency_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentmail/archivecore/internal/consistency"
	"github.com/agentmail/archivecore/internal/metrics"
	"github.com/agentmail/archivecore/internal/model"
)

func writeMessageFile(t *testing.T, root, slug, year, month, filename string) {
	t.Helper()
	dir := filepath.Join(root, "projects", slug, "archive", "messages", year, month)
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, filename), []byte("x"), 0o640))
}

func TestCheckFindsExistingMessages(t *testing.T) {
	root := t.TempDir()
	writeMessageFile(t, root, "demo", "2026", "01", "20260115T100000Z__status__m1.md")

	reg := metrics.New(0, nil)
	checker := consistency.New(root, reg, nil)

	report := checker.Check([]model.MessageRef{
		{Slug: "demo", MessageID: "m1", CreatedAt: "2026-01-15T10:00:00Z"},
	})

	require.Equal(t, 1, report.Sampled)
	require.Equal(t, 1, report.Found)
	require.Equal(t, 0, report.Missing)
	require.Equal(t, int64(0), reg.Snapshot().NeedsReindex)
}

func TestCheckReportsMissingMessages(t *testing.T) {
	root := t.TempDir()
	reg := metrics.New(0, nil)
	checker := consistency.New(root, reg, nil)

	report := checker.Check([]model.MessageRef{
		{Slug: "demo", MessageID: "ghost", CreatedAt: "2026-01-15T10:00:00Z"},
	})

	require.Equal(t, 1, report.Missing)
	require.Equal(t, []string{"demo/ghost"}, report.MissingSample)
	require.Equal(t, int64(1), reg.Snapshot().NeedsReindex)
}

func TestCheckBoundsMissingSampleAt20(t *testing.T) {
	root := t.TempDir()
	checker := consistency.New(root, metrics.New(0, nil), nil)

	refs := make([]model.MessageRef, 0, 30)
	for i := 0; i < 30; i++ {
		refs = append(refs, model.MessageRef{Slug: "demo", MessageID: "m", CreatedAt: "2026-01-15T10:00:00Z"})
	}
	report := checker.Check(refs)

	require.Equal(t, 30, report.Missing)
	require.Len(t, report.MissingSample, 20)
}

func TestCheckToleratesUnparsableTimestamp(t *testing.T) {
	root := t.TempDir()
	checker := consistency.New(root, metrics.New(0, nil), nil)

	report := checker.Check([]model.MessageRef{
		{Slug: "demo", MessageID: "m1", CreatedAt: "not-a-timestamp"},
	})
	require.Equal(t, 1, report.Missing)
}
