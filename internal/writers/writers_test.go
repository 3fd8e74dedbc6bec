package writers_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentmail/archivecore/internal/archivelock"
	"github.com/agentmail/archivecore/internal/archivepath"
	"github.com/agentmail/archivecore/internal/coalescer"
	"github.com/agentmail/archivecore/internal/metrics"
	"github.com/agentmail/archivecore/internal/model"
	"github.com/agentmail/archivecore/internal/writers"
)

func newExecutor(t *testing.T, cfg writers.Config) (*writers.Executor, string) {
	t.Helper()
	repoRoot := t.TempDir()
	dirs := archivepath.NewDirCache()
	locks := archivelock.NewProjectLocks()
	co := coalescer.New(2, metrics.New(0, nil), dirs)
	t.Cleanup(co.Shutdown)

	if cfg.SignalsRoot == "" {
		cfg.SignalsRoot = t.TempDir()
	}
	exec := writers.New(repoRoot, "main", model.Author{Name: "Archive Bot", Email: "archive@example.invalid"}, cfg, dirs, locks, co, nil, nil)
	return exec, repoRoot
}

func TestExecuteAgentProfileWritesFile(t *testing.T) {
	exec, repoRoot := newExecutor(t, writers.Config{})

	op := model.WriteOp{
		Kind: model.OpAgentProfile,
		Slug: "demo",
		Agent: &model.AgentRecord{
			Name: "alice",
			JSON: map[string]any{"role": "planner"},
		},
		Enqueued: time.Now(),
	}
	require.NoError(t, exec.Execute(op))

	path := filepath.Join(repoRoot, "projects", "demo", "agents", "alice", "profile.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"alice"`)
	require.Contains(t, string(data), `"planner"`)
}

func TestExecuteAgentProfileRejectsUnsafeName(t *testing.T) {
	exec, _ := newExecutor(t, writers.Config{})
	op := model.WriteOp{
		Kind:     model.OpAgentProfile,
		Slug:     "demo",
		Agent:    &model.AgentRecord{Name: "../escape"},
		Enqueued: time.Now(),
	}
	require.Error(t, exec.Execute(op))
}

func TestExecuteFileReservationWritesTwoArtifacts(t *testing.T) {
	exec, repoRoot := newExecutor(t, writers.Config{})

	op := model.WriteOp{
		Kind: model.OpFileReservation,
		Slug: "demo",
		Reservations: []model.ReservationRecord{
			{ID: "r1", Agent: "alice", PathPattern: "src/**/*.go"},
		},
		Enqueued: time.Now(),
	}
	require.NoError(t, exec.Execute(op))

	stable := filepath.Join(repoRoot, "projects", "demo", "file_reservations", "id-r1.json")
	_, err := os.Stat(stable)
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(repoRoot, "projects", "demo", "file_reservations"))
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestExecuteFileReservationRejectsEmptyPattern(t *testing.T) {
	exec, _ := newExecutor(t, writers.Config{})
	op := model.WriteOp{
		Kind:         model.OpFileReservation,
		Slug:         "demo",
		Reservations: []model.ReservationRecord{{ID: "r1", Agent: "alice", PathPattern: "  "}},
		Enqueued:     time.Now(),
	}
	require.Error(t, exec.Execute(op))
}

func TestExecuteMessageBundleWritesCopiesAndDigest(t *testing.T) {
	exec, repoRoot := newExecutor(t, writers.Config{})

	op := model.WriteOp{
		Kind: model.OpMessageBundle,
		Slug: "demo",
		Message: &model.MessageRecord{
			ID:         "m1",
			Subject:    "Status Update",
			Sender:     "alice",
			Recipients: []string{"bob", "carol"},
			ThreadID:   "thread-1",
			CreatedAt:  "2026-01-02T15:04:05Z",
			Importance: "high",
		},
		Body:     "Here is the status.",
		Enqueued: time.Now(),
	}
	require.NoError(t, exec.Execute(op))

	canonical := filepath.Join(repoRoot, "projects", "demo", "messages", "2026", "01")
	entries, err := os.ReadDir(canonical)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Contains(t, entries[0].Name(), "status-update")
	require.Contains(t, entries[0].Name(), "m1")

	content, err := os.ReadFile(filepath.Join(canonical, entries[0].Name()))
	require.NoError(t, err)
	require.Contains(t, string(content), "---json")
	require.Contains(t, string(content), "Here is the status.")

	outbox := filepath.Join(repoRoot, "projects", "demo", "agents", "alice", "outbox")
	_, err = os.ReadDir(outbox)
	require.NoError(t, err)

	for _, recipient := range []string{"bob", "carol"} {
		inbox := filepath.Join(repoRoot, "projects", "demo", "agents", recipient, "inbox")
		_, err := os.ReadDir(inbox)
		require.NoError(t, err)
	}

	digest := filepath.Join(repoRoot, "projects", "demo", "messages", "threads", "thread-1.md")
	digestContent, err := os.ReadFile(digest)
	require.NoError(t, err)
	require.Contains(t, string(digestContent), "# Thread thread-1")
	require.Contains(t, string(digestContent), "Status Update")
}

func TestExecuteMessageBundleAppendsSecondEntryWithoutDuplicateHeader(t *testing.T) {
	exec, repoRoot := newExecutor(t, writers.Config{})

	base := model.WriteOp{
		Kind: model.OpMessageBundle,
		Slug: "demo",
		Message: &model.MessageRecord{
			Sender:     "alice",
			Recipients: []string{"bob"},
			ThreadID:   "thread-1",
			CreatedAt:  "2026-01-02T15:04:05Z",
		},
		Body:     "first",
		Enqueued: time.Now(),
	}
	base.Message.ID = "m1"
	require.NoError(t, exec.Execute(base))

	second := base
	msg2 := *base.Message
	msg2.ID = "m2"
	second.Message = &msg2
	second.Body = "second"
	require.NoError(t, exec.Execute(second))

	digest := filepath.Join(repoRoot, "projects", "demo", "messages", "threads", "thread-1.md")
	data, err := os.ReadFile(digest)
	require.NoError(t, err)
	require.Equal(t, 1, countSubstr(string(data), "# Thread thread-1"))
	require.Contains(t, string(data), "first")
	require.Contains(t, string(data), "second")
}

func TestExecuteNotificationSignalDebounces(t *testing.T) {
	exec, _ := newExecutor(t, writers.Config{
		NotificationsEnabled:  true,
		NotificationsDebounce: time.Hour,
	})

	op := model.WriteOp{Kind: model.OpNotificationSignal, Slug: "demo", AgentName: "alice", Enqueued: time.Now()}
	require.NoError(t, exec.Execute(op))
	require.NoError(t, exec.Execute(op)) // second call within debounce window must not error
}

func TestExecuteClearSignalRemovesFile(t *testing.T) {
	cfg := writers.Config{NotificationsEnabled: true}
	exec, _ := newExecutor(t, cfg)

	create := model.WriteOp{Kind: model.OpNotificationSignal, Slug: "demo", AgentName: "alice", Enqueued: time.Now()}
	require.NoError(t, exec.Execute(create))

	clear := model.WriteOp{Kind: model.OpClearSignal, Slug: "demo", AgentName: "alice", Enqueued: time.Now()}
	require.NoError(t, exec.Execute(clear))
	require.NoError(t, exec.Execute(clear)) // removing an already-absent signal is not an error
}

func countSubstr(s, substr string) int {
	count := 0
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			count++
			i += len(substr) - 1
		}
	}
	return count
}
