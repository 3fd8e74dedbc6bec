package gitengine

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentmail/archivecore/internal/metrics"
	"github.com/agentmail/archivecore/internal/model"
)

func internalTestAuthor() model.Author {
	return model.Author{Name: "Archive Bot", Email: "archive@example.invalid"}
}

func TestCommitIndexBasedWithRetryHealsDeadPIDLock(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available in PATH, skipping test")
	}
	dir := t.TempDir()

	e := New(dir, "main", internalTestAuthor())
	require.NoError(t, e.EnsureRepo())
	reg := metrics.New(0, nil)
	e.SetMetrics(reg)

	lockPath := filepath.Join(e.gitDir, "index.lock")
	ownerPath := filepath.Join(e.gitDir, "index.lock.owner")
	require.NoError(t, os.WriteFile(lockPath, []byte{}, 0o640))
	owner, err := json.Marshal(indexOwner{PID: 999999999, StartedAt: time.Now()})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(ownerPath, owner, 0o640))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one"), 0o640))

	sha, err := e.commitIndexBasedWithRetry(model.CoalescerCommitRequest{
		Author:  internalTestAuthor(),
		Message: "archive: update a.txt",
		Paths:   []string{"a.txt"},
	})
	require.NoError(t, err)
	require.Len(t, sha, 40)

	_, statErr := os.Stat(lockPath)
	require.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(ownerPath)
	require.True(t, os.IsNotExist(statErr))

	snap := reg.Snapshot()
	require.GreaterOrEqual(t, snap.LockHeals, int64(1))
	require.GreaterOrEqual(t, snap.GitRetries, int64(1))
}
