package gitengine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentmail/archivecore/internal/archiveerr"
	"github.com/agentmail/archivecore/internal/model"
)

// indexLockStaleAge is how old an orphaned .git/index.lock must be before
// it is healed when no owner sidecar is present to confirm the owning
// process is dead (spec.md §4.6.4).
const indexLockStaleAge = 2 * time.Minute

type indexOwner struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// commitIndexBasedWithRetry is the fallback commit path: ordinary
// `git add` + `git commit` against the repository's real index, used when
// the lock-free plumbing path can't complete. Because this path touches
// .git/index, concurrent invocations (from this process or another) can
// collide on .git/index.lock; failures are retried with jittered backoff,
// healing the lock first when it looks abandoned.
func (e *Engine) commitIndexBasedWithRetry(req model.CoalescerCommitRequest) (string, error) {
	lockPath := filepath.Join(e.gitDir, "index.lock")
	ownerPath := filepath.Join(e.gitDir, "index.lock.owner")

	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if _, err := os.Stat(lockPath); err == nil {
			e.incGitRetry()
			if e.healIndexLock(lockPath, ownerPath) {
				continue
			}
			time.Sleep(jitteredBackoff(attempt))
			continue
		}

		sha, err := e.commitIndexBasedOnce(req, ownerPath)
		if err == nil {
			return sha, nil
		}
		lastErr = err
		if !strings.Contains(strings.ToLower(err.Error()), "index.lock") {
			return "", err
		}
		e.incGitRetry()
		time.Sleep(jitteredBackoff(attempt))
	}
	return "", archiveerr.IndexLocked(lockPath, MaxRetries, lastErr)
}

// commitIndexBasedOnce assumes the working tree at e.repoRoot already has
// e.branch checked out (the archive writers write files directly into
// this working tree, so the fallback path must never switch branches or
// it would overwrite files the writers just produced).
func (e *Engine) commitIndexBasedOnce(req model.CoalescerCommitRequest, ownerPath string) (string, error) {
	if err := e.writeIndexOwner(ownerPath); err != nil {
		return "", err
	}
	defer func() { _ = os.Remove(ownerPath) }()

	addArgs := append([]string{"add", "-A", "--"}, req.Paths...)
	if _, _, err := e.run(nil, addArgs...); err != nil {
		return "", err
	}

	author := fmt.Sprintf("%s <%s>", e.author.Name, e.author.Email)
	if _, _, err := e.run(nil, "commit", "--allow-empty-message", "--author", author, "-m", req.Message); err != nil {
		if strings.Contains(err.Error(), "nothing to commit") {
			out, _, rErr := e.run(nil, "rev-parse", "HEAD")
			if rErr != nil {
				return "", rErr
			}
			return trimmed(out), nil
		}
		return "", err
	}

	out, _, err := e.run(nil, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return trimmed(out), nil
}

func (e *Engine) writeIndexOwner(path string) error {
	data, err := json.Marshal(indexOwner{PID: os.Getpid(), StartedAt: time.Now()})
	if err != nil {
		return archiveerr.Wrap(archiveerr.KindJSON, err, "marshal index owner")
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		// Non-fatal: only degrades future stale-lock detection quality.
		return nil //nolint:nilerr
	}
	return nil
}

// healIndexLock attempts to remove an abandoned .git/index.lock, using the
// owner sidecar's PID when present (our own prior crashed invocation) or
// an age threshold when it isn't (possibly a foreign git process).
// Returns true if it removed the lock and the caller should retry
// immediately.
func (e *Engine) healIndexLock(lockPath, ownerPath string) bool {
	data, err := os.ReadFile(ownerPath)
	if err == nil {
		var owner indexOwner
		if json.Unmarshal(data, &owner) == nil && owner.PID > 0 {
			if processAlive(owner.PID) {
				return false
			}
			_ = os.Remove(ownerPath)
			_ = os.Remove(lockPath)
			e.incLockHeal()
			return true
		}
	}

	info, statErr := os.Stat(lockPath)
	if statErr != nil {
		return false
	}
	if time.Since(info.ModTime()) > indexLockStaleAge {
		_ = os.Remove(lockPath)
		e.incLockHeal()
		return true
	}
	return false
}
