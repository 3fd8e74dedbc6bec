package gitengine

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/agentmail/archivecore/internal/archiveerr"
	"github.com/agentmail/archivecore/internal/model"
)

// ZeroSHA is git's null object id, used as the expected old value in an
// update-ref compare-and-swap when the ref is not expected to exist yet.
const ZeroSHA = "0000000000000000000000000000000000000000"

var privateIndexCounter int64

// commitPlumbingWithRetry builds the new tree and commit entirely through
// plumbing commands against a private index file (never touching
// .git/index), advancing branch with a compare-and-swap on refs/heads/branch.
// This never contends with any other process's `git add`/`git commit`,
// since those only ever lock the real index (spec.md §4.6.2).
//
// A CAS failure (another writer advanced the ref first) is retried with
// jittered backoff up to MaxRetries; any other failure is returned
// immediately so the caller can fall back to the index-based path.
func (e *Engine) commitPlumbingWithRetry(req model.CoalescerCommitRequest) (string, error) {
	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		sha, err := e.commitPlumbingOnce(req)
		if err == nil {
			return sha, nil
		}
		lastErr = err
		if !isRefCASFailure(err) {
			return "", err
		}
		time.Sleep(jitteredBackoff(attempt))
	}
	return "", archiveerr.Wrap(archiveerr.KindGit, lastErr, "ref %s CAS failed after %d attempts", e.branch, MaxRetries)
}

func (e *Engine) commitPlumbingOnce(req model.CoalescerCommitRequest) (string, error) {
	refName := "refs/heads/" + e.branch

	oldCommit, haveParent := e.resolveRef(refName)
	baseTree := EmptyTreeSHA
	if haveParent {
		out, _, err := e.run(nil, "rev-parse", oldCommit+"^{tree}")
		if err != nil {
			return "", err
		}
		baseTree = trimmed(out)
	}

	idx := atomic.AddInt64(&privateIndexCounter, 1)
	tmpIndex := filepath.Join(e.gitDir, ".archivecore-index."+strconv.FormatInt(int64(os.Getpid()), 10)+"."+strconv.FormatInt(idx, 10))
	defer func() { _ = os.Remove(tmpIndex) }()

	indexEnv := []string{"GIT_INDEX_FILE=" + tmpIndex}

	if _, _, err := e.runEnv(indexEnv, nil, "read-tree", baseTree); err != nil {
		return "", err
	}

	for _, relPath := range req.Paths {
		absPath := filepath.Join(e.repoRoot, relPath)
		content, readErr := os.ReadFile(absPath)
		if readErr != nil {
			if os.IsNotExist(readErr) {
				// File was deleted since being enqueued; stage the removal.
				_, _, _ = e.runEnv(indexEnv, nil, "update-index", "--force-remove", "--", relPath)
				continue
			}
			return "", archiveerr.Wrap(archiveerr.KindIO, readErr, "read %s for commit", absPath)
		}

		blobOut, _, err := e.runEnv(indexEnv, content, "hash-object", "-w", "--stdin")
		if err != nil {
			return "", err
		}
		blobSHA := trimmed(blobOut)

		cacheInfo := fmt.Sprintf("100644,%s,%s", blobSHA, relPath)
		if _, _, err := e.runEnv(indexEnv, nil, "update-index", "--add", "--cacheinfo", cacheInfo); err != nil {
			return "", err
		}
	}

	treeOut, _, err := e.runEnv(indexEnv, nil, "write-tree")
	if err != nil {
		return "", err
	}
	newTree := trimmed(treeOut)

	commitEnv := append([]string{}, indexEnv...)
	commitEnv = append(commitEnv,
		"GIT_AUTHOR_NAME="+e.author.Name, "GIT_AUTHOR_EMAIL="+e.author.Email,
		"GIT_COMMITTER_NAME="+e.author.Name, "GIT_COMMITTER_EMAIL="+e.author.Email,
	)
	commitArgs := []string{"commit-tree", newTree, "-m", req.Message}
	if haveParent {
		commitArgs = append(commitArgs, "-p", oldCommit)
	}
	commitOut, _, err := e.runEnv(commitEnv, nil, commitArgs...)
	if err != nil {
		return "", err
	}
	newCommit := trimmed(commitOut)

	expectedOld := ZeroSHA
	if haveParent {
		expectedOld = oldCommit
	}
	if _, _, err := e.run(nil, "update-ref", refName, newCommit, expectedOld); err != nil {
		return "", archiveerr.Wrap(archiveerr.KindGit, err, "update-ref %s CAS(%s -> %s)", refName, expectedOld, newCommit)
	}

	return newCommit, nil
}

// resolveRef returns the current commit SHA of refName and whether it
// exists.
func (e *Engine) resolveRef(refName string) (sha string, ok bool) {
	out, _, err := e.run(nil, "rev-parse", "--verify", "--quiet", refName)
	if err != nil {
		return "", false
	}
	return trimmed(out), true
}

// isRefCASFailure reports whether err looks like an update-ref
// compare-and-swap rejection (the ref moved between our read and our
// write), as opposed to a structural failure that should fall back to the
// index-based path instead of retrying plumbing.
func isRefCASFailure(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "update-ref") &&
		(strings.Contains(msg, "cas(") || strings.Contains(msg, "reference already exists") || strings.Contains(msg, "is at") || strings.Contains(msg, "stale"))
}
