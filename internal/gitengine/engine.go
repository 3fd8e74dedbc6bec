// Package gitengine commits archive changes to a git repository without
// requiring a working tree checkout. It prefers a lock-free plumbing path
// that builds a tree in a private index file and advances the branch ref
// with a compare-and-swap, falling back to the ordinary index-based
// `git add`/`git commit` flow (with PID-aware stale-lock healing for
// `.git/index.lock`) when the plumbing path can't complete (spec.md §4.6).
//
// The command-execution style here — exec.Command("git", "-C", root, ...)
// with separate stdout/stderr buffers, and errors that embed both the
// git error and its stderr — is lifted from the teacher's
// internal/git/worktree.go and the pack's grailbio-grit git wrapper.
package gitengine

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/agentmail/archivecore/internal/archiveerr"
	"github.com/agentmail/archivecore/internal/metrics"
	"github.com/agentmail/archivecore/internal/model"
)

// MaxRetries bounds both the plumbing ref-CAS retry loop and the
// index-based lock-contention retry loop (spec.md §4.6.3).
const MaxRetries = 7

// EmptyTreeSHA is git's well-known empty tree object, used as the base
// tree for a repository's first commit.
const EmptyTreeSHA = "4b825dc642cb6eb9a060e54bf8d69288fbee4904"

// defaultGitattributes is the canonical text/binary declaration file
// ensure_repo seeds every archive repository with (spec.md §4.6.4, §6).
const defaultGitattributes = `* text=auto eol=lf
*.md text
*.json text
*.webp binary
*.png binary
*.jpg binary
*.jpeg binary
`

// Engine commits working-tree changes for one git repository onto a
// single branch. Each project's repository gets its own Engine instance.
type Engine struct {
	repoRoot string
	gitDir   string
	branch   string
	author   model.Author

	metrics *metrics.Registry
}

// New returns an Engine for the repository rooted at repoRoot, committing
// onto branch. EnsureRepo should be called once before first use if the
// repository may not exist yet.
func New(repoRoot, branch string, author model.Author) *Engine {
	return &Engine{
		repoRoot: repoRoot,
		gitDir:   filepath.Join(repoRoot, ".git"),
		branch:   branch,
		author:   author,
	}
}

// SetMetrics attaches reg, enabling the engine to surface retry, heal, and
// commit-path counters (spec.md §4.6.3, §8). Safe to call with nil, which
// leaves the engine's Inc* calls as no-ops.
func (e *Engine) SetMetrics(reg *metrics.Registry) {
	e.metrics = reg
}

func (e *Engine) incGitRetry() {
	if e.metrics != nil {
		e.metrics.IncGitRetry()
	}
}

func (e *Engine) incLockHeal() {
	if e.metrics != nil {
		e.metrics.IncLockHeal()
	}
}

func (e *Engine) incGitPlumbingCommit() {
	if e.metrics != nil {
		e.metrics.IncGitPlumbingCommit()
	}
}

func (e *Engine) incGitIndexCommit() {
	if e.metrics != nil {
		e.metrics.IncGitIndexCommit()
	}
}

// EnsureRepo initializes repoRoot as a git repository on e.branch if it is
// not one already: disables commit signing, configures the archive's
// commit identity, writes a default .gitattributes, and creates an
// initial commit (spec.md §4.6.4).
func (e *Engine) EnsureRepo() error {
	if _, err := os.Stat(e.gitDir); err == nil {
		return nil
	}

	if err := os.MkdirAll(e.repoRoot, 0o750); err != nil {
		return archiveerr.Wrap(archiveerr.KindIO, err, "create repo root %s", e.repoRoot)
	}
	if _, _, err := e.run(nil, "init", "-b", e.branch); err != nil {
		return err
	}
	if _, _, err := e.run(nil, "config", "user.name", e.author.Name); err != nil {
		return err
	}
	if _, _, err := e.run(nil, "config", "user.email", e.author.Email); err != nil {
		return err
	}
	if _, _, err := e.run(nil, "config", "commit.gpgsign", "false"); err != nil {
		return err
	}

	attrPath := filepath.Join(e.repoRoot, ".gitattributes")
	if err := os.WriteFile(attrPath, []byte(defaultGitattributes), 0o640); err != nil {
		return archiveerr.Wrap(archiveerr.KindIO, err, "write .gitattributes %s", attrPath)
	}
	if _, _, err := e.run(nil, "add", "--", ".gitattributes"); err != nil {
		return err
	}
	author := fmt.Sprintf("%s <%s>", e.author.Name, e.author.Email)
	if _, _, err := e.run(nil, "commit", "--allow-empty-message", "--author", author, "-m", "archive: initial repository setup"); err != nil {
		return err
	}
	return nil
}

// run executes git with arg in repoRoot, returning stdout and stderr
// separately so callers can inspect stderr for specific failure text
// (e.g. "index.lock") without re-parsing CombinedOutput.
func (e *Engine) run(stdin []byte, arg ...string) (stdout, stderr []byte, err error) {
	cmd := exec.Command("git", append([]string{"-C", e.repoRoot}, arg...)...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	runErr := cmd.Run()
	if runErr != nil {
		return outBuf.Bytes(), errBuf.Bytes(), archiveerr.Wrap(archiveerr.KindGit, runErr,
			"git %s: %s", strings.Join(arg, " "), strings.TrimSpace(errBuf.String()))
	}
	return outBuf.Bytes(), errBuf.Bytes(), nil
}

// runEnv behaves like run but with additional environment variables
// appended (used to point GIT_INDEX_FILE at a private index, and to set
// GIT_AUTHOR_*/GIT_COMMITTER_* for commit-tree).
func (e *Engine) runEnv(env []string, stdin []byte, arg ...string) (stdout, stderr []byte, err error) {
	cmd := exec.Command("git", append([]string{"-C", e.repoRoot}, arg...)...)
	cmd.Env = append(os.Environ(), env...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	runErr := cmd.Run()
	if runErr != nil {
		return outBuf.Bytes(), errBuf.Bytes(), archiveerr.Wrap(archiveerr.KindGit, runErr,
			"git %s: %s", strings.Join(arg, " "), strings.TrimSpace(errBuf.String()))
	}
	return outBuf.Bytes(), errBuf.Bytes(), nil
}

// Commit applies req, trying the lock-free plumbing path first and
// falling back to the index-based path whenever plumbing fails, whether
// from a non-retryable error or after exhausting its ref-CAS retries
// (spec.md §4.6).
func (e *Engine) Commit(req model.CoalescerCommitRequest) (sha string, err error) {
	req.Message = appendAuthorTrailer(req.Message, e.author)

	sha, plumbErr := e.commitPlumbingWithRetry(req)
	if plumbErr == nil {
		e.incGitPlumbingCommit()
		return sha, nil
	}

	sha, err = e.commitIndexBasedWithRetry(req)
	if err == nil {
		e.incGitIndexCommit()
	}
	return sha, err
}

// appendAuthorTrailer appends an "Agent: <name>" trailer to message when
// it doesn't already carry one (spec.md §4.6.2, §6: "Trailers Agent:
// <name> and Thread: <id> are appended when absent"). Mail commit
// messages already build their own Agent/Thread trailers, so this only
// fires for the commit kinds that don't (profile, reservation, batch,
// spill).
func appendAuthorTrailer(message string, author model.Author) string {
	if author.Name == "" {
		return message
	}
	if strings.Contains(message, "\nAgent:") || strings.HasPrefix(message, "Agent:") {
		return message
	}
	body := strings.TrimRight(message, "\n")
	return body + "\n\nAgent: " + author.Name + "\n"
}

func trimmed(b []byte) string {
	return strings.TrimSpace(string(b))
}
