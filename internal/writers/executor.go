// Package writers implements the archive write-op executors (spec.md
// §4.4): the code the write-behind queue's drain worker calls to turn
// one WriteOp into on-disk files plus a coalescer commit request. Every
// write here goes through archivepath's validated, atomic primitives.
// Writes into the archive tree are bracketed by the two-level archive
// lock before the touched paths are handed to the commit coalescer;
// notification signal files, which live outside the archive tree, are
// written without that lock.
package writers

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/agentmail/archivecore/internal/archiveerr"
	"github.com/agentmail/archivecore/internal/archivelock"
	"github.com/agentmail/archivecore/internal/archivepath"
	"github.com/agentmail/archivecore/internal/coalescer"
	"github.com/agentmail/archivecore/internal/model"
)

// Config carries the archive-writer-specific settings from SPEC_FULL.md
// §10 (the ARCHIVE_-prefixed config keys internal/config loads).
type Config struct {
	LockAcquireTimeout time.Duration

	SignalsRoot                  string
	NotificationsEnabled         bool
	NotificationsIncludeMetadata bool
	NotificationsDebounce        time.Duration
	AllowAbsoluteAttachmentPaths bool
}

// Executor implements wbq.Executor: it is the sole consumer of WriteOps
// dequeued by the write-behind queue.
type Executor struct {
	repoRoot string
	branch   string
	author   model.Author

	dirs      *archivepath.DirCache
	canon     *archivepath.CanonicalCache
	locks     *archivelock.ProjectLocks
	coalescer *coalescer.Coalescer

	attachments AttachmentProcessor
	debounce    *signalDebouncer

	cfg    Config
	logger *slog.Logger
}

// New builds an Executor. attachments may be nil, in which case message
// bodies are archived verbatim with no image rewriting.
func New(
	repoRoot, branch string,
	author model.Author,
	cfg Config,
	dirs *archivepath.DirCache,
	locks *archivelock.ProjectLocks,
	co *coalescer.Coalescer,
	attachments AttachmentProcessor,
	logger *slog.Logger,
) *Executor {
	if cfg.LockAcquireTimeout <= 0 {
		cfg.LockAcquireTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		repoRoot:    repoRoot,
		branch:      branch,
		author:      author,
		dirs:        dirs,
		canon:       archivepath.NewCanonicalCache(),
		locks:       locks,
		coalescer:   co,
		attachments: attachments,
		debounce:    newSignalDebouncer(),
		cfg:         cfg,
		logger:      logger,
	}
}

// Execute dispatches op to its variant-specific handler (spec.md §4.4).
func (e *Executor) Execute(op model.WriteOp) error {
	switch op.Kind {
	case model.OpAgentProfile:
		return e.executeAgentProfile(op)
	case model.OpFileReservation:
		return e.executeFileReservation(op)
	case model.OpMessageBundle:
		return e.executeMessageBundle(op)
	case model.OpNotificationSignal:
		return e.executeNotificationSignal(op)
	case model.OpClearSignal:
		return e.executeClearSignal(op)
	default:
		return archiveerr.New(archiveerr.KindIO, "unknown write op kind %d", op.Kind)
	}
}

func (e *Executor) projectArchive(slug string) (*model.ProjectArchive, error) {
	return archivepath.NewProjectArchive(e.repoRoot, slug, e.canon)
}

// repoRelative converts a path relative to a project's own root into the
// repo-root-relative form the commit coalescer and git engine expect.
func (e *Executor) repoRelative(pa *model.ProjectArchive, projectRelPath string) string {
	return filepath.ToSlash(filepath.Join("projects", pa.Slug, projectRelPath))
}

// enqueueCommit hands one commit request -- message plus every touched
// path -- to the coalescer; paths already validated as repo-relative by
// the caller.
func (e *Executor) enqueueCommit(pa *model.ProjectArchive, message string, paths []string) {
	if e.coalescer == nil || len(paths) == 0 {
		return
	}
	cfg := coalescer.RepoConfig{
		Slug:     pa.Slug,
		RepoRoot: pa.RepoRoot,
		Branch:   e.branch,
		Author:   e.author,
	}
	e.coalescer.Enqueue(cfg, message, paths)
}

func importanceOrDefault(s string) string {
	if s == "" {
		return "normal"
	}
	return s
}
