// Package archive wires the write-behind queue, commit coalescer,
// two-level lock, archive writers, attachment pipeline, and consistency
// checker into the single entry point the agent-mail server embeds
// (spec.md §2's build order, §9's component graph).
package archive

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentmail/archivecore/internal/archivelock"
	"github.com/agentmail/archivecore/internal/archivepath"
	"github.com/agentmail/archivecore/internal/attachment"
	"github.com/agentmail/archivecore/internal/coalescer"
	"github.com/agentmail/archivecore/internal/consistency"
	"github.com/agentmail/archivecore/internal/metrics"
	"github.com/agentmail/archivecore/internal/model"
	"github.com/agentmail/archivecore/internal/wbq"
	"github.com/agentmail/archivecore/internal/writers"
)

// Config aggregates every subsystem's tunables (spec.md §2, §10); an
// internal/config adapter populates one of these from viper.
type Config struct {
	StorageRoot string
	GitBranch   string
	Author      model.Author

	CoalescerWorkers   int
	LockAcquireTimeout time.Duration
	MetricsInterval    time.Duration

	WBQ        wbq.Config
	Writers    writers.Config
	Attachment attachment.Config
}

func (c *Config) setDefaults() {
	if c.GitBranch == "" {
		c.GitBranch = "main"
	}
	if c.CoalescerWorkers <= 0 {
		c.CoalescerWorkers = 4
	}
	if c.LockAcquireTimeout <= 0 {
		c.LockAcquireTimeout = 60 * time.Second
	}
	c.WBQ.StorageRoot = c.StorageRoot
	c.Writers.LockAcquireTimeout = c.LockAcquireTimeout
}

// Archive is the top-level handle the server holds: one per storage
// root. Its internal lock ordering follows spec.md §9: repos-map ->
// per-repo queue -> spill -> metrics.
type Archive struct {
	cfg Config

	dirs    *archivepath.DirCache
	locks   *archivelock.ProjectLocks
	metrics *metrics.Registry

	coalescer   *coalescer.Coalescer
	converter   *attachment.Converter
	executor    *writers.Executor
	queue       *wbq.Queue
	consistency *consistency.Checker

	logger *slog.Logger
}

// New constructs and starts every subsystem. The returned Archive is
// ready to accept Enqueue calls immediately.
func New(cfg Config, logger *slog.Logger) *Archive {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	dirs := archivepath.NewDirCache()
	locks := archivelock.NewProjectLocks()
	reg := metrics.New(cfg.MetricsInterval, logger)
	co := coalescer.New(cfg.CoalescerWorkers, reg, dirs)
	conv := attachment.New(cfg.Attachment, dirs)

	exec := writers.New(cfg.StorageRoot, cfg.GitBranch, cfg.Author, cfg.Writers, dirs, locks, co, conv, logger)
	queue := wbq.New(cfg.WBQ, exec, reg, logger)
	checker := consistency.New(cfg.StorageRoot, reg, logger)

	return &Archive{
		cfg:         cfg,
		dirs:        dirs,
		locks:       locks,
		metrics:     reg,
		coalescer:   co,
		converter:   conv,
		executor:    exec,
		queue:       queue,
		consistency: checker,
		logger:      logger,
	}
}

// Enqueue submits a pending write op to the WBQ front-end (spec.md §4.3).
// It never blocks the caller for more than the queue's enqueue-retry
// budget.
func (a *Archive) Enqueue(op model.WriteOp) wbq.EnqueueResult {
	return a.queue.Enqueue(op)
}

// Flush waits for every op enqueued before this call to drain.
func (a *Archive) Flush(ctx context.Context) error {
	return a.queue.Flush(ctx)
}

// Shutdown flushes and stops the WBQ, then the coalescer's worker pool,
// then the metrics registry's periodic logger, in that order so no
// in-flight op is abandoned mid-commit.
func (a *Archive) Shutdown(ctx context.Context) error {
	if err := a.queue.Shutdown(ctx); err != nil {
		return err
	}
	a.coalescer.Shutdown()
	a.metrics.Close()
	return nil
}

// CheckConsistency runs the read-only DB-to-archive divergence check
// (spec.md §4.8) against the given references.
func (a *Archive) CheckConsistency(refs []model.MessageRef) model.ConsistencyReport {
	return a.consistency.Check(refs)
}

// Stats returns a point-in-time snapshot of every counter and gauge.
func (a *Archive) Stats() metrics.Snapshot {
	return a.metrics.Snapshot()
}
