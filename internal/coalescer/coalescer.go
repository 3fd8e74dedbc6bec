// Package coalescer batches file-system writes into git commits, one
// commit per dirty repository rather than one per write (spec.md §4.5).
// Each project gets a RepoQueue; a bounded worker pool services queues
// using least-recently-serviced (LRS) fairness so one busy project can't
// starve the others, claiming a queue with a CAS on its processing flag
// before committing it through internal/gitengine.
//
// The wake-signal + ticker-fallback + worker-loop shape is grounded on
// the teacher's cmd/bd/daemon_event_loop.go, which drives its daemon off
// a coalesced "something changed" channel plus periodic tickers rather
// than a tight poll loop.
package coalescer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentmail/archivecore/internal/archivepath"
	"github.com/agentmail/archivecore/internal/metrics"
	"github.com/agentmail/archivecore/internal/model"
)

// clampWorkers enforces the [2, 32] worker-pool bound from spec.md §4.5.3.
func clampWorkers(n int) int {
	if n < 2 {
		return 2
	}
	if n > 32 {
		return 32
	}
	return n
}

// dispatchInterval is the fallback poll period for the dispatcher when no
// wake signal arrives; Enqueue always also sends a wake signal, so in
// practice the dispatcher reacts immediately and this is just a safety
// net against a missed/coalesced signal.
const dispatchInterval = 50 * time.Millisecond

// RepoConfig is the static, per-project configuration a Coalescer needs
// to create a RepoQueue on first use.
type RepoConfig struct {
	Slug     string
	RepoRoot string
	Branch   string
	Author   model.Author
}

// Coalescer owns one RepoQueue per project and a bounded pool of workers
// that commit them under LRS fairness.
type Coalescer struct {
	mu    sync.Mutex
	repos map[string]*RepoQueue
	dirs  *archivepath.DirCache

	workers int
	wake    chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup

	metrics *metrics.Registry

	lockWait time.Duration
}

// New returns a Coalescer with the given worker count (clamped to
// [2, 32]) and starts its worker pool.
func New(workers int, reg *metrics.Registry, dirs *archivepath.DirCache) *Coalescer {
	c := &Coalescer{
		repos:    make(map[string]*RepoQueue),
		dirs:     dirs,
		workers:  clampWorkers(workers),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		metrics:  reg,
		lockWait: 30 * time.Second,
	}
	c.wg.Add(c.workers)
	for i := 0; i < c.workers; i++ {
		go c.workerLoop()
	}
	return c
}

// Enqueue submits one commit request -- a message plus the repo-relative
// paths it touched -- for cfg's project, creating its RepoQueue on first
// use, and wakes the worker pool (spec.md §4.5:
// "enqueue(repo_root, author, message, paths)").
func (c *Coalescer) Enqueue(cfg RepoConfig, message string, paths []string) {
	if len(paths) == 0 {
		return
	}
	rq := c.repoQueueFor(cfg)
	rq.push(model.CoalescerCommitRequest{
		Enqueued: time.Now(),
		Author:   cfg.Author,
		Message:  message,
		Paths:    paths,
	})
	c.signalWake()
}

// RepoStats returns a snapshot of slug's counters, or false if the project
// has never been enqueued against (spec.md §4.5, §8.5).
func (c *Coalescer) RepoStats(slug string) (RepoStats, bool) {
	c.mu.Lock()
	rq, ok := c.repos[slug]
	c.mu.Unlock()
	if !ok {
		return RepoStats{}, false
	}
	return rq.stats(), true
}

func (c *Coalescer) repoQueueFor(cfg RepoConfig) *RepoQueue {
	c.mu.Lock()
	defer c.mu.Unlock()
	rq, ok := c.repos[cfg.Slug]
	if !ok {
		rq = newRepoQueue(cfg.Slug, cfg.RepoRoot, cfg.Branch, cfg.Author, c.dirs, c.metrics)
		c.repos[cfg.Slug] = rq
	}
	return rq
}

func (c *Coalescer) signalWake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Flush blocks until every known repo has no pending work and no commit
// in flight, or ctx is done. Neither the WBQ's flush nor Archive.Flush
// calls it; callers that need commits to have landed call it directly.
func (c *Coalescer) Flush(ctx context.Context) error {
	for {
		if !c.anyPending() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (c *Coalescer) anyPending() bool {
	c.mu.Lock()
	repos := make([]*RepoQueue, 0, len(c.repos))
	for _, rq := range c.repos {
		repos = append(repos, rq)
	}
	c.mu.Unlock()

	for _, rq := range repos {
		if rq.hasPending() || atomic.LoadInt32(&rq.processing) != 0 {
			return true
		}
	}
	return false
}

// Shutdown stops the worker pool after letting in-flight commits finish.
func (c *Coalescer) Shutdown() {
	close(c.stop)
	c.wg.Wait()
}

// workerLoop implements LRS dispatch: on each wake (or fallback tick), it
// repeatedly claims and commits the eligible repo that has gone longest
// since a worker last serviced it, until no eligible repo remains.
func (c *Coalescer) workerLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(dispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-c.wake:
		case <-ticker.C:
		}

		for {
			rq := c.claimOldestEligible()
			if rq == nil {
				break
			}
			c.commitOne(rq)
		}
	}
}

// claimOldestEligible scans all repos for one with pending work that
// isn't already claimed, CAS-claims the one with the oldest
// lastServiced timestamp, and returns it (nil if none are eligible).
func (c *Coalescer) claimOldestEligible() *RepoQueue {
	c.mu.Lock()
	repos := make([]*RepoQueue, 0, len(c.repos))
	for _, rq := range c.repos {
		repos = append(repos, rq)
	}
	c.mu.Unlock()

	for {
		var best *RepoQueue
		for _, rq := range repos {
			if !rq.hasPending() || atomic.LoadInt32(&rq.processing) != 0 {
				continue
			}
			if best == nil || rq.lastServiced().Before(best.lastServiced()) {
				best = rq
			}
		}
		if best == nil {
			return nil
		}
		if best.tryClaim() {
			return best
		}
		// Another worker claimed it between our scan and now; rescan so
		// the next-best unclaimed candidate is picked instead.
	}
}
