package coalescer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentmail/archivecore/internal/archivelock"
	"github.com/agentmail/archivecore/internal/archivepath"
	"github.com/agentmail/archivecore/internal/gitengine"
	"github.com/agentmail/archivecore/internal/metrics"
	"github.com/agentmail/archivecore/internal/model"
)

// repoQueueCap bounds the number of distinct pending requests a RepoQueue
// tracks precisely before further enqueues spill into its SpillBucket
// (spec.md §4.5.1).
const repoQueueCap = 512

// coalesceBatchSize is the most requests a single worker pass drains from
// one repo's queue (spec.md §4.5: "drain up to 10 requests").
const coalesceBatchSize = 10

// batchSizeWindow bounds the rolling window avg_batch_size is computed
// over (spec.md §4.5: "rolling 100-item batch-size window").
const batchSizeWindow = 100

// softCapNumerator/softCapDenominator express the 80% soft-cap threshold
// that stamps a RepoQueue's eightyPercentNano (spec.md §4.5).
const softCapNumerator, softCapDenominator = 4, 5

// RepoStats is a point-in-time snapshot of one repository's coalescer
// counters (spec.md §4.5: "global counters for enqueued, drained,
// commits, errors, average batch size").
type RepoStats struct {
	Depth        int64
	Enqueued     int64
	Drained      int64
	Commits      int64
	Errors       int64
	Retries      int64
	AvgBatchSize float64
}

// RepoQueue accumulates pending commit requests for one project's
// repository between commits, and carries everything a worker needs to
// commit it: the git engine, the project-scoped commit lock, and the LRS
// scheduling state.
type RepoQueue struct {
	Slug     string
	RepoRoot string

	mu    sync.Mutex
	queue []model.CoalescerCommitRequest
	spill *SpillBucket

	// depth is the saturating pending-request counter spec.md §5/§8/§9
	// require: incremented on enqueue, decremented (never below zero) on
	// drain, even if a racing drain over-subtracts.
	depth int64

	// eightyPercentNano stamps the first time depth crossed 80% of
	// repoQueueCap, cleared once depth falls back under the threshold.
	eightyPercentNano int64

	// processing is a CAS flag: 0 = idle, 1 = claimed by a worker. This is
	// the synchronization primitive the worker pool uses to ensure only
	// one worker ever commits a given repo at a time (spec.md §4.5.3).
	processing int32

	// lastServicedNano backs the LRS (least-recently-serviced) scheduling
	// policy: among repos with pending work, the dispatcher always prefers
	// the one that has gone longest since a worker last serviced it
	// (stamped after every commit pass, whether or not its commits
	// succeeded).
	lastServicedNano int64

	enqueued int64
	drained  int64
	commits  int64
	errors   int64
	retries  int64

	batchMu    sync.Mutex
	batchSizes []int

	engine *gitengine.Engine

	// commitLock is the commit lock at "<repo>/.commit.lock", distinct
	// from the .archive.lock writers acquire around their file writes: it
	// only serialises concurrent commit attempts against this repo, so the
	// coalescer never needs to take the archive lock writers already
	// released before enqueueing. It is one lock per repository root,
	// shared by every project's RepoQueue in that repository; no
	// per-project commit lock is taken.
	commitLock *archivelock.AdvisoryLock
}

func newRepoQueue(slug, repoRoot, branch string, author model.Author, dirs *archivepath.DirCache, reg *metrics.Registry) *RepoQueue {
	engine := gitengine.New(repoRoot, branch, author)
	engine.SetMetrics(reg)
	return &RepoQueue{
		Slug:       slug,
		RepoRoot:   repoRoot,
		spill:      newSpillBucket(),
		engine:     engine,
		commitLock: archivelock.NewAdvisoryLock(repoRoot+"/.commit.lock", dirs),
	}
}

// push enqueues req, spilling past repoQueueCap, and returns whether the
// repo transitioned from having no pending work to having some. Enqueue
// does not use the result; it wakes the worker pool on every push.
func (rq *RepoQueue) push(req model.CoalescerCommitRequest) (becameEligible bool) {
	rq.mu.Lock()
	wasEmpty := len(rq.queue) == 0 && !rq.spill.HasPending()
	if len(rq.queue) < repoQueueCap {
		rq.queue = append(rq.queue, req)
	} else {
		rq.spill.Add(req)
	}
	rq.mu.Unlock()

	atomic.AddInt64(&rq.enqueued, 1)
	newDepth := atomic.AddInt64(&rq.depth, 1)
	rq.stampSoftCap(newDepth)
	return wasEmpty
}

// stampSoftCap records the first time depth crosses 80% of repoQueueCap,
// clearing the stamp once depth falls back below it.
func (rq *RepoQueue) stampSoftCap(depth int64) {
	threshold := int64(repoQueueCap * softCapNumerator / softCapDenominator)
	if depth >= threshold {
		atomic.CompareAndSwapInt64(&rq.eightyPercentNano, 0, time.Now().UnixNano())
	} else {
		atomic.StoreInt64(&rq.eightyPercentNano, 0)
	}
}

// hasPending reports whether the repo has any queued requests or spill
// overflow waiting to be committed.
func (rq *RepoQueue) hasPending() bool {
	rq.mu.Lock()
	n := len(rq.queue)
	rq.mu.Unlock()
	if n > 0 {
		return true
	}
	return rq.spill.HasPending()
}

// drainBatch removes up to coalesceBatchSize requests from the front of
// the queue (spec.md §4.5: "Drain up to 10 requests from the queue").
func (rq *RepoQueue) drainBatch() []model.CoalescerCommitRequest {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	n := len(rq.queue)
	if n > coalesceBatchSize {
		n = coalesceBatchSize
	}
	batch := rq.queue[:n]
	rq.queue = rq.queue[n:]
	return batch
}

// drainSpill empties the spill bucket, returning its merged paths,
// whether it had overflowed to a full-tree rescan, and how many requests
// it had merged.
func (rq *RepoQueue) drainSpill() (paths []string, dirtyAll bool, count int64) {
	return rq.spill.Drain()
}

// requeue puts requests back at the front of the queue (used when a
// commit attempt fails and the work must be retried rather than lost).
func (rq *RepoQueue) requeue(reqs []model.CoalescerCommitRequest) {
	if len(reqs) == 0 {
		return
	}
	rq.mu.Lock()
	rq.queue = append(append([]model.CoalescerCommitRequest{}, reqs...), rq.queue...)
	rq.mu.Unlock()
	atomic.AddInt64(&rq.depth, int64(len(reqs)))
	atomic.AddInt64(&rq.retries, int64(len(reqs)))
}

// subDepth subtracts n from depth with saturation at zero, so a racy
// over-drain can never wrap the counter (spec.md §5, §8, §9).
func (rq *RepoQueue) subDepth(n int64) {
	for {
		cur := atomic.LoadInt64(&rq.depth)
		next := cur - n
		if next < 0 {
			next = 0
		}
		if atomic.CompareAndSwapInt64(&rq.depth, cur, next) {
			rq.stampSoftCap(next)
			return
		}
	}
}

func (rq *RepoQueue) recordBatchSize(n int) {
	rq.batchMu.Lock()
	defer rq.batchMu.Unlock()
	rq.batchSizes = append(rq.batchSizes, n)
	if len(rq.batchSizes) > batchSizeWindow {
		rq.batchSizes = rq.batchSizes[len(rq.batchSizes)-batchSizeWindow:]
	}
}

func (rq *RepoQueue) avgBatchSize() float64 {
	rq.batchMu.Lock()
	defer rq.batchMu.Unlock()
	if len(rq.batchSizes) == 0 {
		return 0
	}
	sum := 0
	for _, n := range rq.batchSizes {
		sum += n
	}
	return float64(sum) / float64(len(rq.batchSizes))
}

// tryClaim attempts to become the sole worker servicing this repo.
func (rq *RepoQueue) tryClaim() bool {
	return atomic.CompareAndSwapInt32(&rq.processing, 0, 1)
}

func (rq *RepoQueue) release() {
	atomic.StoreInt32(&rq.processing, 0)
}

func (rq *RepoQueue) markServiced() {
	atomic.StoreInt64(&rq.lastServicedNano, time.Now().UnixNano())
}

func (rq *RepoQueue) lastServiced() time.Time {
	return time.Unix(0, atomic.LoadInt64(&rq.lastServicedNano))
}

// stats returns a point-in-time snapshot of this repo's counters.
func (rq *RepoQueue) stats() RepoStats {
	return RepoStats{
		Depth:        atomic.LoadInt64(&rq.depth),
		Enqueued:     atomic.LoadInt64(&rq.enqueued),
		Drained:      atomic.LoadInt64(&rq.drained),
		Commits:      atomic.LoadInt64(&rq.commits),
		Errors:       atomic.LoadInt64(&rq.errors),
		Retries:      atomic.LoadInt64(&rq.retries),
		AvgBatchSize: rq.avgBatchSize(),
	}
}
