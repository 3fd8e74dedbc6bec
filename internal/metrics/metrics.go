// Package metrics tracks archive-core operation counters: WBQ throughput,
// coalescer commit outcomes, and lock contention. It uses plain
// sync/atomic counters plus a periodic summary logger rather than a
// third-party metrics library, the same way the pack's
// jra3-linear-fuse/internal/api/stats.go tracks GraphQL call counts —
// no example repo in the pack reaches for a metrics client for
// process-internal counters, they all hand-roll an atomic struct.
package metrics

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// OpStat tracks outcome counts for one named operation.
type OpStat struct {
	Succeeded int64
	Failed    int64
	TotalNs   int64
}

// Registry is the process-wide archive-core metrics tracker.
type Registry struct {
	mu    sync.RWMutex
	ops   map[string]*OpStat
	start time.Time

	wbqEnqueued        int64
	wbqSkippedDisk     int64
	wbqSkippedCapacity int64
	lockContentions    int64
	lockHeals          int64
	gitPlumbingCommits int64
	gitIndexCommits    int64
	gitRetries         int64
	needsReindex       int64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New returns an empty Registry. If interval is positive, a background
// goroutine logs a summary at that cadence until Close is called.
func New(interval time.Duration, logger *slog.Logger) *Registry {
	r := &Registry{
		ops:    make(map[string]*OpStat),
		start:  time.Now(),
		stopCh: make(chan struct{}),
	}
	if interval > 0 {
		if logger == nil {
			logger = slog.Default()
		}
		r.wg.Add(1)
		go r.periodicLogger(interval, logger)
	}
	return r
}

// Record logs the outcome of a named operation (e.g. "wbq_flush",
// "coalescer_commit") for later summarization.
func (r *Registry) Record(op string, dur time.Duration, err error) {
	r.mu.Lock()
	stat, ok := r.ops[op]
	if !ok {
		stat = &OpStat{}
		r.ops[op] = stat
	}
	r.mu.Unlock()

	atomic.AddInt64(&stat.TotalNs, dur.Nanoseconds())
	if err != nil {
		atomic.AddInt64(&stat.Failed, 1)
	} else {
		atomic.AddInt64(&stat.Succeeded, 1)
	}
}

func (r *Registry) IncWBQEnqueued()        { atomic.AddInt64(&r.wbqEnqueued, 1) }
func (r *Registry) IncWBQSkippedDisk()     { atomic.AddInt64(&r.wbqSkippedDisk, 1) }
func (r *Registry) IncWBQSkippedCapacity() { atomic.AddInt64(&r.wbqSkippedCapacity, 1) }
func (r *Registry) IncLockContention()     { atomic.AddInt64(&r.lockContentions, 1) }
func (r *Registry) IncLockHeal()           { atomic.AddInt64(&r.lockHeals, 1) }
func (r *Registry) IncGitPlumbingCommit()  { atomic.AddInt64(&r.gitPlumbingCommits, 1) }
func (r *Registry) IncGitIndexCommit()     { atomic.AddInt64(&r.gitIndexCommits, 1) }
func (r *Registry) IncGitRetry()           { atomic.AddInt64(&r.gitRetries, 1) }

// SetNeedsReindex publishes the needs_reindex_total gauge (spec.md §4.8),
// overwriting rather than accumulating since each consistency run
// supersedes the last.
func (r *Registry) SetNeedsReindex(n int64) { atomic.StoreInt64(&r.needsReindex, n) }

// Snapshot is a point-in-time copy of all counters, suitable for JSON
// encoding by a `stats` CLI command.
type Snapshot struct {
	UptimeSeconds      float64           `json:"uptime_seconds"`
	WBQEnqueued        int64             `json:"wbq_enqueued"`
	WBQSkippedDisk     int64             `json:"wbq_skipped_disk_critical"`
	WBQSkippedCapacity int64             `json:"wbq_skipped_capacity"`
	LockContentions    int64             `json:"lock_contentions"`
	LockHeals          int64             `json:"lock_heals"`
	GitPlumbingCommits int64             `json:"git_plumbing_commits"`
	GitIndexCommits    int64             `json:"git_index_commits"`
	GitRetries         int64             `json:"git_retries"`
	NeedsReindex       int64             `json:"needs_reindex_total"`
	Operations         map[string]OpStat `json:"operations"`
}

// Snapshot returns a copy of the current counters.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	ops := make(map[string]OpStat, len(r.ops))
	for name, stat := range r.ops {
		ops[name] = OpStat{
			Succeeded: atomic.LoadInt64(&stat.Succeeded),
			Failed:    atomic.LoadInt64(&stat.Failed),
			TotalNs:   atomic.LoadInt64(&stat.TotalNs),
		}
	}
	r.mu.RUnlock()

	return Snapshot{
		UptimeSeconds:      time.Since(r.start).Seconds(),
		WBQEnqueued:        atomic.LoadInt64(&r.wbqEnqueued),
		WBQSkippedDisk:     atomic.LoadInt64(&r.wbqSkippedDisk),
		WBQSkippedCapacity: atomic.LoadInt64(&r.wbqSkippedCapacity),
		LockContentions:    atomic.LoadInt64(&r.lockContentions),
		LockHeals:          atomic.LoadInt64(&r.lockHeals),
		GitPlumbingCommits: atomic.LoadInt64(&r.gitPlumbingCommits),
		GitIndexCommits:    atomic.LoadInt64(&r.gitIndexCommits),
		GitRetries:         atomic.LoadInt64(&r.gitRetries),
		NeedsReindex:       atomic.LoadInt64(&r.needsReindex),
		Operations:         ops,
	}
}

// Summary renders a human-readable one-block summary, the same shape as
// APIStats.Summary in the pack's linear-fuse stats tracker.
func (r *Registry) Summary() string {
	snap := r.Snapshot()

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[ARCHIVE-STATS] uptime:%.0fs enqueued:%d skipped_disk:%d skipped_cap:%d lock_contentions:%d lock_heals:%d\n",
		snap.UptimeSeconds, snap.WBQEnqueued, snap.WBQSkippedDisk, snap.WBQSkippedCapacity, snap.LockContentions, snap.LockHeals))
	sb.WriteString(fmt.Sprintf("  git: plumbing:%d index:%d retries:%d\n", snap.GitPlumbingCommits, snap.GitIndexCommits, snap.GitRetries))
	sb.WriteString(fmt.Sprintf("  needs_reindex_total:%d\n", snap.NeedsReindex))

	names := make([]string, 0, len(snap.Operations))
	for name := range snap.Operations {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		op := snap.Operations[name]
		total := op.Succeeded + op.Failed
		avgMs := 0.0
		if total > 0 {
			avgMs = float64(op.TotalNs) / float64(total) / 1e6
		}
		sb.WriteString(fmt.Sprintf("  %-24s ok:%d failed:%d avg:%.1fms\n", name, op.Succeeded, op.Failed, avgMs))
	}
	return sb.String()
}

// Close stops the periodic logger, if one was started.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Registry) periodicLogger(interval time.Duration, logger *slog.Logger) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			logger.Info("archive stats", "summary", r.Summary())
		case <-r.stopCh:
			logger.Info("archive stats final", "summary", r.Summary())
			return
		}
	}
}
