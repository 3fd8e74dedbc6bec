// Package wbq implements the write-behind queue (spec.md §4.3): one
// bounded queue of WriteOps per Queue instance, drained by one dedicated
// worker, so tool handlers never wait on archive disk I/O. The worker
// batches up to 256 ops per 100ms tick and dispatches each to an injected
// Executor (the archive writers, internal/writers).
package wbq

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentmail/archivecore/internal/archiveerr"
	"github.com/agentmail/archivecore/internal/metrics"
	"github.com/agentmail/archivecore/internal/model"
)

// EnqueueResult is the outcome of a single Enqueue call (spec.md §4.3).
type EnqueueResult int

const (
	Enqueued EnqueueResult = iota
	QueueUnavailable
	SkippedDiskCritical
)

func (r EnqueueResult) String() string {
	switch r {
	case Enqueued:
		return "enqueued"
	case QueueUnavailable:
		return "queue_unavailable"
	case SkippedDiskCritical:
		return "skipped_disk_critical"
	default:
		return "unknown"
	}
}

// Executor applies one WriteOp to the archive. Implemented by
// internal/writers; kept as an interface here so the queue has no
// compile-time dependency on the writer variants.
type Executor interface {
	Execute(op model.WriteOp) error
}

// Config tunes the queue; zero values fall back to spec.md §4.3 defaults.
type Config struct {
	Capacity     int           // default 8192
	BatchMax     int           // default 256
	BatchWait    time.Duration // default 100ms
	EnqueueRetry time.Duration // default 100ms, matches BatchWait's window
	FlushTimeout time.Duration // default 30s

	// StorageRoot and CriticalFreeMB gate disk-pressure checks. When
	// CriticalFreeMB <= 0, disk pressure is never considered critical
	// (the check is effectively disabled, e.g. in tests).
	StorageRoot    string
	CriticalFreeMB int64
}

func (c *Config) setDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = 8192
	}
	if c.BatchMax <= 0 {
		c.BatchMax = 256
	}
	if c.BatchWait <= 0 {
		c.BatchWait = 100 * time.Millisecond
	}
	if c.EnqueueRetry <= 0 {
		c.EnqueueRetry = 100 * time.Millisecond
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 30 * time.Second
	}
}

// Queue is the WBQ front-end plus its single drain worker.
type Queue struct {
	cfg     Config
	exec    Executor
	metrics *metrics.Registry
	logger  *slog.Logger

	ch      chan model.WriteOp
	flushCh chan chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	stopOnce sync.Once

	depth             int64
	peakDepth         int64
	eightyPercentNano int64
	fallbacksTotal    int64
}

// New creates a Queue and starts its drain worker. exec must not be nil.
func New(cfg Config, exec Executor, reg *metrics.Registry, logger *slog.Logger) *Queue {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		cfg:     cfg,
		exec:    exec,
		metrics: reg,
		logger:  logger,
		ch:      make(chan model.WriteOp, cfg.Capacity),
		flushCh: make(chan chan struct{}),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go q.drainLoop()
	return q
}

// Enqueue offers op to the queue. It returns SkippedDiskCritical without
// touching the queue when disk pressure is critical (the DB remains
// authoritative, so archive writes are best-effort at that point), and
// QueueUnavailable if the channel stays full for the whole retry window
// or the worker has already stopped.
func (q *Queue) Enqueue(op model.WriteOp) EnqueueResult {
	select {
	case <-q.doneCh:
		return QueueUnavailable
	default:
	}

	if q.isDiskCritical() {
		return SkippedDiskCritical
	}

	select {
	case q.ch <- op:
		q.onAccepted()
		return Enqueued
	default:
	}

	deadline := time.Now().Add(q.cfg.EnqueueRetry)
	retry := time.NewTicker(2 * time.Millisecond)
	defer retry.Stop()
	for time.Now().Before(deadline) {
		select {
		case q.ch <- op:
			q.onAccepted()
			return Enqueued
		case <-q.doneCh:
			return QueueUnavailable
		case <-retry.C:
			atomic.AddInt64(&q.fallbacksTotal, 1)
		}
	}
	if q.metrics != nil {
		q.metrics.IncWBQSkippedCapacity()
	}
	return QueueUnavailable
}

func (q *Queue) onAccepted() {
	d := atomic.AddInt64(&q.depth, 1)
	for {
		peak := atomic.LoadInt64(&q.peakDepth)
		if d <= peak || atomic.CompareAndSwapInt64(&q.peakDepth, peak, d) {
			break
		}
	}

	threshold := int64(float64(q.cfg.Capacity) * 0.8)
	if d >= threshold {
		atomic.CompareAndSwapInt64(&q.eightyPercentNano, 0, time.Now().UnixNano())
	} else {
		atomic.StoreInt64(&q.eightyPercentNano, 0)
	}

	if q.metrics != nil {
		q.metrics.IncWBQEnqueued()
	}
}

// Depth returns the current approximate queue depth.
func (q *Queue) Depth() int64 { return atomic.LoadInt64(&q.depth) }

// PeakDepth returns the highest depth observed since construction.
func (q *Queue) PeakDepth() int64 { return atomic.LoadInt64(&q.peakDepth) }

// Flush waits for every op enqueued before this call to finish executing.
func (q *Queue) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case q.flushCh <- ack:
	case <-q.doneCh:
		return archiveerr.New(archiveerr.KindNotInitialized, "wbq worker already stopped")
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown flushes, then stops the drain worker and waits for it to exit.
func (q *Queue) Shutdown(ctx context.Context) error {
	flushCtx, cancel := context.WithTimeout(ctx, q.cfg.FlushTimeout)
	defer cancel()
	if err := q.Flush(flushCtx); err != nil && err != context.Canceled {
		q.logger.Warn("wbq: flush before shutdown did not complete cleanly", "error", err)
	}

	q.stopOnce.Do(func() { close(q.stopCh) })
	select {
	case <-q.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) isDiskCritical() bool {
	if q.cfg.CriticalFreeMB <= 0 || q.cfg.StorageRoot == "" {
		return false
	}
	mb, ok := availableMB(q.cfg.StorageRoot)
	if !ok {
		return false
	}
	return mb < q.cfg.CriticalFreeMB
}

// drainLoop is the wbq-drain worker: wait up to BatchWait for the first
// op, then greedily collect up to BatchMax more without blocking, dispatch
// the batch, and acknowledge any flush requests observed along the way.
func (q *Queue) drainLoop() {
	defer close(q.doneCh)

	for {
		batch := make([]model.WriteOp, 0, q.cfg.BatchMax)
		var acks []chan struct{}

		select {
		case <-q.stopCh:
			q.drainRemaining()
			return
		case op := <-q.ch:
			batch = append(batch, op)
		case ack := <-q.flushCh:
			acks = append(acks, ack)
		case <-time.After(q.cfg.BatchWait):
		}

	collect:
		for len(batch) < q.cfg.BatchMax {
			select {
			case op := <-q.ch:
				batch = append(batch, op)
			case ack := <-q.flushCh:
				acks = append(acks, ack)
			default:
				break collect
			}
		}

		if len(batch) > 0 {
			q.processBatch(batch)
		}
		if len(acks) > 0 {
			// Ops enqueued before a flush request may still sit in the
			// channel beyond this batch's BatchMax cap; run them first.
			for pending := len(q.ch); pending > 0; {
				rest := make([]model.WriteOp, 0, q.cfg.BatchMax)
				for len(rest) < q.cfg.BatchMax && pending > 0 {
					rest = append(rest, <-q.ch)
					pending--
				}
				q.processBatch(rest)
			}
		}
		for _, ack := range acks {
			close(ack)
		}
	}
}

// drainRemaining runs once, on shutdown: it processes whatever is still
// queued without waiting for more to arrive, then acknowledges any
// outstanding flush requests so Shutdown's own Flush call doesn't hang.
func (q *Queue) drainRemaining() {
	for {
		batch := make([]model.WriteOp, 0, q.cfg.BatchMax)
	collect:
		for len(batch) < q.cfg.BatchMax {
			select {
			case op := <-q.ch:
				batch = append(batch, op)
			default:
				break collect
			}
		}
		if len(batch) == 0 {
			break
		}
		q.processBatch(batch)
	}

	for {
		select {
		case ack := <-q.flushCh:
			close(ack)
		default:
			return
		}
	}
}

func (q *Queue) processBatch(batch []model.WriteOp) {
	for _, op := range batch {
		dequeued := time.Now()
		if d := atomic.AddInt64(&q.depth, -1); d < 0 {
			atomic.StoreInt64(&q.depth, 0)
		}
		latency := dequeued.Sub(op.Enqueued)

		if q.isDiskCritical() {
			if q.metrics != nil {
				q.metrics.IncWBQSkippedDisk()
				q.metrics.Record(opMetricName(op.Kind), latency, nil)
			}
			continue
		}

		err := q.exec.Execute(op)
		if q.metrics != nil {
			q.metrics.Record(opMetricName(op.Kind), latency, err)
		}
		if err != nil {
			q.logger.Error("wbq: op execution failed",
				"kind", opMetricName(op.Kind), "slug", op.Slug, "error", err)
		}
	}
}

func opMetricName(kind model.WriteOpKind) string {
	switch kind {
	case model.OpMessageBundle:
		return "wbq_message_bundle"
	case model.OpAgentProfile:
		return "wbq_agent_profile"
	case model.OpFileReservation:
		return "wbq_file_reservation"
	case model.OpNotificationSignal:
		return "wbq_notification_signal"
	case model.OpClearSignal:
		return "wbq_clear_signal"
	default:
		return "wbq_unknown"
	}
}
