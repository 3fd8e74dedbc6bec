package wbq_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentmail/archivecore/internal/metrics"
	"github.com/agentmail/archivecore/internal/model"
	"github.com/agentmail/archivecore/internal/wbq"
)

type recordingExecutor struct {
	mu   sync.Mutex
	seen []model.WriteOp

	failAgent bool
}

func (e *recordingExecutor) Execute(op model.WriteOp) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failAgent && op.Kind == model.OpAgentProfile {
		return context.DeadlineExceeded
	}
	e.seen = append(e.seen, op)
	return nil
}

func (e *recordingExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.seen)
}

func TestQueueEnqueueAndFlushExecutesOp(t *testing.T) {
	exec := &recordingExecutor{}
	q := wbq.New(wbq.Config{}, exec, metrics.New(0, nil), nil)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = q.Shutdown(ctx)
	}()

	result := q.Enqueue(model.WriteOp{Kind: model.OpAgentProfile, Slug: "demo", Enqueued: time.Now()})
	require.Equal(t, wbq.Enqueued, result)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.Flush(ctx))

	require.Equal(t, 1, exec.count())
}

func TestQueueBatchesManyOps(t *testing.T) {
	exec := &recordingExecutor{}
	q := wbq.New(wbq.Config{BatchMax: 256, BatchWait: 10 * time.Millisecond}, exec, metrics.New(0, nil), nil)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = q.Shutdown(ctx)
	}()

	const n = 500
	for i := 0; i < n; i++ {
		require.Equal(t, wbq.Enqueued, q.Enqueue(model.WriteOp{Kind: model.OpFileReservation, Slug: "demo", Enqueued: time.Now()}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Flush(ctx))

	require.Equal(t, n, exec.count())
}

func TestQueueSkipsDiskCriticalWithoutTouchingQueue(t *testing.T) {
	exec := &recordingExecutor{}
	cfg := wbq.Config{
		StorageRoot:    t.TempDir(),
		CriticalFreeMB: 1 << 40, // absurdly high threshold, always "critical"
	}
	q := wbq.New(cfg, exec, metrics.New(0, nil), nil)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = q.Shutdown(ctx)
	}()

	result := q.Enqueue(model.WriteOp{Kind: model.OpAgentProfile, Slug: "demo", Enqueued: time.Now()})
	require.Equal(t, wbq.SkippedDiskCritical, result)
	require.Equal(t, int64(0), q.Depth())
}

func TestQueueShutdownDrainsRemainingOps(t *testing.T) {
	exec := &recordingExecutor{}
	q := wbq.New(wbq.Config{BatchWait: 5 * time.Millisecond}, exec, metrics.New(0, nil), nil)

	var accepted int64
	for i := 0; i < 20; i++ {
		if q.Enqueue(model.WriteOp{Kind: model.OpClearSignal, Slug: "demo", Enqueued: time.Now()}) == wbq.Enqueued {
			atomic.AddInt64(&accepted, 1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.Shutdown(ctx))

	require.EqualValues(t, accepted, exec.count())
}
