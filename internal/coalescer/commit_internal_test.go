package coalescer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentmail/archivecore/internal/model"
)

func TestConflictFreeDetectsOverlappingPaths(t *testing.T) {
	batch := []model.CoalescerCommitRequest{
		{Paths: []string{"a.json"}},
		{Paths: []string{"b.json"}},
	}
	require.True(t, conflictFree(batch))

	batch = append(batch, model.CoalescerCommitRequest{Paths: []string{"a.json"}})
	require.False(t, conflictFree(batch))
}

func TestMergeBatchBuildsBulletedSubject(t *testing.T) {
	now := time.Now()
	batch := []model.CoalescerCommitRequest{
		{Enqueued: now, Author: model.Author{Name: "Archive Bot"}, Message: "agent: profile alice", Paths: []string{"a.json"}},
		{Enqueued: now, Message: "agent: profile bob", Paths: []string{"b.json"}},
	}

	merged := mergeBatch(batch)
	require.Equal(t, []string{"a.json", "b.json"}, merged.Paths)
	require.Contains(t, merged.Message, "batch: 2 ops coalesced")
	require.Contains(t, merged.Message, "- agent: profile alice")
	require.Contains(t, merged.Message, "- agent: profile bob")
}

func TestFirstLineStopsAtNewline(t *testing.T) {
	require.Equal(t, "mail: a -> b | hi", firstLine("mail: a -> b | hi\n\nTOOL: x\n"))
	require.Equal(t, "agent: profile alice", firstLine("agent: profile alice"))
}

func TestRepoQueueDepthNeverUnderflows(t *testing.T) {
	rq := &RepoQueue{spill: newSpillBucket()}
	rq.subDepth(5)
	require.Equal(t, int64(0), rq.stats().Depth)

	rq.push(model.CoalescerCommitRequest{Paths: []string{"a.json"}})
	require.Equal(t, int64(1), rq.stats().Depth)
	rq.subDepth(10)
	require.Equal(t, int64(0), rq.stats().Depth)
}
