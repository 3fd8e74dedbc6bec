package coalescer

import (
	"sync"

	"github.com/agentmail/archivecore/internal/model"
)

// spillCap bounds the number of distinct paths a SpillBucket will track
// by name before giving up on precision and flagging dirtyAll (spec.md
// §4.5.2): past this point, tracking individual paths costs more memory
// than just re-scanning the project tree at commit time.
const spillCap = 2048

// SpillBucket absorbs commit requests that overflow a RepoQueue's bounded
// queue. It merges their paths into a deduplicated set and counts the
// merged requests until the path set grows past spillCap, at which point
// it gives up tracking paths individually and sets dirtyAll, telling the
// committing worker to rediscover dirty paths by scanning the working
// tree instead (spec.md §4.5.2, §9).
type SpillBucket struct {
	mu           sync.Mutex
	paths        map[string]struct{}
	dirtyAll     bool
	pendingCount int64
}

func newSpillBucket() *SpillBucket {
	return &SpillBucket{paths: make(map[string]struct{})}
}

// Add merges req's paths into the bucket and bumps its pending count
// (spec.md §4.5: "bump pending count and message total, merge path set
// up to a path cap -- on overflow, set dirty_all and drop the path set").
func (s *SpillBucket) Add(req model.CoalescerCommitRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingCount++
	if s.dirtyAll {
		return
	}
	for _, p := range req.Paths {
		if len(s.paths) >= spillCap {
			s.dirtyAll = true
			s.paths = nil
			return
		}
		s.paths[p] = struct{}{}
	}
}

// HasPending reports whether any request has been merged into the bucket
// since the last Drain.
func (s *SpillBucket) HasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingCount > 0
}

// Drain returns and clears the accumulated paths, dirtyAll flag, and
// merged-request count.
func (s *SpillBucket) Drain() (paths []string, dirtyAll bool, count int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dirtyAll = s.dirtyAll
	count = s.pendingCount
	if len(s.paths) > 0 {
		paths = make([]string, 0, len(s.paths))
		for p := range s.paths {
			paths = append(paths, p)
		}
	}
	s.paths = make(map[string]struct{})
	s.dirtyAll = false
	s.pendingCount = 0
	return paths, dirtyAll, count
}
