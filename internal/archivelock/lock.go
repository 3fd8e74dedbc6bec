// Package archivelock implements the two-level archive lock from spec.md
// §4.2: an in-process mutex keyed by project slug (cheap, uncontended in
// the common single-process case) guarding an advisory OS file lock
// (github.com/gofrs/flock) that serializes access across processes sharing
// the same archive directory. Acquisition retries with exponential backoff
// and jitter, and a stale-owner heuristic heals locks abandoned by a dead
// process (grounded on the daemon registry's dead-PID cleanup in
// internal/daemon/registry.go and the sync command's flock.TryLock usage
// in cmd/bd/sync.go of the teacher repo).
package archivelock

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/agentmail/archivecore/internal/archiveerr"
	"github.com/agentmail/archivecore/internal/archivepath"
)

const (
	defaultBaseDelay = 10 * time.Millisecond
	defaultMaxDelay  = 2 * time.Second
	defaultMaxWait   = 30 * time.Second

	// staleAgeThreshold is the fallback used when the owner record's PID
	// is absent or still reports alive: an owner record older than this is
	// treated as abandoned rather than leaving callers to wait out
	// defaultMaxWait on every retry. An unreadable owner file is never
	// treated as stale.
	staleAgeThreshold = 5 * time.Minute
)

// Owner records who holds an AdvisoryLock, written alongside the lock file
// so a later acquirer can make a stale-lock determination.
type Owner struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// AdvisoryLock wraps a gofrs/flock advisory file lock plus a JSON owner
// sidecar file used for PID-aware stale-lock detection.
type AdvisoryLock struct {
	lockPath  string
	ownerPath string
	fl        *flock.Flock
	dirs      *archivepath.DirCache
}

// NewAdvisoryLock builds an AdvisoryLock rooted at lockPath. The owner
// sidecar is lockPath + ".owner.json".
func NewAdvisoryLock(lockPath string, dirs *archivepath.DirCache) *AdvisoryLock {
	return &AdvisoryLock{
		lockPath:  lockPath,
		ownerPath: lockPath + ".owner.json",
		fl:        flock.New(lockPath),
		dirs:      dirs,
	}
}

// Acquire retries TryLock with exponential backoff and jitter until it
// succeeds or maxWait elapses, healing a stale lock (per heuristics below)
// whenever one is detected along the way.
func (l *AdvisoryLock) Acquire(maxWait time.Duration) error {
	if maxWait <= 0 {
		maxWait = defaultMaxWait
	}
	if l.dirs != nil {
		if err := l.dirs.EnsureParent(l.lockPath); err != nil {
			return archiveerr.Wrap(archiveerr.KindIO, err, "create lock directory")
		}
	}

	deadline := time.Now().Add(maxWait)
	for attempt := 0; ; attempt++ {
		locked, err := l.fl.TryLock()
		if err != nil {
			return archiveerr.Wrap(archiveerr.KindIO, err, "flock %s", l.lockPath)
		}
		if locked {
			return l.writeOwner()
		}

		if healed := l.healIfStale(); healed {
			continue
		}

		if time.Now().After(deadline) {
			return archiveerr.New(archiveerr.KindLockTimeout, "could not acquire lock %s within %s", l.lockPath, maxWait)
		}
		time.Sleep(backoffDelay(defaultBaseDelay, defaultMaxDelay, attempt))
	}
}

// TryAcquire attempts the lock exactly once, non-blocking.
func (l *AdvisoryLock) TryAcquire() (bool, error) {
	if l.dirs != nil {
		if err := l.dirs.EnsureParent(l.lockPath); err != nil {
			return false, archiveerr.Wrap(archiveerr.KindIO, err, "create lock directory")
		}
	}
	locked, err := l.fl.TryLock()
	if err != nil {
		return false, archiveerr.Wrap(archiveerr.KindIO, err, "flock %s", l.lockPath)
	}
	if !locked {
		return false, nil
	}
	if err := l.writeOwner(); err != nil {
		return false, err
	}
	return true, nil
}

// Release removes the owner sidecar and unlocks the advisory file lock.
func (l *AdvisoryLock) Release() error {
	_ = os.Remove(l.ownerPath)
	if err := l.fl.Unlock(); err != nil {
		return archiveerr.Wrap(archiveerr.KindIO, err, "unlock %s", l.lockPath)
	}
	return nil
}

func (l *AdvisoryLock) writeOwner() error {
	hostname, _ := os.Hostname()
	owner := Owner{PID: os.Getpid(), Hostname: hostname, AcquiredAt: time.Now()}
	data, err := json.Marshal(owner)
	if err != nil {
		return archiveerr.Wrap(archiveerr.KindJSON, err, "marshal lock owner")
	}
	if err := archivepath.AtomicWrite(l.ownerPath, data, 0o640); err != nil {
		// The lock is held regardless; a missing/stale owner file only
		// degrades the quality of future stale-lock detection.
		return nil //nolint:nilerr
	}
	return nil
}

// healIfStale inspects the owner sidecar for a held-but-contended lock and
// clears it via forceClear (the owner sidecar is removed; the lock file
// itself is left in place) when the owning process is demonstrably gone,
// or when the owner record has aged past staleAgeThreshold (spec.md
// §4.2's "age threshold fallback").
// Returns true if it healed anything, in which case the caller should
// retry TryLock immediately rather than sleep.
func (l *AdvisoryLock) healIfStale() bool {
	data, err := os.ReadFile(l.ownerPath)
	if err != nil {
		return false
	}

	var owner Owner
	if err := json.Unmarshal(data, &owner); err != nil {
		// Corrupted owner file can't tell us anything; let the normal
		// backoff loop keep retrying instead of guessing.
		return false
	}

	if owner.PID > 0 && !processAlive(owner.PID) {
		return l.forceClear()
	}

	if time.Since(owner.AcquiredAt) > staleAgeThreshold {
		return l.forceClear()
	}
	return false
}

// forceClear removes the owner sidecar so a subsequent TryLock has a
// chance of finding the underlying flock already released by the OS once
// the dead process's file descriptors were closed; if the advisory lock
// somehow remains held by a live-but-unresponsive owner this is a no-op.
func (l *AdvisoryLock) forceClear() bool {
	err := os.Remove(l.ownerPath)
	return err == nil
}

// ProjectLocks is the process-wide registry of in-process mutexes keyed by
// project slug, forming the first level of the two-level lock: it
// serializes same-process access cheaply before any goroutine contends for
// the cross-process advisory file lock (spec.md §4.2).
type ProjectLocks struct {
	mu    sync.Mutex
	byKey map[string]*sync.Mutex
}

// NewProjectLocks returns an empty registry.
func NewProjectLocks() *ProjectLocks {
	return &ProjectLocks{byKey: make(map[string]*sync.Mutex)}
}

func (p *ProjectLocks) mutexFor(key string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.byKey[key]
	if !ok {
		m = &sync.Mutex{}
		p.byKey[key] = m
	}
	return m
}

// WithProjectLock runs fn while holding both the in-process mutex for key
// and the advisory file lock at lockPath, released in reverse order
// regardless of fn's outcome.
func (p *ProjectLocks) WithProjectLock(key, lockPath string, dirs *archivepath.DirCache, maxWait time.Duration, fn func() error) error {
	m := p.mutexFor(key)
	m.Lock()
	defer m.Unlock()

	al := NewAdvisoryLock(lockPath, dirs)
	if err := al.Acquire(maxWait); err != nil {
		return err
	}
	defer func() { _ = al.Release() }()

	return fn()
}
