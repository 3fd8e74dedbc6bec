package archivepath

import (
	"crypto/sha1" //nolint:gosec // content-addressed temp-name hashing, not a security boundary
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

var tempCounter int64

// tempName builds a unique temp filename in the same directory as target:
// PID + a process-wide monotonic counter + a hash of the target name
// (spec.md §4.1), so concurrent writers to the same directory never
// collide even when writing the same logical file repeatedly.
func tempName(target string) string {
	n := atomic.AddInt64(&tempCounter, 1)
	h := sha1.Sum([]byte(target)) //nolint:gosec
	return fmt.Sprintf(".%s.%d.%d.%s.tmp", filepath.Base(target), os.Getpid(), n, hex.EncodeToString(h[:4]))
}

// AtomicWrite writes data to target via a temp file in the same directory,
// fsyncs it, then renames it onto target. On any failure the temp file is
// removed and target is left unchanged (spec.md §4.1, §7, §8).
func AtomicWrite(target string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(target)
	tmpPath := filepath.Join(dir, tempName(target))

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, target); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp file onto target: %w", err)
	}
	return nil
}

// AtomicCreateNew opens target with O_CREATE|O_EXCL, reporting whether it
// was newly created, for the thread-digest "prepend header exactly once"
// pattern in spec.md §4.4. The returned file is opened for append and must
// be closed by the caller.
func AtomicCreateNew(target string, perm os.FileMode) (f *os.File, created bool, err error) {
	f, err = os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, perm)
	if err == nil {
		return f, true, nil
	}
	if !os.IsExist(err) {
		return nil, false, err
	}
	f, err = os.OpenFile(target, os.O_WRONLY|os.O_APPEND, perm)
	if err != nil {
		return nil, false, err
	}
	return f, false, nil
}

// DirCache short-circuits redundant MkdirAll calls: once a directory is
// known to exist we never call Stat/Mkdir for it again (spec.md §4.1).
type DirCache struct {
	mu    sync.Mutex
	known map[string]struct{}
}

// NewDirCache returns an empty directory-existence cache.
func NewDirCache() *DirCache {
	return &DirCache{known: make(map[string]struct{})}
}

// EnsureDir creates dir (and parents) if it isn't already known to exist.
func (c *DirCache) EnsureDir(dir string) error {
	c.mu.Lock()
	_, ok := c.known[dir]
	c.mu.Unlock()
	if ok {
		return nil
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	c.mu.Lock()
	c.known[dir] = struct{}{}
	c.mu.Unlock()
	return nil
}

// EnsureParent ensures the parent directory of path exists.
func (c *DirCache) EnsureParent(path string) error {
	return c.EnsureDir(filepath.Dir(path))
}
