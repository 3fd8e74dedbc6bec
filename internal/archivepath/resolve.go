package archivepath

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/agentmail/archivecore/internal/archiveerr"
)

// ResolveUnderRoot joins rel onto root after manually walking rel's
// components and rejecting any ".." segment, even when intermediate
// directories don't exist yet (spec.md §4.1: "must not rely solely on
// canonicalisation of possibly non-existent paths"). filepath.Clean alone
// is not sufficient here because it happily collapses "a/../../etc" for a
// path that doesn't exist on disk.
func ResolveUnderRoot(root, rel string) (string, error) {
	clean := filepath.ToSlash(rel)
	for _, part := range strings.Split(clean, "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			return "", archiveerr.New(archiveerr.KindInvalidPath, "path %q escapes root via ..", rel)
		}
	}
	return filepath.Join(root, filepath.FromSlash(clean)), nil
}

// CanonicalCache memoizes symlink-resolved forms of archive roots so
// repeated repo-relative-path computations don't re-stat the filesystem
// on every write (spec.md §4.1).
type CanonicalCache struct {
	mu    sync.RWMutex
	cache map[string]string
}

// NewCanonicalCache returns an empty cache.
func NewCanonicalCache() *CanonicalCache {
	return &CanonicalCache{cache: make(map[string]string)}
}

// Canonical resolves path through the cache, calling resolve (normally
// filepath.EvalSymlinks) only on a miss.
func (c *CanonicalCache) Canonical(path string, resolve func(string) (string, error)) (string, error) {
	c.mu.RLock()
	if v, ok := c.cache[path]; ok {
		c.mu.RUnlock()
		return v, nil
	}
	c.mu.RUnlock()

	resolved, err := resolve(path)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.cache[path] = resolved
	c.mu.Unlock()
	return resolved, nil
}

// Invalidate drops a cached entry, used when a path is created/removed
// such that its canonical form may change.
func (c *CanonicalCache) Invalidate(path string) {
	c.mu.Lock()
	delete(c.cache, path)
	c.mu.Unlock()
}
