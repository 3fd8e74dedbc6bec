package archivepath

import (
	"fmt"
	"path/filepath"

	"github.com/agentmail/archivecore/internal/model"
)

// NewProjectArchive builds a model.ProjectArchive for slug rooted at
// repoRoot, pre-resolving the canonical forms of Root/RepoRoot once
// (spec.md §3: "pre-canonicalized forms... computed once to avoid
// repeated symlink resolution").
func NewProjectArchive(repoRoot, slug string, cache *CanonicalCache) (*model.ProjectArchive, error) {
	if err := ValidateName(slug); err != nil {
		return nil, err
	}

	root := filepath.Join(repoRoot, "projects", slug)
	lockPath := filepath.Join(root, ".archive.lock")

	canonicalRoot, err := canonicalOrSelf(cache, root)
	if err != nil {
		return nil, fmt.Errorf("canonicalize project root: %w", err)
	}
	canonicalRepoRoot, err := canonicalOrSelf(cache, repoRoot)
	if err != nil {
		return nil, fmt.Errorf("canonicalize repo root: %w", err)
	}

	return &model.ProjectArchive{
		Slug:              slug,
		Root:              root,
		RepoRoot:          repoRoot,
		LockPath:          lockPath,
		CanonicalRoot:     canonicalRoot,
		CanonicalRepoRoot: canonicalRepoRoot,
	}, nil
}

// canonicalOrSelf resolves symlinks for path via the cache, but tolerates
// a not-yet-existing path by falling back to the cleaned absolute form --
// the directory may not have been created yet on first use (spec.md §3:
// "created lazily on first write").
func canonicalOrSelf(cache *CanonicalCache, path string) (string, error) {
	return cache.Canonical(path, func(p string) (string, error) {
		resolved, err := filepath.EvalSymlinks(p)
		if err != nil {
			abs, absErr := filepath.Abs(p)
			if absErr != nil {
				return "", absErr
			}
			return abs, nil
		}
		return resolved, nil
	})
}
