// Package archivepath implements the two path-validation kinds from
// spec.md §4.1 plus the atomic-write-and-rename primitive every archive
// writer builds on. It is the lowest layer in the dependency order
// (spec.md §2): nothing else may write to the archive tree without going
// through ValidateRepoRelative and AtomicWrite.
package archivepath

import (
	"strings"

	"github.com/agentmail/archivecore/internal/archiveerr"
)

// ValidateName checks a single-path-component name (agent name, recipient,
// sender): non-empty after trimming, not "." or "..", no separator, no NUL.
func ValidateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return archiveerr.New(archiveerr.KindInvalidPath, "name is empty")
	}
	if trimmed == "." || trimmed == ".." {
		return archiveerr.New(archiveerr.KindInvalidPath, "name %q is a path traversal segment", name)
	}
	if strings.ContainsAny(name, "/\\") {
		return archiveerr.New(archiveerr.KindInvalidPath, "name %q contains a path separator", name)
	}
	if strings.ContainsRune(name, 0) {
		return archiveerr.New(archiveerr.KindInvalidPath, "name contains NUL")
	}
	return nil
}

// ValidateRepoRelative checks a repo-relative path per spec.md §3's
// CoalescerCommitRequest invariant and §4.1: non-empty, no backslash, no
// NUL, every component a plain name (no "..", no root, no drive prefix),
// first component not ".git".
func ValidateRepoRelative(p string) error {
	if p == "" {
		return archiveerr.New(archiveerr.KindInvalidPath, "path is empty")
	}
	if strings.ContainsRune(p, 0) {
		return archiveerr.New(archiveerr.KindInvalidPath, "path contains NUL")
	}
	if strings.Contains(p, "\\") {
		return archiveerr.New(archiveerr.KindInvalidPath, "path %q contains a backslash", p)
	}
	if strings.HasPrefix(p, "/") {
		return archiveerr.New(archiveerr.KindInvalidPath, "path %q is absolute", p)
	}
	if len(p) >= 2 && p[1] == ':' {
		return archiveerr.New(archiveerr.KindInvalidPath, "path %q has a drive prefix", p)
	}

	components := strings.Split(p, "/")
	for i, c := range components {
		switch c {
		case "":
			return archiveerr.New(archiveerr.KindInvalidPath, "path %q has an empty component", p)
		case ".":
			return archiveerr.New(archiveerr.KindInvalidPath, "path %q has a '.' component", p)
		case "..":
			return archiveerr.New(archiveerr.KindInvalidPath, "path %q attempts traversal", p)
		}
		if i == 0 && c == ".git" {
			return archiveerr.New(archiveerr.KindInvalidPath, "path %q starts with .git", p)
		}
	}
	return nil
}
