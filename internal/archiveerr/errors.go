// Package archiveerr defines the tagged error surface shared across the
// archive core: path validation, locking, and git-commit failures all
// resolve to one of these kinds so callers can branch with errors.Is
// instead of string matching.
package archiveerr

import (
	"errors"
	"fmt"
)

// Kind tags the category of a failure so WBQ/coalescer metrics can bucket
// errors without parsing messages.
type Kind string

const (
	KindInvalidPath    Kind = "invalid_path"
	KindLockTimeout    Kind = "lock_timeout"
	KindLockContention Kind = "lock_contention"
	KindIndexLocked    Kind = "index_locked"
	KindNotInitialized Kind = "not_initialized"
	KindIO             Kind = "io"
	KindGit            Kind = "git"
	KindJSON           Kind = "json"
)

// Sentinel values for errors.Is comparisons against Kind alone.
var (
	ErrInvalidPath    = &Error{Kind: KindInvalidPath}
	ErrLockTimeout    = &Error{Kind: KindLockTimeout}
	ErrLockContention = &Error{Kind: KindLockContention}
	ErrNotInitialized = &Error{Kind: KindNotInitialized}
)

// Error is the archive core's structured error. Comparing with errors.Is
// against one of the sentinels above matches on Kind, ignoring Msg/Cause.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error

	// IndexLockPath and Attempts are populated for KindIndexLocked errors
	// so callers can report the lock path and retry count (spec §4.6.3).
	IndexLockPath string
	Attempts      int
}

func (e *Error) Error() string {
	if e.Msg == "" && e.Cause == nil {
		return string(e.Kind)
	}
	if e.Cause != nil {
		if e.Msg != "" {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is implements the errors.Is contract: two *Error values match when their
// Kind matches, regardless of message or cause. This lets call sites write
// errors.Is(err, archiveerr.ErrInvalidPath).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind that wraps cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// IndexLocked builds the structured index-lock-contention error carrying
// the lock path and the number of attempts made (spec §4.6.3/§6).
func IndexLocked(lockPath string, attempts int, cause error) *Error {
	return &Error{
		Kind:          KindIndexLocked,
		Msg:           fmt.Sprintf("index lock %s not acquired after %d attempts", lockPath, attempts),
		Cause:         cause,
		IndexLockPath: lockPath,
		Attempts:      attempts,
	}
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
