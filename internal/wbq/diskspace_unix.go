//go:build unix

package wbq

import "golang.org/x/sys/unix"

// availableMB reports the free disk space at path in megabytes, the same
// calling convention as the teacher's (platform-specific, not in the
// retrieval pack) checkDiskSpace helper referenced from
// cmd/bd/daemon_event_loop.go.
func availableMB(path string) (mb int64, ok bool) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, false
	}
	bytesAvail := stat.Bavail * uint64(stat.Bsize)
	return int64(bytesAvail / (1024 * 1024)), true
}
