package archivelock_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentmail/archivecore/internal/archivelock"
	"github.com/agentmail/archivecore/internal/archivepath"
)

func TestAdvisoryLockAcquireRelease(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, ".archive.lock")
	dirs := archivepath.NewDirCache()

	lock := archivelock.NewAdvisoryLock(lockPath, dirs)
	require.NoError(t, lock.Acquire(time.Second))

	ownerPath := lockPath + ".owner.json"
	data, err := os.ReadFile(ownerPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "pid")

	require.NoError(t, lock.Release())
	_, err = os.Stat(ownerPath)
	require.True(t, os.IsNotExist(err))
}

func TestAdvisoryLockContendedSecondHolderBlocks(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, ".archive.lock")
	dirs := archivepath.NewDirCache()

	first := archivelock.NewAdvisoryLock(lockPath, dirs)
	require.NoError(t, first.Acquire(time.Second))
	defer func() { _ = first.Release() }()

	second := archivelock.NewAdvisoryLock(lockPath, dirs)
	locked, err := second.TryAcquire()
	require.NoError(t, err)
	require.False(t, locked)
}

func TestAdvisoryLockTimesOutWhenContended(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, ".archive.lock")
	dirs := archivepath.NewDirCache()

	first := archivelock.NewAdvisoryLock(lockPath, dirs)
	require.NoError(t, first.Acquire(time.Second))
	defer func() { _ = first.Release() }()

	second := archivelock.NewAdvisoryLock(lockPath, dirs)
	err := second.Acquire(50 * time.Millisecond)
	require.Error(t, err)
}

func TestProjectLocksWithProjectLockSerializesWork(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, ".archive.lock")
	dirs := archivepath.NewDirCache()
	locks := archivelock.NewProjectLocks()

	var order []int
	done := make(chan struct{}, 2)

	run := func(n int) {
		err := locks.WithProjectLock("demo", lockPath, dirs, time.Second, func() error {
			order = append(order, n)
			time.Sleep(10 * time.Millisecond)
			return nil
		})
		require.NoError(t, err)
		done <- struct{}{}
	}

	go run(1)
	go run(2)
	<-done
	<-done

	require.Len(t, order, 2)
}
