package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var storageRootFlag string

var rootCmd = &cobra.Command{
	Use:   "archivectl",
	Short: "Operate on an agent-mail archive from outside the server process",
	Long: `archivectl flushes the write-behind queue, heals stale advisory
locks, runs the read-only DB-to-archive consistency check, and reports
archive-core counters.

Every subcommand resolves the archive's storage root the same way:
the --storage-root flag, then $ARCHIVE_STORAGE_ROOT, then the current
working directory.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&storageRootFlag, "storage-root", "", "archive storage root (default: $ARCHIVE_STORAGE_ROOT or cwd)")
}

// resolveStorageRoot applies the flag -> env -> cwd precedence every
// subcommand uses to find the archive it operates on.
func resolveStorageRoot() (string, error) {
	if storageRootFlag != "" {
		return storageRootFlag, nil
	}
	if env := os.Getenv("ARCHIVE_STORAGE_ROOT"); env != "" {
		return env, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolve storage root: %w", err)
	}
	return cwd, nil
}
