package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentmail/archivecore/internal/archivelock"
	"github.com/agentmail/archivecore/internal/archivepath"
)

var (
	lockHealProject string
	lockHealTimeout time.Duration
)

var lockHealCmd = &cobra.Command{
	Use:   "lock-heal",
	Short: "Acquire and release each project's advisory lock to clear stale owners",
	Long: `lock-heal does not expose a separate healing API: AdvisoryLock already
detects and clears a stale owner (dead PID, expired lease) the moment
Acquire contends on it. Running Acquire followed by Release against every
project's lock file is enough to trigger that path for any lock left
behind by a crashed writer.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := resolveStorageRoot()
		if err != nil {
			return err
		}

		slugs, err := resolveSlugs(root, lockHealProject)
		if err != nil {
			return err
		}

		dirs := archivepath.NewDirCache()
		cache := archivepath.NewCanonicalCache()

		var failed []string
		for _, slug := range slugs {
			pa, err := archivepath.NewProjectArchive(root, slug, cache)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", slug, err)
				failed = append(failed, slug)
				continue
			}

			lock := archivelock.NewAdvisoryLock(pa.LockPath, dirs)
			if err := lock.Acquire(lockHealTimeout); err != nil {
				fmt.Fprintf(os.Stderr, "%s: acquire failed: %v\n", slug, err)
				failed = append(failed, slug)
				continue
			}
			if err := lock.Release(); err != nil {
				fmt.Fprintf(os.Stderr, "%s: release failed: %v\n", slug, err)
				failed = append(failed, slug)
				continue
			}
			fmt.Fprintf(os.Stdout, "%s: ok\n", slug)
		}

		if len(failed) > 0 {
			return fmt.Errorf("%d project(s) failed to heal", len(failed))
		}
		return nil
	},
}

// resolveSlugs returns the single requested project, or every directory
// under <root>/projects if none was named.
func resolveSlugs(root, requested string) ([]string, error) {
	if requested != "" {
		return []string{requested}, nil
	}

	entries, err := os.ReadDir(filepath.Join(root, "projects"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list projects: %w", err)
	}

	var slugs []string
	for _, e := range entries {
		if e.IsDir() {
			slugs = append(slugs, e.Name())
		}
	}
	return slugs, nil
}

func init() {
	lockHealCmd.Flags().StringVar(&lockHealProject, "project", "", "heal a single project slug (default: every project under the storage root)")
	lockHealCmd.Flags().DurationVar(&lockHealTimeout, "timeout", 5*time.Second, "per-project lock acquire timeout")
	rootCmd.AddCommand(lockHealCmd)
}
