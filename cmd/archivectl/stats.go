package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/agentmail/archivecore/internal/archive"
	"github.com/agentmail/archivecore/internal/config"
)

var statsWatch bool

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print archive-core counters as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := resolveStorageRoot()
		if err != nil {
			return err
		}
		cfg, err := config.Load(root)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		a := archive.New(*cfg, nil)

		if !statsWatch {
			return printStats(a)
		}
		return watchStats(a, cfg.Writers.SignalsRoot)
	},
}

func printStats(a *archive.Archive) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(a.Stats())
}

// watchStats re-prints stats whenever the notification signals directory
// changes. If fsnotify can't watch the directory (it may not exist yet),
// it returns an error; there is no polling fallback.
func watchStats(a *archive.Archive, signalsDir string) error {
	if err := printStats(a); err != nil {
		return err
	}
	if signalsDir == "" {
		return fmt.Errorf("--watch requires notifications_signals_dir to be configured")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify.NewWatcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(signalsDir); err != nil {
		return fmt.Errorf("watch %s: %w", signalsDir, err)
	}

	const debounce = 200 * time.Millisecond
	var timer *time.Timer
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				_ = printStats(a)
			})
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "watch error: %v\n", werr)
		}
	}
}

func init() {
	statsCmd.Flags().BoolVar(&statsWatch, "watch", false, "re-print stats whenever the notification signals directory changes")
	rootCmd.AddCommand(statsCmd)
}
