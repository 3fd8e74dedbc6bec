package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentmail/archivecore/internal/archive"
	"github.com/agentmail/archivecore/internal/config"
)

var flushTimeout time.Duration

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Wait for every write enqueued so far to land on disk (git commits are queued, not awaited)",
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
		defer func() {
			_ = a.Shutdown(context.Background())
		}()

		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()

		if err := a.Flush(ctx); err != nil {
			return fmt.Errorf("flush: %w", err)
		}
		fmt.Fprintln(os.Stdout, "flush complete")
		return nil
	},
}

func init() {
	flushCmd.Flags().DurationVar(&flushTimeout, "timeout", 30*time.Second, "maximum time to wait for the queue to drain")
	rootCmd.AddCommand(flushCmd)
}
