package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentmail/archivecore/internal/archive"
	"github.com/agentmail/archivecore/internal/config"
	"github.com/agentmail/archivecore/internal/model"
)

var consistencyRefsPath string

var consistencyCheckCmd = &cobra.Command{
	Use:   "consistency-check",
	Short: "Compare a set of database message references against the archive tree",
	Long: `The archive core does not own the database of record, so
consistency-check reads the references to verify from a JSON file: an
array of {"slug", "message_id", "created_at"} objects. A caller
typically produces this file from its own message table.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := resolveStorageRoot()
		if err != nil {
			return err
		}
		if consistencyRefsPath == "" {
			return fmt.Errorf("--refs is required")
		}

		data, err := os.ReadFile(consistencyRefsPath)
		if err != nil {
			return fmt.Errorf("read refs file: %w", err)
		}
		var refs []model.MessageRef
		if err := json.Unmarshal(data, &refs); err != nil {
			return fmt.Errorf("parse refs file: %w", err)
		}

		cfg, err := config.Load(root)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		a := archive.New(*cfg, nil)

		report := a.CheckConsistency(refs)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	consistencyCheckCmd.Flags().StringVar(&consistencyRefsPath, "refs", "", "path to a JSON file of message references to verify")
	rootCmd.AddCommand(consistencyCheckCmd)
}
