package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/magnet-crawler/internal/crawler"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <job-id>",
		Short: "Run one job once in the foreground and print the run record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			rec, runErr := appInstance.RunOnce(cmd.Context(), args[0])
			if rec.RunID != "" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(rec); err != nil {
					return fmt.Errorf("print run record: %w", err)
				}
			}
			if runErr != nil {
				return runErr
			}
			if rec.Outcome != crawler.RunCompleted {
				return fmt.Errorf("run %s finished %s: %s", rec.RunID, rec.Outcome, rec.Error)
			}
			return nil
		},
	}
}
