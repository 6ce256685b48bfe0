package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Runs one synchronization and prints the report",
		Long: `Fetches the configured source once, upserts the extracted routes
and writes the sync report to stdout as JSON. Exits non-zero when the run
fails.`,
		RunE: runSyncCommand,
	}
}

func runSyncCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	defer appInstance.Close()

	report, syncErr := appInstance.Sync(cmd.Context())

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	if syncErr != nil {
		return syncErr
	}
	appInstance.Logger().Info("sync command finished",
		zap.String("outcome", report.Outcome),
		zap.Int("upserted", report.Upserted),
	)
	return nil
}
