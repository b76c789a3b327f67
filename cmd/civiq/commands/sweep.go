package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/civiq/civiq-go/internal/logging"
)

// NewSweepCmd constructs the `civiq sweep` command, which runs one
// reconciliation pass between the content store and the vector index.
func NewSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one index reconciliation pass",
		Long: `Compare the content store against the vector index and repair drift.

Records marked indexed whose chunks are missing are re-enqueued for
indexing; stray chunks for records no longer marked indexed are purged.
The serve command runs this continuously in the background; sweep is for
one-off runs and cron jobs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			stack, err := buildStack(ctx, log)
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			defer stack.Close()

			report, err := stack.Coordinator.Sweep(ctx)
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			fmt.Printf("checked %d records: %d re-enqueued, %d purged\n",
				report.Checked, report.Reindexed, report.Purged)
			return nil
		},
	}
}
