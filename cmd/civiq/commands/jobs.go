package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/civiq/civiq-go/internal/logging"
)

// NewJobsCmd constructs the `civiq jobs` command group for inspecting and
// cancelling indexing jobs.
func NewJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and cancel indexing jobs",
	}
	cmd.AddCommand(newJobsListCmd(), newJobsCancelCmd())
	return cmd
}

// newJobsListCmd lists recent indexing jobs, newest first.
func newJobsListCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent indexing jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			stack, err := buildStack(ctx, log)
			if err != nil {
				return fmt.Errorf("jobs: %w", err)
			}
			defer stack.Close()

			jobs, err := stack.Jobs.Jobs(ctx, limit)
			if err != nil {
				return fmt.Errorf("jobs: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATE\tCOLLECTION\tRECORD\tATTEMPTS\tERROR")
			for _, j := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					j.ID, j.State, j.CollectionID, j.RecordID, j.Attempts, j.Error)
			}
			return w.Flush() //nolint:wrapcheck // CLI output
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of jobs to show")

	return cmd
}

// newJobsCancelCmd requests cancellation of a job.
func newJobsCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel [job-id]",
		Short: "Cancel a queued or running indexing job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			stack, err := buildStack(ctx, log)
			if err != nil {
				return fmt.Errorf("jobs: %w", err)
			}
			defer stack.Close()

			job, err := stack.Jobs.Cancel(ctx, args[0])
			if err != nil {
				return fmt.Errorf("jobs: %w", err)
			}
			fmt.Printf("job %s is now %s\n", job.ID, job.State)
			return nil
		},
	}
}
