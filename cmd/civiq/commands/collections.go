package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/civiq/civiq-go/internal/content"
	"github.com/civiq/civiq-go/internal/logging"
	"github.com/civiq/civiq-go/internal/registry"
)

// NewCollectionsCmd constructs the `civiq collections` command group for
// managing collections and their records from the terminal.
func NewCollectionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collections",
		Short: "Manage document collections",
	}
	cmd.AddCommand(
		newCollectionsListCmd(),
		newCollectionsCreateCmd(),
		newCollectionsDeleteCmd(),
		newCollectionsUploadCmd(),
	)
	return cmd
}

// newCollectionsListCmd lists the registered collections.
func newCollectionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered collections",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			stack, err := buildStack(ctx, log)
			if err != nil {
				return fmt.Errorf("collections: %w", err)
			}
			defer stack.Close()

			cols, err := stack.Collections.List(ctx)
			if err != nil {
				return fmt.Errorf("collections: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tDESCRIPTION")
			for _, c := range cols {
				fmt.Fprintf(w, "%s\t%s\t%s\n", c.ID, c.Kind, c.Description)
			}
			return w.Flush() //nolint:wrapcheck // CLI output
		},
	}
}

// newCollectionsCreateCmd registers a new collection.
func newCollectionsCreateCmd() *cobra.Command {
	var kind string
	var description string
	var aliases []string

	cmd := &cobra.Command{
		Use:   "create [name]",
		Short: "Create a collection and provision its vector namespace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			stack, err := buildStack(ctx, log)
			if err != nil {
				return fmt.Errorf("collections: %w", err)
			}
			defer stack.Close()

			col, err := stack.Coordinator.CreateCollection(ctx, args[0], registry.Kind(kind), description, aliases...)
			if err != nil {
				return fmt.Errorf("collections: %w", err)
			}
			fmt.Printf("created collection %s\n", col.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&kind, "kind", "k", "documents", "Collection kind: documents, webpages, or mixed")
	cmd.Flags().StringVarP(&description, "description", "d", "", "What the collection contains (shown to the agent)")
	cmd.Flags().StringArrayVar(&aliases, "alias", nil, "Additional alias (repeatable)")

	return cmd
}

// newCollectionsDeleteCmd removes a collection, its namespace, and orphans
// its records.
func newCollectionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [name]",
		Short: "Delete a collection and drop its vector namespace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			stack, err := buildStack(ctx, log)
			if err != nil {
				return fmt.Errorf("collections: %w", err)
			}
			defer stack.Close()

			if err := stack.Coordinator.DeleteCollection(ctx, args[0]); err != nil {
				return fmt.Errorf("collections: %w", err)
			}
			fmt.Printf("deleted collection %s\n", args[0])
			return nil
		},
	}
}

// newCollectionsUploadCmd uploads a local text file into a collection and
// waits for the indexing job to finish.
func newCollectionsUploadCmd() *cobra.Command {
	var title string
	var wait bool

	cmd := &cobra.Command{
		Use:   "upload [collection] [file]",
		Short: "Upload a document into a collection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			body, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("collections: read %s: %w", args[1], err)
			}
			if title == "" {
				title = filepath.Base(args[1])
			}

			stack, err := buildStack(ctx, log)
			if err != nil {
				return fmt.Errorf("collections: %w", err)
			}
			defer stack.Close()

			rec, job, err := stack.Coordinator.UploadRecord(ctx, args[0], &content.Record{
				Kind:     content.KindDocument,
				Title:    title,
				Location: args[1],
				Body:     string(body),
			})
			if err != nil {
				return fmt.Errorf("collections: %w", err)
			}
			fmt.Printf("uploaded record %s (job %s)\n", rec.ID, job.ID)

			if wait {
				done, err := stack.Jobs.Await(ctx, job.ID)
				if err != nil {
					return fmt.Errorf("collections: %w", err)
				}
				fmt.Printf("indexing %s after %d attempt(s)\n", done.State, done.Attempts)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&title, "title", "t", "", "Record title (default: file name)")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for the indexing job to finish")

	return cmd
}
