// Package commands defines all Cobra CLI commands for the civiq binary.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/civiq/civiq-go/internal/audit"
	"github.com/civiq/civiq-go/internal/config"
	"github.com/civiq/civiq-go/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// loadedConfigPath stores the resolved config file path for audit logging.
var loadedConfigPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "civiq",
		Short: "civiq — retrieval-augmented question answering over document collections",
		Long: `civiq answers natural-language questions from curated document collections.

Operators register collections, upload documents and crawled webpages into
them, and the platform keeps the searchable vector index consistent with the
stored content. End users ask questions; the agent retrieves relevant
passages and answers with source citations.

Model provider is selected via the MODEL_PROVIDER environment variable
or a YAML config file (~/.civiq/config.yaml).
See 'civiq --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()

			// Load YAML config (env vars always override YAML values).
			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			loadedConfigPath = path

			// Emit structured audit log for every command invocation.
			audit.LogCommandStart(log, cmd.Name(), loadedConfigPath)

			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.civiq/config.yaml)")

	root.AddCommand(
		NewServeCmd(),
		NewAskCmd(),
		NewSweepCmd(),
		NewCollectionsCmd(),
		NewJobsCmd(),
		NewVersionCmd(),
	)

	return root
}
