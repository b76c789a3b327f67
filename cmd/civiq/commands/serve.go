package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cloudwego/eino/callbacks"
	"github.com/spf13/cobra"

	"github.com/civiq/civiq-go/internal/events"
	"github.com/civiq/civiq-go/internal/indexer"
	"github.com/civiq/civiq-go/internal/logging"
	"github.com/civiq/civiq-go/internal/orchestrator"
	"github.com/civiq/civiq-go/internal/provider"
	"github.com/civiq/civiq-go/internal/server"
	"github.com/civiq/civiq-go/internal/tracing"
	"github.com/civiq/civiq-go/internal/vector"
)

// NewServeCmd constructs the `civiq serve` command, which starts the HTTP
// server exposing the chat, collection, job, and event APIs.
func NewServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the civiq HTTP server",
		Long: `Start the civiq HTTP server on localhost.

The server exposes the question-answering API, collection and record
management, indexing job control, the session event feed, and Prometheus
metrics. The reconciliation sweeper runs in the background for as long as
the server is up.

Examples:
  civiq serve
  civiq serve --port 9090
  MODEL_PROVIDER=azure civiq serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			log.Info("serve starting", slog.String("provider", os.Getenv("MODEL_PROVIDER")))

			// Setup Langfuse tracing — opt-in, no-op if keys are absent.
			handler, flush, ok := tracing.Setup()
			if ok {
				callbacks.AppendGlobalHandlers(handler)
				defer flush()
				log.Info("langfuse tracing enabled")
			} else {
				log.Info("langfuse tracing disabled", slog.String("reason", "LANGFUSE_PUBLIC_KEY not set"))
			}

			chatModel, err := provider.NewFromEnv(ctx)
			if err != nil {
				return fmt.Errorf("serve: failed to initialise model provider: %w", err)
			}

			stack, err := buildStack(ctx, log)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer stack.Close()

			// Terminal indexing jobs show up in the session event feed, and a
			// completed job refreshes the tool registry so the newly indexed
			// content is searchable without waiting for the next poll.
			stack.Jobs.SetNotify(func(ctx context.Context, job *indexer.Job) {
				status := events.StatusCompleted
				if job.State != indexer.StateCompleted {
					status = events.StatusFailed
				}
				stack.Pipeline.Emit(ctx, "indexing_"+string(job.State), status, "", map[string]any{
					"job_id":        job.ID,
					"record_id":     job.RecordID,
					"collection_id": job.CollectionID,
				})
				if job.State == indexer.StateCompleted {
					if err := stack.Tools.Rebuild(ctx); err != nil {
						log.Warn("serve: tool registry refresh after indexing",
							slog.Any("error", err))
					}
				}
			})

			chat, err := orchestrator.New(ctx, orchestrator.Config{
				ChatModel: chatModel,
				Tools:     stack.Tools,
				History:   stack.History,
				Pipeline:  stack.Pipeline,
			})
			if err != nil {
				return fmt.Errorf("serve: failed to initialise orchestrator: %w", err)
			}

			// Background reconciliation sweep, stopped with the server.
			go stack.Coordinator.RunSweeper(ctx, sweepInterval())

			pingers := []server.Pinger{server.NewMetadataPinger(stack.DB)}
			if qs, ok := stack.Vectors.(*vector.QdrantStore); ok {
				pingers = append(pingers, server.NewQdrantPinger(qs.Client()))
			}

			srv, err := server.New(server.Deps{
				Chat:        chat,
				Coordinator: stack.Coordinator,
				Collections: stack.Collections,
				Jobs:        stack.Jobs,
				Pipeline:    stack.Pipeline,
			}, &server.Config{
				Host:     hostOrEnv(cmd, host),
				Port:     portOrEnv(cmd, port),
				Logger:   log,
				Pingers:  pingers,
				APIKey:   os.Getenv("CIVIQ_API_KEY"),
				Registry: stack.Registry,
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host address to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "TCP port to listen on")

	return cmd
}

// hostOrEnv prefers an explicit --host flag over CIVIQ_HOST.
func hostOrEnv(cmd *cobra.Command, flagVal string) string {
	if !cmd.Flags().Changed("host") {
		if v := os.Getenv("CIVIQ_HOST"); v != "" {
			return v
		}
	}
	return flagVal
}

// portOrEnv prefers an explicit --port flag over CIVIQ_PORT.
func portOrEnv(cmd *cobra.Command, flagVal int) int {
	if !cmd.Flags().Changed("port") {
		return getEnvIntOrDefault("CIVIQ_PORT", flagVal)
	}
	return flagVal
}
