package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/civiq/civiq-go/internal/logging"
	"github.com/civiq/civiq-go/internal/orchestrator"
	"github.com/civiq/civiq-go/internal/provider"
)

// NewAskCmd constructs the `civiq ask` command, which runs a single
// question-answering turn and prints the answer with its sources.
func NewAskCmd() *cobra.Command {
	var session string
	var collection string

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a question against the registered collections",
		Long: `Ask the civiq agent a natural-language question.

The agent searches the registered collections and answers from the retrieved
passages, citing its sources. Pass --session to continue an earlier
conversation.

Examples:
  civiq ask "how do I register a sole proprietorship?"
  civiq ask --session support-42 "and what does it cost?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			chatModel, err := provider.NewFromEnv(ctx)
			if err != nil {
				return fmt.Errorf("ask: failed to initialise model provider: %w", err)
			}

			stack, err := buildStack(ctx, log)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			defer stack.Close()

			chat, err := orchestrator.New(ctx, orchestrator.Config{
				ChatModel: chatModel,
				Tools:     stack.Tools,
				History:   stack.History,
				Pipeline:  stack.Pipeline,
			})
			if err != nil {
				return fmt.Errorf("ask: failed to initialise orchestrator: %w", err)
			}

			if session == "" {
				session = "cli"
			}
			answer, err := chat.Chat(ctx, session, args[0], collection)
			if err != nil && answer == nil {
				return err //nolint:wrapcheck // CLI entry point — error goes directly to cobra
			}

			fmt.Println(answer.Text)
			if len(answer.Sources) > 0 {
				fmt.Println("\nSources:")
				for _, src := range answer.Sources {
					if src.Location != "" {
						fmt.Printf("  - %s (%s)\n", src.Title, src.Location)
					} else {
						fmt.Printf("  - %s\n", src.Title)
					}
				}
			}
			for _, q := range answer.FollowUps {
				fmt.Printf("Follow-up: %s\n", q)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&session, "session", "s", "", "Session id to continue a conversation")
	cmd.Flags().StringVarP(&collection, "collection", "c", "", "Restrict retrieval to one collection (id or alias)")

	return cmd
}
