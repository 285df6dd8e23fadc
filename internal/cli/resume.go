package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AbdelazizMoustafa10m/Corvid/internal/orchestrator"
)

// resumeFlags holds the flag values for the resume command.
type resumeFlags struct {
	JSON   bool
	Events bool
}

func newResumeCmd() *cobra.Command {
	var flags resumeFlags

	cmd := &cobra.Command{
		Use:   "resume <workflow-id>",
		Short: "Continue a paused or interrupted workflow",
		Long: `Resume runs the steps of a stored workflow that have not settled yet.
Completed, failed and skipped steps are not run again. Resuming a finished
workflow prints its result unchanged.

The store must be persistent (file, redis or postgres) for a workflow to
outlive the process that started it.`,
		Example: `  corvid resume 3f6c2a1e-9d4b-5c7a-8e21-0b4f5d6a7c89 --store file`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResume(cmd, args[0], flags)
		},
	}

	cmd.Flags().BoolVar(&flags.JSON, "json", false, "Output the result as JSON to stdout")
	cmd.Flags().BoolVar(&flags.Events, "events", false, "Print lifecycle events to stderr while running")
	return cmd
}

func init() {
	rootCmd.AddCommand(newResumeCmd())
}

func runResume(cmd *cobra.Command, workflowID string, flags resumeFlags) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withEvents(ctx, cmd, flags.Events, func(ctx context.Context, events chan<- orchestrator.Event) error {
		rt, err := newRuntime(ctx, resolved.Config, runtimeOpts{withCatalog: true, delegate: true, events: events})
		if err != nil {
			return err
		}
		defer rt.Close()

		res, err := rt.orch.Resume(ctx, workflowID)
		if err != nil {
			return err
		}
		return finishRun(ctx, cmd, rt, res, flags.JSON)
	})
}
