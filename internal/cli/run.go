package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AbdelazizMoustafa10m/Corvid/internal/logging"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/orchestrator"
)

// runFlags holds the flag values for the run command.
type runFlags struct {
	Inputs     map[string]string
	Metadata   map[string]string
	WorkflowID string
	JSON       bool
	Events     bool
}

func newRunCmd() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run [step...]",
		Short: "Run a workflow from the catalog",
		Long: `Run the catalog's steps as one workflow. With step IDs only those steps
run, in dependency order. The workflow ID is derived from --input unless
--id is given, so the same inputs always address the same workflow.`,
		Example: `  # Run every catalog step
  corvid run --input document=plan.pdf

  # Run two steps and print the result as JSON
  corvid run ingest segment --json

  # Stream lifecycle events to stderr
  corvid run --events`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args, flags)
		},
	}

	cmd.Flags().StringToStringVar(&flags.Inputs, "input", nil, "Workflow input as key=value (repeatable)")
	cmd.Flags().StringToStringVar(&flags.Metadata, "meta", nil, "Extra workflow metadata as key=value (repeatable)")
	cmd.Flags().StringVar(&flags.WorkflowID, "id", "", "Use this workflow ID instead of deriving one from the inputs")
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "Output the result as JSON to stdout")
	cmd.Flags().BoolVar(&flags.Events, "events", false, "Print lifecycle events to stderr while running")
	return cmd
}

func init() {
	rootCmd.AddCommand(newRunCmd())
}

func runRun(cmd *cobra.Command, args []string, flags runFlags) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withEvents(ctx, cmd, flags.Events, func(ctx context.Context, events chan<- orchestrator.Event) error {
		rt, err := newRuntime(ctx, resolved.Config, runtimeOpts{withCatalog: true, delegate: true, events: events})
		if err != nil {
			return err
		}
		defer rt.Close()

		res, err := rt.orch.Run(ctx, orchestrator.Request{
			Inputs:     flags.Inputs,
			WorkflowID: flags.WorkflowID,
			StepIDs:    args,
			Metadata:   flags.Metadata,
		})
		if err != nil {
			return err
		}
		return finishRun(ctx, cmd, rt, res, flags.JSON)
	})
}

// finishRun prints res, prunes history when configured and turns an
// unsuccessful workflow into a non-zero exit.
func finishRun(ctx context.Context, cmd *cobra.Command, rt *runtime, res orchestrator.WorkflowResult, asJSON bool) error {
	if keep := rt.cfg.Store.KeepVersions; keep > 0 && res.Status.Terminal() {
		removed, err := rt.store.Archive(ctx, res.WorkflowID, keep)
		if err != nil {
			logging.New("cli").Warn("archiving history", "workflow", res.WorkflowID, "error", err)
		} else if removed > 0 {
			logging.New("cli").Debug("archived history", "workflow", res.WorkflowID, "removed", removed)
		}
	}

	if asJSON {
		if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
			return err
		}
	} else {
		printResult(cmd.OutOrStdout(), res)
	}
	if !res.Success {
		return fmt.Errorf("workflow %s finished %s", res.WorkflowID, res.Status)
	}
	return nil
}

// withEvents runs fn with an event channel drained to stderr when enabled.
func withEvents(ctx context.Context, cmd *cobra.Command, enabled bool, fn func(context.Context, chan<- orchestrator.Event) error) error {
	if !enabled {
		return fn(ctx, nil)
	}
	events := make(chan orchestrator.Event, 64)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range events {
			printEvent(cmd.ErrOrStderr(), ev)
		}
	}()
	err := fn(ctx, events)
	close(events)
	wg.Wait()
	return err
}
