package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/AbdelazizMoustafa10m/Corvid/internal/state"
)

// statusFlags holds the flag values for the status command.
type statusFlags struct {
	JSON    bool
	History bool
}

// statusRow is the JSON output type for one workflow in a listing.
type statusRow struct {
	WorkflowID     string       `json:"workflow_id"`
	Status         state.Status `json:"status"`
	Version        int          `json:"version"`
	CompletedSteps int          `json:"completed_steps"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

func newStatusCmd() *cobra.Command {
	var flags statusFlags

	cmd := &cobra.Command{
		Use:   "status [workflow-id]",
		Short: "List workflows or show one workflow's result",
		Long: `Without an argument, list every workflow in the store with its latest
status. With a workflow ID, show its step results, or every stored version
with --history.`,
		Example: `  corvid status --store file
  corvid status 3f6c2a1e-9d4b-5c7a-8e21-0b4f5d6a7c89 --history`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), resolved.Config, runtimeOpts{})
			if err != nil {
				return err
			}
			defer rt.Close()

			if len(args) == 0 {
				return listWorkflows(cmd, rt, flags)
			}
			return showWorkflow(cmd, rt, args[0], flags)
		},
	}

	cmd.Flags().BoolVar(&flags.JSON, "json", false, "Output structured JSON to stdout")
	cmd.Flags().BoolVar(&flags.History, "history", false, "Show every stored version of the workflow")
	return cmd
}

func init() {
	rootCmd.AddCommand(newStatusCmd())
}

func listWorkflows(cmd *cobra.Command, rt *runtime, flags statusFlags) error {
	ctx := cmd.Context()
	ids, err := rt.store.List(ctx)
	if err != nil {
		return err
	}
	rows := make([]statusRow, 0, len(ids))
	for _, id := range ids {
		st, err := rt.store.Get(ctx, id)
		if err != nil {
			return err
		}
		rows = append(rows, statusRow{
			WorkflowID:     id,
			Status:         st.Status(),
			Version:        st.Version(),
			CompletedSteps: len(st.CompletedSteps()),
			UpdatedAt:      st.UpdatedAt(),
		})
	}

	out := cmd.OutOrStdout()
	if flags.JSON {
		return writeJSON(out, rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(out, "No workflows found.")
		return nil
	}
	printHeader(out, "Workflows")
	fmt.Fprintf(out, "  %-38s %-22s %-8s %-10s %s\n", "WORKFLOW", "STATUS", "VERSION", "COMPLETED", "UPDATED")
	for _, r := range rows {
		status := fmt.Sprintf("%-22s", r.Status)
		fmt.Fprintf(out, "  %-38s %s %-8d %-10d %s\n", r.WorkflowID, statusStyle(string(r.Status)).Render(status),
			r.Version, r.CompletedSteps, r.UpdatedAt.UTC().Format(time.RFC3339))
	}
	return nil
}

func showWorkflow(cmd *cobra.Command, rt *runtime, id string, flags statusFlags) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if flags.History {
		history, err := rt.store.History(ctx, id)
		if err != nil {
			return err
		}
		if flags.JSON {
			summaries := make([]state.Summary, len(history))
			for i, st := range history {
				summaries[i] = st.Summarize()
			}
			return writeJSON(out, summaries)
		}
		printHistory(out, id, history)
		return nil
	}

	res, err := rt.orch.Result(ctx, id)
	if err != nil {
		return err
	}
	if flags.JSON {
		return writeJSON(out, res)
	}
	printResult(out, res)
	return nil
}
