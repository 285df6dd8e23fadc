package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AbdelazizMoustafa10m/Corvid/internal/state"
)

// newControlCmd builds "corvid pause" and "corvid cancel". Both write a new
// version with the target status; a running orchestrator observes it before
// its next dispatch.
func newControlCmd(use, short string, to state.Status) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <workflow-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), resolved.Config, runtimeOpts{})
			if err != nil {
				return err
			}
			defer rt.Close()

			var st state.WorkflowState
			switch to {
			case state.StatusPaused:
				st, err = rt.orch.Pause(cmd.Context(), args[0])
			default:
				st, err = rt.orch.Cancel(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s at version %d\n", st.ID(),
				statusStyle(string(st.Status())).Render(string(st.Status())), st.Version())
			return nil
		},
	}
}

func newArchiveCmd() *cobra.Command {
	var keep int
	cmd := &cobra.Command{
		Use:   "archive <workflow-id>",
		Short: "Drop all but the newest versions of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if keep < 1 {
				return fmt.Errorf("--keep must be at least 1, got %d", keep)
			}
			rt, err := newRuntime(cmd.Context(), resolved.Config, runtimeOpts{})
			if err != nil {
				return err
			}
			defer rt.Close()

			removed, err := rt.store.Archive(cmd.Context(), args[0], keep)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d version(s) of %s\n", removed, args[0])
			return nil
		},
	}
	cmd.Flags().IntVar(&keep, "keep", 10, "Number of newest versions to retain")
	return cmd
}

func init() {
	rootCmd.AddCommand(newControlCmd("pause", "Pause a workflow at its next dispatch", state.StatusPaused))
	rootCmd.AddCommand(newControlCmd("cancel", "Cancel a workflow; in-flight steps still record their results", state.StatusCancelled))
	rootCmd.AddCommand(newArchiveCmd())
}
