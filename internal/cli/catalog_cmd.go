package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AbdelazizMoustafa10m/Corvid/internal/catalog"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/controller"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/steps"
)

// catalogCmd groups catalog inspection commands.
var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Inspect and lint step catalogs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var catalogJSON bool

// catalogLintCmd implements "corvid catalog lint".
var catalogLintCmd = &cobra.Command{
	Use:   "lint",
	Short: "Check the catalog for structural errors and unregistered handlers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := catalog.Load(resolved.Config.Catalog.Path, resolved.Config.Catalog.Patterns)
		if err != nil {
			return err
		}
		reg := controller.NewMapRegistry()
		steps.Register(reg)
		lint := catalog.Lint(cat, reg)

		out := cmd.OutOrStdout()
		if catalogJSON {
			if err := writeJSON(out, lint); err != nil {
				return err
			}
		} else {
			printHeader(out, "Catalog Lint: "+cat.Name)
			if len(lint.Errors) == 0 && len(lint.Warnings) == 0 {
				fmt.Fprintln(out, styleSuccess.Render("No issues found."))
			}
			if len(lint.Errors) > 0 {
				fmt.Fprintln(out, styleErrorLbl.Render("Errors:"))
				for _, is := range lint.Errors {
					fmt.Fprintf(out, "  [%s] %s: %s\n", is.Code, is.Step, is.Message)
				}
				fmt.Fprintln(out)
			}
			if len(lint.Warnings) > 0 {
				fmt.Fprintln(out, styleWarnLbl.Render("Warnings:"))
				for _, is := range lint.Warnings {
					fmt.Fprintf(out, "  [%s] %s: %s\n", is.Code, is.Step, is.Message)
				}
				fmt.Fprintln(out)
			}
			fmt.Fprintf(out, "%d error(s), %d warning(s)\n", len(lint.Errors), len(lint.Warnings))
		}
		if !lint.IsValid() {
			return fmt.Errorf("catalog has %d error(s)", len(lint.Errors))
		}
		return nil
	},
}

// catalogPlanCmd implements "corvid catalog plan": the dispatch waves the
// orchestrator would use.
var catalogPlanCmd = &cobra.Command{
	Use:   "plan [step...]",
	Short: "Show the dependency waves steps would run in",
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := catalog.Load(resolved.Config.Catalog.Path, resolved.Config.Catalog.Patterns)
		if err != nil {
			return err
		}
		ids := args
		if len(ids) == 0 {
			ids = cat.StepIDs()
		}
		selected := make([]catalog.StepContext, 0, len(ids))
		for _, id := range ids {
			sc, err := cat.StepContext(id)
			if err != nil {
				return err
			}
			selected = append(selected, sc)
		}
		waves, err := catalog.Waves(selected)
		if err != nil {
			return err
		}
		version, err := cat.Version()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if catalogJSON {
			plan := make([][]string, len(waves))
			for i, w := range waves {
				for _, sc := range w {
					plan[i] = append(plan[i], sc.StepID)
				}
			}
			return writeJSON(out, map[string]any{"catalog": cat.Name, "version": version, "waves": plan})
		}
		printHeader(out, fmt.Sprintf("Plan: %s (%s)", cat.Name, version))
		for i, w := range waves {
			names := make([]string, len(w))
			for j, sc := range w {
				names[j] = sc.StepID
				if sc.Delegate != "" {
					names[j] += styleDim.Render(" @" + sc.Delegate)
				}
			}
			fmt.Fprintf(out, "  wave %d: %s\n", i+1, strings.Join(names, ", "))
		}
		return nil
	},
}

func init() {
	catalogCmd.PersistentFlags().BoolVar(&catalogJSON, "json", false, "Output structured JSON to stdout")
	catalogCmd.AddCommand(catalogLintCmd, catalogPlanCmd)
	rootCmd.AddCommand(catalogCmd)
}
