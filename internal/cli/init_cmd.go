package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/AbdelazizMoustafa10m/Corvid/internal/config"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/logging"
)

var (
	initFlagName  string
	initFlagStore string
	initFlagForce bool
)

// initCmd implements "corvid init [scaffold]". It never loads corvid.toml,
// so it is safe to run in a fresh directory.
var initCmd = &cobra.Command{
	Use:   "init [scaffold]",
	Short: "Write a starter corvid.toml and catalog",
	Long: `Initialize a Corvid project by rendering an embedded scaffold: a
corvid.toml and a sample catalog that runs on the builtin steps. Existing
files are preserved unless --force is supplied.

Scaffolds:
  default     three builtin steps with RETRY, SKIP and FAIL_FAST strategies
  delegated   the same plus a delegate group run by the in-process executor`,
	Example: `  corvid init
  corvid init delegated --name reports --store file
  corvid init --force`,
	Args: cobra.MaximumNArgs(1),

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		root := cmd.Root().PersistentFlags()
		if !root.Changed("verbose") && os.Getenv("CORVID_VERBOSE") != "" {
			flagVerbose = true
		}
		if !root.Changed("quiet") && os.Getenv("CORVID_QUIET") != "" {
			flagQuiet = true
		}
		if !root.Changed("no-color") && (os.Getenv("NO_COLOR") != "" || os.Getenv("CORVID_NO_COLOR") != "") {
			flagNoColor = true
		}
		logging.Setup(flagVerbose, flagQuiet, os.Getenv("CORVID_LOG_FORMAT") == "json")
		if flagNoColor {
			lipgloss.SetColorProfile(termenv.Ascii)
		}
		if flagDir != "" {
			if err := os.Chdir(flagDir); err != nil {
				return fmt.Errorf("changing directory to %s: %w", flagDir, err)
			}
		}
		return nil
	},

	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVarP(&initFlagName, "name", "n", "", "Catalog name (defaults to the directory name)")
	initCmd.Flags().StringVar(&initFlagStore, "store-backend", config.StoreFile, "Store backend written to corvid.toml")
	initCmd.Flags().BoolVar(&initFlagForce, "force", false, "Overwrite existing files")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	name := "default"
	if len(args) > 0 {
		name = args[0]
	}
	if !config.ScaffoldExists(name) {
		available, err := config.ListScaffolds()
		if err != nil {
			return fmt.Errorf("listing scaffolds: %w", err)
		}
		return fmt.Errorf("scaffold %q not found; available: %s", name, strings.Join(available, ", "))
	}

	destDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting current directory: %w", err)
	}
	project := initFlagName
	if project == "" {
		project = filepath.Base(destDir)
	}
	if strings.ContainsAny(project, `/\"`) {
		return fmt.Errorf("invalid name %q: must not contain slashes or quotes", project)
	}

	cfgPath := filepath.Join(destDir, config.ConfigFileName)
	if _, err := os.Stat(cfgPath); err == nil && !initFlagForce {
		return fmt.Errorf("%s already exists in %s; use --force to overwrite", config.ConfigFileName, destDir)
	}

	written, err := config.RenderScaffold(name, destDir, config.ScaffoldVars{
		ProjectName:  project,
		StoreBackend: initFlagStore,
	}, initFlagForce)
	if err != nil {
		return fmt.Errorf("rendering scaffold %q: %w", name, err)
	}

	out := cmd.ErrOrStderr()
	fmt.Fprintf(out, "Initialized %q from scaffold %q\n\n", project, name)
	if len(written) > 0 {
		fmt.Fprintln(out, "Created files:")
		for _, f := range written {
			rel, relErr := filepath.Rel(destDir, f)
			if relErr != nil {
				rel = f
			}
			fmt.Fprintf(out, "  %s\n", rel)
		}
		fmt.Fprintln(out)
	}
	fmt.Fprintln(out, "Next steps:")
	fmt.Fprintln(out, "  1. corvid catalog lint")
	fmt.Fprintln(out, "  2. corvid run --input run=1")
	return nil
}
