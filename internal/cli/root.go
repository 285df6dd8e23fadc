package cli

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v10"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/AbdelazizMoustafa10m/Corvid/internal/config"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/logging"
)

// Global flag values accessible to all subcommands.
var (
	flagVerbose   bool
	flagQuiet     bool
	flagConfig    string
	flagDir       string
	flagNoColor   bool
	flagStore     string
	flagStoreDir  string
	flagCatalog   string
	flagPoolSize  int
	flagFailFast  bool
	flagLogLevel  string
	flagLogFormat string
)

// resolved is the configuration loaded by PersistentPreRunE.
var resolved *config.ResolvedConfig

// rootCmd is the base command for Corvid.
var rootCmd = &cobra.Command{
	Use:   "corvid",
	Short: "Deterministic workflow orchestration",
	Long: `Corvid runs catalog-defined workflows as a dependency graph of steps.
Every state change is a new immutable version, failures are settled by each
step's error strategy, and identical inputs always produce the same workflow
ID and step seeds.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if !cmd.Flags().Changed("verbose") && os.Getenv("CORVID_VERBOSE") != "" {
			flagVerbose = true
		}
		if !cmd.Flags().Changed("quiet") && os.Getenv("CORVID_QUIET") != "" {
			flagQuiet = true
		}
		if !cmd.Flags().Changed("no-color") && (os.Getenv("NO_COLOR") != "" || os.Getenv("CORVID_NO_COLOR") != "") {
			flagNoColor = true
		}
		if flagNoColor {
			lipgloss.SetColorProfile(termenv.Ascii)
		}

		if flagDir != "" {
			if err := os.Chdir(flagDir); err != nil {
				return fmt.Errorf("changing directory to %s: %w", flagDir, err)
			}
		}

		rc, _, err := loadAndResolveConfig(cmd)
		if err != nil {
			return err
		}
		resolved = rc

		return logging.Configure(logging.Options{
			Level:   rc.Config.Log.Level,
			Format:  rc.Config.Log.Format,
			Verbose: flagVerbose,
			Quiet:   flagQuiet,
		})
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "Enable verbose (debug) output (env: CORVID_VERBOSE)")
	pf.BoolVarP(&flagQuiet, "quiet", "q", false, "Suppress all output except errors (env: CORVID_QUIET)")
	pf.StringVar(&flagConfig, "config", "", "Path to corvid.toml config file")
	pf.StringVar(&flagDir, "dir", "", "Override working directory")
	pf.BoolVar(&flagNoColor, "no-color", false, "Disable colored output (env: CORVID_NO_COLOR, NO_COLOR)")
	pf.StringVar(&flagStore, "store", "", "State store backend: memory, file, redis or postgres (env: CORVID_STORE_BACKEND)")
	pf.StringVar(&flagStoreDir, "store-dir", "", "Directory of the file store (env: CORVID_STORE_DIR)")
	pf.StringVar(&flagCatalog, "catalog", "", "Catalog file or directory (env: CORVID_CATALOG_PATH)")
	pf.IntVar(&flagPoolSize, "pool-size", 0, "Maximum concurrent steps (env: CORVID_POOL_SIZE)")
	pf.BoolVar(&flagFailFast, "fail-fast", false, "Stop dispatching after the first failed step (env: CORVID_FAIL_FAST)")
	pf.StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn or error (env: CORVID_LOG_LEVEL)")
	pf.StringVar(&flagLogFormat, "log-format", "", "Log format: text, json or logfmt (env: CORVID_LOG_FORMAT)")
}

// Execute runs the root command and returns the exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// NewRootCmd returns the command tree for external generators (completions,
// man pages).
func NewRootCmd() *cobra.Command {
	return rootCmd
}

// cliOverrides collects the persistent flags the user actually set.
func cliOverrides(cmd *cobra.Command) *config.CLIOverrides {
	o := &config.CLIOverrides{}
	flags := cmd.Flags()
	if flags.Changed("store") {
		o.StoreBackend = &flagStore
	}
	if flags.Changed("store-dir") {
		o.StoreDir = &flagStoreDir
	}
	if flags.Changed("catalog") {
		o.CatalogPath = &flagCatalog
	}
	if flags.Changed("pool-size") {
		o.PoolSize = &flagPoolSize
	}
	if flags.Changed("fail-fast") {
		o.FailFast = &flagFailFast
	}
	if flags.Changed("log-level") {
		o.LogLevel = &flagLogLevel
	}
	if flags.Changed("log-format") {
		o.LogFormat = &flagLogFormat
	}
	return o
}

// loadAndResolveConfig finds and loads corvid.toml (or --config) and layers
// it with defaults, CORVID_* variables and flags. The validation result
// covers the merged configuration; unknown keys are reported as warnings.
func loadAndResolveConfig(cmd *cobra.Command) (*config.ResolvedConfig, *config.ValidationResult, error) {
	var (
		fileCfg *config.Config
		md      toml.MetaData
		meta    *toml.MetaData
		cfgPath = flagConfig
	)

	if cfgPath == "" {
		found, err := config.FindConfigFile(".")
		if err != nil {
			return nil, nil, fmt.Errorf("finding config file: %w", err)
		}
		cfgPath = found
	}
	if cfgPath != "" {
		fc, loaded, err := config.LoadFromFile(cfgPath)
		if err != nil {
			return nil, nil, err
		}
		fileCfg, md, meta = fc, loaded, &loaded
	}

	rc, err := config.Resolve(config.NewDefaults(), fileCfg, md, env.ToMap(os.Environ()), cliOverrides(cmd))
	if err != nil {
		return nil, nil, err
	}
	rc.Path = cfgPath
	return rc, config.Validate(rc.Config, meta), nil
}
