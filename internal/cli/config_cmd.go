package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/AbdelazizMoustafa10m/Corvid/internal/config"
)

// configCmd is the parent "config" namespace command.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  "Inspect, validate, and debug Corvid configuration.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// configDebugCmd implements "corvid config debug".
var configDebugCmd = &cobra.Command{
	Use:   "debug",
	Short: "Show resolved configuration with source annotations",
	Long: `Display the fully-resolved configuration showing each value and
the source where it came from (cli flag, environment variable, config file, or default).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rc, _, err := loadAndResolveConfig(cmd)
		if err != nil {
			return err
		}
		printResolvedConfig(cmd.OutOrStdout(), rc)
		return nil
	},
}

// configValidateCmd implements "corvid config validate".
var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and report issues",
	Long:  "Check the configuration for errors and warnings.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, result, err := loadAndResolveConfig(cmd)
		if err != nil {
			return err
		}
		printValidationResult(cmd.OutOrStdout(), result)
		if result.HasErrors() {
			return fmt.Errorf("configuration has %d error(s)", len(result.Errors()))
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configDebugCmd)
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(configCmd)
}

// sourceStyle returns a lipgloss style for a given ConfigSource. --no-color
// switches lipgloss to the Ascii profile, which strips these.
func sourceStyle(src config.ConfigSource) lipgloss.Style {
	switch src {
	case config.SourceFile:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("12")) // bright blue
	case config.SourceEnv:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("11")) // bright yellow
	case config.SourceCLI:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("9")) // bright red
	default:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("10")) // bright green
	}
}

const fieldWidth = 24

func printResolvedConfig(out io.Writer, rc *config.ResolvedConfig) {
	printHeader(out, "Configuration Debug")
	if rc.Path != "" {
		fmt.Fprintf(out, "Config file: %s\n\n", rc.Path)
	} else {
		fmt.Fprintln(out, "Config file: none found")
		fmt.Fprintln(out)
	}

	c := rc.Config
	section := func(name string, fields ...[2]string) {
		fmt.Fprintln(out, styleSection.Render("["+name+"]"))
		for _, f := range fields {
			printField(out, f[0], f[1], rc.Sources[name+"."+f[0]])
		}
		fmt.Fprintln(out)
	}
	section("orchestrator",
		[2]string{"pool_size", fmt.Sprint(c.Orchestrator.PoolSize)},
		[2]string{"fail_fast", fmt.Sprint(c.Orchestrator.FailFast)},
		[2]string{"compensation_attempts", fmt.Sprint(c.Orchestrator.CompensationAttempts)},
		[2]string{"validate_outputs", fmt.Sprint(c.Orchestrator.ValidateOutputs)},
	)
	section("retry",
		[2]string{"strategy", fmtStr(string(c.Retry.Strategy))},
		[2]string{"max_attempts", fmt.Sprint(c.Retry.MaxAttempts)},
		[2]string{"base_delay", fmtStr(c.Retry.BaseDelay.String())},
		[2]string{"max_delay", fmtStr(c.Retry.MaxDelay.String())},
		[2]string{"jitter_factor", fmt.Sprint(c.Retry.JitterFactor)},
	)
	section("breaker",
		[2]string{"failure_threshold", fmt.Sprint(c.Breaker.FailureThreshold)},
		[2]string{"min_requests", fmt.Sprint(c.Breaker.MinRequests)},
		[2]string{"cooldown", fmtStr(c.Breaker.Cooldown.String())},
		[2]string{"window", fmtStr(c.Breaker.Window.String())},
	)
	section("store",
		[2]string{"backend", fmtStr(c.Store.Backend)},
		[2]string{"dir", fmtStr(c.Store.Dir)},
		[2]string{"redis_addr", fmtStr(c.Store.RedisAddr)},
		[2]string{"redis_prefix", fmtStr(c.Store.RedisPrefix)},
		[2]string{"postgres_dsn", fmtStr(redactDSN(c.Store.PostgresDSN))},
		[2]string{"keep_versions", fmt.Sprint(c.Store.KeepVersions)},
	)
	section("bridge",
		[2]string{"enabled", fmt.Sprint(c.Bridge.Enabled)},
		[2]string{"transport", fmtStr(c.Bridge.Transport)},
		[2]string{"redis_addr", fmtStr(c.Bridge.RedisAddr)},
		[2]string{"stream_prefix", fmtStr(c.Bridge.StreamPrefix)},
		[2]string{"group", fmtStr(c.Bridge.Group)},
		[2]string{"timeout", fmtStr(c.Bridge.Timeout.String())},
		[2]string{"executor", fmt.Sprint(c.Bridge.Executor)},
		[2]string{"executor_pool", fmt.Sprint(c.Bridge.ExecutorPool)},
	)
	section("catalog",
		[2]string{"path", fmtStr(c.Catalog.Path)},
		[2]string{"patterns", fmtSlice(c.Catalog.Patterns)},
	)
	section("metrics",
		[2]string{"addr", fmtStr(c.Metrics.Addr)},
		[2]string{"path", fmtStr(c.Metrics.Path)},
	)
	section("log",
		[2]string{"level", fmtStr(c.Log.Level)},
		[2]string{"format", fmtStr(c.Log.Format)},
	)

	names := make([]string, 0, len(c.Quotas))
	for n := range c.Quotas {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		q := c.Quotas[n]
		fmt.Fprintln(out, styleSection.Render("[quotas."+n+"]"))
		printField(out, "rate", fmt.Sprint(q.Rate), rc.Sources["quotas."+n])
		printField(out, "burst", fmt.Sprint(q.Burst), rc.Sources["quotas."+n])
		fmt.Fprintln(out)
	}
}

// printField writes a single key = value (source: ...) line.
func printField(out io.Writer, name, value string, src config.ConfigSource) {
	padded := fmt.Sprintf("  %-*s", fieldWidth, name)
	srcLabel := sourceStyle(src).Render(fmt.Sprintf("(source: %s)", src))
	fmt.Fprintf(out, "%s = %-40s %s\n", padded, value, srcLabel)
}

func fmtStr(s string) string {
	return fmt.Sprintf("%q", s)
}

func fmtSlice(ss []string) string {
	if len(ss) == 0 {
		return "[]"
	}
	quoted := make([]string, len(ss))
	for i, s := range ss {
		quoted[i] = fmt.Sprintf("%q", s)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

// redactDSN hides the password in a postgres URL.
func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	creds, host, ok := strings.Cut(rest, "@")
	if !ok {
		return dsn
	}
	user, _, hasPass := strings.Cut(creds, ":")
	if !hasPass {
		return dsn
	}
	return scheme + "://" + user + ":***@" + host
}

func printValidationResult(out io.Writer, result *config.ValidationResult) {
	printHeader(out, "Configuration Validation")

	errs := result.Errors()
	warns := result.Warnings()
	if len(errs) == 0 && len(warns) == 0 {
		fmt.Fprintln(out, styleSuccess.Render("No issues found."))
		return
	}
	if len(errs) > 0 {
		fmt.Fprintln(out, styleErrorLbl.Render("Errors:"))
		for _, issue := range errs {
			fmt.Fprintf(out, "  [%s] %s\n", issue.Field, issue.Message)
		}
		fmt.Fprintln(out)
	}
	if len(warns) > 0 {
		fmt.Fprintln(out, styleWarnLbl.Render("Warnings:"))
		for _, issue := range warns {
			fmt.Fprintf(out, "  [%s] %s\n", issue.Field, issue.Message)
		}
		fmt.Fprintln(out)
	}
	fmt.Fprintf(out, "%d error(s), %d warning(s)\n", len(errs), len(warns))
}
