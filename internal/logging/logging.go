// Package logging provides Corvid's logging infrastructure built on
// charmbracelet/log.
//
// All log output goes to stderr; stdout is reserved for command output
// (result JSON, history tables, metrics dumps).
//
// Usage:
//
//	// During CLI initialization (PersistentPreRunE):
//	logging.Configure(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
//
//	// In each component:
//	logger := logging.New("orchestrator")
//	logger.Info("workflow started", "workflow", id)
//
// Configure must run before New: child loggers copy the default logger's
// settings when they are created.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

// Output formats accepted by Configure.
const (
	FormatText   = "text"
	FormatJSON   = "json"
	FormatLogfmt = "logfmt"
)

// Options selects the level and format of the default logger. Verbose and
// Quiet override Level; when both are set Quiet wins.
type Options struct {
	Level   string
	Format  string
	Verbose bool
	Quiet   bool
}

// Configure applies o to the default logger. An empty Level means info and
// an empty Format means text.
func Configure(o Options) error {
	level := log.InfoLevel
	if o.Level != "" {
		l, err := log.ParseLevel(strings.ToLower(o.Level))
		if err != nil {
			return fmt.Errorf("log level %q: %w", o.Level, err)
		}
		level = l
	}
	if o.Verbose {
		level = log.DebugLevel
	}
	if o.Quiet {
		level = log.ErrorLevel
	}

	var formatter log.Formatter
	switch strings.ToLower(o.Format) {
	case "", FormatText:
		formatter = log.TextFormatter
	case FormatJSON:
		formatter = log.JSONFormatter
	case FormatLogfmt:
		formatter = log.LogfmtFormatter
	default:
		return fmt.Errorf("log format %q: want text, json or logfmt", o.Format)
	}

	log.SetLevel(level)
	log.SetOutput(os.Stderr)
	log.SetFormatter(formatter)
	log.SetReportTimestamp(true)
	return nil
}

// Setup is Configure for the common flag trio. It cannot fail.
func Setup(verbose, quiet, jsonFormat bool) {
	format := FormatText
	if jsonFormat {
		format = FormatJSON
	}
	_ = Configure(Options{Verbose: verbose, Quiet: quiet, Format: format})
}

// New creates a logger with the given component prefix. An empty component
// produces a logger without a prefix.
func New(component string) *log.Logger {
	return log.WithPrefix(component)
}

// SetOutput overrides the output writer for the default logger. Tests use it
// to capture output.
func SetOutput(w io.Writer) {
	log.SetOutput(w)
}
