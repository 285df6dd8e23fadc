// Command gen-docs writes shell completions and man pages for the corvid
// command tree. Release packaging runs it before archiving.
//
// Usage:
//
//	go run ./scripts/gen-docs [-completions dir] [-man dir] [-markdown dir]
//
// An empty directory skips that output.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/cobra/doc"

	"github.com/AbdelazizMoustafa10m/Corvid/internal/cli"
)

func main() {
	completions := flag.String("completions", "completions", "completion script output directory")
	man := flag.String("man", "man/man1", "man page output directory")
	markdown := flag.String("markdown", "", "markdown reference output directory")
	flag.Parse()

	root := cli.NewRootCmd()
	root.DisableAutoGenTag = true

	if err := run(root, *completions, *man, *markdown); err != nil {
		fmt.Fprintln(os.Stderr, "gen-docs:", err)
		os.Exit(1)
	}
}

func run(root *cobra.Command, completions, man, markdown string) error {
	if completions != "" {
		if err := writeCompletions(root, completions); err != nil {
			return err
		}
	}
	if man != "" {
		if err := os.MkdirAll(man, 0o755); err != nil {
			return err
		}
		header := &doc.GenManHeader{Title: "CORVID", Section: "1", Source: "Corvid", Manual: "Corvid Manual"}
		if err := doc.GenManTree(root, header, man); err != nil {
			return fmt.Errorf("man pages: %w", err)
		}
		fmt.Printf("man pages written to %s/\n", man)
	}
	if markdown != "" {
		if err := os.MkdirAll(markdown, 0o755); err != nil {
			return err
		}
		if err := doc.GenMarkdownTree(root, markdown); err != nil {
			return fmt.Errorf("markdown: %w", err)
		}
		fmt.Printf("markdown written to %s/\n", markdown)
	}
	return nil
}

func writeCompletions(root *cobra.Command, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	gens := map[string]func(f *os.File) error{
		"corvid.bash": func(f *os.File) error { return root.GenBashCompletionV2(f, true) },
		"_corvid":     func(f *os.File) error { return root.GenZshCompletion(f) },
		"corvid.fish": func(f *os.File) error { return root.GenFishCompletion(f, true) },
		"corvid.ps1":  func(f *os.File) error { return root.GenPowerShellCompletionWithDesc(f) },
	}
	for name, gen := range gens {
		path := filepath.Join(dir, name)
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		if err := gen(f); err != nil {
			f.Close()
			return fmt.Errorf("completion %s: %w", name, err)
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	fmt.Printf("completions written to %s/\n", dir)
	return nil
}
