package config

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"github.com/charmbracelet/log"
)

//go:embed all:templates
var scaffoldFS embed.FS

const scaffoldRoot = "templates"

// ScaffoldVars are the values available to .tmpl files when `corvid init`
// renders a scaffold.
type ScaffoldVars struct {
	// ProjectName names the catalog written by the scaffold.
	ProjectName string
	// StoreBackend is written to [store].backend.
	StoreBackend string
	// CatalogDir is written to [catalog].path.
	CatalogDir string
}

// ListScaffolds returns the names of the embedded scaffolds, sorted.
func ListScaffolds() ([]string, error) {
	entries, err := scaffoldFS.ReadDir(scaffoldRoot)
	if err != nil {
		return nil, fmt.Errorf("reading scaffolds: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// ScaffoldExists reports whether an embedded scaffold called name exists.
func ScaffoldExists(name string) bool {
	info, err := fs.Stat(scaffoldFS, path.Join(scaffoldRoot, name))
	return err == nil && info.IsDir()
}

// RenderScaffold writes the named scaffold into destDir. Files ending in
// ".tmpl" are executed with vars and written without the extension; other
// files are copied as-is. Existing files are skipped unless force is set.
// It returns the paths written.
func RenderScaffold(name, destDir string, vars ScaffoldVars, force bool) ([]string, error) {
	if !ScaffoldExists(name) {
		return nil, fmt.Errorf("scaffold %q not found", name)
	}
	if vars.StoreBackend == "" {
		vars.StoreBackend = StoreMemory
	}
	if vars.CatalogDir == "" {
		vars.CatalogDir = "catalogs"
	}

	root := path.Join(scaffoldRoot, name)
	var written []string
	err := fs.WalkDir(scaffoldFS, root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("walking scaffold %s: %w", p, err)
		}
		if d.IsDir() {
			return nil
		}

		rel := strings.TrimPrefix(p, root+"/")
		isTmpl := strings.HasSuffix(rel, ".tmpl")
		dest := filepath.Join(destDir, filepath.FromSlash(strings.TrimSuffix(rel, ".tmpl")))

		if _, statErr := os.Stat(dest); statErr == nil && !force {
			log.Debug("skipping existing file", "path", dest)
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("creating directory for %s: %w", dest, err)
		}

		content, err := scaffoldFS.ReadFile(p)
		if err != nil {
			return fmt.Errorf("reading embedded file %s: %w", p, err)
		}
		if isTmpl {
			tmpl, err := template.New(d.Name()).Option("missingkey=error").Parse(string(content))
			if err != nil {
				return fmt.Errorf("parsing %s: %w", p, err)
			}
			var buf bytes.Buffer
			if err := tmpl.Execute(&buf, vars); err != nil {
				return fmt.Errorf("executing %s: %w", p, err)
			}
			content = buf.Bytes()
		}

		if err := os.WriteFile(dest, content, 0o600); err != nil {
			return fmt.Errorf("writing %s: %w", dest, err)
		}
		log.Debug("created scaffold file", "path", dest)
		written = append(written, dest)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return written, nil
}
