package catalog

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// DefaultPatterns are the glob patterns Discover uses when none are given.
var DefaultPatterns = []string{"**/*.catalog.toml", "**/*.catalog.yaml", "**/*.catalog.yml"}

// LoadFile parses a catalog file. The format is chosen by extension: .toml
// for TOML, .yaml/.yml for YAML. Unknown TOML keys are reported as errors so
// a typo in a rule never silently disables it.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog %s: %w", path, err)
	}
	c, err := Parse(filepath.Ext(path), data)
	if err != nil {
		return nil, fmt.Errorf("loading catalog %s: %w", path, err)
	}
	if c.Name == "" {
		c.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return c, nil
}

// Parse decodes catalog data in the format named by ext (".toml", ".yaml"
// or ".yml").
func Parse(ext string, data []byte) (*Catalog, error) {
	var c Catalog
	switch strings.ToLower(ext) {
	case ".toml":
		md, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&c)
		if err != nil {
			return nil, fmt.Errorf("decoding toml: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				// params is free-form.
				if strings.Contains(k.String(), ".params.") || strings.Contains(k.String(), ".args.") {
					continue
				}
				keys = append(keys, k.String())
			}
			if len(keys) > 0 {
				return nil, fmt.Errorf("unknown catalog keys: %s", strings.Join(keys, ", "))
			}
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&c); err != nil {
			return nil, fmt.Errorf("decoding yaml: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported catalog format %q", ext)
	}
	if err := c.reindex(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Discover returns the catalog files under root that match any of patterns,
// sorted and de-duplicated. Patterns use doublestar syntax relative to root.
func Discover(root string, patterns []string) ([]string, error) {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	fsys := os.DirFS(root)
	seen := make(map[string]bool)
	var out []string
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid catalog pattern %q", p)
		}
		matches, err := doublestar.Glob(fsys, p, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("globbing %q under %s: %w", p, root, err)
		}
		for _, m := range matches {
			full := filepath.Join(root, filepath.FromSlash(m))
			if !seen[full] {
				seen[full] = true
				out = append(out, full)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// LoadDir discovers and merges every catalog file under root. It fails when
// nothing matches so a misconfigured path is not mistaken for an empty
// catalog.
func LoadDir(root string, patterns []string) (*Catalog, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("catalog dir: %w", err)
	}
	files, err := Discover(root, patterns)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no catalog files under %s: %w", root, fs.ErrNotExist)
	}
	cats := make([]*Catalog, 0, len(files))
	for _, f := range files {
		c, err := LoadFile(f)
		if err != nil {
			return nil, err
		}
		cats = append(cats, c)
	}
	return Merge(cats...)
}

// Load resolves path to a catalog: a directory is discovered with patterns,
// anything else is loaded as a single file.
func Load(path string, patterns []string) (*Catalog, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	if info.IsDir() {
		return LoadDir(path, patterns)
	}
	return LoadFile(path)
}
