package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const versionFileExt = ".json"

// FileStore persists one JSON file per (workflow, version) under
// <dir>/<workflow_id>/<version>.json. Files are append-only: a version is
// written to a temp file, fsynced, then published with os.Link, which fails
// when the target exists. That exclusive publish is what makes exactly one
// concurrent writer win each version, across processes too. The directory
// is fsynced after each link so a published version survives a crash.
type FileStore struct {
	dir     string
	opts    options
	syncDir func(dir string) error
}

// NewFileStore returns a store rooted at dir, creating it if needed.
func NewFileStore(dir string, opts ...Option) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state directory %q: %w", dir, err)
	}
	return &FileStore{dir: dir, opts: buildOptions(opts), syncDir: fsyncDir}, nil
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close() //nolint:errcheck
	return d.Sync()
}

func (f *FileStore) workflowDir(workflowID string) (string, error) {
	if workflowID == "" || workflowID == "." || workflowID == ".." ||
		strings.ContainsAny(workflowID, `/\`) {
		return "", fmt.Errorf("invalid workflow id %q", workflowID)
	}
	return filepath.Join(f.dir, workflowID), nil
}

func versionFile(dir string, version int) string {
	return filepath.Join(dir, fmt.Sprintf("%010d%s", version, versionFileExt))
}

// Create implements Store.
func (f *FileStore) Create(ctx context.Context, workflowID string, metadata map[string]string) (WorkflowState, error) {
	if err := ctx.Err(); err != nil {
		return WorkflowState{}, err
	}
	dir, err := f.workflowDir(workflowID)
	if err != nil {
		return WorkflowState{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return WorkflowState{}, fmt.Errorf("creating workflow directory %q: %w", dir, err)
	}
	if err := f.syncDir(f.dir); err != nil {
		return WorkflowState{}, fmt.Errorf("syncing state directory %q: %w", f.dir, err)
	}
	st := newState(workflowID, metadata, f.opts.now())
	if err := f.publish(dir, st); err != nil {
		if errors.Is(err, os.ErrExist) {
			return WorkflowState{}, fmt.Errorf("workflow %s: %w", workflowID, ErrAlreadyExists)
		}
		return WorkflowState{}, err
	}
	f.opts.debug("workflow created", "workflow", workflowID, "dir", dir)
	return st, nil
}

// Update implements Store.
func (f *FileStore) Update(ctx context.Context, workflowID string, patch Patch, expectedVersion int) (WorkflowState, error) {
	latest, err := f.Get(ctx, workflowID)
	if err != nil {
		return WorkflowState{}, err
	}
	next, err := successor(latest, patch, expectedVersion, f.opts.now())
	if err != nil {
		return WorkflowState{}, err
	}
	dir, _ := f.workflowDir(workflowID)
	if err := f.publish(dir, next); err != nil {
		if errors.Is(err, os.ErrExist) {
			return WorkflowState{}, lostRace(workflowID, next.version)
		}
		return WorkflowState{}, err
	}
	f.opts.debug("workflow updated", "workflow", workflowID, "version", next.version)
	return next, nil
}

// publish writes st durably and links it into place. The returned error
// wraps os.ErrExist when the version file is already present.
func (f *FileStore) publish(dir string, st WorkflowState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding workflow %s v%d: %w", st.id, st.version, err)
	}
	tmp, err := os.CreateTemp(dir, ".pending-*")
	if err != nil {
		return fmt.Errorf("creating temp state file in %q: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close() //nolint:errcheck
		return fmt.Errorf("syncing temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp state file: %w", err)
	}
	target := versionFile(dir, st.version)
	if err := os.Link(tmpName, target); err != nil {
		return fmt.Errorf("publishing %s: %w", target, err)
	}
	if err := f.syncDir(dir); err != nil {
		return fmt.Errorf("syncing %q after publishing v%d: %w", dir, st.version, err)
	}
	return nil
}

// versions lists the stored version numbers of a workflow in ascending order.
func (f *FileStore) versions(workflowID string) (string, []int, error) {
	dir, err := f.workflowDir(workflowID)
	if err != nil {
		return "", nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil, fmt.Errorf("workflow %s: %w", workflowID, ErrNotFound)
		}
		return "", nil, fmt.Errorf("reading workflow directory %q: %w", dir, err)
	}
	var out []int
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, versionFileExt) || strings.HasPrefix(name, ".") {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSuffix(name, versionFileExt))
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return "", nil, fmt.Errorf("workflow %s: %w", workflowID, ErrNotFound)
	}
	sort.Ints(out)
	return dir, out, nil
}

func (f *FileStore) read(dir string, version int) (WorkflowState, error) {
	path := versionFile(dir, version)
	data, err := os.ReadFile(path)
	if err != nil {
		return WorkflowState{}, fmt.Errorf("reading %s: %w", path, err)
	}
	var st WorkflowState
	if err := json.Unmarshal(data, &st); err != nil {
		return WorkflowState{}, fmt.Errorf("decoding %s: %w", path, err)
	}
	return st, nil
}

// MarkStepCompleted implements Store.
func (f *FileStore) MarkStepCompleted(ctx context.Context, workflowID, stepID string, result StepResult) (WorkflowState, error) {
	return markStepCompleted(ctx, f, workflowID, stepID, result)
}

// Get implements Store.
func (f *FileStore) Get(ctx context.Context, workflowID string) (WorkflowState, error) {
	if err := ctx.Err(); err != nil {
		return WorkflowState{}, err
	}
	dir, versions, err := f.versions(workflowID)
	if err != nil {
		return WorkflowState{}, err
	}
	return f.read(dir, versions[len(versions)-1])
}

// History implements Store.
func (f *FileStore) History(ctx context.Context, workflowID string) ([]WorkflowState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, versions, err := f.versions(workflowID)
	if err != nil {
		return nil, err
	}
	out := make([]WorkflowState, 0, len(versions))
	for _, v := range versions {
		st, err := f.read(dir, v)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// List implements Store.
func (f *FileStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("reading state directory %q: %w", f.dir, err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Archive implements Store.
func (f *FileStore) Archive(ctx context.Context, workflowID string, keepLast int) (int, error) {
	if err := validateKeepLast(keepLast); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	dir, versions, err := f.versions(workflowID)
	if err != nil {
		return 0, err
	}
	if len(versions) <= keepLast {
		return 0, nil
	}
	removed := 0
	for _, v := range versions[:len(versions)-keepLast] {
		if err := os.Remove(versionFile(dir, v)); err != nil {
			return removed, fmt.Errorf("archiving workflow %s v%d: %w", workflowID, v, err)
		}
		removed++
	}
	f.opts.debug("workflow archived", "workflow", workflowID, "removed", removed)
	return removed, nil
}
