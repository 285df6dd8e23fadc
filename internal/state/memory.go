package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps every version in process memory.
type MemoryStore struct {
	opts options

	mu       sync.Mutex
	versions map[string][]WorkflowState
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{opts: buildOptions(opts), versions: make(map[string][]WorkflowState)}
}

// Create implements Store.
func (m *MemoryStore) Create(ctx context.Context, workflowID string, metadata map[string]string) (WorkflowState, error) {
	if err := ctx.Err(); err != nil {
		return WorkflowState{}, err
	}
	st := newState(workflowID, metadata, m.opts.now())

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.versions[workflowID]; ok {
		return WorkflowState{}, fmt.Errorf("workflow %s: %w", workflowID, ErrAlreadyExists)
	}
	m.versions[workflowID] = []WorkflowState{st}
	m.opts.debug("workflow created", "workflow", workflowID)
	return st, nil
}

// Update implements Store.
func (m *MemoryStore) Update(ctx context.Context, workflowID string, patch Patch, expectedVersion int) (WorkflowState, error) {
	if err := ctx.Err(); err != nil {
		return WorkflowState{}, err
	}
	now := m.opts.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	history, ok := m.versions[workflowID]
	if !ok {
		return WorkflowState{}, fmt.Errorf("workflow %s: %w", workflowID, ErrNotFound)
	}
	next, err := successor(history[len(history)-1], patch, expectedVersion, now)
	if err != nil {
		return WorkflowState{}, err
	}
	m.versions[workflowID] = append(history, next)
	m.opts.debug("workflow updated", "workflow", workflowID, "version", next.version)
	return next, nil
}

// MarkStepCompleted implements Store.
func (m *MemoryStore) MarkStepCompleted(ctx context.Context, workflowID, stepID string, result StepResult) (WorkflowState, error) {
	return markStepCompleted(ctx, m, workflowID, stepID, result)
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, workflowID string) (WorkflowState, error) {
	if err := ctx.Err(); err != nil {
		return WorkflowState{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	history, ok := m.versions[workflowID]
	if !ok {
		return WorkflowState{}, fmt.Errorf("workflow %s: %w", workflowID, ErrNotFound)
	}
	return history[len(history)-1], nil
}

// History implements Store.
func (m *MemoryStore) History(ctx context.Context, workflowID string) ([]WorkflowState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	history, ok := m.versions[workflowID]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", workflowID, ErrNotFound)
	}
	return append([]WorkflowState(nil), history...), nil
}

// List implements Store.
func (m *MemoryStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.versions))
	for id := range m.versions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Archive implements Store.
func (m *MemoryStore) Archive(ctx context.Context, workflowID string, keepLast int) (int, error) {
	if err := validateKeepLast(keepLast); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	history, ok := m.versions[workflowID]
	if !ok {
		return 0, fmt.Errorf("workflow %s: %w", workflowID, ErrNotFound)
	}
	if len(history) <= keepLast {
		return 0, nil
	}
	removed := len(history) - keepLast
	m.versions[workflowID] = append([]WorkflowState(nil), history[removed:]...)
	return removed, nil
}
