package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AbdelazizMoustafa10m/Corvid/internal/failure"
)

// storeFactory returns a fresh, empty store for one subtest.
type storeFactory func(t *testing.T) Store

func fixedClock() func() time.Time {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	n := 0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

// advanceTo performs no-op metadata updates until id reaches version.
func advanceTo(t *testing.T, s Store, id string, version int) WorkflowState {
	t.Helper()
	ctx := context.Background()
	st, err := s.Get(ctx, id)
	require.NoError(t, err)
	for st.Version() < version {
		st, err = s.Update(ctx, id, Patch{Metadata: map[string]string{"tick": fmt.Sprint(st.Version())}}, st.Version())
		require.NoError(t, err)
	}
	return st
}

// runStoreSuite exercises the behaviour every backend must share.
func runStoreSuite(t *testing.T, newStore storeFactory) {
	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		created, err := s.Create(ctx, "W1", map[string]string{"tenant": "acme"})
		require.NoError(t, err)
		assert.Equal(t, 1, created.Version())
		assert.Equal(t, StatusCreated, created.Status())
		assert.Empty(t, created.CompletedSteps())

		got, err := s.Get(ctx, "W1")
		require.NoError(t, err)
		assert.Equal(t, created.Version(), got.Version())
		v, ok := got.MetadataValue("tenant")
		assert.True(t, ok)
		assert.Equal(t, "acme", v)

		_, err = s.Create(ctx, "W1", nil)
		assert.ErrorIs(t, err, ErrAlreadyExists)

		_, err = s.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.Update(ctx, "missing", Patch{Status: StatusRunning}, 1)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("versions increase by one and stale updates conflict", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.Create(ctx, "W1", nil)
		require.NoError(t, err)

		v2, err := s.Update(ctx, "W1", Patch{Status: StatusRunning}, 1)
		require.NoError(t, err)
		assert.Equal(t, 2, v2.Version())

		v3, err := s.Update(ctx, "W1", Patch{CompleteSteps: []string{"a"}}, 2)
		require.NoError(t, err)
		assert.Equal(t, 3, v3.Version())

		_, err = s.Update(ctx, "W1", Patch{CompleteSteps: []string{"b"}}, 2)
		require.Error(t, err)
		assert.ErrorIs(t, err, failure.ErrVersionConflict)
		assert.Equal(t, failure.KindVersionConflict, failure.KindOf(err))

		latest, err := s.Get(ctx, "W1")
		require.NoError(t, err)
		assert.Equal(t, 3, latest.Version(), "a rejected update stores nothing")
		assert.Equal(t, []string{"a"}, latest.CompletedSteps())

		history, err := s.History(ctx, "W1")
		require.NoError(t, err)
		require.Len(t, history, 3)
		for i, st := range history {
			assert.Equal(t, i+1, st.Version())
		}
		assert.Equal(t, StatusCreated, history[0].Status())
		assert.Equal(t, StatusRunning, history[1].Status())
	})

	t.Run("concurrent updates at the same version", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.Create(ctx, "W2", nil)
		require.NoError(t, err)
		advanceTo(t, s, "W2", 4)

		var (
			wg        sync.WaitGroup
			start     = make(chan struct{})
			results   = make([]WorkflowState, 2)
			errs      = make([]error, 2)
			stepNames = []string{"left", "right"}
		)
		for i := range 2 {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				results[i], errs[i] = s.Update(ctx, "W2", Patch{CompleteSteps: []string{stepNames[i]}}, 4)
			}(i)
		}
		close(start)
		wg.Wait()

		var won, conflicted int
		for i := range 2 {
			switch {
			case errs[i] == nil:
				won++
				assert.Equal(t, 5, results[i].Version())
			case errors.Is(errs[i], failure.ErrVersionConflict):
				conflicted++
			default:
				t.Fatalf("unexpected error: %v", errs[i])
			}
		}
		assert.Equal(t, 1, won)
		assert.Equal(t, 1, conflicted)

		latest, err := s.Get(ctx, "W2")
		require.NoError(t, err)
		assert.Equal(t, 5, latest.Version())
		assert.Len(t, latest.CompletedSteps(), 1)
	})

	t.Run("mark step completed retries through conflicts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.Create(ctx, "W3", nil)
		require.NoError(t, err)

		const n = 6
		var wg sync.WaitGroup
		for i := range n {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				step := fmt.Sprintf("step-%d", i)
				_, err := s.MarkStepCompleted(ctx, "W3", step, StepResult{
					Status: StepCompleted,
					Output: json.RawMessage(`{"n":1}`),
				})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		latest, err := s.Get(ctx, "W3")
		require.NoError(t, err)
		assert.Equal(t, 1+n, latest.Version())
		assert.Len(t, latest.CompletedSteps(), n)
		assert.Len(t, latest.StepResults(), n)

		_, err = s.MarkStepCompleted(ctx, "W3", "skipped", StepResult{Status: StepSkipped, Reason: "dependency a not completed"})
		require.NoError(t, err)
		latest, err = s.Get(ctx, "W3")
		require.NoError(t, err)
		assert.False(t, latest.IsCompleted("skipped"), "only COMPLETED results join completed_steps")
		r, ok := latest.StepResult("skipped")
		require.True(t, ok)
		assert.Equal(t, "dependency a not completed", r.Reason)
	})

	t.Run("terminal status cannot be left", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.Create(ctx, "W4", nil)
		require.NoError(t, err)
		_, err = s.Update(ctx, "W4", Patch{Status: StatusCancelled}, 1)
		require.NoError(t, err)

		_, err = s.Update(ctx, "W4", Patch{Status: StatusRunning}, 2)
		assert.ErrorIs(t, err, ErrInvalidTransition)

		_, err = s.MarkStepCompleted(ctx, "W4", "late", StepResult{Status: StepCompleted})
		assert.NoError(t, err, "in-flight results are still recorded after cancellation")
	})

	t.Run("list and archive", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for _, id := range []string{"b", "a"} {
			_, err := s.Create(ctx, id, nil)
			require.NoError(t, err)
		}
		ids, err := s.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, ids)

		advanceTo(t, s, "a", 5)
		removed, err := s.Archive(ctx, "a", 2)
		require.NoError(t, err)
		assert.Equal(t, 3, removed)

		history, err := s.History(ctx, "a")
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, 4, history[0].Version())
		assert.Equal(t, 5, history[1].Version())

		next, err := s.Update(ctx, "a", Patch{Status: StatusRunning}, 5)
		require.NoError(t, err)
		assert.Equal(t, 6, next.Version())

		_, err = s.Archive(ctx, "a", 0)
		assert.Error(t, err)
	})
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	runStoreSuite(t, func(t *testing.T) Store {
		return NewMemoryStore(WithClock(fixedClock()))
	})
}

func TestFileStore(t *testing.T) {
	t.Parallel()
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewFileStore(t.TempDir(), WithClock(fixedClock()))
		require.NoError(t, err)
		return s
	})
}

func TestFileStore_RejectsPathLikeIDs(t *testing.T) {
	t.Parallel()

	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	for _, id := range []string{"", "..", "a/b", `a\b`} {
		_, err := s.Create(context.Background(), id, nil)
		assert.Error(t, err, "id %q", id)
	}
}

func TestFileStore_SyncsDirectoryAfterPublish(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	s, err := NewFileStore(root)
	require.NoError(t, err)
	var synced []string
	s.syncDir = func(dir string) error {
		synced = append(synced, dir)
		return fsyncDir(dir)
	}

	ctx := context.Background()
	_, err = s.Create(ctx, "W1", nil)
	require.NoError(t, err)
	_, err = s.Update(ctx, "W1", Patch{Status: StatusRunning}, 1)
	require.NoError(t, err)

	wf := filepath.Join(root, "W1")
	assert.Equal(t, []string{root, wf, wf}, synced)

	s.syncDir = func(string) error { return errors.New("disk gone") }
	_, err = s.Update(ctx, "W1", Patch{Status: StatusPaused}, 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk gone")
}

func TestWorkflowState_Immutable(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()
	v1, err := s.Create(ctx, "W1", map[string]string{"k": "v"})
	require.NoError(t, err)

	v2, err := s.MarkStepCompleted(ctx, "W1", "a", StepResult{
		Status: StepCompleted,
		Output: json.RawMessage(`{"x":1}`),
		Error:  &failure.Record{Kind: failure.KindTechnical, Message: "flaky"},
	})
	require.NoError(t, err)

	// Mutating accessor results must not reach the stored value.
	v2.Metadata()["k"] = "changed"
	v2.CompletedSteps()[0] = "changed"
	results := v2.StepResults()
	r := results["a"]
	r.Output[2] = 'y'
	r.Error.Message = "changed"
	delete(results, "a")

	again, err := s.Get(ctx, "W1")
	require.NoError(t, err)
	assert.Equal(t, "v", again.Metadata()["k"])
	assert.Equal(t, []string{"a"}, again.CompletedSteps())
	got, ok := again.StepResult("a")
	require.True(t, ok)
	assert.JSONEq(t, `{"x":1}`, string(got.Output))
	assert.Equal(t, "flaky", got.Error.Message)

	// An old snapshot is unaffected by later versions.
	assert.Equal(t, 1, v1.Version())
	assert.Empty(t, v1.CompletedSteps())
	_, ok = v1.StepResult("a")
	assert.False(t, ok)
}

func TestWorkflowState_JSONRoundTrip(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(WithClock(fixedClock()))
	ctx := context.Background()
	_, err := s.Create(ctx, "W1", map[string]string{"k": "v"})
	require.NoError(t, err)
	st, err := s.MarkStepCompleted(ctx, "W1", "a", StepResult{Status: StepCompleted, Seed: 42, Output: json.RawMessage(`[1,2]`)})
	require.NoError(t, err)

	data, err := json.Marshal(st)
	require.NoError(t, err)
	var decoded WorkflowState
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, st.ID(), decoded.ID())
	assert.Equal(t, st.Version(), decoded.Version())
	assert.Equal(t, st.CompletedSteps(), decoded.CompletedSteps())
	assert.True(t, st.UpdatedAt().Equal(decoded.UpdatedAt()))
	r, _ := decoded.StepResult("a")
	assert.Equal(t, int64(42), r.Seed)
}

func TestUpdateWithRetry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.Create(ctx, "W1", nil)
	require.NoError(t, err)

	calls := 0
	st, err := UpdateWithRetry(ctx, s, "W1", func(cur WorkflowState) (Patch, error) {
		calls++
		if calls == 1 {
			// A competing writer sneaks in between read and write.
			_, err := s.Update(ctx, "W1", Patch{Metadata: map[string]string{"other": "1"}}, cur.Version())
			require.NoError(t, err)
		}
		return Patch{Status: StatusRunning}, nil
	}, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 3, st.Version())
	assert.Equal(t, StatusRunning, st.Status())

	same, err := UpdateWithRetry(ctx, s, "W1", func(WorkflowState) (Patch, error) { return Patch{}, nil }, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, same.Version(), "empty patches are not written")

	boom := errors.New("boom")
	_, err = UpdateWithRetry(ctx, s, "W1", func(WorkflowState) (Patch, error) { return Patch{}, boom }, 0)
	assert.ErrorIs(t, err, boom)
}

func TestUpdateWithRetry_GivesUp(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.Create(ctx, "W1", nil)
	require.NoError(t, err)

	_, err = UpdateWithRetry(ctx, s, "W1", func(cur WorkflowState) (Patch, error) {
		_, err := s.Update(ctx, "W1", Patch{Metadata: map[string]string{"v": fmt.Sprint(cur.Version())}}, cur.Version())
		require.NoError(t, err)
		return Patch{Status: StatusRunning}, nil
	}, 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, failure.ErrVersionConflict)
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusCreated, StatusRunning, true},
		{StatusRunning, StatusWaitingForSubRun, true},
		{StatusWaitingForSubRun, StatusRunning, true},
		{StatusRunning, StatusPaused, true},
		{StatusPaused, StatusRunning, true},
		{StatusCompleted, StatusRunning, false},
		{StatusFailed, StatusRunning, false},
		{StatusCancelled, StatusPaused, false},
		{StatusCreated, StatusCompleted, false},
		{StatusCompleted, StatusCompleted, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}
