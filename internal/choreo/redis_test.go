package choreo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AbdelazizMoustafa10m/Corvid/internal/catalog"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/controller"
)

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func newBusOn(t *testing.T, client *redis.Client, group, consumer string, opts ...RedisOption) *RedisBus {
	t.Helper()
	opts = append([]RedisOption{WithBlock(20 * time.Millisecond), WithStreamPrefix("test:events:")}, opts...)
	bus := NewRedisBus(client, group, consumer, opts...)
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func newRedisBus(t *testing.T, group string, opts ...RedisOption) (*RedisBus, *redis.Client) {
	t.Helper()
	client := newRedisClient(t)
	return newBusOn(t, client, group, "test-consumer", opts...), client
}

func pendingCount(t *testing.T, client *redis.Client, stream, group string) int64 {
	t.Helper()
	p, err := client.XPending(context.Background(), stream, group).Result()
	if err != nil {
		return -1
	}
	return p.Count
}

func TestRedisBus_PublishSubscribeAck(t *testing.T) {
	t.Parallel()

	bus, client := newRedisBus(t, "bridge")
	ctx := context.Background()

	got := make(chan Envelope, 1)
	_, err := bus.Subscribe(ctx, TypeCompleted, func(_ context.Context, env Envelope) error {
		got <- env
		return nil
	})
	require.NoError(t, err)

	env, err := NewEnvelope(TypeCompleted, "corr-1", Completed{Correlation: Correlation{CorrelationID: "corr-1"}}, time.Now())
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, env))

	select {
	case recv := <-got:
		assert.Equal(t, env.ID, recv.ID)
		assert.Equal(t, "corr-1", recv.CorrelationID)
		var c Completed
		require.NoError(t, recv.Decode(&c))
		assert.Equal(t, "corr-1", c.Correlation.CorrelationID)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	assert.Equal(t, "test:events:SubProcessCompleted", bus.StreamKey(TypeCompleted))
	assert.Equal(t, "bridge:test-consumer", bus.GroupFor(TypeCompleted))
	assert.Equal(t, "bridge", bus.GroupFor(TypeInitiated))
	assert.Eventually(t, func() bool {
		return pendingCount(t, client, bus.StreamKey(TypeCompleted), bus.GroupFor(TypeCompleted)) == 0
	}, 2*time.Second, 10*time.Millisecond, "handled entries are acknowledged")
}

func TestRedisBus_FailedHandlerLeavesEntryPending(t *testing.T) {
	t.Parallel()

	bus, client := newRedisBus(t, "bridge")
	ctx := context.Background()

	var calls atomic.Int32
	_, err := bus.Subscribe(ctx, TypeFailed, func(context.Context, Envelope) error {
		calls.Add(1)
		return errors.New("not mine")
	})
	require.NoError(t, err)

	env, err := NewEnvelope(TypeFailed, "corr-2", Failed{ErrorCode: "TIMEOUT"}, time.Now())
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, env))

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), pendingCount(t, client, bus.StreamKey(TypeFailed), bus.GroupFor(TypeFailed)))
}

func TestRedisBus_UndeliverableEntriesAreAcked(t *testing.T) {
	t.Parallel()

	bus, client := newRedisBus(t, "bridge")
	ctx := context.Background()

	var calls atomic.Int32
	_, err := bus.Subscribe(ctx, TypeCompleted, func(_ context.Context, env Envelope) error {
		calls.Add(1)
		return fmt.Errorf("%s: %w", env.CorrelationID, ErrUnknownCorrelation)
	})
	require.NoError(t, err)

	env, err := NewEnvelope(TypeCompleted, "corr-elsewhere", Completed{}, time.Now())
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, env))
	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{
		Stream: bus.StreamKey(TypeCompleted),
		Values: map[string]any{"data": "{not json"},
	}).Err())

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return pendingCount(t, client, bus.StreamKey(TypeCompleted), bus.GroupFor(TypeCompleted)) == 0
	}, 2*time.Second, 10*time.Millisecond, "foreign and undecodable entries do not stay pending")
}

func TestRedisBus_ReclaimsStalledEntries(t *testing.T) {
	t.Parallel()

	bus, client := newRedisBus(t, "workers", WithReclaim(30*time.Millisecond, 20*time.Millisecond))
	ctx := context.Background()

	var calls atomic.Int32
	_, err := bus.Subscribe(ctx, TypeInitiated, func(context.Context, Envelope) error {
		if calls.Add(1) == 1 {
			return errors.New("executor restarting")
		}
		return nil
	})
	require.NoError(t, err)

	env, err := NewEnvelope(TypeInitiated, "corr-3", Initiated{Group: "g"}, time.Now())
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, env))

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 3*time.Second, 10*time.Millisecond, "stalled entry is claimed again")
	assert.Eventually(t, func() bool {
		return pendingCount(t, client, bus.StreamKey(TypeInitiated), bus.GroupFor(TypeInitiated)) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRedisBus_CloseDestroysFanOutGroups(t *testing.T) {
	t.Parallel()

	client := newRedisClient(t)
	bus := NewRedisBus(client, "corvid", "host-a", WithBlock(20*time.Millisecond))
	ctx := context.Background()
	noop := func(context.Context, Envelope) error { return nil }
	for _, typ := range []EventType{TypeInitiated, TypeCompleted} {
		_, err := bus.Subscribe(ctx, typ, noop)
		require.NoError(t, err)
	}
	require.NoError(t, bus.Close())

	groups := func(typ EventType) []string {
		infos, err := client.XInfoGroups(ctx, bus.StreamKey(typ)).Result()
		require.NoError(t, err)
		names := make([]string, 0, len(infos))
		for _, g := range infos {
			names = append(names, g.Name)
		}
		return names
	}
	assert.Equal(t, []string{"corvid"}, groups(TypeInitiated), "the shared work queue survives")
	assert.Empty(t, groups(TypeCompleted))
}

func TestRedisBus_SubscribeTwiceReusesGroup(t *testing.T) {
	t.Parallel()

	bus, _ := newRedisBus(t, "g")
	ctx := context.Background()
	noop := func(context.Context, Envelope) error { return nil }

	stop, err := bus.Subscribe(ctx, TypeInitiated, noop)
	require.NoError(t, err)
	stop()
	_, err = bus.Subscribe(ctx, TypeInitiated, noop)
	assert.NoError(t, err, "BUSYGROUP is not an error")

	require.NoError(t, bus.Close())
	_, err = bus.Subscribe(ctx, TypeInitiated, noop)
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestBridge_OverRedisStreams(t *testing.T) {
	t.Parallel()

	bus, _ := newRedisBus(t, "corvid")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bridge, err := NewBridge(ctx, bus)
	require.NoError(t, err)
	defer bridge.Close()

	cat, err := catalog.New("remote", "v1", []catalog.StepContext{
		{StepID: "score", Component: "scorer", Method: "run"},
	})
	require.NoError(t, err)
	reg := controller.NewMapRegistry()
	reg.Register("scorer", "run", func(_ context.Context, call controller.Call) (any, error) {
		return map[string]any{"seed": call.Seed, "workflow": call.WorkflowID}, nil
	})
	stop, err := NewExecutor(bus, cat, controller.New(reg)).Start(ctx)
	require.NoError(t, err)
	defer stop()

	out, err := bridge.Delegate(ctx, Request{WorkflowID: "wf-r", Group: "remote", StepIDs: []string{"score"}, Timeout: 5 * time.Second})
	require.NoError(t, err)
	require.True(t, out.Succeeded(), "%+v", out.Failed)
	assert.Equal(t, []string{"score"}, out.Completed.StepsSuccessful)
	assert.Contains(t, string(out.Completed.OutputData["score"]), `"workflow":"wf-r"`)
}

func TestBridge_TwoBridgesShareRedisGroup(t *testing.T) {
	t.Parallel()

	client := newRedisClient(t)
	busA := newBusOn(t, client, "corvid", "host-a")
	busB := newBusOn(t, client, "corvid", "host-b")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bridgeA, err := NewBridge(ctx, busA)
	require.NoError(t, err)
	defer bridgeA.Close()
	bridgeB, err := NewBridge(ctx, busB)
	require.NoError(t, err)
	defer bridgeB.Close()

	cat, err := catalog.New("remote", "v1", []catalog.StepContext{
		{StepID: "score", Component: "scorer", Method: "run"},
	})
	require.NoError(t, err)
	reg := controller.NewMapRegistry()
	reg.Register("scorer", "run", func(_ context.Context, call controller.Call) (any, error) {
		return map[string]any{"workflow": call.WorkflowID}, nil
	})
	stop, err := NewExecutor(busA, cat, controller.New(reg)).Start(ctx)
	require.NoError(t, err)
	defer stop()

	const n = 10
	var wg sync.WaitGroup
	outcomes := make([]Outcome, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = bridgeA.Delegate(ctx, Request{
				WorkflowID: fmt.Sprintf("wf-%02d", i),
				Group:      "remote",
				StepIDs:    []string{"score"},
				Timeout:    2 * time.Second,
			})
		}(i)
	}
	wg.Wait()

	for i := range n {
		require.NoError(t, errs[i])
		assert.True(t, outcomes[i].Succeeded(), "delegation %d: %+v", i, outcomes[i].Failed)
		assert.False(t, outcomes[i].TimedOut, "delegation %d", i)
	}
	assert.Zero(t, bridgeA.Pending())

	stream := busA.StreamKey(TypeCompleted)
	assert.NotEqual(t, busA.GroupFor(TypeCompleted), busB.GroupFor(TypeCompleted))
	assert.Eventually(t, func() bool {
		return pendingCount(t, client, stream, busA.GroupFor(TypeCompleted)) == 0 &&
			pendingCount(t, client, stream, busB.GroupFor(TypeCompleted)) == 0
	}, 2*time.Second, 10*time.Millisecond, "bridge B acknowledges outcomes it never asked for")
}
