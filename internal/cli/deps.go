package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/AbdelazizMoustafa10m/Corvid/internal/catalog"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/choreo"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/config"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/controller"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/logging"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/metrics"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/orchestrator"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/resilience"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/state"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/steps"
	"github.com/AbdelazizMoustafa10m/Corvid/internal/validation"
)

// runtime is everything a command needs to run workflows, built from the
// resolved configuration.
type runtime struct {
	cfg      *config.Config
	store    state.Store
	catalog  *catalog.Catalog
	registry *controller.MapRegistry
	metrics  *metrics.Recorder
	manager  *resilience.Manager
	ctrl     *controller.Controller
	orch     *orchestrator.Orchestrator

	closers []func()
}

// runtimeOpts selects the optional parts of a runtime.
type runtimeOpts struct {
	// withCatalog loads and lints the catalog. Without it the orchestrator
	// can pause, cancel and report but not run steps.
	withCatalog bool
	// delegate wires the choreographer bridge when [bridge] is enabled.
	delegate bool
	// executorOnly starts an executor without an orchestrator-side bridge.
	executorOnly bool
	events       chan<- orchestrator.Event
}

// newRuntime opens the store, loads the catalog and wires the controller,
// resilience manager and orchestrator. Close releases everything it opened.
func newRuntime(ctx context.Context, cfg *config.Config, ro runtimeOpts) (*runtime, error) {
	rt := &runtime{cfg: cfg, metrics: metrics.New(), registry: controller.NewMapRegistry()}
	steps.Register(rt.registry)

	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	rt.store = store
	rt.closers = append(rt.closers, closeStore)

	if !ro.withCatalog {
		// Pause, cancel and status only touch the store.
		empty, err := catalog.New("none", "", nil)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.ctrl = controller.New(rt.registry)
		rt.orch = orchestrator.New(rt.store, empty, rt.ctrl,
			orchestrator.WithLogger(logging.New("orchestrator")),
			orchestrator.WithMetrics(rt.metrics),
		)
		return rt, nil
	}

	cat, err := catalog.Load(cfg.Catalog.Path, cfg.Catalog.Patterns)
	if err != nil {
		rt.Close()
		return nil, err
	}
	if lint := catalog.Lint(cat, rt.registry); len(lint.Errors) > 0 {
		rt.Close()
		first := lint.Errors[0]
		return nil, fmt.Errorf("catalog %s has %d error(s); first: [%s] %s: %s",
			cat.Name, len(lint.Errors), first.Code, first.Step, first.Message)
	}
	rt.catalog = cat

	quotas := resilience.NewQuotas()
	for component, q := range cfg.Quotas {
		quotas.Set(component, q.Rate, q.Burst)
	}
	rt.manager = resilience.NewManager(
		resilience.WithLogger(logging.New("resilience")),
		resilience.WithMetrics(rt.metrics),
		resilience.WithBreakerConfig(resilience.BreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			MinRequests:      cfg.Breaker.MinRequests,
			Cooldown:         cfg.Breaker.Cooldown.Duration,
			Window:           cfg.Breaker.Window.Duration,
		}),
		resilience.WithQuotas(quotas),
		resilience.WithCompensationAttempts(cfg.Orchestrator.CompensationAttempts),
	)

	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())))
	otel.SetTracerProvider(tp)
	rt.closers = append(rt.closers, func() { _ = tp.Shutdown(context.Background()) })

	ctrlOpts := []controller.Option{
		controller.WithLogger(logging.New("controller")),
		controller.WithMetrics(rt.metrics),
		controller.WithResilience(rt.manager, cfg.Retry.Policy()),
		controller.WithTracer(tp.Tracer("corvid/controller")),
	}
	if cfg.Orchestrator.ValidateOutputs {
		ctrlOpts = append(ctrlOpts, controller.WithValidation(validation.New(
			validation.WithMetrics(rt.metrics),
			validation.WithLogger(logging.New("validation")),
		)))
	}
	rt.ctrl = controller.New(rt.registry, ctrlOpts...)

	orchOpts := []orchestrator.Option{
		orchestrator.WithLogger(logging.New("orchestrator")),
		orchestrator.WithMetrics(rt.metrics),
		orchestrator.WithPoolSize(cfg.Orchestrator.PoolSize),
		orchestrator.WithFailFast(cfg.Orchestrator.FailFast),
		orchestrator.WithResilience(rt.manager),
		orchestrator.WithRetry(cfg.Retry.Policy()),
	}
	if ro.events != nil {
		orchOpts = append(orchOpts, orchestrator.WithEventChannel(ro.events))
	}
	for group, d := range cfg.Bridge.GroupTimeouts {
		orchOpts = append(orchOpts, orchestrator.WithGroupTimeout(group, d.Duration))
	}

	if cfg.Bridge.Enabled && (ro.delegate || ro.executorOnly) {
		bridge, err := rt.startBridge(ctx, ro.executorOnly)
		if err != nil {
			rt.Close()
			return nil, err
		}
		if bridge != nil {
			orchOpts = append(orchOpts, orchestrator.WithDelegator(bridge))
		}
	}

	rt.orch = orchestrator.New(rt.store, rt.catalog, rt.ctrl, orchOpts...)
	return rt, nil
}

// startBridge opens the event bus, starts an in-process executor when
// configured and, unless executorOnly, the orchestrator-side bridge.
func (rt *runtime) startBridge(ctx context.Context, executorOnly bool) (*choreo.Bridge, error) {
	bc := rt.cfg.Bridge
	bus, closeBus, err := openBus(bc)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, closeBus)

	if bc.Executor || executorOnly {
		exec := choreo.NewExecutor(bus, rt.catalog, rt.ctrl,
			choreo.WithExecutorLogger(logging.New("executor")),
			choreo.WithPoolSize(bc.ExecutorPool),
		)
		stop, err := exec.Start(ctx)
		if err != nil {
			return nil, fmt.Errorf("starting executor: %w", err)
		}
		rt.closers = append(rt.closers, stop)
	}
	if executorOnly {
		return nil, nil
	}

	bridge, err := choreo.NewBridge(ctx, bus,
		choreo.WithBridgeLogger(logging.New("bridge")),
		choreo.WithDefaultTimeout(bc.Timeout.Duration),
	)
	if err != nil {
		return nil, fmt.Errorf("starting bridge: %w", err)
	}
	rt.closers = append(rt.closers, bridge.Close)
	return bridge, nil
}

// Close releases resources in reverse order of acquisition.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

// openStore builds the configured state store.
func openStore(ctx context.Context, sc config.StoreConfig) (state.Store, func(), error) {
	opts := []state.Option{state.WithLogger(logging.New("store"))}
	switch sc.Backend {
	case config.StoreMemory, "":
		return state.NewMemoryStore(opts...), func() {}, nil
	case config.StoreFile:
		fs, err := state.NewFileStore(sc.Dir, opts...)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() {}, nil
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{Addr: sc.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connecting to redis at %s: %w", sc.RedisAddr, err)
		}
		return state.NewRedisStore(client, sc.RedisPrefix, opts...), func() { _ = client.Close() }, nil
	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, sc.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		ps := state.NewPostgresStore(pool, opts...)
		if err := ps.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return ps, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", sc.Backend)
	}
}

// openBus builds the configured bridge transport. The returned function
// closes the bus and any client it owns.
func openBus(bc config.BridgeConfig) (choreo.Bus, func(), error) {
	switch bc.Transport {
	case config.BridgeMemory, "":
		bus := choreo.NewMemoryBus(logging.New("bus"))
		return bus, func() { _ = bus.Close() }, nil
	case config.BridgeRedis:
		client := redis.NewClient(&redis.Options{Addr: bc.RedisAddr})
		bus := choreo.NewRedisBus(client, bc.Group, consumerName(),
			choreo.WithStreamPrefix(bc.StreamPrefix),
			choreo.WithBusLogger(logging.New("bus")),
		)
		return bus, func() {
			_ = bus.Close()
			_ = client.Close()
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown bridge transport %q", bc.Transport)
	}
}

// consumerName identifies this process within a Redis consumer group.
func consumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "corvid"
	}
	return fmt.Sprintf("%s-%d", strings.ToLower(host), os.Getpid())
}
