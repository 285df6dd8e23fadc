package choreo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/AbdelazizMoustafa10m/Corvid/internal/detid"
)

// DefaultTimeout bounds a delegation without its own timeout.
const DefaultTimeout = 5 * time.Minute

var (
	// ErrUnknownCorrelation rejects an outcome no pending delegation
	// expects. It has no effect on any workflow.
	ErrUnknownCorrelation = errors.New("unknown correlation id")
	// ErrAlreadyPending rejects a second delegation with a correlation id
	// that is still waiting.
	ErrAlreadyPending = errors.New("delegation already pending")
	// ErrCorrelationMismatch rejects an outcome whose correlation context
	// disagrees with the pending request.
	ErrCorrelationMismatch = errors.New("correlation context mismatch")
	// ErrMalformedOutcome rejects an outcome whose payload does not decode.
	ErrMalformedOutcome = errors.New("malformed outcome event")
)

// DefaultSeenTTL is how long a resolved (correlation id, type) pair is
// remembered for duplicate suppression.
const DefaultSeenTTL = 10 * time.Minute

// Undeliverable reports whether err means a handler can never accept the
// event: it belongs to another bridge or cannot be decoded. Buses with
// redelivery acknowledge such events instead of retrying them.
func Undeliverable(err error) bool {
	return errors.Is(err, ErrUnknownCorrelation) ||
		errors.Is(err, ErrCorrelationMismatch) ||
		errors.Is(err, ErrMalformedOutcome)
}

// Request describes one delegation.
type Request struct {
	WorkflowID string
	Group      string
	StepIDs    []string
	// Attempt is 1-indexed and part of the correlation id.
	Attempt   int
	Input     map[string]json.RawMessage
	Timeout   time.Duration
	Dimension string
	Partition string
}

// Outcome is the resolved result of a delegation. Exactly one of Completed
// and Failed is set.
type Outcome struct {
	Correlation Correlation
	Completed   *Completed
	Failed      *Failed
	// TimedOut marks a failure synthesised by the bridge.
	TimedOut bool
}

// Succeeded reports whether the sub-process completed.
func (o Outcome) Succeeded() bool { return o.Completed != nil }

type pending struct {
	corr Correlation
	done chan Outcome
}

type seenKey struct {
	correlationID string
	eventType     EventType
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithBridgeLogger sets the bridge logger. A nil logger is silent.
func WithBridgeLogger(l *log.Logger) BridgeOption {
	return func(b *Bridge) { b.logger = l }
}

// WithDefaultTimeout overrides DefaultTimeout.
func WithDefaultTimeout(d time.Duration) BridgeOption {
	return func(b *Bridge) { b.defaultTimeout = d }
}

// WithSeenTTL overrides DefaultSeenTTL.
func WithSeenTTL(d time.Duration) BridgeOption {
	return func(b *Bridge) { b.seenTTL = d }
}

// WithBridgeClock replaces time.Now for event timestamps and seen-entry
// expiry.
func WithBridgeClock(now func() time.Time) BridgeOption {
	return func(b *Bridge) { b.now = now }
}

// Bridge publishes delegation triggers and resolves outcome events against
// pending requests by correlation id.
type Bridge struct {
	bus            Bus
	logger         *log.Logger
	defaultTimeout time.Duration
	seenTTL        time.Duration
	now            func() time.Time

	mu        sync.Mutex
	pending   map[string]*pending
	seen      map[seenKey]time.Time
	lastPrune time.Time
	unsubs    []func()
}

// NewBridge subscribes to outcome events on bus.
func NewBridge(ctx context.Context, bus Bus, opts ...BridgeOption) (*Bridge, error) {
	b := &Bridge{
		bus:            bus,
		defaultTimeout: DefaultTimeout,
		seenTTL:        DefaultSeenTTL,
		now:            time.Now,
		pending:        make(map[string]*pending),
		seen:           make(map[seenKey]time.Time),
	}
	for _, opt := range opts {
		opt(b)
	}
	for _, t := range []EventType{TypeCompleted, TypeFailed} {
		unsub, err := bus.Subscribe(ctx, t, b.Handle)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("bridge: subscribe %s: %w", t, err)
		}
		b.unsubs = append(b.unsubs, unsub)
	}
	return b, nil
}

// Close removes the bridge's subscriptions. Pending delegations keep
// waiting for their timeouts.
func (b *Bridge) Close() {
	b.mu.Lock()
	unsubs := b.unsubs
	b.unsubs = nil
	b.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

// Pending returns the number of delegations awaiting an outcome.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Delegate publishes a SubProcessInitiated event for req and blocks until
// the matching outcome arrives, the timeout elapses or ctx is done. A
// timeout resolves to a synthesised failure with code TIMEOUT; only ctx
// cancellation and publish failures return an error.
func (b *Bridge) Delegate(ctx context.Context, req Request) (Outcome, error) {
	if req.Attempt < 1 {
		req.Attempt = 1
	}
	corr := Correlation{
		CorrelationID: detid.CorrelationID(req.WorkflowID, req.Group, req.Attempt),
		WorkflowID:    req.WorkflowID,
		StepIDs:       append([]string(nil), req.StepIDs...),
		Dimension:     req.Dimension,
		Partition:     req.Partition,
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = b.defaultTimeout
	}

	p := &pending{corr: corr, done: make(chan Outcome, 1)}
	b.mu.Lock()
	if _, dup := b.pending[corr.CorrelationID]; dup {
		b.mu.Unlock()
		return Outcome{}, fmt.Errorf("%s: %w", corr.CorrelationID, ErrAlreadyPending)
	}
	b.pending[corr.CorrelationID] = p
	b.mu.Unlock()

	env, err := NewEnvelope(TypeInitiated, corr.CorrelationID, Initiated{
		Correlation: corr,
		Group:       req.Group,
		InputData:   req.Input,
		Timeout:     timeout,
	}, b.now())
	if err == nil {
		err = b.bus.Publish(ctx, env)
	}
	if err != nil {
		b.forget(corr.CorrelationID)
		return Outcome{}, fmt.Errorf("bridge: publish trigger: %w", err)
	}
	if b.logger != nil {
		b.logger.Info("sub-process initiated", "workflow", req.WorkflowID, "group", req.Group, "correlation", corr.CorrelationID, "attempt", req.Attempt)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-p.done:
		return out, nil
	case <-timer.C:
		if out, ok := b.timeout(corr, timeout); ok {
			return out, nil
		}
		// An outcome won the race against the timer.
		return <-p.done, nil
	case <-ctx.Done():
		b.forget(corr.CorrelationID)
		return Outcome{}, ctx.Err()
	}
}

// timeout resolves a pending delegation with a synthesised failure. It
// reports false when the delegation was already resolved.
func (b *Bridge) timeout(corr Correlation, after time.Duration) (Outcome, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending[corr.CorrelationID]; !ok {
		return Outcome{}, false
	}
	delete(b.pending, corr.CorrelationID)
	b.remember(seenKey{corr.CorrelationID, TypeFailed})
	if b.logger != nil {
		b.logger.Warn("sub-process timed out", "correlation", corr.CorrelationID, "after", after)
	}
	return Outcome{
		Correlation: corr,
		TimedOut:    true,
		Failed: &Failed{
			Correlation:  corr,
			ErrorCode:    CodeTimeout,
			ErrorMessage: fmt.Sprintf("no outcome within %s", after),
		},
	}, true
}

// remember records key as resolved and drops entries older than seenTTL.
// Callers hold b.mu.
func (b *Bridge) remember(key seenKey) {
	now := b.now()
	b.seen[key] = now
	if b.seenTTL <= 0 || now.Sub(b.lastPrune) < b.seenTTL/4 {
		return
	}
	b.lastPrune = now
	for k, at := range b.seen {
		if now.Sub(at) > b.seenTTL {
			delete(b.seen, k)
		}
	}
}

func (b *Bridge) forget(correlationID string) {
	b.mu.Lock()
	delete(b.pending, correlationID)
	b.mu.Unlock()
}

// Handle resolves an outcome event. A repeated (correlation id, type) pair
// is ignored while it is younger than the seen TTL. An unknown correlation id returns ErrUnknownCorrelation and
// changes nothing.
func (b *Bridge) Handle(_ context.Context, env Envelope) error {
	var (
		corr Correlation
		out  Outcome
	)
	switch env.Type {
	case TypeCompleted:
		var c Completed
		if err := env.Decode(&c); err != nil {
			return fmt.Errorf("%s: %w: %v", env.CorrelationID, ErrMalformedOutcome, err)
		}
		corr, out.Completed = c.Correlation, &c
	case TypeFailed:
		var f Failed
		if err := env.Decode(&f); err != nil {
			return fmt.Errorf("%s: %w: %v", env.CorrelationID, ErrMalformedOutcome, err)
		}
		corr, out.Failed = f.Correlation, &f
	default:
		return fmt.Errorf("bridge: unexpected event type %q", env.Type)
	}
	if corr.CorrelationID == "" {
		corr.CorrelationID = env.CorrelationID
	}

	b.mu.Lock()
	key := seenKey{corr.CorrelationID, env.Type}
	if at, dup := b.seen[key]; dup && (b.seenTTL <= 0 || b.now().Sub(at) <= b.seenTTL) {
		b.mu.Unlock()
		return nil
	}
	p, ok := b.pending[corr.CorrelationID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%s: %w", corr.CorrelationID, ErrUnknownCorrelation)
	}
	if corr.WorkflowID != "" && corr.WorkflowID != p.corr.WorkflowID {
		b.mu.Unlock()
		return fmt.Errorf("%s: workflow %s, expected %s: %w", corr.CorrelationID, corr.WorkflowID, p.corr.WorkflowID, ErrCorrelationMismatch)
	}
	b.remember(key)
	delete(b.pending, corr.CorrelationID)
	b.mu.Unlock()

	out.Correlation = p.corr
	p.done <- out
	if b.logger != nil {
		b.logger.Info("sub-process resolved", "correlation", corr.CorrelationID, "type", env.Type)
	}
	return nil
}
