package resilience

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// BreakerState is a circuit breaker state.
type BreakerState int32

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	}
	return "UNKNOWN"
}

// BreakerConfig tunes every breaker in a set.
type BreakerConfig struct {
	// FailureThreshold is the failure rate in [0, 1] that opens the circuit.
	FailureThreshold float64
	// MinRequests is the number of calls observed before the rate counts.
	MinRequests int
	// Cooldown is how long the circuit stays open before one probe.
	Cooldown time.Duration
	// Window bounds how far back a closed breaker counts calls. Counts
	// restart when a window ends. Zero counts until the circuit opens.
	Window time.Duration
}

// DefaultBreakerConfig returns the engine-wide breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 0.5, MinRequests: 5, Cooldown: 30 * time.Second, Window: time.Minute}
}

// Breaker guards one component. Transitions are compare-and-swap on a single
// state word so concurrent workflows never see a torn state.
type Breaker struct {
	component string
	cfg       BreakerConfig
	now       func() time.Time
	notify    func(component string, from, to BreakerState)

	state       atomic.Int32
	openedAt    atomic.Int64
	windowStart atomic.Int64
	calls       atomic.Int64
	failures    atomic.Int64
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	return BreakerState(b.state.Load())
}

// Component returns the guarded component name.
func (b *Breaker) Component() string { return b.component }

// Allow reports whether a call may proceed. An open breaker past its cooldown
// admits exactly one caller, the probe, by moving to HALF_OPEN.
func (b *Breaker) Allow() bool {
	switch b.State() {
	case BreakerClosed:
		return true
	case BreakerOpen:
		opened := time.Unix(0, b.openedAt.Load())
		if b.now().Sub(opened) < b.cfg.Cooldown {
			return false
		}
		return b.transition(BreakerOpen, BreakerHalfOpen)
	default:
		return false
	}
}

// Record reports the result of an admitted call.
func (b *Breaker) Record(success bool) {
	switch b.State() {
	case BreakerHalfOpen:
		if success {
			if b.transition(BreakerHalfOpen, BreakerClosed) {
				b.calls.Store(0)
				b.failures.Store(0)
			}
			return
		}
		b.openedAt.Store(b.now().UnixNano())
		b.transition(BreakerHalfOpen, BreakerOpen)

	case BreakerClosed:
		b.roll()
		calls := b.calls.Add(1)
		failures := b.failures.Load()
		if !success {
			failures = b.failures.Add(1)
		}
		if calls < int64(b.cfg.MinRequests) {
			return
		}
		if float64(failures)/float64(calls) >= b.cfg.FailureThreshold {
			b.openedAt.Store(b.now().UnixNano())
			if b.transition(BreakerClosed, BreakerOpen) {
				b.calls.Store(0)
				b.failures.Store(0)
			}
		}
	}
}

// roll restarts the counts when the current window has ended. Only the
// caller that moves windowStart resets them.
func (b *Breaker) roll() {
	now := b.now().UnixNano()
	start := b.windowStart.Load()
	if start != 0 && (b.cfg.Window <= 0 || now-start < int64(b.cfg.Window)) {
		return
	}
	if b.windowStart.CompareAndSwap(start, now) && start != 0 {
		b.calls.Store(0)
		b.failures.Store(0)
	}
}

func (b *Breaker) transition(from, to BreakerState) bool {
	if !b.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	if b.notify != nil {
		b.notify(b.component, from, to)
	}
	return true
}

// Breakers is the per-component breaker set shared by all workflows.
type Breakers struct {
	cfg    BreakerConfig
	now    func() time.Time
	notify func(component string, from, to BreakerState)

	m sync.Map // component -> *Breaker
}

// NewBreakers creates an empty set. notify, when non-nil, observes every
// transition.
func NewBreakers(cfg BreakerConfig, now func() time.Time, notify func(component string, from, to BreakerState)) *Breakers {
	if now == nil {
		now = time.Now
	}
	if cfg.MinRequests < 1 {
		cfg.MinRequests = 1
	}
	if cfg.FailureThreshold <= 0 || cfg.FailureThreshold > 1 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	return &Breakers{cfg: cfg, now: now, notify: notify}
}

// For returns the breaker of component, creating it on first use.
func (bs *Breakers) For(component string) *Breaker {
	if b, ok := bs.m.Load(component); ok {
		return b.(*Breaker)
	}
	b, _ := bs.m.LoadOrStore(component, &Breaker{
		component: component,
		cfg:       bs.cfg,
		now:       bs.now,
		notify:    bs.notify,
	})
	return b.(*Breaker)
}

// BreakerStatus is a snapshot of one breaker.
type BreakerStatus struct {
	Component string `json:"component"`
	State     string `json:"state"`
}

// Snapshot returns every breaker's state sorted by component.
func (bs *Breakers) Snapshot() []BreakerStatus {
	var out []BreakerStatus
	bs.m.Range(func(k, v any) bool {
		out = append(out, BreakerStatus{Component: k.(string), State: v.(*Breaker).State().String()})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out
}
