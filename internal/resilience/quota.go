package resilience

import (
	"sync"

	"golang.org/x/time/rate"
)

// Quotas holds optional per-component token buckets. A component without a
// quota is unlimited.
type Quotas struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

// NewQuotas returns an empty quota set.
func NewQuotas() *Quotas {
	return &Quotas{limiters: make(map[string]*rate.Limiter)}
}

// Set installs a quota of perSecond calls with the given burst. A
// non-positive rate removes the quota.
func (q *Quotas) Set(component string, perSecond float64, burst int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if perSecond <= 0 {
		delete(q.limiters, component)
		return
	}
	if burst < 1 {
		burst = 1
	}
	q.limiters[component] = rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Allow consumes one token for component, reporting false when the quota is
// exhausted.
func (q *Quotas) Allow(component string) bool {
	if q == nil {
		return true
	}
	q.mu.RLock()
	l, ok := q.limiters[component]
	q.mu.RUnlock()
	if !ok {
		return true
	}
	return l.Allow()
}
