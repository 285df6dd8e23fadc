package choreo

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
)

// ErrBusClosed is returned by Publish and Subscribe after Close.
var ErrBusClosed = errors.New("event bus closed")

// Handler processes one event. A non-nil error leaves the event
// unacknowledged on buses that support redelivery.
type Handler func(ctx context.Context, env Envelope) error

// Bus carries bridge events between the orchestrator and executors.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe registers h for events of type t. The returned function
	// removes the subscription.
	Subscribe(ctx context.Context, t EventType, h Handler) (func(), error)
	Close() error
}

// MemoryBus delivers events to in-process subscribers, each on its own
// goroutine.
type MemoryBus struct {
	logger *log.Logger

	mu       sync.RWMutex
	subs     map[EventType]map[int]Handler
	nextID   int
	closed   bool
	done     chan struct{}
	wg       sync.WaitGroup
	watchers sync.WaitGroup
	watching atomic.Int32
}

// NewMemoryBus returns an empty bus. A nil logger is silent.
func NewMemoryBus(logger *log.Logger) *MemoryBus {
	return &MemoryBus{
		logger: logger,
		subs:   make(map[EventType]map[int]Handler),
		done:   make(chan struct{}),
	}
}

// Publish fans env out to every current subscriber of its type without
// waiting for them.
func (b *MemoryBus) Publish(ctx context.Context, env Envelope) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	handlers := make([]Handler, 0, len(b.subs[env.Type]))
	for _, h := range b.subs[env.Type] {
		handlers = append(handlers, h)
	}
	b.wg.Add(len(handlers))
	b.mu.RUnlock()

	for _, h := range handlers {
		go func(h Handler) {
			defer b.wg.Done()
			if err := h(context.WithoutCancel(ctx), env); err != nil && b.logger != nil {
				b.logger.Warn("event handler failed", "type", env.Type, "correlation", env.CorrelationID, "error", err)
			}
		}(h)
	}
	return nil
}

// Subscribe registers h. The subscription also ends when ctx is done or the
// bus is closed.
func (b *MemoryBus) Subscribe(ctx context.Context, t EventType, h Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	id := b.nextID
	b.nextID++
	if b.subs[t] == nil {
		b.subs[t] = make(map[int]Handler)
	}
	b.subs[t][id] = h

	var once sync.Once
	stop := make(chan struct{})
	unsubscribe := func() {
		once.Do(func() {
			close(stop)
			b.mu.Lock()
			delete(b.subs[t], id)
			b.mu.Unlock()
		})
	}
	b.watchers.Add(1)
	b.watching.Add(1)
	go func() {
		defer b.watchers.Done()
		defer b.watching.Add(-1)
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-stop:
		case <-b.done:
		}
	}()
	return unsubscribe, nil
}

// Close drops every subscription and waits for in-flight handlers.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	b.subs = make(map[EventType]map[int]Handler)
	b.mu.Unlock()
	b.watchers.Wait()
	b.wg.Wait()
	return nil
}
