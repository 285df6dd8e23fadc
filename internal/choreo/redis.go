package choreo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

// DefaultStreamPrefix prefixes every stream key.
const DefaultStreamPrefix = "corvid:events:"

// Reclaim defaults: entries a consumer has held this long without an
// acknowledgement are claimed again, checked this often.
const (
	DefaultClaimIdle  = 30 * time.Second
	DefaultClaimEvery = 10 * time.Second
)

// RedisBus carries events on Redis Streams, one stream per event type.
//
// Trigger streams are work queues: every bus in a group shares one consumer
// group, so each SubProcessInitiated reaches one executor. Outcome streams
// fan out: each bus reads them through a group of its own, so every bridge
// sees every outcome and keeps the ones it is waiting for.
//
// An entry is acknowledged after its handler succeeds, or when the handler
// reports that the event is not addressed to it. Entries left pending by a
// failed handler are claimed again after DefaultClaimIdle, so delivery is
// at-least-once.
type RedisBus struct {
	client     redis.UniversalClient
	prefix     string
	group      string
	consumer   string
	block      time.Duration
	claimIdle  time.Duration
	claimEvery time.Duration
	fanout     map[EventType]bool
	logger     *log.Logger

	mu      sync.Mutex
	closed  bool
	stops   []context.CancelFunc
	private map[string]string // stream -> fan-out group created by this bus
	wg      sync.WaitGroup
}

// RedisOption configures a RedisBus.
type RedisOption func(*RedisBus)

// WithStreamPrefix overrides DefaultStreamPrefix.
func WithStreamPrefix(prefix string) RedisOption {
	return func(b *RedisBus) { b.prefix = prefix }
}

// WithBlock sets how long one XREADGROUP call waits for new entries.
func WithBlock(d time.Duration) RedisOption {
	return func(b *RedisBus) { b.block = d }
}

// WithReclaim sets how long an unacknowledged entry stays with its consumer
// before another read claims it, and how often readers look for such
// entries. A non-positive every disables reclaiming.
func WithReclaim(minIdle, every time.Duration) RedisOption {
	return func(b *RedisBus) { b.claimIdle, b.claimEvery = minIdle, every }
}

// WithFanOut replaces the set of event types every subscriber receives. By
// default the outcome types SubProcessCompleted and SubProcessFailed fan out
// and everything else is load-balanced across the group.
func WithFanOut(types ...EventType) RedisOption {
	return func(b *RedisBus) {
		b.fanout = make(map[EventType]bool, len(types))
		for _, t := range types {
			b.fanout[t] = true
		}
	}
}

// WithBusLogger sets the bus logger. A nil logger is silent.
func WithBusLogger(l *log.Logger) RedisOption {
	return func(b *RedisBus) { b.logger = l }
}

// NewRedisBus creates a bus reading as consumer within group.
func NewRedisBus(client redis.UniversalClient, group, consumer string, opts ...RedisOption) *RedisBus {
	b := &RedisBus{
		client:     client,
		prefix:     DefaultStreamPrefix,
		group:      group,
		consumer:   consumer,
		block:      time.Second,
		claimIdle:  DefaultClaimIdle,
		claimEvery: DefaultClaimEvery,
		fanout:     map[EventType]bool{TypeCompleted: true, TypeFailed: true},
		private:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// StreamKey returns the stream carrying events of type t.
func (b *RedisBus) StreamKey(t EventType) string {
	return b.prefix + string(t)
}

// Publish appends env to its type's stream.
func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.StreamKey(env.Type),
		Values: map[string]interface{}{"data": string(data)},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", b.StreamKey(env.Type), err)
	}
	b.debug("event published", "type", env.Type, "correlation", env.CorrelationID)
	return nil
}

// GroupFor returns the consumer group this bus reads events of type t
// through.
func (b *RedisBus) GroupFor(t EventType) string {
	if b.fanout[t] {
		return b.group + ":" + b.consumer
	}
	return b.group
}

// Subscribe creates the consumer group when needed and starts a reader. A
// fan-out group starts at the end of the stream: a new bridge has nothing
// pending among older outcomes.
func (b *RedisBus) Subscribe(ctx context.Context, t EventType, h Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	stream, group, start := b.StreamKey(t), b.GroupFor(t), "0"
	if b.fanout[t] {
		start = "$"
	}
	err := b.client.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group %s on %s: %w", group, stream, err)
	}
	if b.fanout[t] {
		b.private[stream] = group
	}

	readCtx, cancel := context.WithCancel(ctx)
	b.stops = append(b.stops, cancel)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.read(readCtx, stream, group, h)
	}()
	return cancel, nil
}

func (b *RedisBus) read(ctx context.Context, stream, group string, h Handler) {
	nextClaim := time.Now().Add(b.claimEvery)
	for ctx.Err() == nil {
		if b.claimEvery > 0 && !time.Now().Before(nextClaim) {
			b.reclaim(ctx, stream, group, h)
			nextClaim = time.Now().Add(b.claimEvery)
		}
		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: b.consumer,
			Streams:  []string{stream, ">"},
			Count:    16,
			Block:    b.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			if b.logger != nil {
				b.logger.Error("stream read failed", "stream", stream, "error", err)
			}
			select {
			case <-ctx.Done():
			case <-time.After(b.block):
			}
			continue
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				b.process(ctx, stream, group, msg, h)
			}
		}
	}
}

// reclaim takes over entries that stayed unacknowledged for claimIdle, from
// any consumer of the group including this one, and handles them again.
func (b *RedisBus) reclaim(ctx context.Context, stream, group string, h Handler) {
	start := "0-0"
	for ctx.Err() == nil {
		msgs, next, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    group,
			Consumer: b.consumer,
			MinIdle:  b.claimIdle,
			Start:    start,
			Count:    16,
		}).Result()
		if err != nil {
			if ctx.Err() == nil && b.logger != nil {
				b.logger.Error("reclaim failed", "stream", stream, "error", err)
			}
			return
		}
		for _, msg := range msgs {
			b.debug("entry reclaimed", "stream", stream, "id", msg.ID)
			b.process(ctx, stream, group, msg, h)
		}
		if next == "" || next == "0-0" {
			return
		}
		start = next
	}
}

func (b *RedisBus) process(ctx context.Context, stream, group string, msg redis.XMessage, h Handler) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		if b.logger != nil {
			b.logger.Error("malformed stream entry dropped", "stream", stream, "id", msg.ID)
		}
		b.ack(ctx, stream, group, msg.ID)
		return
	}
	var env Envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		if b.logger != nil {
			b.logger.Error("undecodable envelope dropped", "stream", stream, "id", msg.ID, "error", err)
		}
		b.ack(ctx, stream, group, msg.ID)
		return
	}
	if err := h(ctx, env); err != nil && !Undeliverable(err) {
		if b.logger != nil {
			b.logger.Warn("event handler failed", "stream", stream, "id", msg.ID, "error", err)
		}
		return
	}
	b.ack(ctx, stream, group, msg.ID)
}

func (b *RedisBus) ack(ctx context.Context, stream, group, id string) {
	if err := b.client.XAck(ctx, stream, group, id).Err(); err != nil && b.logger != nil {
		b.logger.Error("xack failed", "stream", stream, "id", id, "error", err)
	}
}

func (b *RedisBus) debug(msg string, keyvals ...interface{}) {
	if b.logger != nil {
		b.logger.Debug(msg, keyvals...)
	}
}

// Close stops every reader, waits for them and removes the fan-out groups
// this bus created. The client is left open.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	b.closed = true
	stops := b.stops
	b.stops = nil
	private := b.private
	b.private = make(map[string]string)
	b.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
	b.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs []error
	for stream, group := range private {
		if err := b.client.XGroupDestroy(ctx, stream, group).Err(); err != nil {
			errs = append(errs, fmt.Errorf("destroy group %s on %s: %w", group, stream, err))
		}
	}
	return errors.Join(errs...)
}
