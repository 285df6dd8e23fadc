package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/AbdelazizMoustafa10m/Corvid/internal/failure"
)

// DefaultRedisPrefix namespaces every key the Redis store writes.
const DefaultRedisPrefix = "corvid:"

// RedisStore keeps each workflow's versions in a Redis list and guards
// appends with WATCH/MULTI/EXEC. A lost optimistic transaction surfaces as
// failure.ErrVersionConflict.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	opts   options
}

// NewRedisStore returns a store on client. An empty prefix uses
// DefaultRedisPrefix.
func NewRedisStore(client redis.UniversalClient, prefix string, opts ...Option) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, opts: buildOptions(opts)}
}

func (r *RedisStore) key(workflowID string) string {
	return r.prefix + "wf:" + workflowID
}

func (r *RedisStore) indexKey() string {
	return r.prefix + "workflows"
}

// Create implements Store.
func (r *RedisStore) Create(ctx context.Context, workflowID string, metadata map[string]string) (WorkflowState, error) {
	st := newState(workflowID, metadata, r.opts.now())
	data, err := json.Marshal(st)
	if err != nil {
		return WorkflowState{}, fmt.Errorf("encoding workflow %s: %w", workflowID, err)
	}
	key := r.key(workflowID)
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("workflow %s: %w", workflowID, ErrAlreadyExists)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, key, data)
			pipe.SAdd(ctx, r.indexKey(), workflowID)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return WorkflowState{}, fmt.Errorf("workflow %s: %w", workflowID, ErrAlreadyExists)
	}
	if err != nil {
		return WorkflowState{}, err
	}
	r.opts.debug("workflow created", "workflow", workflowID, "key", key)
	return st, nil
}

func (r *RedisStore) latest(ctx context.Context, c redis.Cmdable, workflowID string) (WorkflowState, error) {
	data, err := c.LIndex(ctx, r.key(workflowID), -1).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return WorkflowState{}, fmt.Errorf("workflow %s: %w", workflowID, ErrNotFound)
		}
		return WorkflowState{}, fmt.Errorf("reading workflow %s: %w", workflowID, err)
	}
	var st WorkflowState
	if err := json.Unmarshal(data, &st); err != nil {
		return WorkflowState{}, fmt.Errorf("decoding workflow %s: %w", workflowID, err)
	}
	return st, nil
}

// Update implements Store.
func (r *RedisStore) Update(ctx context.Context, workflowID string, patch Patch, expectedVersion int) (WorkflowState, error) {
	key := r.key(workflowID)
	var next WorkflowState
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		latest, err := r.latest(ctx, tx, workflowID)
		if err != nil {
			return err
		}
		next, err = successor(latest, patch, expectedVersion, r.opts.now())
		if err != nil {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encoding workflow %s v%d: %w", workflowID, next.version, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, key, data)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return WorkflowState{}, lostRace(workflowID, expectedVersion+1)
	}
	if err != nil {
		return WorkflowState{}, err
	}
	r.opts.debug("workflow updated", "workflow", workflowID, "version", next.version)
	return next, nil
}

// MarkStepCompleted implements Store.
func (r *RedisStore) MarkStepCompleted(ctx context.Context, workflowID, stepID string, result StepResult) (WorkflowState, error) {
	return markStepCompleted(ctx, r, workflowID, stepID, result)
}

// Get implements Store.
func (r *RedisStore) Get(ctx context.Context, workflowID string) (WorkflowState, error) {
	return r.latest(ctx, r.client, workflowID)
}

// History implements Store.
func (r *RedisStore) History(ctx context.Context, workflowID string) ([]WorkflowState, error) {
	items, err := r.client.LRange(ctx, r.key(workflowID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading workflow %s history: %w", workflowID, err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("workflow %s: %w", workflowID, ErrNotFound)
	}
	out := make([]WorkflowState, 0, len(items))
	for _, item := range items {
		var st WorkflowState
		if err := json.Unmarshal([]byte(item), &st); err != nil {
			return nil, fmt.Errorf("decoding workflow %s history: %w", workflowID, err)
		}
		out = append(out, st)
	}
	return out, nil
}

// List implements Store.
func (r *RedisStore) List(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing workflows: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Archive implements Store.
func (r *RedisStore) Archive(ctx context.Context, workflowID string, keepLast int) (int, error) {
	if err := validateKeepLast(keepLast); err != nil {
		return 0, err
	}
	key := r.key(workflowID)
	removed := 0
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.LLen(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("workflow %s: %w", workflowID, ErrNotFound)
		}
		if int(n) <= keepLast {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LTrim(ctx, key, int64(-keepLast), -1)
			return nil
		})
		if err == nil {
			removed = int(n) - keepLast
		}
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return 0, fmt.Errorf("archiving workflow %s: %w", workflowID, failure.ErrVersionConflict)
	}
	return removed, err
}
