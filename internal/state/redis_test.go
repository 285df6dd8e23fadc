package state

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, "test:", WithClock(fixedClock()))
}

func TestRedisStore(t *testing.T) {
	t.Parallel()
	runStoreSuite(t, func(t *testing.T) Store {
		return newRedisStore(t)
	})
}

func TestRedisStore_KeyLayout(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	s := NewRedisStore(client, "")

	_, err := s.Create(context.Background(), "W1", nil)
	require.NoError(t, err)

	assert.True(t, mr.Exists("corvid:wf:W1"))
	members, err := mr.Members("corvid:workflows")
	require.NoError(t, err)
	assert.Equal(t, []string{"W1"}, members)
}
