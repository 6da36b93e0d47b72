package kvttl

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	mr := miniredis.RunT(t)
	return map[string]Store{
		"memory": NewMemory(),
		"redis":  NewRedisClient(redis.NewClient(&redis.Options{Addr: mr.Addr()})),
	}
}

func TestSetGet(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Set(ctx, "k", "v", time.Minute))

			v, found, err := store.Get(ctx, "k")
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, "v", v)

			_, found, err = store.Get(ctx, "absent")
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestGetDelConsumes(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Set(ctx, "k", "v", time.Minute))

			v, found, err := store.GetDel(ctx, "k")
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, "v", v)

			_, found, err = store.GetDel(ctx, "k")
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestCompareAndDelete(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Set(ctx, "k", "v", time.Minute))

			deleted, err := store.CompareAndDelete(ctx, "k", "other")
			require.NoError(t, err)
			assert.False(t, deleted)

			// Value survives a failed compare.
			_, found, err := store.Get(ctx, "k")
			require.NoError(t, err)
			assert.True(t, found)

			deleted, err = store.CompareAndDelete(ctx, "k", "v")
			require.NoError(t, err)
			assert.True(t, deleted)

			deleted, err = store.CompareAndDelete(ctx, "k", "v")
			require.NoError(t, err)
			assert.False(t, deleted)
		})
	}
}

func TestFlushAll(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Set(ctx, "a", "1", time.Minute))
			require.NoError(t, store.Set(ctx, "b", "2", time.Minute))
			require.NoError(t, store.FlushAll(ctx))

			_, found, err := store.Get(ctx, "a")
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestRedisExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	store := NewRedisClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", "v", time.Second))
	mr.FastForward(2 * time.Second)

	_, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}
