package ingestion

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLockerExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLocalLocker()
	l.now = func() time.Time { return now }

	ok, err := l.TryAcquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = l.TryAcquire(ctx, "k", time.Minute)
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	ok, _ = l.TryAcquire(ctx, "k", time.Minute)
	assert.True(t, ok)
}

func TestRedisLockerSingleOwner(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	a := NewRedisLocker(client)
	b := NewRedisLocker(client)
	key := lockKey("0xabc")

	ok, err := a.TryAcquire(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryAcquire(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// the owner may re-acquire, which refreshes the ttl
	ok, err = a.TryAcquire(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// a non-owner release leaves the lock in place
	require.NoError(t, b.Release(ctx, key))
	owner, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, a.Owner(), owner)

	require.NoError(t, a.Release(ctx, key))
	ok, err = b.TryAcquire(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLockerExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	a := NewRedisLocker(client)
	b := NewRedisLocker(client)
	key := lockKey("0xdef")

	ok, err := a.TryAcquire(ctx, key, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	ok, err = b.TryAcquire(ctx, key, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}
