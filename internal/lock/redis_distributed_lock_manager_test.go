package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRedisManager(t *testing.T) (*RedisDistributedLockManager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisDistributedLockManager(client, "", 30*time.Second, zap.NewNop()), mr
}

func TestRedisLock_Exclusive(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newRedisManager(t)

	l, err := mgr.TryAcquire(ctx, "x")
	require.NoError(t, err)
	assert.True(t, l.IsValid(ctx))

	_, err = mgr.TryAcquire(ctx, "x")
	assert.ErrorIs(t, err, ErrLockUnavailable)

	held, err := mgr.IsHeld(ctx, "x")
	require.NoError(t, err)
	assert.True(t, held)

	require.NoError(t, l.Release(ctx))
	assert.False(t, l.IsValid(ctx))

	held, err = mgr.IsHeld(ctx, "x")
	require.NoError(t, err)
	assert.False(t, held)

	other, err := mgr.TryAcquire(ctx, "x")
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))
}

func TestRedisLock_Expired(t *testing.T) {
	ctx := context.Background()
	mgr, mr := newRedisManager(t)

	l, err := mgr.TryAcquire(ctx, "x")
	require.NoError(t, err)

	mr.FastForward(31 * time.Second)
	assert.False(t, l.IsValid(ctx))

	other, err := mgr.TryAcquire(ctx, "x")
	require.NoError(t, err)

	assert.ErrorIs(t, l.Release(ctx), ErrNotOwner)
	assert.True(t, other.IsValid(ctx))
}

func TestRedisLock_Renew(t *testing.T) {
	ctx := context.Background()
	mgr, mr := newRedisManager(t)

	l, err := mgr.TryAcquire(ctx, "x")
	require.NoError(t, err)
	rl := l.(*redisLock)

	n, err := renewScript.Run(ctx, mgr.client, []string{rl.key}, rl.token, int64(60000)).Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 60*time.Second, mr.TTL(rl.key))

	n, err = renewScript.Run(ctx, mgr.client, []string{rl.key}, "someone-else", int64(60000)).Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	require.NoError(t, l.Release(ctx))
}
