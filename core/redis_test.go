package core

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestLease(t *testing.T) (*RedisLease, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	lease := NewRedisLeaseWithClient(client, zaptest.NewLogger(t).Sugar())
	t.Cleanup(func() { _ = lease.Close() })
	return lease, mr
}

func TestRedisLease_AcquireAndRelease(t *testing.T) {
	lease, mr := newTestLease(t)
	ctx := context.Background()
	require.NoError(t, lease.Ping(ctx))

	release, ok, err := lease.Acquire(ctx, "baseline:checkout", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists(leaseKeyPrefix+"baseline:checkout"))

	_, ok, err = lease.Acquire(ctx, "baseline:checkout", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be refused")

	release()
	assert.False(t, mr.Exists(leaseKeyPrefix+"baseline:checkout"))

	_, ok, err = lease.Acquire(ctx, "baseline:checkout", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLease_ExpiredLeaseIsNotReleasedByOldHolder(t *testing.T) {
	lease, mr := newTestLease(t)
	ctx := context.Background()

	releaseOld, ok, err := lease.Acquire(ctx, "drain", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)
	_, ok, err = lease.Acquire(ctx, "drain", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	releaseOld()
	assert.True(t, mr.Exists(leaseKeyPrefix+"drain"), "new holder's lease must survive")
}

func TestRedisLease_TTL(t *testing.T) {
	lease, _ := newTestLease(t)
	ctx := context.Background()

	_, ok, err := lease.Acquire(ctx, "anomaly", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ttl, err := lease.TTL(ctx, "anomaly")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, ttl)
}

func TestRedisLease_ConnectionError(t *testing.T) {
	lease, mr := newTestLease(t)
	mr.Close()

	_, ok, err := lease.Acquire(context.Background(), "baseline:x", time.Minute)
	assert.Error(t, err)
	assert.False(t, ok)
}
