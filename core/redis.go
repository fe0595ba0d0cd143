package core

import (
	"context"
	"fmt"
	"time"

	"perfwatch/metrics"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Lease is a cross-process mutual exclusion on a named resource.
// Release must only remove the lease if it is still held by the caller.
type Lease interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), acquired bool, err error)
}

// leaseKeyPrefix namespaces lease keys in a shared Redis
const leaseKeyPrefix = "perfwatch:lease:"

// releaseScript deletes the key only when it still carries our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease implements Lease with SET NX PX so several scheduler instances
// never recalculate the same operation type at once
type RedisLease struct {
	client *redis.Client
	logger *zap.SugaredLogger
}

// NewRedisLease connects to Redis
func NewRedisLease(addr, password string, db, poolSize int, logger *zap.SugaredLogger) *RedisLease {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: poolSize,
	})
	return NewRedisLeaseWithClient(client, logger)
}

// NewRedisLeaseWithClient wraps an existing client
func NewRedisLeaseWithClient(client *redis.Client, logger *zap.SugaredLogger) *RedisLease {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RedisLease{client: client, logger: logger}
}

// Ping tests the Redis connection
func (rl *RedisLease) Ping(ctx context.Context) error {
	return rl.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (rl *RedisLease) Close() error {
	return rl.client.Close()
}

// Acquire takes the lease for ttl. A held lease returns acquired=false and no error.
func (rl *RedisLease) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	fullKey := leaseKeyPrefix + key

	ok, err := rl.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		metrics.LeaseOperations.WithLabelValues("redis", "error").Inc()
		return nil, false, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	if !ok {
		metrics.LeaseOperations.WithLabelValues("redis", "held").Inc()
		return nil, false, nil
	}
	metrics.LeaseOperations.WithLabelValues("redis", "acquired").Inc()

	release := func() {
		// detached from the caller's context so a cancelled run still frees the lease
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, rl.client, []string{fullKey}, token).Err(); err != nil {
			rl.logger.Warnw("Failed to release lease", "key", key, "error", err)
		}
	}
	return release, true, nil
}

// TTL returns the remaining TTL of a lease, for diagnostics
func (rl *RedisLease) TTL(ctx context.Context, key string) (time.Duration, error) {
	return rl.client.TTL(ctx, leaseKeyPrefix+key).Result()
}
