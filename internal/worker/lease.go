package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease grants exclusive permission to run a job for most of one interval.
// With several replicas sharing a Redis lease, each tick runs on exactly one.
type Lease interface {
	// Acquire returns true if the caller now holds key for ttl.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release gives key up early if the caller still holds it.
	Release(ctx context.Context, key string) error
}

// LocalLease is always granted. Used for single-replica deployments.
type LocalLease struct{}

// Acquire always succeeds.
func (LocalLease) Acquire(context.Context, string, time.Duration) (bool, error) { return true, nil }

// Release is a no-op.
func (LocalLease) Release(context.Context, string) error { return nil }

// releaseScript deletes the key only if this owner still holds it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease implements Lease with SET NX PX.
type RedisLease struct {
	client redis.UniversalClient
	prefix string
	owner  string
}

// NewRedisLease creates a lease owned by this process. Keys are stored under
// prefix.
func NewRedisLease(client redis.UniversalClient, prefix string) *RedisLease {
	return &RedisLease{
		client: client,
		prefix: prefix,
		owner:  uuid.NewString(),
	}
}

// Acquire sets the key if absent.
func (l *RedisLease) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.prefix+key, l.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	return ok, nil
}

// Release deletes the key if this process still owns it.
func (l *RedisLease) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.prefix + key}, l.owner).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release lease %s: %w", key, err)
	}
	return nil
}

// NewRedisClient parses a redis:// URL and waits until the server answers
// PING or timeout expires.
func NewRedisClient(ctx context.Context, url string, timeout time.Duration) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if err := client.Ping(ctx).Err(); err == nil {
			return client, nil
		}
		select {
		case <-ctx.Done():
			client.Close()
			return nil, fmt.Errorf("timeout waiting for redis: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
