package adapter

import (
	"context"
	stdErrors "errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	leaseerrors "github.com/mirkobrombin/go-lease/v1/errors"
	"github.com/mirkobrombin/go-lease/v1/lock"
)

const defaultRedisOpTimeout = 5 * time.Second

var _ lock.Store = (*RedisStore)(nil)

var (
	redisExtendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	redisDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisStore implements lock.Store on top of a Redis deployment. It works
// with a single node, a cluster or a sentinel-managed setup.
type RedisStore struct {
	client  redis.UniversalClient
	timeout time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*redisStoreOptions)

type redisStoreOptions struct {
	timeout time.Duration
}

// WithTimeout sets the per-command timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// NewRedisStore returns a new RedisStore using the provided Redis client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	o := redisStoreOptions{timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore{client: client, timeout: o.timeout}
}

// Create implements lock.Store using SET NX with an expiry.
func (s *RedisStore) Create(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ok, err := s.client.SetNX(cctx, key, value, clampTTL(ttl)).Result()
	if err != nil {
		return false, translateRedisErr(err)
	}
	return ok, nil
}

// Extend implements lock.Store with a compare-and-expire script.
func (s *RedisStore) Extend(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.runScript(ctx, redisExtendScript, key, value, clampTTL(ttl).Milliseconds())
}

// Delete implements lock.Store with a compare-and-delete script.
func (s *RedisStore) Delete(ctx context.Context, key, value string) (bool, error) {
	return s.runScript(ctx, redisDeleteScript, key, value)
}

func (s *RedisStore) runScript(ctx context.Context, script *redis.Script, key string, args ...any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	n, err := script.Run(cctx, s.client, []string{key}, args...).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, translateRedisErr(err)
	}
	return n == 1, nil
}

// clampTTL keeps sub-millisecond TTLs from turning into a PEXPIRE 0, which
// Redis treats as an immediate delete.
func clampTTL(ttl time.Duration) time.Duration {
	if ttl < time.Millisecond {
		return time.Millisecond
	}
	return ttl
}

func translateRedisErr(err error) error {
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		return leaseerrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		return leaseerrors.ErrConnectionClosed
	}
	return err
}
