// Package presets wires stores and release buses into ready-to-use locks.
package presets

import (
	stdErrors "errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-lease/v1/adapter"
	"github.com/mirkobrombin/go-lease/v1/lock"
	"github.com/mirkobrombin/go-lease/v1/syncbus"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	// Addrs lists the nodes. A single address gives a plain client, several
	// give a cluster client, and MasterName switches to sentinel.
	Addrs      []string
	MasterName string
	Password   string
	DB         int

	// OpTimeout bounds each store command. Zero keeps the adapter default.
	OpTimeout time.Duration

	// BreakerThreshold, when positive, guards the release bus with a
	// circuit breaker that opens after that many consecutive failures for
	// BreakerTimeout.
	BreakerThreshold int
	BreakerTimeout   time.Duration
}

// Redis bundles a Redis client with the store and the release bus built on
// it, so many locks can share one connection pool.
type Redis struct {
	Client redis.UniversalClient
	Store  *adapter.RedisStore
	Bus    syncbus.Bus

	redisBus *syncbus.RedisBus
}

// NewRedis connects lazily to Redis and returns the bundle.
func NewRedis(opts RedisOptions) *Redis {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:      opts.Addrs,
		MasterName: opts.MasterName,
		Password:   opts.Password,
		DB:         opts.DB,
	})
	rb := syncbus.NewRedisBus(client)
	var bus syncbus.Bus = rb
	if opts.BreakerThreshold > 0 {
		timeout := opts.BreakerTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		bus = syncbus.NewCircuitBreaker(rb, opts.BreakerThreshold, timeout)
	}
	return &Redis{
		Client:   client,
		Store:    adapter.NewRedisStore(client, adapter.WithTimeout(opts.OpTimeout)),
		Bus:      bus,
		redisBus: rb,
	}
}

// Mutex returns a mutex on name that announces its releases on the bus.
func (r *Redis) Mutex(name string, opts ...lock.Option) *lock.Lock {
	return lock.NewMutex(r.Store, name, append([]lock.Option{lock.WithBus(r.Bus)}, opts...)...)
}

// Close stops the release bus and closes the client.
func (r *Redis) Close() error {
	return stdErrors.Join(r.redisBus.Close(), r.Client.Close())
}

// NewRedisMutex is a shortcut for a single mutex with its own connection.
// The returned close function releases the connection and the bus; call it
// after releasing the mutex. Callers creating several locks should share a
// Redis bundle instead.
func NewRedisMutex(opts RedisOptions, name string, lockOpts ...lock.Option) (*lock.Lock, func() error) {
	r := NewRedis(opts)
	return r.Mutex(name, lockOpts...), r.Close
}

// InMemory bundles a process-local store and bus, useful for tests and
// single-process deployments.
type InMemory struct {
	Store *adapter.InMemoryStore
	Bus   *syncbus.InMemoryBus
}

// NewInMemory returns an empty in-memory bundle.
func NewInMemory() *InMemory {
	return &InMemory{Store: adapter.NewInMemoryStore(), Bus: syncbus.NewInMemoryBus()}
}

// Mutex returns a mutex on name backed by the in-memory store.
func (m *InMemory) Mutex(name string, opts ...lock.Option) *lock.Lock {
	return lock.NewMutex(m.Store, name, append([]lock.Option{lock.WithBus(m.Bus)}, opts...)...)
}
