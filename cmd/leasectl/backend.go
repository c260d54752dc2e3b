package main

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	nats "github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-lease/v1/adapter"
	"github.com/mirkobrombin/go-lease/v1/lock"
	"github.com/mirkobrombin/go-lease/v1/presets"
	"github.com/mirkobrombin/go-lease/v1/syncbus"
)

const dialTimeout = 5 * time.Second

// backend is an opened store with its optional release bus.
type backend struct {
	store   lock.Store
	bus     syncbus.Bus
	closers []func() error
}

func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return stdErrors.Join(errs...)
}

// mutex builds a mutex on name with the backend's bus attached.
func (b *backend) mutex(name string, opts ...lock.Option) *lock.Lock {
	if b.bus != nil {
		opts = append([]lock.Option{lock.WithBus(b.bus)}, opts...)
	}
	return lock.NewMutex(b.store, name, opts...)
}

func openBackend(ctx context.Context, kind, busKind string, log *zap.Logger) (*backend, error) {
	b := &backend{}
	var redisBus syncbus.Bus

	switch kind {
	case "redis":
		r := presets.NewRedis(presets.RedisOptions{
			Addrs:    splitList(viper.GetString("redis-addr")),
			Password: viper.GetString("redis-password"),
			DB:       viper.GetInt("redis-db"),
		})
		pctx, cancel := context.WithTimeout(ctx, dialTimeout)
		err := r.Client.Ping(pctx).Err()
		cancel()
		if err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		b.store, redisBus = r.Store, r.Bus
		b.closers = append(b.closers, r.Close)
		if busKind == "" {
			busKind = "redis"
		}
	case "etcd":
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   splitList(viper.GetString("etcd-endpoints")),
			DialTimeout: dialTimeout,
			Logger:      log.Named("etcd"),
		})
		if err != nil {
			return nil, fmt.Errorf("etcd: %w", err)
		}
		b.store = adapter.NewEtcdStore(client, adapter.WithEtcdPrefix(viper.GetString("etcd-prefix")))
		b.closers = append(b.closers, client.Close)
	case "postgres":
		pool, err := pgxpool.New(ctx, viper.GetString("postgres-dsn"))
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		store := adapter.NewPostgresStore(pool, adapter.WithPostgresTable(viper.GetString("postgres-table")))
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres: %w", err)
		}
		b.store = store
		b.closers = append(b.closers, func() error { pool.Close(); return nil })
	case "memory":
		// only useful for run, where the lease lives as long as the process
		m := presets.NewInMemory()
		b.store, b.bus = m.Store, m.Bus
		return b, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", kind)
	}

	switch busKind {
	case "", "none":
	case "redis":
		if redisBus == nil {
			_ = b.Close()
			return nil, fmt.Errorf("--bus redis requires --backend redis")
		}
		b.bus = redisBus
	case "nats":
		conn, err := nats.Connect(viper.GetString("nats-url"), nats.Timeout(dialTimeout))
		if err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("nats: %w", err)
		}
		b.bus = syncbus.NewNATSBus(conn)
		b.closers = append(b.closers, func() error { conn.Close(); return nil })
	case "kafka":
		kb, err := syncbus.NewKafkaBus(splitList(viper.GetString("kafka-brokers")), viper.GetString("kafka-topic"), nil)
		if err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("kafka: %w", err)
		}
		b.bus = kb
		b.closers = append(b.closers, func() error { kb.Close(); return nil })
	default:
		_ = b.Close()
		return nil, fmt.Errorf("unknown bus %q", busKind)
	}
	log.Debug("backend ready", zap.String("backend", kind), zap.String("bus", busKind))
	return b, nil
}
