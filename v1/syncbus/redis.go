package syncbus

import (
	"context"
	stdErrors "errors"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"

	leaseerrors "github.com/mirkobrombin/go-lease/v1/errors"
)

const (
	redisBusTimeout     = 5 * time.Second
	defaultRedisChannel = "lease:"
)

type redisSubscription struct {
	pubsub *redis.PubSub
	chans  []chan struct{}
}

// RedisBus implements Bus on top of Redis pub/sub. Every topic maps to one
// Redis channel; a single PubSub connection is shared by all local
// subscribers of that topic.
type RedisBus struct {
	client redis.UniversalClient
	prefix string

	mu        sync.Mutex
	subs      map[string]*redisSubscription
	published atomic.Uint64
	delivered atomic.Uint64
}

// RedisBusOption configures a RedisBus.
type RedisBusOption func(*RedisBus)

// WithChannelPrefix sets the prefix prepended to every topic to build the
// Redis channel name.
func WithChannelPrefix(prefix string) RedisBusOption {
	return func(b *RedisBus) {
		b.prefix = prefix
	}
}

// NewRedisBus returns a new RedisBus using the provided client.
func NewRedisBus(client redis.UniversalClient, opts ...RedisBusOption) *RedisBus {
	b := &RedisBus{
		client: client,
		prefix: defaultRedisChannel,
		subs:   make(map[string]*redisSubscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *RedisBus) channel(topic string) string {
	return b.prefix + topic
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, topic string) error {
	cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	if err := b.client.Publish(cctx, b.channel(topic), "1").Err(); err != nil {
		return translateRedisErr(err)
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. It returns once Redis confirmed the
// subscription, so events published afterwards are not missed.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	if sub := b.subs[topic]; sub != nil {
		sub.chans = append(sub.chans, ch)
		b.mu.Unlock()
	} else {
		b.mu.Unlock()

		// confirm the subscription without holding mu, other topics keep
		// dispatching meanwhile
		ps := b.client.Subscribe(context.Background(), b.channel(topic))
		cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
		_, err := ps.Receive(cctx)
		cancel()
		if err != nil {
			_ = ps.Close()
			return nil, translateRedisErr(err)
		}

		b.mu.Lock()
		if sub := b.subs[topic]; sub != nil {
			// lost the race to a concurrent Subscribe of the same topic
			sub.chans = append(sub.chans, ch)
			b.mu.Unlock()
			_ = ps.Close()
		} else {
			sub = &redisSubscription{pubsub: ps, chans: []chan struct{}{ch}}
			b.subs[topic] = sub
			b.mu.Unlock()
			go b.dispatch(topic, sub)
		}
	}

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
	return ch, nil
}

func (b *RedisBus) dispatch(topic string, sub *redisSubscription) {
	for range sub.pubsub.Channel() {
		b.mu.Lock()
		fanout(sub.chans, &b.delivered)
		b.mu.Unlock()
	}
}

// Unsubscribe implements Bus.Unsubscribe. The Redis subscription is closed
// when its last local subscriber leaves.
func (b *RedisBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.mu.Lock()
	sub := b.subs[topic]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	sub.chans, _ = removeChan(sub.chans, ch)
	if len(sub.chans) > 0 {
		b.mu.Unlock()
		return nil
	}
	delete(b.subs, topic)
	b.mu.Unlock()
	return sub.pubsub.Close()
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.delivered.Load()}
}

// Close drops every subscription and closes subscriber channels.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for topic, sub := range b.subs {
		if err := sub.pubsub.Close(); err != nil {
			errs = append(errs, err)
		}
		for _, ch := range sub.chans {
			close(ch)
		}
		delete(b.subs, topic)
	}
	return stdErrors.Join(errs...)
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
