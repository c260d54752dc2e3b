// Package syncbus propagates lock lifecycle events between processes that
// contend for the same keys. Events carry no payload: a subscriber only learns
// that the topic fired, which is enough to wake a waiter polling for a lease.
package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Bus is a minimal pub/sub transport for lock events.
type Bus interface {
	Publish(ctx context.Context, topic string) error
	Subscribe(ctx context.Context, topic string) (chan struct{}, error)
	Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error
}

// ReleasedTopic is the topic announcing that the lease stored under key was
// deleted by its owner.
func ReleasedTopic(key string) string {
	return "released:" + key
}

// Metrics reports how many events a bus sent and handed to subscribers.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// fanout delivers a signal to every channel without blocking. Channels are
// buffered with one slot, so a subscriber that has not consumed the previous
// signal simply keeps it. Unsubscribe closes channels, so callers must hold
// the mutex guarding chans.
func fanout(chans []chan struct{}, delivered *atomic.Uint64) {
	for _, ch := range chans {
		select {
		case ch <- struct{}{}:
			delivered.Add(1)
		default:
		}
	}
}

// removeChan drops ch from chans, closing it. It reports whether ch was found.
func removeChan(chans []chan struct{}, ch chan struct{}) ([]chan struct{}, bool) {
	for i, c := range chans {
		if c == ch {
			chans[i] = chans[len(chans)-1]
			chans = chans[:len(chans)-1]
			close(c)
			return chans, true
		}
	}
	return chans, false
}

// InMemoryBus is a process-local Bus, used by tests and single-process
// deployments.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]chan struct{})}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, topic string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published.Add(1)
	fanout(b.subs[topic], &b.delivered)
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription ends when ctx is done.
func (b *InMemoryBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, _ := removeChan(b.subs[topic], ch)
	if len(subs) == 0 {
		delete(b.subs, topic)
	} else {
		b.subs[topic] = subs
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.delivered.Load()}
}
