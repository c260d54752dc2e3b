package adapter

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/mirkobrombin/go-lease/v1/lock"
)

var _ lock.Store = (*InMemoryStore)(nil)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

func (e memoryEntry) live(now time.Time) bool {
	return now.Before(e.expiresAt)
}

// InMemoryStore is a process-local Store. Expired keys are treated as absent
// on access and dropped by Purge.
type InMemoryStore struct {
	items *xsync.MapOf[string, memoryEntry]
	now   func() time.Time
}

// MemoryOption configures an InMemoryStore.
type MemoryOption func(*InMemoryStore)

// WithClock overrides the time source used to evaluate expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *InMemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewInMemoryStore returns an empty InMemoryStore.
func NewInMemoryStore(opts ...MemoryOption) *InMemoryStore {
	s := &InMemoryStore{
		items: xsync.NewMapOf[string, memoryEntry](),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create implements lock.Store.
func (s *InMemoryStore) Create(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := s.now()
	created := false
	s.items.Compute(key, func(old memoryEntry, loaded bool) (memoryEntry, bool) {
		if loaded && old.live(now) {
			return old, false
		}
		created = true
		return memoryEntry{value: value, expiresAt: now.Add(ttl)}, false
	})
	return created, nil
}

// Extend implements lock.Store.
func (s *InMemoryStore) Extend(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := s.now()
	extended := false
	s.items.Compute(key, func(old memoryEntry, loaded bool) (memoryEntry, bool) {
		if !loaded || !old.live(now) {
			return old, true
		}
		if old.value != value {
			return old, false
		}
		extended = true
		return memoryEntry{value: value, expiresAt: now.Add(ttl)}, false
	})
	return extended, nil
}

// Delete implements lock.Store.
func (s *InMemoryStore) Delete(ctx context.Context, key, value string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := s.now()
	deleted := false
	s.items.Compute(key, func(old memoryEntry, loaded bool) (memoryEntry, bool) {
		if !loaded || !old.live(now) {
			return old, true
		}
		if old.value != value {
			return old, false
		}
		deleted = true
		return old, true
	})
	return deleted, nil
}

// Get returns the value currently held by key, if any.
func (s *InMemoryStore) Get(key string) (string, bool) {
	e, ok := s.items.Load(key)
	if !ok || !e.live(s.now()) {
		return "", false
	}
	return e.value, true
}

// Set writes key unconditionally. It is meant for tests and tooling that
// need to simulate a foreign owner.
func (s *InMemoryStore) Set(key, value string, ttl time.Duration) {
	s.items.Store(key, memoryEntry{value: value, expiresAt: s.now().Add(ttl)})
}

// Remove drops key regardless of its owner.
func (s *InMemoryStore) Remove(key string) {
	s.items.Delete(key)
}

// Purge drops every expired key and returns how many were removed.
func (s *InMemoryStore) Purge() int {
	now := s.now()
	var expired []string
	s.items.Range(func(key string, e memoryEntry) bool {
		if !e.live(now) {
			expired = append(expired, key)
		}
		return true
	})
	removed := 0
	for _, key := range expired {
		s.items.Compute(key, func(old memoryEntry, loaded bool) (memoryEntry, bool) {
			if loaded && !old.live(now) {
				removed++
				return old, true
			}
			return old, !loaded
		})
	}
	return removed
}

// Len returns the number of live keys.
func (s *InMemoryStore) Len() int {
	now := s.now()
	n := 0
	s.items.Range(func(_ string, e memoryEntry) bool {
		if e.live(now) {
			n++
		}
		return true
	})
	return n
}

// RunJanitor calls Purge every interval until ctx is done.
func (s *InMemoryStore) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Purge()
		}
	}
}
