package lock_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mirkobrombin/go-lease/v1/adapter"
	"github.com/mirkobrombin/go-lease/v1/lock"
)

// countingStore wraps a store and records how it is used.
type countingStore struct {
	lock.Store

	creates atomic.Int32
	extends atomic.Int32
	deletes atomic.Int32

	lastCreateTTL atomic.Int64
	lastExtendTTL atomic.Int64

	extendDelay time.Duration
	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func newCountingStore() (*countingStore, *adapter.InMemoryStore) {
	mem := adapter.NewInMemoryStore()
	return &countingStore{Store: mem}, mem
}

func (s *countingStore) Create(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.creates.Add(1)
	s.lastCreateTTL.Store(int64(ttl))
	return s.Store.Create(ctx, key, value, ttl)
}

func (s *countingStore) Extend(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.extends.Add(1)
	s.lastExtendTTL.Store(int64(ttl))
	n := s.inflight.Add(1)
	defer s.inflight.Add(-1)
	for {
		m := s.maxInflight.Load()
		if n <= m || s.maxInflight.CompareAndSwap(m, n) {
			break
		}
	}
	if s.extendDelay > 0 {
		select {
		case <-time.After(s.extendDelay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return s.Store.Extend(ctx, key, value, ttl)
}

func (s *countingStore) Delete(ctx context.Context, key, value string) (bool, error) {
	s.deletes.Add(1)
	return s.Store.Delete(ctx, key, value)
}

// failingStore answers every call with err.
type failingStore struct {
	err   error
	calls atomic.Int32
}

func (s *failingStore) Create(context.Context, string, string, time.Duration) (bool, error) {
	s.calls.Add(1)
	return false, s.err
}

func (s *failingStore) Extend(context.Context, string, string, time.Duration) (bool, error) {
	s.calls.Add(1)
	return false, s.err
}

func (s *failingStore) Delete(context.Context, string, string) (bool, error) {
	s.calls.Add(1)
	return false, s.err
}

// lostRecorder collects errors passed to OnLockLost.
type lostRecorder struct {
	count atomic.Int32
	errs  chan error
}

func newLostRecorder() *lostRecorder {
	return &lostRecorder{errs: make(chan error, 16)}
}

func (r *lostRecorder) callback(err error) {
	r.count.Add(1)
	r.errs <- err
}

func (r *lostRecorder) wait(t *testing.T, timeout time.Duration) error {
	t.Helper()
	select {
	case err := <-r.errs:
		return err
	case <-time.After(timeout):
		t.Fatalf("OnLockLost not called within %v", timeout)
		return nil
	}
}

func releaseOnCleanup(t *testing.T, l *lock.Lock) {
	t.Helper()
	t.Cleanup(func() { _ = l.Release(context.Background()) })
}
