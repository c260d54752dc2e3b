package adapter_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirkobrombin/go-lease/v1/lock"
)

// storeHarness describes a backend under test. advance moves the backend's
// notion of time forward so TTL expiry can be observed.
type storeHarness struct {
	store   lock.Store
	ttl     time.Duration
	advance func(d time.Duration)
}

func runStoreConformance(t *testing.T, newHarness func(t *testing.T) storeHarness) {
	t.Run("CreateOnlyWhenAbsent", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()

		ok, err := h.store.Create(ctx, "k", "a", h.ttl)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = h.store.Create(ctx, "k", "b", h.ttl)
		require.NoError(t, err)
		assert.False(t, ok, "second create must not overwrite")

		ok, err = h.store.Create(ctx, "k", "a", h.ttl)
		require.NoError(t, err)
		assert.False(t, ok, "create is not idempotent for the owner")
	})

	t.Run("ExtendRequiresOwner", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()

		ok, err := h.store.Extend(ctx, "k", "a", h.ttl)
		require.NoError(t, err)
		assert.False(t, ok, "extend on missing key")

		_, err = h.store.Create(ctx, "k", "a", h.ttl)
		require.NoError(t, err)

		ok, err = h.store.Extend(ctx, "k", "b", h.ttl)
		require.NoError(t, err)
		assert.False(t, ok, "extend by foreign owner")

		ok, err = h.store.Extend(ctx, "k", "a", h.ttl)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("DeleteRequiresOwner", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()

		_, err := h.store.Create(ctx, "k", "a", h.ttl)
		require.NoError(t, err)

		ok, err := h.store.Delete(ctx, "k", "b")
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = h.store.Delete(ctx, "k", "a")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = h.store.Delete(ctx, "k", "a")
		require.NoError(t, err)
		assert.False(t, ok, "delete of missing key")

		ok, err = h.store.Create(ctx, "k", "b", h.ttl)
		require.NoError(t, err)
		assert.True(t, ok, "key is free after delete")
	})

	t.Run("ExpiryFreesKey", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()

		_, err := h.store.Create(ctx, "k", "a", h.ttl)
		require.NoError(t, err)
		h.advance(h.ttl * 2)

		ok, err := h.store.Extend(ctx, "k", "a", h.ttl)
		require.NoError(t, err)
		assert.False(t, ok, "expired key cannot be extended")

		ok, err = h.store.Create(ctx, "k", "b", h.ttl)
		require.NoError(t, err)
		assert.True(t, ok, "expired key can be created again")
	})

	t.Run("ExtendPostponesExpiry", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()

		_, err := h.store.Create(ctx, "k", "a", h.ttl)
		require.NoError(t, err)
		h.advance(h.ttl * 3 / 4)
		ok, err := h.store.Extend(ctx, "k", "a", h.ttl)
		require.NoError(t, err)
		require.True(t, ok)
		h.advance(h.ttl * 3 / 4)

		ok, err = h.store.Create(ctx, "k", "b", h.ttl)
		require.NoError(t, err)
		assert.False(t, ok, "extended key must still be held")
	})

	t.Run("ConcurrentCreateSingleWinner", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ok, err := h.store.Create(ctx, "k", string(rune('a'+i)), h.ttl)
				if err == nil && ok {
					wins.Add(1)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("CanceledContext", func(t *testing.T) {
		h := newHarness(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := h.store.Create(ctx, "k", "a", h.ttl)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
