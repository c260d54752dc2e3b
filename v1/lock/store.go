package lock

import (
	"context"
	"time"
)

// Store is the capability a key-value backend must provide. Every method
// must be atomic on the store side, and keys must expire on their own once
// their TTL elapses.
type Store interface {
	// Create sets key to value with the given TTL only if key is absent.
	// It reports whether the key was created.
	Create(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Extend resets the TTL of key to ttl only if it currently holds value.
	Extend(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Delete removes key only if it currently holds value.
	Delete(ctx context.Context, key, value string) (bool, error)
}
