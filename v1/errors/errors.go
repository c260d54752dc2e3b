// Package errors holds the sentinel errors shared by the lock controller and
// the store adapters.
package errors

import "errors"

var (
	// ErrTimeout reports that a lock could not be acquired in time, or that a
	// store call exceeded its deadline.
	ErrTimeout = errors.New("timeout")
	// ErrLostLock reports that a held lease is no longer owned by this holder.
	ErrLostLock = errors.New("lost lock")
	// ErrConnectionClosed reports a store client that was already closed.
	ErrConnectionClosed = errors.New("connection closed")
)
