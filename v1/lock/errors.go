package lock

import (
	"fmt"

	leaseerrors "github.com/mirkobrombin/go-lease/v1/errors"
)

// TimeoutError is returned by Acquire when the lock could not be obtained
// before the acquire timeout or attempts limit. It matches
// leaseerrors.ErrTimeout with errors.Is.
type TimeoutError struct {
	Kind string
	Key  string
	// Err is the store error of the last attempt, if it failed with one.
	Err error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("acquire %s %s timeout", e.Kind, e.Key)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TimeoutError) Unwrap() []error {
	if e.Err == nil {
		return []error{leaseerrors.ErrTimeout}
	}
	return []error{leaseerrors.ErrTimeout, e.Err}
}

// LostLockError is passed to the OnLockLost callback when a renewal or an
// update finds that the lease is no longer owned by the lock. It matches
// leaseerrors.ErrLostLock with errors.Is.
type LostLockError struct {
	Kind string
	Key  string
	// Err is the store error that caused the loss, nil when the store
	// answered that the key is absent or owned by someone else.
	Err error
}

func (e *LostLockError) Error() string {
	msg := fmt.Sprintf("lost %s for key %s", e.Kind, e.Key)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LostLockError) Unwrap() []error {
	if e.Err == nil {
		return []error{leaseerrors.ErrLostLock}
	}
	return []error{leaseerrors.ErrLostLock, e.Err}
}
