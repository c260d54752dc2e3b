package lock

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// AcquireOptions parameterizes the acquisition protocol.
type AcquireOptions struct {
	Identifier     string
	LockTimeout    time.Duration
	AcquireTimeout time.Duration
	// AttemptsLimit stops AcquireWithRetry after that many failed attempts.
	// Zero means the acquire timeout is the only bound.
	AttemptsLimit int
	RetryInterval time.Duration
	// Wake, when set, cuts a retry pause short each time it fires.
	Wake   <-chan struct{}
	Logger *zap.Logger
}

func (o AcquireOptions) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// AcquireOnce makes a single attempt to create key with the identifier as
// value and LockTimeout as TTL. It reports whether the key was created; a
// false result means someone else holds it.
func AcquireOnce(ctx context.Context, store Store, key string, opts AcquireOptions) (bool, error) {
	log := opts.logger().With(zap.String("key", key), zap.String("identifier", opts.Identifier))
	log.Debug("attempt")
	ok, err := store.Create(ctx, key, opts.Identifier, opts.LockTimeout)
	if err != nil {
		log.Debug("attempt failed", zap.Error(err))
		return false, err
	}
	if ok {
		log.Debug("acquired")
	}
	return ok, nil
}

// AcquireWithRetry polls AcquireOnce until it succeeds, AcquireTimeout
// elapses, or AttemptsLimit failed attempts were made, pausing RetryInterval
// between attempts. Store errors count as failed attempts; when the loop
// gives up after an attempt that failed with an error, that error is
// returned alongside false. A cancelled ctx stops the loop with ctx.Err().
func AcquireWithRetry(ctx context.Context, store Store, key string, opts AcquireOptions) (bool, error) {
	log := opts.logger().With(zap.String("key", key), zap.String("identifier", opts.Identifier))
	deadline := time.Now().Add(opts.AcquireTimeout)
	wake := opts.Wake

	var lastErr error
	attempts := 0
	for time.Now().Before(deadline) {
		attempts++
		ok, err := AcquireOnce(ctx, store, key, opts)
		if ok {
			return true, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		lastErr = err
		if opts.AttemptsLimit > 0 && attempts >= opts.AttemptsLimit {
			log.Debug("attempts limit reached", zap.Int("attempts", attempts))
			return false, lastErr
		}

		pause := opts.RetryInterval
		if remaining := time.Until(deadline); pause > remaining {
			pause = remaining
		}
		if pause <= 0 {
			continue
		}
		timer := time.NewTimer(pause)
		select {
		case <-timer.C:
		case _, open := <-wake:
			if !open {
				wake = nil
			}
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		}
		timer.Stop()
	}
	log.Debug("timeout", zap.Int("attempts", attempts))
	return false, lastErr
}
