package lock

import (
	"time"

	"go.uber.org/zap"

	"github.com/mirkobrombin/go-lease/v1/syncbus"
)

const (
	// DefaultLockTimeout is the lease duration written on acquire and renewal.
	DefaultLockTimeout = 10 * time.Second
	// DefaultAcquireTimeout bounds how long TryAcquire keeps polling.
	DefaultAcquireTimeout = 10 * time.Second
	// DefaultRetryInterval is the pause between two acquisition attempts.
	DefaultRetryInterval = 10 * time.Millisecond

	refreshIntervalCoef = 0.8
)

type options struct {
	lockTimeout          time.Duration
	acquireTimeout       time.Duration
	acquireAttemptsLimit int
	retryInterval        time.Duration
	refreshInterval      time.Duration
	refreshIntervalSet   bool
	onLockLost           func(error)
	identifier           string
	logger               *zap.Logger
	bus                  syncbus.Bus
}

// Option configures a Lock.
type Option func(*options)

// WithLockTimeout sets the lease duration. Non-positive values keep the
// default.
func WithLockTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.lockTimeout = d
		}
	}
}

// WithAcquireTimeout bounds the total time TryAcquire and Acquire poll.
func WithAcquireTimeout(d time.Duration) Option {
	return func(o *options) {
		o.acquireTimeout = d
	}
}

// WithAcquireAttemptsLimit stops polling after n failed attempts even if the
// acquire timeout has not elapsed. Zero means unlimited.
func WithAcquireAttemptsLimit(n int) Option {
	return func(o *options) {
		o.acquireAttemptsLimit = n
	}
}

// WithRetryInterval sets the pause between acquisition attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(o *options) {
		o.retryInterval = d
	}
}

// WithRefreshInterval overrides the renewal period, which otherwise is 0.8 of
// the lock timeout. Zero or a negative value disables renewal.
func WithRefreshInterval(d time.Duration) Option {
	return func(o *options) {
		o.refreshInterval = d
		o.refreshIntervalSet = true
	}
}

// WithOnLockLost sets the callback invoked when a held lease is lost. It runs
// on the renewal goroutine, or on the caller's goroutine for Update, after
// the lock state has been reset; it may call Release or TryAcquire.
func WithOnLockLost(fn func(error)) Option {
	return func(o *options) {
		o.onLockLost = fn
	}
}

// WithExternallyAcquiredIdentifier adopts a lease that another actor already
// created with identifier id. The first TryAcquire renews that lease instead
// of creating a new one.
func WithExternallyAcquiredIdentifier(id string) Option {
	return func(o *options) {
		o.identifier = id
	}
}

// WithLogger sets the logger used for debug tracing and loss reports.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithBus publishes a release notification on bus after each successful
// release, and lets TryAcquire retry as soon as such a notification arrives
// instead of waiting for the full retry interval.
func WithBus(bus syncbus.Bus) Option {
	return func(o *options) {
		o.bus = bus
	}
}

func defaultOptions() options {
	return options{
		lockTimeout:    DefaultLockTimeout,
		acquireTimeout: DefaultAcquireTimeout,
		retryInterval:  DefaultRetryInterval,
		logger:         zap.NewNop(),
	}
}

func (o *options) finish() {
	if !o.refreshIntervalSet {
		o.refreshInterval = time.Duration(float64(o.lockTimeout) * refreshIntervalCoef).Round(time.Millisecond)
	}
	if o.onLockLost == nil {
		logger := o.logger
		o.onLockLost = func(err error) {
			logger.Error("lock lost", zap.Error(err))
		}
	}
}
