package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-lease/v1/metrics"
	"github.com/mirkobrombin/go-lease/v1/syncbus"
)

// KindMutex is the kind reported by locks built with NewMutex.
const KindMutex = "mutex"

var tracer = otel.Tracer("github.com/mirkobrombin/go-lease/v1/lock")

// Lock is a lease held on one store key. The zero value is not usable; build
// locks with New or NewMutex. A Lock may be acquired and released repeatedly
// but is bound to a single key for its whole life.
type Lock struct {
	store      Store
	kind       string
	key        string
	identifier string
	opts       options
	log        *zap.Logger

	// opMu serializes caller operations. The renewal task never takes it.
	opMu sync.Mutex

	mu                 sync.Mutex
	acquired           bool
	acquiredExternally bool
	lockTimeout        time.Duration
	task               *refreshTask

	refreshing atomic.Bool
}

// New returns a Lock of the given kind on key.
func New(store Store, kind, key string, opts ...Option) *Lock {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	o.finish()

	identifier := o.identifier
	external := identifier != ""
	if !external {
		identifier = uuid.NewString()
	}
	return &Lock{
		store:              store,
		kind:               kind,
		key:                key,
		identifier:         identifier,
		opts:               o,
		log:                o.logger.With(zap.String("kind", kind), zap.String("key", key)),
		acquiredExternally: external,
		lockTimeout:        o.lockTimeout,
	}
}

// NewMutex returns a mutex on the resource name. The lease is stored under
// "mutex:<name>".
func NewMutex(store Store, name string, opts ...Option) *Lock {
	return New(store, KindMutex, "mutex:"+name, opts...)
}

// Identifier returns the token written in the store while the lock is held.
func (l *Lock) Identifier() string { return l.identifier }

// Key returns the store key of the lease.
func (l *Lock) Key() string { return l.key }

// Kind returns the lock kind used in errors and metrics.
func (l *Lock) Kind() string { return l.kind }

// IsAcquired reports whether the lock currently believes it holds the lease.
func (l *Lock) IsAcquired() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquired
}

// TryAcquire obtains the lease, polling until the acquire timeout or attempts
// limit. An adopted lock renews the existing lease once instead. It returns
// false without error when the lease is held by someone else; errors report
// store failures or a cancelled ctx.
func (l *Lock) TryAcquire(ctx context.Context) (acquired bool, err error) {
	ctx, span := l.startSpan(ctx, "TryAcquire")
	defer func() { endSpan(span, attribute.Bool("lock.acquired", acquired), err) }()

	l.opMu.Lock()
	defer l.opMu.Unlock()
	return l.tryAcquire(ctx, false)
}

// TryAcquireOnce is TryAcquire with a single attempt and no waiting.
func (l *Lock) TryAcquireOnce(ctx context.Context) (acquired bool, err error) {
	ctx, span := l.startSpan(ctx, "TryAcquireOnce")
	defer func() { endSpan(span, attribute.Bool("lock.acquired", acquired), err) }()

	l.opMu.Lock()
	defer l.opMu.Unlock()
	return l.tryAcquire(ctx, true)
}

// Acquire is TryAcquire for callers that cannot proceed without the lock:
// failing to acquire returns a *TimeoutError.
func (l *Lock) Acquire(ctx context.Context) (err error) {
	ctx, span := l.startSpan(ctx, "Acquire")
	acquired := false
	defer func() { endSpan(span, attribute.Bool("lock.acquired", acquired), err) }()

	l.log.Debug("acquire")
	l.opMu.Lock()
	defer l.opMu.Unlock()
	acquired, err = l.tryAcquire(ctx, false)
	if acquired {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return &TimeoutError{Kind: l.kind, Key: l.key, Err: err}
}

func (l *Lock) tryAcquire(ctx context.Context, once bool) (bool, error) {
	l.mu.Lock()
	if l.acquired {
		l.mu.Unlock()
		return true, nil
	}
	external := l.acquiredExternally
	ttl := l.lockTimeout
	l.mu.Unlock()

	l.log.Debug("tryAcquire", zap.Bool("external", external), zap.Bool("once", once))
	var (
		ok  bool
		err error
	)
	switch {
	case external:
		ok, err = l.store.Extend(ctx, l.key, l.identifier, ttl)
	case once:
		ok, err = AcquireOnce(ctx, l.store, l.key, l.acquireOptions(ttl))
	default:
		ok, err = l.acquireWithRetry(ctx, ttl)
	}
	if !ok {
		result := metrics.ResultFailed
		if err != nil {
			result = metrics.ResultError
		}
		metrics.AcquireCounter.WithLabelValues(l.kind, result).Inc()
		return false, err
	}

	l.mu.Lock()
	l.acquired = true
	l.acquiredExternally = false
	if l.opts.refreshInterval > 0 {
		l.startRefreshLocked()
	}
	l.mu.Unlock()

	metrics.AcquireCounter.WithLabelValues(l.kind, metrics.ResultOK).Inc()
	metrics.HeldGauge.WithLabelValues(l.kind).Inc()
	return true, nil
}

func (l *Lock) acquireOptions(ttl time.Duration) AcquireOptions {
	return AcquireOptions{
		Identifier:     l.identifier,
		LockTimeout:    ttl,
		AcquireTimeout: l.opts.acquireTimeout,
		AttemptsLimit:  l.opts.acquireAttemptsLimit,
		RetryInterval:  l.opts.retryInterval,
		Logger:         l.opts.logger,
	}
}

func (l *Lock) acquireWithRetry(ctx context.Context, ttl time.Duration) (bool, error) {
	opts := l.acquireOptions(ttl)
	if l.opts.bus != nil {
		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		ch, err := l.opts.bus.Subscribe(subCtx, syncbus.ReleasedTopic(l.key))
		if err != nil {
			l.log.Debug("release notifications unavailable", zap.Error(err))
		} else {
			opts.Wake = ch
		}
	}
	return AcquireWithRetry(ctx, l.store, l.key, opts)
}

// Update replaces the lease TTL with newTimeout, provided the lease is still
// owned by this lock; later renewals keep using newTimeout. If the lease is
// gone, or the store fails, the lock is treated as lost exactly as on a failed
// renewal: it is marked not acquired, renewal stops, and OnLockLost fires.
// Update reports whether the lease was extended.
func (l *Lock) Update(ctx context.Context, newTimeout time.Duration) bool {
	ctx, span := l.startSpan(ctx, "Update")
	span.SetAttributes(attribute.Int64("lock.timeout_ms", newTimeout.Milliseconds()))

	l.log.Debug("update", zap.Duration("timeout", newTimeout))
	l.opMu.Lock()
	ok, err := l.store.Extend(ctx, l.key, l.identifier, newTimeout)
	var lost error
	if ok {
		l.mu.Lock()
		l.lockTimeout = newTimeout
		l.mu.Unlock()
	} else {
		lost = l.markLost(nil, err)
	}
	l.opMu.Unlock()

	endSpan(span, attribute.Bool("lock.updated", ok), err)
	if lost != nil {
		l.opts.onLockLost(lost)
	}
	return ok
}

// Release stops renewal and, if the lock is held or adopted, deletes the
// lease provided it still carries this lock's identifier. The local state is
// reset even when the delete finds nothing to remove. Calling Release on a
// lock that is not held does not touch the store.
func (l *Lock) Release(ctx context.Context) (err error) {
	ctx, span := l.startSpan(ctx, "Release")
	deleted := false
	defer func() { endSpan(span, attribute.Bool("lock.deleted", deleted), err) }()

	l.opMu.Lock()
	defer l.opMu.Unlock()

	l.log.Debug("release", zap.String("identifier", l.identifier))
	l.stopRefresh()

	l.mu.Lock()
	wasAcquired := l.acquired
	held := l.acquired || l.acquiredExternally
	l.mu.Unlock()

	if held {
		deleted, err = l.store.Delete(ctx, l.key, l.identifier)
		metrics.ReleaseCounter.WithLabelValues(l.kind).Inc()
		if err == nil && deleted {
			l.announceRelease(ctx)
		}
	}

	l.mu.Lock()
	l.acquired = false
	l.acquiredExternally = false
	l.mu.Unlock()
	if wasAcquired {
		metrics.HeldGauge.WithLabelValues(l.kind).Dec()
	}
	return err
}

func (l *Lock) announceRelease(ctx context.Context) {
	if l.opts.bus == nil {
		return
	}
	if err := l.opts.bus.Publish(ctx, syncbus.ReleasedTopic(l.key)); err != nil {
		l.log.Debug("release notification failed", zap.Error(err))
	}
}

// markLost resets the lock after a failed renewal or update and returns the
// error to hand to OnLockLost. For renewals, task identifies the renewal task
// that observed the failure; if that task was stopped in the meantime the
// loss was caused by this lock itself and nil is returned.
func (l *Lock) markLost(task *refreshTask, cause error) error {
	l.mu.Lock()
	if task != nil && l.task != task {
		l.mu.Unlock()
		return nil
	}
	wasAcquired := l.acquired
	l.acquired = false
	stale := l.task
	l.task = nil
	l.mu.Unlock()

	if stale != nil {
		stale.cancel()
	}
	if wasAcquired {
		metrics.HeldGauge.WithLabelValues(l.kind).Dec()
	}
	metrics.LostCounter.WithLabelValues(l.kind).Inc()

	lost := &LostLockError{Kind: l.kind, Key: l.key, Err: cause}
	l.log.Warn("lock lost", zap.String("identifier", l.identifier), zap.Error(cause))
	return lost
}

func (l *Lock) startSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "lock."+op, trace.WithAttributes(
		attribute.String("lock.kind", l.kind),
		attribute.String("lock.key", l.key),
	))
}

func endSpan(span trace.Span, outcome attribute.KeyValue, err error) {
	span.SetAttributes(outcome)
	if err != nil {
		span.RecordError(err)
		var timeout *TimeoutError
		if !errors.As(err, &timeout) {
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.End()
}
