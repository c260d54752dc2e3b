package lock

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mirkobrombin/go-lease/v1/metrics"
)

// refreshTask is the background renewal of one acquisition. Cancelling it
// also cancels renewals that are in flight.
type refreshTask struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// startRefreshLocked starts the renewal task. l.mu must be held.
func (l *Lock) startRefreshLocked() {
	if l.task != nil {
		l.task.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	task := &refreshTask{cancel: cancel}
	task.wg.Add(1)
	go l.runRefresh(ctx, task, l.opts.refreshInterval)
	l.task = task
}

// runRefresh fires a renewal every interval. Each renewal runs on its own
// goroutine so that the ticker keeps its cadence; overlapping renewals are
// skipped by processRefresh.
func (l *Lock) runRefresh(ctx context.Context, task *refreshTask, interval time.Duration) {
	defer task.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			task.wg.Add(1)
			go func() {
				defer task.wg.Done()
				l.processRefresh(ctx, task)
			}()
		}
	}
}

func (l *Lock) processRefresh(ctx context.Context, task *refreshTask) {
	if !l.refreshing.CompareAndSwap(false, true) {
		l.log.Debug("already refreshing (skip)")
		return
	}
	defer l.refreshing.Store(false)

	l.mu.Lock()
	ttl := l.lockTimeout
	l.mu.Unlock()

	l.log.Debug("refresh", zap.String("identifier", l.identifier))
	ok, err := l.store.Extend(ctx, l.key, l.identifier, ttl)
	if ok {
		metrics.RefreshCounter.WithLabelValues(l.kind, metrics.ResultOK).Inc()
		return
	}
	if ctx.Err() != nil {
		// stopped by Release or StopRefresh while the call was in flight
		return
	}
	result := metrics.ResultFailed
	if err != nil {
		result = metrics.ResultError
	}
	metrics.RefreshCounter.WithLabelValues(l.kind, result).Inc()

	if lost := l.markLost(task, err); lost != nil {
		l.opts.onLockLost(lost)
	}
}

// StopRefresh stops lease renewal without releasing the lock, waiting for an
// in-flight renewal to return. The lease then expires after the lock timeout
// unless it is renewed by other means.
func (l *Lock) StopRefresh() {
	l.stopRefresh()
}

func (l *Lock) stopRefresh() {
	l.mu.Lock()
	task := l.task
	l.task = nil
	l.mu.Unlock()
	if task == nil {
		return
	}
	l.log.Debug("clear refresh task", zap.String("identifier", l.identifier))
	task.cancel()
	task.wg.Wait()
}
