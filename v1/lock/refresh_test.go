package lock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/mirkobrombin/go-lease/v1/adapter"
	leaseerrors "github.com/mirkobrombin/go-lease/v1/errors"
	"github.com/mirkobrombin/go-lease/v1/lock"
	"github.com/mirkobrombin/go-lease/v1/metrics"
)

func TestRefreshKeepsLeaseAlive(t *testing.T) {
	store := adapter.NewInMemoryStore()
	l := lock.NewMutex(store, "a", lock.WithLockTimeout(time.Second))
	releaseOnCleanup(t, l)
	ctx := context.Background()

	if ok, err := l.TryAcquire(ctx); err != nil || !ok {
		t.Fatalf("TryAcquire: %v %v", ok, err)
	}
	time.Sleep(1600 * time.Millisecond)

	if v, ok := store.Get("mutex:a"); !ok || v != l.Identifier() {
		t.Fatalf("expected lease renewed, store holds %q %v", v, ok)
	}
	other := lock.NewMutex(store, "a")
	if ok, _ := other.TryAcquireOnce(ctx); ok {
		t.Fatal("competitor acquired a renewed lease")
	}
	if !l.IsAcquired() {
		t.Fatal("expected lock still acquired")
	}
}

func TestLostOnExternalDelete(t *testing.T) {
	store := adapter.NewInMemoryStore()
	rec := newLostRecorder()
	l := lock.NewMutex(store, "a",
		lock.WithLockTimeout(200*time.Millisecond),
		lock.WithOnLockLost(rec.callback),
	)
	releaseOnCleanup(t, l)
	lostBefore := testutil.ToFloat64(metrics.LostCounter.WithLabelValues(lock.KindMutex))

	if ok, err := l.TryAcquire(context.Background()); err != nil || !ok {
		t.Fatalf("TryAcquire: %v %v", ok, err)
	}
	store.Remove("mutex:a")

	err := rec.wait(t, time.Second)
	if !errors.Is(err, leaseerrors.ErrLostLock) {
		t.Fatalf("expected ErrLostLock, got %v", err)
	}
	if err.Error() != "lost mutex for key mutex:a" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if l.IsAcquired() {
		t.Fatal("lock must not be acquired after loss")
	}

	// renewal stopped: no second report
	time.Sleep(500 * time.Millisecond)
	if n := rec.count.Load(); n != 1 {
		t.Fatalf("expected exactly one loss report, got %d", n)
	}
	if d := testutil.ToFloat64(metrics.LostCounter.WithLabelValues(lock.KindMutex)) - lostBefore; d < 1 {
		t.Fatalf("expected lost counter to increase, delta %v", d)
	}
}

func TestLostOnForeignOwner(t *testing.T) {
	store := adapter.NewInMemoryStore()
	rec := newLostRecorder()
	l := lock.NewMutex(store, "a",
		lock.WithLockTimeout(time.Second),
		lock.WithRefreshInterval(20*time.Millisecond),
		lock.WithOnLockLost(rec.callback),
	)
	releaseOnCleanup(t, l)

	if ok, err := l.TryAcquire(context.Background()); err != nil || !ok {
		t.Fatalf("TryAcquire: %v %v", ok, err)
	}
	store.Set("mutex:a", "intruder", time.Minute)
	rec.wait(t, time.Second)

	if v, _ := store.Get("mutex:a"); v != "intruder" {
		t.Fatalf("renewal must not touch a foreign lease, store holds %q", v)
	}
}

func TestReleaseFromLostCallback(t *testing.T) {
	store := adapter.NewInMemoryStore()
	done := make(chan error, 1)
	var l *lock.Lock
	l = lock.NewMutex(store, "a",
		lock.WithLockTimeout(time.Second),
		lock.WithRefreshInterval(20*time.Millisecond),
		lock.WithOnLockLost(func(error) {
			done <- l.Release(context.Background())
		}),
	)

	if ok, err := l.TryAcquire(context.Background()); err != nil || !ok {
		t.Fatalf("TryAcquire: %v %v", ok, err)
	}
	store.Remove("mutex:a")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Release from callback: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("callback did not complete, possible deadlock")
	}
}

func TestNoLossReportAfterRelease(t *testing.T) {
	store, _ := newCountingStore()
	store.extendDelay = 100 * time.Millisecond
	rec := newLostRecorder()
	l := lock.NewMutex(store, "a",
		lock.WithLockTimeout(time.Second),
		lock.WithRefreshInterval(10*time.Millisecond),
		lock.WithOnLockLost(rec.callback),
	)
	ctx := context.Background()

	if ok, err := l.TryAcquire(ctx); err != nil || !ok {
		t.Fatalf("TryAcquire: %v %v", ok, err)
	}
	// let a renewal get in flight, then release under it
	time.Sleep(30 * time.Millisecond)
	if err := l.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if n := rec.count.Load(); n != 0 {
		t.Fatalf("release must not report a loss, got %d", n)
	}
}

func TestRefreshDisabled(t *testing.T) {
	store, _ := newCountingStore()
	l := lock.NewMutex(store, "a",
		lock.WithLockTimeout(50*time.Millisecond),
		lock.WithRefreshInterval(0),
	)
	releaseOnCleanup(t, l)

	if ok, err := l.TryAcquire(context.Background()); err != nil || !ok {
		t.Fatalf("TryAcquire: %v %v", ok, err)
	}
	time.Sleep(150 * time.Millisecond)
	if n := store.extends.Load(); n != 0 {
		t.Fatalf("expected no renewal, got %d extends", n)
	}
	// no renewal means no loss detection either
	if !l.IsAcquired() {
		t.Fatal("lock flag must stay set without renewal")
	}
}

func TestOverlappingRefreshSkipped(t *testing.T) {
	store, _ := newCountingStore()
	store.extendDelay = 150 * time.Millisecond
	l := lock.NewMutex(store, "a",
		lock.WithLockTimeout(time.Second),
		lock.WithRefreshInterval(20*time.Millisecond),
	)
	releaseOnCleanup(t, l)

	if ok, err := l.TryAcquire(context.Background()); err != nil || !ok {
		t.Fatalf("TryAcquire: %v %v", ok, err)
	}
	time.Sleep(400 * time.Millisecond)
	if m := store.maxInflight.Load(); m != 1 {
		t.Fatalf("expected at most one renewal in flight, got %d", m)
	}
	if n := store.extends.Load(); n < 2 || n > 4 {
		t.Fatalf("expected slow renewals to be skipped, got %d extends", n)
	}
}

func TestStopRefresh(t *testing.T) {
	store, _ := newCountingStore()
	l := lock.NewMutex(store, "a",
		lock.WithLockTimeout(time.Second),
		lock.WithRefreshInterval(10*time.Millisecond),
	)
	releaseOnCleanup(t, l)

	if ok, err := l.TryAcquire(context.Background()); err != nil || !ok {
		t.Fatalf("TryAcquire: %v %v", ok, err)
	}
	time.Sleep(50 * time.Millisecond)
	l.StopRefresh()
	n := store.extends.Load()
	if n == 0 {
		t.Fatal("expected renewals before StopRefresh")
	}
	time.Sleep(50 * time.Millisecond)
	if m := store.extends.Load(); m != n {
		t.Fatalf("renewal continued after StopRefresh: %d -> %d", n, m)
	}
	if !l.IsAcquired() {
		t.Fatal("StopRefresh must not release")
	}
}

func TestUpdateChangesRenewalTTL(t *testing.T) {
	store, mem := newCountingStore()
	l := lock.NewMutex(store, "a",
		lock.WithLockTimeout(time.Second),
		lock.WithRefreshInterval(20*time.Millisecond),
	)
	releaseOnCleanup(t, l)
	ctx := context.Background()

	if ok, err := l.TryAcquire(ctx); err != nil || !ok {
		t.Fatalf("TryAcquire: %v %v", ok, err)
	}
	if ttl := time.Duration(store.lastCreateTTL.Load()); ttl != time.Second {
		t.Fatalf("expected create with 1s, got %v", ttl)
	}
	if !l.Update(ctx, 5*time.Second) {
		t.Fatal("Update failed")
	}
	before := store.extends.Load()
	deadline := time.Now().Add(time.Second)
	for store.extends.Load() < before+2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if ttl := time.Duration(store.lastExtendTTL.Load()); ttl != 5*time.Second {
		t.Fatalf("expected renewals with 5s, got %v", ttl)
	}
	if _, ok := mem.Get("mutex:a"); !ok {
		t.Fatal("expected lease present")
	}
}

func TestUpdateAfterLoss(t *testing.T) {
	store := adapter.NewInMemoryStore()
	rec := newLostRecorder()
	l := lock.NewMutex(store, "a",
		lock.WithRefreshInterval(0),
		lock.WithOnLockLost(rec.callback),
	)
	ctx := context.Background()

	if ok, err := l.TryAcquire(ctx); err != nil || !ok {
		t.Fatalf("TryAcquire: %v %v", ok, err)
	}
	store.Remove("mutex:a")

	if l.Update(ctx, time.Minute) {
		t.Fatal("Update must fail on a missing lease")
	}
	if n := rec.count.Load(); n != 1 {
		t.Fatalf("expected one loss report, got %d", n)
	}
	if err := <-rec.errs; !errors.Is(err, leaseerrors.ErrLostLock) {
		t.Fatalf("expected ErrLostLock, got %v", err)
	}
	if l.IsAcquired() {
		t.Fatal("lock must not be acquired after failed update")
	}
	if _, ok := store.Get("mutex:a"); ok {
		t.Fatal("failed update must not recreate the lease")
	}
}

func TestUpdateStoreErrorReportsLoss(t *testing.T) {
	boom := errors.New("boom")
	rec := newLostRecorder()
	l := lock.NewMutex(&failingStore{err: boom}, "a", lock.WithOnLockLost(rec.callback))

	if l.Update(context.Background(), time.Second) {
		t.Fatal("Update must fail")
	}
	if err := rec.wait(t, time.Second); !errors.Is(err, boom) || !errors.Is(err, leaseerrors.ErrLostLock) {
		t.Fatalf("expected loss wrapping store error, got %v", err)
	}
}

func TestLockTimeoutNonPositiveKeepsDefault(t *testing.T) {
	store, _ := newCountingStore()
	l := lock.NewMutex(store, "a", lock.WithLockTimeout(0), lock.WithLockTimeout(-time.Second))
	releaseOnCleanup(t, l)

	if ok, err := l.TryAcquire(context.Background()); err != nil || !ok {
		t.Fatalf("TryAcquire: %v %v", ok, err)
	}
	if ttl := time.Duration(store.lastCreateTTL.Load()); ttl != lock.DefaultLockTimeout {
		t.Fatalf("expected default lock timeout, got %v", ttl)
	}
}

func TestSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	store := adapter.NewInMemoryStore()
	store.Set("mutex:busy", "other", time.Minute)
	ctx := context.Background()

	l := lock.NewMutex(store, "a")
	if ok, err := l.TryAcquire(ctx); err != nil || !ok {
		t.Fatalf("TryAcquire: %v %v", ok, err)
	}
	if err := l.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	busy := lock.NewMutex(store, "busy", lock.WithAcquireAttemptsLimit(1))
	if err := busy.Acquire(ctx); err == nil {
		t.Fatal("expected timeout")
	}

	spans := map[string]sdktrace.ReadOnlySpan{}
	for _, s := range sr.Ended() {
		spans[s.Name()] = s
	}
	for _, name := range []string{"lock.TryAcquire", "lock.Release", "lock.Acquire"} {
		if _, ok := spans[name]; !ok {
			t.Fatalf("missing span %s", name)
		}
	}
	if code := spans["lock.Acquire"].Status().Code; code == codes.Error {
		t.Fatal("an acquisition timeout is not a span error")
	}
	var found bool
	for _, kv := range spans["lock.TryAcquire"].Attributes() {
		if kv.Key == "lock.key" && kv.Value.AsString() == "mutex:a" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected lock.key attribute")
	}
}
