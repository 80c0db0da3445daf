package syncbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/metrics"
)

// flakyBus fails publishes while down is set and records the keys it sent.
type flakyBus struct {
	*InMemoryBus
	mu   sync.Mutex
	down bool
	sent []string
}

func (f *flakyBus) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func (f *flakyBus) Publish(ctx context.Context, key string) error {
	f.mu.Lock()
	if f.down {
		f.mu.Unlock()
		return errors.New("redis: connection refused")
	}
	f.sent = append(f.sent, key)
	f.mu.Unlock()
	return f.InMemoryBus.Publish(ctx, key)
}

func (f *flakyBus) sentKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type breakerClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *breakerClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *breakerClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newBreaker(t *testing.T) (*CircuitBreakerBus, *flakyBus, *breakerClock) {
	t.Helper()
	fb := &flakyBus{InMemoryBus: NewInMemoryBus()}
	clock := &breakerClock{now: time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)}
	return NewCircuitBreaker(fb, 2, 30*time.Second, WithBreakerClock(clock.Now)), fb, clock
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb, fb, clock := newBreaker(t)
	ctx := context.Background()
	rejected := metrics.BusPublishFailureCounter.WithLabelValues("strafkatalog_lock", "circuit_open")
	before := testutil.ToFloat64(rejected)

	fb.setDown(true)
	for i := 0; i < 2; i++ {
		if err := cb.Publish(ctx, "strafkatalog_lock"); err == nil || errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("publish %d: expected backend error got %v", i, err)
		}
	}
	if cb.State() != BreakerOpen || cb.IsHealthy() {
		t.Fatalf("expected open breaker, state %s", cb.State())
	}
	if got := testutil.ToFloat64(metrics.BusBreakerOpenGauge); got != 1 {
		t.Fatalf("expected breaker gauge 1 got %v", got)
	}
	if err := cb.Publish(ctx, "strafkatalog_lock"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen got %v", err)
	}
	if got := testutil.ToFloat64(rejected); got != before+1 {
		t.Fatalf("expected %v rejected publishes got %v", before+1, got)
	}

	clock.Advance(31 * time.Second)
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("expected half-open after cooldown, state %s", cb.State())
	}

	// A failed trial publish reopens for another cooldown.
	if err := cb.Publish(ctx, "strafkatalog_lock"); err == nil || errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected backend error on trial publish got %v", err)
	}
	if cb.State() != BreakerOpen {
		t.Fatalf("expected reopened breaker, state %s", cb.State())
	}
}

func TestCircuitBreakerReplaysKeysMissedWhileOpen(t *testing.T) {
	cb, fb, clock := newBreaker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	catalogEvents, err := cb.Subscribe(ctx, "strafkatalog")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	fb.setDown(true)
	_ = cb.Publish(ctx, "strafkatalog_lock")
	_ = cb.Publish(ctx, "strafkatalog_lock")
	if err := cb.Publish(ctx, "strafkatalog"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen got %v", err)
	}

	fb.setDown(false)
	clock.Advance(31 * time.Second)
	if err := cb.Publish(ctx, "strafkatalog_lock"); err != nil {
		t.Fatalf("trial publish: %v", err)
	}
	if cb.State() != BreakerClosed {
		t.Fatalf("expected closed breaker, state %s", cb.State())
	}
	if got := testutil.ToFloat64(metrics.BusBreakerOpenGauge); got != 0 {
		t.Fatalf("expected breaker gauge 0 got %v", got)
	}
	select {
	case <-catalogEvents:
	case <-time.After(time.Second):
		t.Fatal("catalog change rejected while open was never announced")
	}
	sent := fb.sentKeys()
	if len(sent) != 2 || sent[0] != "strafkatalog_lock" || sent[1] != "strafkatalog" {
		t.Fatalf("unexpected publishes %v", sent)
	}

	// Nothing is replayed twice.
	if err := cb.Publish(ctx, "strafkatalog_lock"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := len(fb.sentKeys()); got != 3 {
		t.Fatalf("expected 3 publishes got %d", got)
	}
}

func TestCircuitBreakerPassesSubscriptionsThrough(t *testing.T) {
	cb, _, _ := newBreaker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := cb.Subscribe(ctx, "strafkatalog_lock")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := cb.Publish(ctx, "strafkatalog_lock"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-sub:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for notification on wrapped bus")
	}
	if err := cb.Unsubscribe(ctx, "strafkatalog_lock", sub); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if _, ok := <-sub; ok {
		t.Fatal("expected closed channel after unsubscribe")
	}
}
