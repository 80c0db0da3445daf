package syncbus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/metrics"
)

// ErrCircuitOpen is returned while the breaker rejects publishes.
var ErrCircuitOpen = errors.New("syncbus: circuit breaker is open")

// BreakerState is the state of a CircuitBreakerBus.
type BreakerState int

const (
	// BreakerClosed lets every publish through.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects publishes until the cooldown has passed.
	BreakerOpen
	// BreakerHalfOpen lets one trial publish through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// BreakerOption configures a CircuitBreakerBus.
type BreakerOption func(*CircuitBreakerBus)

// WithBreakerClock overrides the time source.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreakerBus) { cb.now = now }
}

// WithBreakerLogger sets the logger used for state changes.
func WithBreakerLogger(l zerolog.Logger) BreakerOption {
	return func(cb *CircuitBreakerBus) { cb.logger = l }
}

// CircuitBreakerBus stops hammering a failing notification backend. After
// threshold consecutive publish failures it rejects publishes for cooldown,
// then lets a single trial publish through. Keys rejected while open are
// published again once the backend recovers, so sessions still re-check the
// collections that changed during the outage.
type CircuitBreakerBus struct {
	bus       Bus
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	logger    zerolog.Logger

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	missed   map[string]struct{}
}

// NewCircuitBreaker wraps bus.
func NewCircuitBreaker(bus Bus, threshold int, cooldown time.Duration, opts ...BreakerOption) *CircuitBreakerBus {
	if threshold < 1 {
		threshold = 1
	}
	cb := &CircuitBreakerBus{
		bus:       bus,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		logger:    log.With().Str("component", "syncbus.breaker").Logger(),
		missed:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// State returns the current state. An open breaker whose cooldown has passed
// reports half-open.
func (cb *CircuitBreakerBus) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) > cb.cooldown {
		return BreakerHalfOpen
	}
	return cb.state
}

// IsHealthy reports whether publishes are let through.
func (cb *CircuitBreakerBus) IsHealthy() bool {
	return cb.State() != BreakerOpen
}

// allow reports whether key may be published now. A rejected key is
// remembered for the recovery flush.
func (cb *CircuitBreakerBus) allow(key string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if cb.now().Sub(cb.openedAt) > cb.cooldown {
			cb.state = BreakerHalfOpen
			return true
		}
	}
	cb.missed[key] = struct{}{}
	return false
}

// succeeded records a successful publish of key, closing a half-open
// breaker, and returns the other keys that failed or were rejected since.
func (cb *CircuitBreakerBus) succeeded(key string) []string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	delete(cb.missed, key)
	flush := make([]string, 0, len(cb.missed))
	for k := range cb.missed {
		flush = append(flush, k)
	}
	clear(cb.missed)
	if cb.state == BreakerHalfOpen {
		cb.state = BreakerClosed
		metrics.BusBreakerOpenGauge.Set(0)
		cb.logger.Info().Int("replayed", len(flush)).Msg("change notifications resumed")
	}
	return flush
}

func (cb *CircuitBreakerBus) failed(key string, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.missed[key] = struct{}{}
	if cb.state == BreakerHalfOpen || (cb.state == BreakerClosed && cb.failures >= cb.threshold) {
		cb.state = BreakerOpen
		cb.openedAt = cb.now()
		metrics.BusBreakerOpenGauge.Set(1)
		cb.logger.Warn().Err(err).Int("failures", cb.failures).Dur("cooldown", cb.cooldown).
			Msg("change notifications suspended")
	}
}

// Publish implements Bus.Publish.
func (cb *CircuitBreakerBus) Publish(ctx context.Context, key string) error {
	if !cb.allow(key) {
		metrics.BusPublishFailureCounter.WithLabelValues(key, "circuit_open").Inc()
		return ErrCircuitOpen
	}
	if err := cb.bus.Publish(ctx, key); err != nil {
		metrics.BusPublishFailureCounter.WithLabelValues(key, "error").Inc()
		cb.failed(key, err)
		return err
	}
	for _, k := range cb.succeeded(key) {
		if err := cb.bus.Publish(ctx, k); err != nil {
			cb.logger.Warn().Err(err).Str("key", k).Msg("replay change notification")
		}
	}
	return nil
}

// Subscribe passes through to the wrapped bus. Only publishes trip the breaker.
func (cb *CircuitBreakerBus) Subscribe(ctx context.Context, key string) (<-chan Event, error) {
	return cb.bus.Subscribe(ctx, key)
}

// Unsubscribe passes through to the wrapped bus.
func (cb *CircuitBreakerBus) Unsubscribe(ctx context.Context, key string, ch <-chan Event) error {
	return cb.bus.Unsubscribe(ctx, key, ch)
}
