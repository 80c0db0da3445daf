package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/identity"
	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/metrics"
	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/syncbus"
)

const (
	// DefaultLease is how long an acquired lock stays valid without a refresh.
	DefaultLease = 120 * time.Second
	// DefaultRefreshInterval is how often the owner extends its lease.
	DefaultRefreshInterval = 60 * time.Second
	// DefaultTickInterval is the countdown granularity.
	DefaultTickInterval = time.Second
)

var tracer = otel.Tracer("github.com/TwinGroup12121212/lspd-dispatch-guide/v1/lock")

// ErrAlreadyStarted is returned by Start on a running Manager.
var ErrAlreadyStarted = errors.New("lock: manager already started")

// State is the session's view of the global lock.
type State int

const (
	// Unknown is the state before the first status check.
	Unknown State = iota
	// Unlocked means no valid lock record exists.
	Unlocked
	// LockedByMe means this session holds a valid lease.
	LockedByMe
	// LockedByOther means another session holds a valid lease.
	LockedByOther
)

func (s State) String() string {
	switch s {
	case Unlocked:
		return "unlocked"
	case LockedByMe:
		return "locked_by_me"
	case LockedByOther:
		return "locked_by_other"
	default:
		return "unknown"
	}
}

// View is the session-local projection of the lock record. It is rebuilt on
// every status check and never authoritative.
type View struct {
	Lock             *Record `json:"lock"`
	IsLocked         bool    `json:"is_locked"`
	IsMine           bool    `json:"is_mine"`
	RemainingSeconds int     `json:"remaining_seconds"`
}

// CanEdit reports whether catalog writes may be attempted from this session.
func (v View) CanEdit() bool {
	return !v.IsLocked || v.IsMine
}

func (v View) clone() View {
	if v.Lock != nil {
		rec := *v.Lock
		v.Lock = &rec
	}
	return v
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// Option configures a Manager.
type Option func(*Manager)

// WithLease sets the lease duration granted by Acquire.
func WithLease(d time.Duration) Option {
	return func(m *Manager) { m.lease = d }
}

// WithRefreshInterval sets how often an owned lease is extended.
func WithRefreshInterval(d time.Duration) Option {
	return func(m *Manager) { m.refreshEvery = d }
}

// WithTickInterval sets the countdown granularity.
func WithTickInterval(d time.Duration) Option {
	return func(m *Manager) { m.tickEvery = d }
}

// WithClock overrides the time source.
func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithBus subscribes the Manager to lock change notifications.
func WithBus(bus syncbus.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithStrictAcquire makes Acquire use AtomicStore.AcquireAtomic when the
// store supports it.
func WithStrictAcquire() Option {
	return func(m *Manager) { m.strict = true }
}

// WithObserver registers fn to receive every rebuilt view.
func WithObserver(fn func(View)) Option {
	return func(m *Manager) { m.observers = append(m.observers, fn) }
}

// Manager maintains one session's view of the catalog lock and mediates its
// acquire and release attempts. Lock operations never return errors: backend
// failures are logged and reported as "nothing happened".
type Manager struct {
	store        Store
	ident        *identity.Identity
	bus          syncbus.Bus
	lease        time.Duration
	refreshEvery time.Duration
	tickEvery    time.Duration
	clock        Clock
	logger       zerolog.Logger
	strict       bool
	observers    []func(View)

	mu    sync.Mutex
	view  View
	state State

	// kick holds at most one queued re-check.
	kick chan struct{}
	// owned is signaled when the session becomes the owner.
	owned chan struct{}

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager returns a Manager for the session signed in as ident. A nil
// ident is an unauthenticated session: it can observe the lock but never
// acquire or release it.
func NewManager(store Store, ident *identity.Identity, opts ...Option) *Manager {
	m := &Manager{
		store:        store,
		ident:        ident,
		lease:        DefaultLease,
		refreshEvery: DefaultRefreshInterval,
		tickEvery:    DefaultTickInterval,
		clock:        ClockFunc(time.Now),
		logger:       log.With().Str("component", "lock").Logger(),
		kick:         make(chan struct{}, 1),
		owned:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	if ident != nil {
		m.logger = m.logger.With().Str("user_id", ident.ID).Logger()
	}
	return m
}

// Identity returns the session identity, nil when unauthenticated.
func (m *Manager) Identity() *identity.Identity {
	return m.ident
}

// View returns a copy of the current view.
func (m *Manager) View() View {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view.clone()
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setView(v View) View {
	st := Unlocked
	switch {
	case v.IsLocked && v.IsMine:
		st = LockedByMe
	case v.IsLocked:
		st = LockedByOther
	}
	m.mu.Lock()
	prev := m.state
	m.view = v
	m.state = st
	m.mu.Unlock()

	if st == LockedByMe && prev != LockedByMe {
		select {
		case m.owned <- struct{}{}:
		default:
		}
	}
	if st != prev {
		m.logger.Debug().Str("from", prev.String()).Str("to", st.String()).Msg("lock state changed")
	}
	m.notify(v)
	return v.clone()
}

func (m *Manager) notify(v View) {
	for _, fn := range m.observers {
		fn(v.clone())
	}
}

func (m *Manager) viewOf(rec Record, now time.Time) View {
	return View{
		Lock:             &rec,
		IsLocked:         true,
		IsMine:           m.ident != nil && rec.OwnerID == m.ident.ID,
		RemainingSeconds: rec.Remaining(now),
	}
}

func (m *Manager) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{}
	if m.ident != nil {
		attrs = append(attrs, attribute.String("strafkatalog.user_id", m.ident.ID))
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// CheckStatus re-derives the view from the most recent lock record. An
// expired record is deleted on the way. On backend errors the previous view
// is kept and returned.
func (m *Manager) CheckStatus(ctx context.Context) View {
	ctx, span := m.startSpan(ctx, "lock.CheckStatus")
	defer span.End()
	metrics.LockStatusCounter.Inc()

	rec, err := m.store.Latest(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Warn().Err(err).Msg("check lock status")
		return m.View()
	}
	now := m.clock.Now()
	if rec == nil {
		return m.setView(View{})
	}
	if !rec.Expired(now) {
		return m.setView(m.viewOf(*rec, now))
	}
	n, err := m.store.Delete(ctx, ByID(rec.ID))
	if err != nil {
		// Another session may be sweeping the same record.
		m.logger.Warn().Err(err).Str("lock_id", rec.ID).Msg("delete expired lock")
	}
	metrics.LockSweepCounter.Add(float64(n))
	return m.setView(View{})
}

// Acquire claims or extends the lease for the session identity. It returns
// false when the session is unauthenticated, another owner holds a valid
// lease, or the backend fails.
func (m *Manager) Acquire(ctx context.Context) bool {
	if m.ident == nil {
		metrics.LockAcquireCounter.WithLabelValues(metrics.OutcomeUnauthenticated).Inc()
		return false
	}
	ctx, span := m.startSpan(ctx, "lock.Acquire")
	defer span.End()

	now := m.clock.Now()
	candidate := Record{
		OwnerID:   m.ident.ID,
		OwnerName: m.ident.Label(),
		LockedAt:  now,
		ExpiresAt: now.Add(m.lease),
	}

	var (
		outcome Outcome
		err     error
	)
	if as, ok := m.store.(AtomicStore); ok && m.strict {
		var rec Record
		rec, outcome, err = as.AcquireAtomic(ctx, candidate, now)
		if err == nil && outcome == Denied {
			m.setView(m.viewOf(rec, now))
		}
	} else {
		outcome, err = m.acquireSteps(ctx, candidate, now)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.LockAcquireCounter.WithLabelValues(metrics.OutcomeError).Inc()
		m.logger.Warn().Err(err).Msg("acquire lock")
		return false
	}
	span.SetAttributes(attribute.String("strafkatalog.lock.outcome", outcome.String()))
	metrics.LockAcquireCounter.WithLabelValues(outcome.String()).Inc()
	if outcome == Denied {
		return false
	}
	m.CheckStatus(ctx)
	return true
}

// acquireSteps runs sweep, query and write as separate backend calls. Two
// sessions racing through it may both insert a record.
func (m *Manager) acquireSteps(ctx context.Context, candidate Record, now time.Time) (Outcome, error) {
	n, err := m.store.Delete(ctx, ExpiredBefore(now))
	if err != nil {
		m.logger.Warn().Err(err).Msg("sweep expired locks")
	}
	metrics.LockSweepCounter.Add(float64(n))

	cur, err := m.store.Active(ctx, now)
	if err != nil {
		return Denied, err
	}
	if cur != nil && cur.OwnerID != candidate.OwnerID {
		m.setView(m.viewOf(*cur, now))
		return Denied, nil
	}
	if cur != nil {
		if err := m.store.UpdateExpiry(ctx, cur.ID, candidate.ExpiresAt); err != nil {
			return Denied, err
		}
		return Refreshed, nil
	}
	if _, err := m.store.Insert(ctx, candidate); err != nil {
		return Denied, err
	}
	return Created, nil
}

// Release deletes every record held by the session identity and refreshes
// the view. It is a no-op for unauthenticated sessions.
func (m *Manager) Release(ctx context.Context) {
	if m.ident == nil {
		return
	}
	ctx, span := m.startSpan(ctx, "lock.Release")
	defer span.End()

	if _, err := m.store.Delete(ctx, ByOwner(m.ident.ID)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Warn().Err(err).Msg("release lock")
	} else {
		metrics.LockReleaseCounter.Inc()
	}
	m.CheckStatus(ctx)
}

// requestCheck queues a re-check unless one is already queued.
func (m *Manager) requestCheck() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// tick advances the countdown by one step and reports whether the lease ran
// out, in which case the caller must re-check the status.
func (m *Manager) tick() bool {
	m.mu.Lock()
	if !m.view.IsLocked || m.view.RemainingSeconds <= 0 {
		m.mu.Unlock()
		return false
	}
	prev := m.view.RemainingSeconds
	if prev <= 1 {
		m.view.RemainingSeconds = 0
	} else {
		m.view.RemainingSeconds--
	}
	v := m.view.clone()
	m.mu.Unlock()
	m.notify(v)
	return prev <= 1
}

// Start runs the initial status check and launches the countdown, refresh and
// notification tasks. They run until Stop is called or ctx is canceled.
func (m *Manager) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)

	var events <-chan syncbus.Event
	if m.bus != nil {
		ch, err := m.bus.Subscribe(runCtx, CollectionKey)
		if err != nil {
			cancel()
			return err
		}
		events = ch
	}
	m.cancel = cancel
	m.CheckStatus(runCtx)

	m.wg.Add(3)
	go m.checkLoop(runCtx)
	go m.countdownLoop(runCtx)
	go m.refreshLoop(runCtx)
	if events != nil {
		m.wg.Add(1)
		go m.notificationLoop(runCtx, events)
	}
	return nil
}

// Stop cancels the background tasks and waits for them to exit. Calls still
// in flight may update the view afterwards.
func (m *Manager) Stop() {
	m.runMu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
}

func (m *Manager) checkLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.kick:
			m.CheckStatus(ctx)
		}
	}
}

func (m *Manager) countdownLoop(ctx context.Context) {
	defer m.wg.Done()
	t := time.NewTicker(m.tickEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if m.tick() {
				m.requestCheck()
			}
		}
	}
}

func (m *Manager) refreshLoop(ctx context.Context) {
	defer m.wg.Done()
	t := time.NewTicker(m.refreshEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.owned:
			t.Reset(m.refreshEvery)
		case <-t.C:
			if m.State() == LockedByMe {
				m.Acquire(ctx)
			}
		}
	}
}

func (m *Manager) notificationLoop(ctx context.Context, events <-chan syncbus.Event) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			metrics.NotificationCounter.Inc()
			m.requestCheck()
		}
	}
}
