package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/identity"
	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/syncbus"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var (
	alice = &identity.Identity{ID: "alice-id", DisplayName: "alice"}
	bob   = &identity.Identity{ID: "bob-id", Email: "bob@lspd.gov"}
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

type failingStore struct {
	Store
	err error
}

func (f failingStore) Latest(context.Context) (*Record, error)            { return nil, f.err }
func (f failingStore) Active(context.Context, time.Time) (*Record, error) { return nil, f.err }
func (f failingStore) Insert(context.Context, Record) (Record, error)     { return Record{}, f.err }
func (f failingStore) Delete(context.Context, Filter) (int, error)        { return 0, f.err }

func TestAcquireWithoutIdentityIsDenied(t *testing.T) {
	store := NewInMemoryStore()
	m := NewManager(store, nil)
	if m.Acquire(context.Background()) {
		t.Fatal("expected unauthenticated acquire to fail")
	}
	m.Release(context.Background())
	if store.Len() != 0 {
		t.Fatalf("expected no backend writes, got %d records", store.Len())
	}
}

func TestMutualExclusion(t *testing.T) {
	clock := newFakeClock()
	store := NewInMemoryStore()
	ctx := context.Background()
	a := NewManager(store, alice, WithClock(clock))
	b := NewManager(store, bob, WithClock(clock))

	if !a.Acquire(ctx) {
		t.Fatal("alice should acquire the free lock")
	}
	clock.Advance(30 * time.Second)
	if b.Acquire(ctx) {
		t.Fatal("bob must be denied while alice holds the lock")
	}
	if store.Len() != 1 {
		t.Fatalf("denied acquire must not write, got %d records", store.Len())
	}
	if b.State() != LockedByOther {
		t.Fatalf("expected bob to see LockedByOther, got %s", b.State())
	}
	if b.View().CanEdit() {
		t.Fatal("bob must not be able to edit")
	}
}

func TestSelfAcquireRefreshesLease(t *testing.T) {
	clock := newFakeClock()
	store := NewInMemoryStore()
	ctx := context.Background()
	m := NewManager(store, alice, WithClock(clock))

	if !m.Acquire(ctx) {
		t.Fatal("first acquire failed")
	}
	first := m.View().Lock.ExpiresAt
	clock.Advance(10 * time.Second)
	if !m.Acquire(ctx) {
		t.Fatal("self acquire must succeed")
	}
	v := m.View()
	if !v.Lock.ExpiresAt.After(first) {
		t.Fatalf("expected expiry to increase, got %v after %v", v.Lock.ExpiresAt, first)
	}
	if want := clock.Now().Add(DefaultLease); !v.Lock.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %v got %v", want, v.Lock.ExpiresAt)
	}
	if store.Len() != 1 {
		t.Fatalf("refresh must update in place, got %d records", store.Len())
	}
}

func TestExpiredLockSelfHeals(t *testing.T) {
	clock := newFakeClock()
	store := NewInMemoryStore()
	ctx := context.Background()
	_, _ = store.Insert(ctx, Record{
		OwnerID:   bob.ID,
		OwnerName: bob.Label(),
		LockedAt:  clock.Now().Add(-3 * time.Minute),
		ExpiresAt: clock.Now().Add(-time.Minute),
	})

	m := NewManager(store, alice, WithClock(clock))
	v := m.CheckStatus(ctx)
	if v.IsLocked {
		t.Fatal("expired lock must not be reported as locked")
	}
	if m.State() != Unlocked {
		t.Fatalf("expected Unlocked got %s", m.State())
	}
	if store.Len() != 0 {
		t.Fatalf("expected stale record to be swept, got %d", store.Len())
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	m := NewManager(store, alice)

	m.Release(ctx)
	if m.State() != Unlocked {
		t.Fatalf("expected Unlocked got %s", m.State())
	}
	if !m.Acquire(ctx) {
		t.Fatal("acquire failed")
	}
	m.Release(ctx)
	m.Release(ctx)
	if m.State() != Unlocked || store.Len() != 0 {
		t.Fatalf("expected released lock, state %s records %d", m.State(), store.Len())
	}
}

func TestCountdown(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(NewInMemoryStore(), alice, WithClock(clock))
	if !m.Acquire(context.Background()) {
		t.Fatal("acquire failed")
	}
	if got := m.View().RemainingSeconds; got != 120 {
		t.Fatalf("expected 120 remaining got %d", got)
	}
	if m.tick() {
		t.Fatal("lease should not run out after one tick")
	}
	if got := m.View().RemainingSeconds; got != 119 {
		t.Fatalf("expected 119 remaining got %d", got)
	}
	for i := 0; i < 118; i++ {
		m.tick()
	}
	if !m.tick() {
		t.Fatal("expected the last tick to request a re-check")
	}
	if got := m.View().RemainingSeconds; got != 0 {
		t.Fatalf("expected 0 remaining got %d", got)
	}
	if m.tick() {
		t.Fatal("countdown must stop at zero")
	}
}

func TestAliceBobScenario(t *testing.T) {
	clock := newFakeClock()
	store := NewInMemoryStore()
	ctx := context.Background()
	a := NewManager(store, alice, WithClock(clock))
	b := NewManager(store, bob, WithClock(clock))

	if !a.Acquire(ctx) {
		t.Fatal("alice acquire at t=0 failed")
	}
	clock.Advance(5 * time.Second)
	if b.Acquire(ctx) {
		t.Fatal("bob acquire at t=5 must fail")
	}
	v := b.View()
	if v.Lock == nil || v.Lock.OwnerName != "alice" {
		t.Fatalf("expected alice as owner, got %+v", v.Lock)
	}
	if v.RemainingSeconds != 115 {
		t.Fatalf("expected 115 remaining got %d", v.RemainingSeconds)
	}

	clock.Advance(120 * time.Second)
	if !b.Acquire(ctx) {
		t.Fatal("bob acquire at t=125 must succeed")
	}
	v = b.View()
	if !v.IsMine || v.Lock.OwnerName != "bob@lspd.gov" {
		t.Fatalf("expected bob to own the lock, got %+v", v)
	}
	if store.Len() != 1 {
		t.Fatalf("expected alice's record to be swept, got %d records", store.Len())
	}
}

func TestBackendErrorsKeepPreviousView(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	m := NewManager(store, alice)
	if !m.Acquire(ctx) {
		t.Fatal("acquire failed")
	}
	before := m.View()

	m.store = failingStore{Store: store, err: errors.New("backend down")}
	if v := m.CheckStatus(ctx); !v.IsMine || v.Lock.ID != before.Lock.ID {
		t.Fatalf("expected unchanged view, got %+v", v)
	}
	if m.Acquire(ctx) {
		t.Fatal("acquire must report failure on backend error")
	}
	m.Release(ctx)
	if m.State() != LockedByMe {
		t.Fatalf("failed release must leave state unchanged, got %s", m.State())
	}
}

func TestStrictAcquireAllowsSingleWinner(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	users := []*identity.Identity{alice, bob, {ID: "carol-id"}, {ID: "dave-id"}}

	var wg sync.WaitGroup
	results := make([]bool, len(users))
	for i, u := range users {
		wg.Add(1)
		go func(i int, u *identity.Identity) {
			defer wg.Done()
			results[i] = NewManager(store, u, WithStrictAcquire()).Acquire(ctx)
		}(i, u)
	}
	wg.Wait()

	winners := 0
	for _, ok := range results {
		if ok {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
	if store.Len() != 1 {
		t.Fatalf("expected one record, got %d", store.Len())
	}
}

func TestObserverReceivesViews(t *testing.T) {
	var (
		mu    sync.Mutex
		views []View
	)
	m := NewManager(NewInMemoryStore(), alice, WithObserver(func(v View) {
		mu.Lock()
		views = append(views, v)
		mu.Unlock()
	}))
	m.Acquire(context.Background())
	mu.Lock()
	defer mu.Unlock()
	if len(views) == 0 || !views[len(views)-1].IsMine {
		t.Fatalf("expected observer to see the owned lock, got %+v", views)
	}
}

func TestNotificationsPropagateAcrossSessions(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	store := NewPublishingStore(NewInMemoryStore(), bus)
	ctx := context.Background()

	a := NewManager(store, alice, WithBus(bus))
	b := NewManager(store, bob, WithBus(bus))
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start alice: %v", err)
	}
	defer a.Stop()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start bob: %v", err)
	}
	defer b.Stop()

	if !a.Acquire(ctx) {
		t.Fatal("alice acquire failed")
	}
	waitFor(t, "bob to observe alice's lock", func() bool { return b.State() == LockedByOther })

	a.Release(ctx)
	waitFor(t, "bob to observe the release", func() bool { return b.State() == Unlocked })
}

func TestCountdownLoopRechecksOnExpiry(t *testing.T) {
	clock := newFakeClock()
	store := NewInMemoryStore()
	ctx := context.Background()
	_, _ = store.Insert(ctx, Record{
		OwnerID:   bob.ID,
		OwnerName: bob.Label(),
		LockedAt:  clock.Now(),
		ExpiresAt: clock.Now().Add(2 * time.Second),
	})

	m := NewManager(store, alice, WithClock(clock), WithTickInterval(5*time.Millisecond))
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()
	if m.State() != LockedByOther {
		t.Fatalf("expected LockedByOther got %s", m.State())
	}
	clock.Advance(3 * time.Second)
	waitFor(t, "expiry to be observed", func() bool { return m.State() == Unlocked })
	if store.Len() != 0 {
		t.Fatalf("expected expired record to be swept, got %d", store.Len())
	}
}

func TestRefreshLoopExtendsOwnedLease(t *testing.T) {
	clock := newFakeClock()
	store := NewInMemoryStore()
	ctx := context.Background()
	m := NewManager(store, alice,
		WithClock(clock),
		WithTickInterval(time.Hour),
		WithRefreshInterval(20*time.Millisecond),
	)
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()

	if !m.Acquire(ctx) {
		t.Fatal("acquire failed")
	}
	clock.Advance(30 * time.Second)
	want := clock.Now().Add(DefaultLease)
	waitFor(t, "lease refresh", func() bool {
		rec, err := store.Latest(ctx)
		return err == nil && rec != nil && rec.ExpiresAt.Equal(want)
	})
}

func TestStartStop(t *testing.T) {
	m := NewManager(NewInMemoryStore(), alice)
	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted got %v", err)
	}
	if m.State() != Unlocked {
		t.Fatalf("expected initial check to report Unlocked, got %s", m.State())
	}
	m.Stop()
	m.Stop()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	m.Stop()
}
