package adapter_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	lsperrors "github.com/TwinGroup12121212/lspd-dispatch-guide/v1/errors"
	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/identity"
	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/lock"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type lockBackend interface {
	lock.Store
	lock.AtomicStore
}

func lease(owner string, lockedAt time.Time, d time.Duration) lock.Record {
	return lock.Record{OwnerID: owner, OwnerName: owner, LockedAt: lockedAt, ExpiresAt: lockedAt.Add(d)}
}

// runLockStoreSuite checks the lock.Store contract against a fresh backend
// returned by newStore for every subtest.
func runLockStoreSuite(t *testing.T, newStore func(t *testing.T) lockBackend) {
	t.Run("LatestAndActive", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if rec, err := s.Latest(ctx); err != nil || rec != nil {
			t.Fatalf("Latest on empty store: %v %v", rec, err)
		}
		old, err := s.Insert(ctx, lease("alice", base, time.Minute))
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
		if old.ID == "" {
			t.Fatal("Insert: expected generated id")
		}
		newer, err := s.Insert(ctx, lease("bob", base.Add(10*time.Second), 5*time.Second))
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
		latest, err := s.Latest(ctx)
		if err != nil || latest == nil || latest.ID != newer.ID {
			t.Fatalf("Latest: expected %s, got %v err %v", newer.ID, latest, err)
		}
		if !latest.ExpiresAt.Equal(newer.ExpiresAt) || latest.OwnerName != "bob" {
			t.Fatalf("Latest: fields not preserved: %+v", latest)
		}
		active, err := s.Active(ctx, base.Add(20*time.Second))
		if err != nil || active == nil || active.ID != old.ID {
			t.Fatalf("Active: expected %s, got %v err %v", old.ID, active, err)
		}
		active, err = s.Active(ctx, base.Add(time.Minute))
		if err != nil || active != nil {
			t.Fatalf("Active at expiry: expected none, got %v err %v", active, err)
		}
	})

	t.Run("UpdateExpiry", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec, err := s.Insert(ctx, lease("alice", base, time.Minute))
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
		if err := s.UpdateExpiry(ctx, rec.ID, base.Add(2*time.Minute)); err != nil {
			t.Fatalf("UpdateExpiry: %v", err)
		}
		active, err := s.Active(ctx, base.Add(90*time.Second))
		if err != nil || active == nil || active.ID != rec.ID {
			t.Fatalf("Active after refresh: %v err %v", active, err)
		}
		if err := s.UpdateExpiry(ctx, "missing", base); !errors.Is(err, lsperrors.ErrNotFound) {
			t.Fatalf("UpdateExpiry unknown id: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("DeleteFilters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a1, _ := s.Insert(ctx, lease("alice", base, time.Second))
		_, _ = s.Insert(ctx, lease("alice", base.Add(time.Second), time.Minute))
		b, _ := s.Insert(ctx, lease("bob", base.Add(2*time.Second), 10*time.Second))

		if n, err := s.Delete(ctx, lock.Filter{}); err != nil || n != 0 {
			t.Fatalf("zero filter: expected 0, got %d err %v", n, err)
		}
		// Before is strict: a1 expires exactly at base+1s.
		if n, err := s.Delete(ctx, lock.ExpiredBefore(a1.ExpiresAt)); err != nil || n != 0 {
			t.Fatalf("ExpiredBefore boundary: expected 0, got %d err %v", n, err)
		}
		if n, err := s.Delete(ctx, lock.ExpiredBefore(base.Add(2*time.Second))); err != nil || n != 1 {
			t.Fatalf("ExpiredBefore: expected 1, got %d err %v", n, err)
		}
		if n, err := s.Delete(ctx, lock.ByOwner("alice")); err != nil || n != 1 {
			t.Fatalf("ByOwner: expected 1, got %d err %v", n, err)
		}
		if n, err := s.Delete(ctx, lock.ByID(b.ID)); err != nil || n != 1 {
			t.Fatalf("ByID: expected 1, got %d err %v", n, err)
		}
		if n, err := s.Delete(ctx, lock.ByID(b.ID)); err != nil || n != 0 {
			t.Fatalf("ByID twice: expected 0, got %d err %v", n, err)
		}
		if rec, err := s.Latest(ctx); err != nil || rec != nil {
			t.Fatalf("Latest after deletes: %v err %v", rec, err)
		}
	})

	t.Run("AcquireAtomic", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		rec, out, err := s.AcquireAtomic(ctx, lease("alice", base, 2*time.Minute), base)
		if err != nil || out != lock.Created || rec.OwnerID != "alice" || rec.ID == "" {
			t.Fatalf("first acquire: %v %v %v", rec, out, err)
		}
		now := base.Add(30 * time.Second)
		held, out, err := s.AcquireAtomic(ctx, lease("bob", now, 2*time.Minute), now)
		if err != nil || out != lock.Denied || held.ID != rec.ID || held.OwnerName != "alice" {
			t.Fatalf("contended acquire: %v %v %v", held, out, err)
		}
		refreshed, out, err := s.AcquireAtomic(ctx, lease("alice", now, 2*time.Minute), now)
		if err != nil || out != lock.Refreshed || refreshed.ID != rec.ID {
			t.Fatalf("refresh: %v %v %v", refreshed, out, err)
		}
		if !refreshed.ExpiresAt.Equal(now.Add(2 * time.Minute)) {
			t.Fatalf("refresh: expected expiry %v, got %v", now.Add(2*time.Minute), refreshed.ExpiresAt)
		}

		later := now.Add(3 * time.Minute)
		taken, out, err := s.AcquireAtomic(ctx, lease("bob", later, 2*time.Minute), later)
		if err != nil || out != lock.Created || taken.OwnerID != "bob" {
			t.Fatalf("takeover after expiry: %v %v %v", taken, out, err)
		}
		latest, err := s.Latest(ctx)
		if err != nil || latest == nil || latest.ID != taken.ID {
			t.Fatalf("expired lease not swept: latest %v err %v", latest, err)
		}
	})

	t.Run("CanceledContext", func(t *testing.T) {
		s := newStore(t)
		ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
		defer cancel()
		if _, err := s.Latest(ctx); !errors.Is(err, lsperrors.ErrTimeout) {
			t.Fatalf("expected ErrTimeout, got %v", err)
		}
	})

	t.Run("StrictManagersSingleWinner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		var (
			wg   sync.WaitGroup
			wins atomic.Int32
		)
		for _, id := range []string{"u1", "u2", "u3", "u4"} {
			m := lock.NewManager(s, &identity.Identity{ID: id, DisplayName: id}, lock.WithStrictAcquire())
			wg.Add(1)
			go func() {
				defer wg.Done()
				if m.Acquire(ctx) {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		if got := wins.Load(); got != 1 {
			t.Fatalf("expected exactly one winner, got %d", got)
		}
	})
}
