package lock

import (
	"context"
	"math"
	"time"
)

// CollectionKey names the lock collection on the change notification bus.
const CollectionKey = "strafkatalog_lock"

// Record is the single contested lock row.
type Record struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	OwnerName string    `json:"owner_name"`
	LockedAt  time.Time `json:"locked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the lease is over at now.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// Remaining returns the whole seconds left on the lease, rounded up.
func (r Record) Remaining(now time.Time) int {
	d := r.ExpiresAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

// Filter selects lock records for deletion. Set fields are combined with AND;
// a zero Filter matches nothing.
type Filter struct {
	ID      string
	OwnerID string
	// Before matches records whose ExpiresAt is strictly before it.
	Before time.Time
}

// ByID matches the record with the given id.
func ByID(id string) Filter { return Filter{ID: id} }

// ByOwner matches every record held by ownerID.
func ByOwner(ownerID string) Filter { return Filter{OwnerID: ownerID} }

// ExpiredBefore matches every record with ExpiresAt < t.
func ExpiredBefore(t time.Time) Filter { return Filter{Before: t} }

// IsZero reports whether f has no predicate set.
func (f Filter) IsZero() bool {
	return f.ID == "" && f.OwnerID == "" && f.Before.IsZero()
}

// Match reports whether r satisfies f.
func (f Filter) Match(r Record) bool {
	if f.IsZero() {
		return false
	}
	if f.ID != "" && r.ID != f.ID {
		return false
	}
	if f.OwnerID != "" && r.OwnerID != f.OwnerID {
		return false
	}
	if !f.Before.IsZero() && !r.ExpiresAt.Before(f.Before) {
		return false
	}
	return true
}

// Store is the backend holding the lock collection.
type Store interface {
	// Latest returns the most recently created record, expired or not, or nil.
	Latest(ctx context.Context) (*Record, error)
	// Active returns the newest record with ExpiresAt after now, or nil.
	Active(ctx context.Context, now time.Time) (*Record, error)
	// Insert stores rec under a freshly generated ID and returns it.
	Insert(ctx context.Context, rec Record) (Record, error)
	UpdateExpiry(ctx context.Context, id string, expiresAt time.Time) error
	// Delete removes every record matching f and returns how many were removed.
	Delete(ctx context.Context, f Filter) (int, error)
}

// Outcome is the result of an atomic acquire.
type Outcome int

const (
	// Denied means another owner holds a valid lease.
	Denied Outcome = iota
	// Refreshed means the caller's own lease was extended.
	Refreshed
	// Created means a new record was inserted for the caller.
	Created
)

func (o Outcome) String() string {
	switch o {
	case Refreshed:
		return "refreshed"
	case Created:
		return "created"
	default:
		return "denied"
	}
}

// AtomicStore is implemented by backends able to run the whole acquire
// sequence as one step. The returned record is the caller's lease on
// Refreshed and Created and the holder's record on Denied.
type AtomicStore interface {
	AcquireAtomic(ctx context.Context, candidate Record, now time.Time) (Record, Outcome, error)
}
