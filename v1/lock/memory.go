package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	lsperrors "github.com/TwinGroup12121212/lspd-dispatch-guide/v1/errors"
)

type memRecord struct {
	rec Record
	seq uint64
}

// InMemoryStore implements Store and AtomicStore using local memory. Like the
// shared backend it replaces, it does not enforce a single record: Insert
// always succeeds.
type InMemoryStore struct {
	mu      sync.Mutex
	seq     uint64
	records map[string]memRecord
}

// NewInMemoryStore returns an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]memRecord)}
}

// newer orders by LockedAt, then by insertion order.
func newer(a, b memRecord) bool {
	if !a.rec.LockedAt.Equal(b.rec.LockedAt) {
		return a.rec.LockedAt.After(b.rec.LockedAt)
	}
	return a.seq > b.seq
}

func (s *InMemoryStore) pick(ok func(Record) bool) *Record {
	var best *memRecord
	for _, r := range s.records {
		if !ok(r.rec) {
			continue
		}
		if best == nil || newer(r, *best) {
			r := r
			best = &r
		}
	}
	if best == nil {
		return nil
	}
	rec := best.rec
	return &rec
}

// Latest implements Store.Latest.
func (s *InMemoryStore) Latest(ctx context.Context) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pick(func(Record) bool { return true }), nil
}

// Active implements Store.Active.
func (s *InMemoryStore) Active(ctx context.Context, now time.Time) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active(now), nil
}

func (s *InMemoryStore) active(now time.Time) *Record {
	return s.pick(func(r Record) bool { return r.ExpiresAt.After(now) })
}

// Insert implements Store.Insert.
func (s *InMemoryStore) Insert(ctx context.Context, rec Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insert(rec), nil
}

func (s *InMemoryStore) insert(rec Record) Record {
	rec.ID = uuid.NewString()
	s.seq++
	s.records[rec.ID] = memRecord{rec: rec, seq: s.seq}
	return rec
}

// UpdateExpiry implements Store.UpdateExpiry.
func (s *InMemoryStore) UpdateExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return lsperrors.ErrNotFound
	}
	r.rec.ExpiresAt = expiresAt
	s.records[id] = r
	return nil
}

// Delete implements Store.Delete.
func (s *InMemoryStore) Delete(ctx context.Context, f Filter) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delete(f), nil
}

func (s *InMemoryStore) delete(f Filter) int {
	n := 0
	for id, r := range s.records {
		if f.Match(r.rec) {
			delete(s.records, id)
			n++
		}
	}
	return n
}

// AcquireAtomic implements AtomicStore.AcquireAtomic under the store mutex.
func (s *InMemoryStore) AcquireAtomic(ctx context.Context, candidate Record, now time.Time) (Record, Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, Denied, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delete(ExpiredBefore(now))
	if cur := s.active(now); cur != nil {
		if cur.OwnerID != candidate.OwnerID {
			return *cur, Denied, nil
		}
		r := s.records[cur.ID]
		r.rec.ExpiresAt = candidate.ExpiresAt
		s.records[cur.ID] = r
		return r.rec, Refreshed, nil
	}
	return s.insert(candidate), Created, nil
}

// Len returns the number of stored records, expired ones included.
func (s *InMemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
