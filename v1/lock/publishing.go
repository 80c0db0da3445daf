package lock

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/syncbus"
)

// PublishingStore decorates a Store so that every successful write publishes
// CollectionKey on a bus. Publish failures are logged and never fail the write.
type PublishingStore struct {
	store  Store
	bus    syncbus.Bus
	logger zerolog.Logger
}

type publishingAtomicStore struct {
	*PublishingStore
	atomic AtomicStore
}

// NewPublishingStore wraps store. When store implements AtomicStore so does
// the returned value.
func NewPublishingStore(store Store, bus syncbus.Bus) Store {
	p := &PublishingStore{
		store:  store,
		bus:    bus,
		logger: log.With().Str("component", "lock.publisher").Logger(),
	}
	if a, ok := store.(AtomicStore); ok {
		return &publishingAtomicStore{PublishingStore: p, atomic: a}
	}
	return p
}

func (p *PublishingStore) publish(ctx context.Context) {
	if err := p.bus.Publish(context.WithoutCancel(ctx), CollectionKey); err != nil {
		p.logger.Warn().Err(err).Msg("publish lock change")
	}
}

// Latest implements Store.Latest.
func (p *PublishingStore) Latest(ctx context.Context) (*Record, error) {
	return p.store.Latest(ctx)
}

// Active implements Store.Active.
func (p *PublishingStore) Active(ctx context.Context, now time.Time) (*Record, error) {
	return p.store.Active(ctx, now)
}

// Insert implements Store.Insert.
func (p *PublishingStore) Insert(ctx context.Context, rec Record) (Record, error) {
	out, err := p.store.Insert(ctx, rec)
	if err == nil {
		p.publish(ctx)
	}
	return out, err
}

// UpdateExpiry implements Store.UpdateExpiry.
func (p *PublishingStore) UpdateExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	err := p.store.UpdateExpiry(ctx, id, expiresAt)
	if err == nil {
		p.publish(ctx)
	}
	return err
}

// Delete implements Store.Delete. Nothing is published when no record matched.
func (p *PublishingStore) Delete(ctx context.Context, f Filter) (int, error) {
	n, err := p.store.Delete(ctx, f)
	if err == nil && n > 0 {
		p.publish(ctx)
	}
	return n, err
}

func (p *publishingAtomicStore) AcquireAtomic(ctx context.Context, candidate Record, now time.Time) (Record, Outcome, error) {
	rec, out, err := p.atomic.AcquireAtomic(ctx, candidate, now)
	if err == nil && out != Denied {
		p.publish(ctx)
	}
	return rec, out, err
}
