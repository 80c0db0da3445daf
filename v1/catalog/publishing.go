package catalog

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/syncbus"
)

// PublishingStore publishes CollectionKey on a bus after every successful
// write so other nodes can reload.
type PublishingStore struct {
	Store
	bus    syncbus.Bus
	logger zerolog.Logger
}

// NewPublishingStore wraps store.
func NewPublishingStore(store Store, bus syncbus.Bus) *PublishingStore {
	return &PublishingStore{
		Store:  store,
		bus:    bus,
		logger: log.With().Str("component", "catalog.publisher").Logger(),
	}
}

func (p *PublishingStore) publish(ctx context.Context) {
	if err := p.bus.Publish(context.WithoutCancel(ctx), CollectionKey); err != nil {
		p.logger.Warn().Err(err).Msg("publish catalog change")
	}
}

// InsertCategory implements Store.InsertCategory.
func (p *PublishingStore) InsertCategory(ctx context.Context, c Category) (Category, error) {
	out, err := p.Store.InsertCategory(ctx, c)
	if err == nil {
		p.publish(ctx)
	}
	return out, err
}

// InsertItem implements Store.InsertItem.
func (p *PublishingStore) InsertItem(ctx context.Context, it Item) (Item, error) {
	out, err := p.Store.InsertItem(ctx, it)
	if err == nil {
		p.publish(ctx)
	}
	return out, err
}

// UpdateItem implements Store.UpdateItem.
func (p *PublishingStore) UpdateItem(ctx context.Context, it Item) (Item, error) {
	out, err := p.Store.UpdateItem(ctx, it)
	if err == nil {
		p.publish(ctx)
	}
	return out, err
}

// DeleteItem implements Store.DeleteItem.
func (p *PublishingStore) DeleteItem(ctx context.Context, id string) error {
	err := p.Store.DeleteItem(ctx, id)
	if err == nil {
		p.publish(ctx)
	}
	return err
}
