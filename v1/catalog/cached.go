package catalog

import (
	"context"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/syncbus"
)

const (
	categoriesKey   = "categories"
	itemsKey        = "items"
	defaultCacheTTL = 5 * time.Minute
)

// CacheOption configures a CachedStore.
type CacheOption func(*cacheOptions)

type cacheOptions struct {
	ttl    time.Duration
	config *ristretto.Config
}

// WithCacheTTL bounds how long a list read is served from memory.
func WithCacheTTL(d time.Duration) CacheOption {
	return func(o *cacheOptions) { o.ttl = d }
}

// WithRistretto replaces the ristretto configuration. A nil cfg keeps the
// defaults.
func WithRistretto(cfg *ristretto.Config) CacheOption {
	return func(o *cacheOptions) {
		if cfg != nil {
			o.config = cfg
		}
	}
}

// CachedStore serves the category and item lists from a ristretto cache.
// Its own writes invalidate both lists; so does every catalog notification
// received on the bus, which covers writes made on other nodes. Wrap it in a
// PublishingStore so the notification only goes out once the lists are gone.
type CachedStore struct {
	Store
	c      *ristretto.Cache
	ttl    time.Duration
	logger zerolog.Logger

	// gen is bumped by Invalidate. A read that started under an older
	// generation does not populate the cache.
	mu  sync.Mutex
	gen uint64
}

// NewCachedStore wraps store. When bus is not nil the store listens for
// catalog notifications until ctx is canceled.
func NewCachedStore(ctx context.Context, store Store, bus syncbus.Bus, opts ...CacheOption) (*CachedStore, error) {
	o := cacheOptions{
		ttl: defaultCacheTTL,
		config: &ristretto.Config{
			NumCounters: 1e3,
			MaxCost:     1 << 16,
			BufferItems: 64,
		},
	}
	for _, opt := range opts {
		opt(&o)
	}
	rc, err := ristretto.NewCache(o.config)
	if err != nil {
		return nil, err
	}
	s := &CachedStore{
		Store:  store,
		c:      rc,
		ttl:    o.ttl,
		logger: log.With().Str("component", "catalog.cache").Logger(),
	}
	if bus != nil {
		ch, err := bus.Subscribe(ctx, CollectionKey)
		if err != nil {
			rc.Close()
			return nil, err
		}
		go func() {
			for range ch {
				s.Invalidate()
				s.logger.Debug().Msg("catalog changed, cache invalidated")
			}
		}()
	}
	return s, nil
}

// Invalidate drops both cached lists.
func (s *CachedStore) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.c.Del(categoriesKey)
	s.c.Del(itemsKey)
	s.c.Wait()
}

func (s *CachedStore) generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// fill caches v unless the lists were invalidated since gen was read.
func (s *CachedStore) fill(key string, gen uint64, v any, cost int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.c.SetWithTTL(key, v, cost, s.ttl)
	s.c.Wait()
}

// Categories implements Store.Categories.
func (s *CachedStore) Categories(ctx context.Context) ([]Category, error) {
	if v, ok := s.c.Get(categoriesKey); ok {
		if cs, ok := v.([]Category); ok {
			return append([]Category(nil), cs...), nil
		}
	}
	gen := s.generation()
	cs, err := s.Store.Categories(ctx)
	if err != nil {
		return nil, err
	}
	s.fill(categoriesKey, gen, append([]Category(nil), cs...), int64(len(cs)+1))
	return cs, nil
}

// Items implements Store.Items.
func (s *CachedStore) Items(ctx context.Context) ([]Item, error) {
	if v, ok := s.c.Get(itemsKey); ok {
		if items, ok := v.([]Item); ok {
			return append([]Item(nil), items...), nil
		}
	}
	gen := s.generation()
	items, err := s.Store.Items(ctx)
	if err != nil {
		return nil, err
	}
	s.fill(itemsKey, gen, append([]Item(nil), items...), int64(len(items)+1))
	return items, nil
}

// InsertCategory implements Store.InsertCategory.
func (s *CachedStore) InsertCategory(ctx context.Context, c Category) (Category, error) {
	out, err := s.Store.InsertCategory(ctx, c)
	s.Invalidate()
	return out, err
}

// InsertItem implements Store.InsertItem.
func (s *CachedStore) InsertItem(ctx context.Context, it Item) (Item, error) {
	out, err := s.Store.InsertItem(ctx, it)
	s.Invalidate()
	return out, err
}

// UpdateItem implements Store.UpdateItem.
func (s *CachedStore) UpdateItem(ctx context.Context, it Item) (Item, error) {
	out, err := s.Store.UpdateItem(ctx, it)
	s.Invalidate()
	return out, err
}

// DeleteItem implements Store.DeleteItem.
func (s *CachedStore) DeleteItem(ctx context.Context, id string) error {
	err := s.Store.DeleteItem(ctx, id)
	s.Invalidate()
	return err
}

// Close releases the cache.
func (s *CachedStore) Close() {
	s.c.Close()
}
