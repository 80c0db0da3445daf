package catalog

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	lsperrors "github.com/TwinGroup12121212/lspd-dispatch-guide/v1/errors"
)

// InMemoryStore implements Store using local memory.
type InMemoryStore struct {
	mu         sync.RWMutex
	categories map[string]Category
	items      map[string]Item
	now        func() time.Time
}

// NewInMemoryStore returns an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		categories: make(map[string]Category),
		items:      make(map[string]Item),
		now:        time.Now,
	}
}

// Categories implements Store.Categories.
func (s *InMemoryStore) Categories(ctx context.Context) ([]Category, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]Category, 0, len(s.categories))
	for _, c := range s.categories {
		out = append(out, c)
	}
	s.mu.RUnlock()
	sortCategories(out)
	return out, nil
}

// Items implements Store.Items.
func (s *InMemoryStore) Items(ctx context.Context) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]Item, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, it)
	}
	s.mu.RUnlock()
	sortItems(out)
	return out, nil
}

// InsertCategory implements Store.InsertCategory.
func (s *InMemoryStore) InsertCategory(ctx context.Context, c Category) (Category, error) {
	if err := ctx.Err(); err != nil {
		return Category{}, err
	}
	c.ID = uuid.NewString()
	c.CreatedAt = s.now()
	s.mu.Lock()
	s.categories[c.ID] = c
	s.mu.Unlock()
	return c, nil
}

// InsertItem implements Store.InsertItem.
func (s *InMemoryStore) InsertItem(ctx context.Context, it Item) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}
	it.ID = uuid.NewString()
	it.CreatedAt = s.now()
	it.UpdatedAt = it.CreatedAt
	s.mu.Lock()
	s.items[it.ID] = it
	s.mu.Unlock()
	return it, nil
}

// UpdateItem implements Store.UpdateItem.
func (s *InMemoryStore) UpdateItem(ctx context.Context, it Item) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.items[it.ID]
	if !ok {
		return Item{}, lsperrors.ErrNotFound
	}
	it.CreatedAt = cur.CreatedAt
	it.UpdatedAt = s.now()
	s.items[it.ID] = it
	return it, nil
}

// DeleteItem implements Store.DeleteItem.
func (s *InMemoryStore) DeleteItem(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return lsperrors.ErrNotFound
	}
	delete(s.items, id)
	return nil
}
