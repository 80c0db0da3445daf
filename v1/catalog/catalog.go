// Package catalog holds the penalty catalog and the controller that gates its
// mutations on ownership of the catalog lock. Reads are never gated; neither
// is the session-private ticket assembled from catalog items.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// CollectionKey names the catalog collections on the change notification bus.
const CollectionKey = "strafkatalog"

// OffenseType classifies a catalog item.
type OffenseType string

const (
	Crime                 OffenseType = "Verbrechen"
	AdministrativeOffense OffenseType = "Ordnungswidrigkeit"
	Violation             OffenseType = "Verstoß"
)

// Valid reports whether t is one of the known offense types.
func (t OffenseType) Valid() bool {
	switch t {
	case Crime, AdministrativeOffense, Violation:
		return true
	}
	return false
}

var (
	// ErrInvalid is returned for records failing validation.
	ErrInvalid = errors.New("catalog: invalid record")
	// ErrContention is returned when the catalog lock could not be acquired.
	ErrContention = errors.New("catalog: someone else is editing")
	// ErrEditInProgress is returned when an edit session is already open on
	// another item.
	ErrEditInProgress = errors.New("catalog: another item is being edited")
	// ErrNoEdit is returned when saving without a matching edit session.
	ErrNoEdit = errors.New("catalog: no edit session for this item")
	// ErrEmptyTicket is returned when summarizing a ticket without entries.
	ErrEmptyTicket = errors.New("catalog: no offenses selected")
)

// LockedError reports that another session holds the catalog lock.
type LockedError struct {
	Owner string
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("catalog is locked by %s", e.Owner)
}

// Unwrap makes a LockedError match ErrContention.
func (e *LockedError) Unwrap() error { return ErrContention }

// Category groups catalog items.
type Category struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	SortOrder int       `json:"sort_order"`
	CreatedAt time.Time `json:"created_at"`
}

// Item is a single offense with its penalty.
type Item struct {
	ID              string      `json:"id"`
	CategoryID      string      `json:"category_id"`
	Name            string      `json:"name"`
	Type            OffenseType `json:"type"`
	Fine            int64       `json:"fine"`
	DetentionMonths int         `json:"detention_months"`
	SortOrder       int         `json:"sort_order"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Validate checks the fields a client may set.
func (it Item) Validate() error {
	switch {
	case strings.TrimSpace(it.Name) == "":
		return fmt.Errorf("%w: item name is empty", ErrInvalid)
	case it.CategoryID == "":
		return fmt.Errorf("%w: item has no category", ErrInvalid)
	case !it.Type.Valid():
		return fmt.Errorf("%w: unknown offense type %q", ErrInvalid, it.Type)
	case it.Fine < 0 || it.DetentionMonths < 0:
		return fmt.Errorf("%w: negative penalty", ErrInvalid)
	}
	return nil
}

// Section is a category together with its items.
type Section struct {
	Category Category `json:"category"`
	Items    []Item   `json:"items"`
}

// Store is the backend holding categories and items.
type Store interface {
	Categories(ctx context.Context) ([]Category, error)
	Items(ctx context.Context) ([]Item, error)
	// InsertCategory stores c under a generated ID and returns it.
	InsertCategory(ctx context.Context, c Category) (Category, error)
	// InsertItem stores it under a generated ID and returns it.
	InsertItem(ctx context.Context, it Item) (Item, error)
	// UpdateItem replaces the item with the same ID and returns the stored
	// version. Unknown IDs yield errors.ErrNotFound.
	UpdateItem(ctx context.Context, it Item) (Item, error)
	// DeleteItem removes the item. Unknown IDs yield errors.ErrNotFound.
	DeleteItem(ctx context.Context, id string) error
}

func sortCategories(cs []Category) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].SortOrder != cs[j].SortOrder {
			return cs[i].SortOrder < cs[j].SortOrder
		}
		return cs[i].Name < cs[j].Name
	})
}

func sortItems(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].SortOrder != items[j].SortOrder {
			return items[i].SortOrder < items[j].SortOrder
		}
		return items[i].Name < items[j].Name
	})
}

// Group arranges items under their categories. Items of unknown categories
// are dropped.
func Group(categories []Category, items []Item) []Section {
	sections := make([]Section, len(categories))
	idx := make(map[string]int, len(categories))
	for i, c := range categories {
		sections[i] = Section{Category: c, Items: []Item{}}
		idx[c.ID] = i
	}
	for _, it := range items {
		if i, ok := idx[it.CategoryID]; ok {
			sections[i].Items = append(sections[i].Items, it)
		}
	}
	return sections
}
