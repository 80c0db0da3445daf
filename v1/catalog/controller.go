package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	lsperrors "github.com/TwinGroup12121212/lspd-dispatch-guide/v1/errors"
	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/lock"
	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/metrics"
	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/syncbus"
)

// Locker is the part of lock.Manager the controller depends on.
type Locker interface {
	View() lock.View
	Acquire(ctx context.Context) bool
	Release(ctx context.Context)
}

// Level is the severity of a Notification.
type Level string

const (
	// LevelSuccess confirms a completed catalog change.
	LevelSuccess Level = "success"
	// LevelError reports a rejected or failed catalog change.
	LevelError Level = "error"
)

// Notification is a user-visible message, shown as a toast.
type Notification struct {
	Level   Level  `json:"level"`
	Message string `json:"message"`
}

// Notifier receives user-visible notifications.
type Notifier func(Notification)

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithNotifier sets the notification sink.
func WithNotifier(n Notifier) ControllerOption {
	return func(c *Controller) { c.notifier = n }
}

// WithControllerLogger sets the logger.
func WithControllerLogger(l zerolog.Logger) ControllerOption {
	return func(c *Controller) { c.logger = l }
}

// Controller turns catalog mutations into acquire, write, release sequences
// and keeps the session's local copy of the catalog and its ticket.
type Controller struct {
	store    Store
	locker   Locker
	notifier Notifier
	logger   zerolog.Logger

	mu         sync.RWMutex
	categories []Category
	items      []Item
	editing    *Item
	ticket     Ticket
}

// NewController returns a Controller writing to store under locker.
func NewController(store Store, locker Locker, opts ...ControllerOption) *Controller {
	c := &Controller{
		store:    store,
		locker:   locker,
		notifier: func(Notification) {},
		logger:   log.With().Str("component", "catalog").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) success(msg string) {
	c.notifier(Notification{Level: LevelSuccess, Message: msg})
}

func (c *Controller) failure(msg string) {
	c.notifier(Notification{Level: LevelError, Message: msg})
}

// Load replaces the local catalog with the backend's.
func (c *Controller) Load(ctx context.Context) error {
	var (
		categories []Category
		items      []Item
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		categories, err = c.store.Categories(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		items, err = c.store.Items(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		c.logger.Warn().Err(err).Msg("load catalog")
		return fmt.Errorf("load catalog: %w", err)
	}
	sortCategories(categories)
	sortItems(items)
	c.mu.Lock()
	c.categories = categories
	c.items = items
	c.mu.Unlock()
	return nil
}

// Watch reloads the local catalog whenever bus reports a catalog change. It
// returns once subscribed; reloading stops when ctx is canceled.
func (c *Controller) Watch(ctx context.Context, bus syncbus.Bus) error {
	ch, err := bus.Subscribe(ctx, CollectionKey)
	if err != nil {
		return err
	}
	go func() {
		for range ch {
			if err := c.Load(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn().Err(err).Msg("reload catalog after change")
			}
		}
	}()
	return nil
}

// Sections returns a copy of the local catalog grouped by category.
func (c *Controller) Sections() []Section {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Group(c.categories, c.items)
}

// Item returns the local copy of the item with the given ID.
func (c *Controller) Item(id string) (Item, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.findItem(id)
}

func (c *Controller) findItem(id string) (Item, bool) {
	for _, it := range c.items {
		if it.ID == id {
			return it, true
		}
	}
	return Item{}, false
}

// gate checks the local view and then acquires the lock.
func (c *Controller) gate(ctx context.Context, op string) error {
	if v := c.locker.View(); v.IsLocked && !v.IsMine {
		metrics.CatalogMutationCounter.WithLabelValues(op, "locked").Inc()
		return &LockedError{Owner: v.Lock.OwnerName}
	}
	return c.acquire(ctx, op)
}

// acquire takes or refreshes the lease. A denied acquire refreshes the view
// with the current holder.
func (c *Controller) acquire(ctx context.Context, op string) error {
	if c.locker.Acquire(ctx) {
		return nil
	}
	metrics.CatalogMutationCounter.WithLabelValues(op, "contention").Inc()
	if v := c.locker.View(); v.IsLocked && !v.IsMine {
		return &LockedError{Owner: v.Lock.OwnerName}
	}
	return ErrContention
}

func (c *Controller) reportGate(err error) {
	var le *LockedError
	switch {
	case errors.As(err, &le):
		c.failure(fmt.Sprintf("Der Strafkatalog wird gerade von %s bearbeitet.", le.Owner))
	default:
		c.failure("Der Strafkatalog konnte nicht gesperrt werden. Bitte später erneut versuchen.")
	}
}

func (c *Controller) backendFailure(op string, err error) error {
	metrics.CatalogMutationCounter.WithLabelValues(op, "error").Inc()
	c.logger.Error().Err(err).Str("op", op).Msg("catalog write failed")
	c.failure(fmt.Sprintf("Fehler: %v", err))
	return fmt.Errorf("%s: %w", op, err)
}

// AddCategory creates a category under the lock.
func (c *Controller) AddCategory(ctx context.Context, name string, sortOrder int) (Category, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Category{}, fmt.Errorf("%w: category name is empty", ErrInvalid)
	}
	if err := c.gate(ctx, "add_category"); err != nil {
		c.reportGate(err)
		return Category{}, err
	}
	defer c.releaseUnlessEditing(ctx)

	cat, err := c.store.InsertCategory(ctx, Category{Name: name, SortOrder: sortOrder})
	if err != nil {
		return Category{}, c.backendFailure("add_category", err)
	}
	c.mu.Lock()
	c.categories = append(c.categories, cat)
	sortCategories(c.categories)
	c.mu.Unlock()
	metrics.CatalogMutationCounter.WithLabelValues("add_category", "ok").Inc()
	c.success("Kategorie hinzugefügt")
	return cat, nil
}

// AddItem creates an item under the lock.
func (c *Controller) AddItem(ctx context.Context, it Item) (Item, error) {
	if err := it.Validate(); err != nil {
		return Item{}, err
	}
	if err := c.gate(ctx, "add_item"); err != nil {
		c.reportGate(err)
		return Item{}, err
	}
	defer c.releaseUnlessEditing(ctx)

	it.ID = ""
	created, err := c.store.InsertItem(ctx, it)
	if err != nil {
		return Item{}, c.backendFailure("add_item", err)
	}
	c.mu.Lock()
	c.items = append(c.items, created)
	sortItems(c.items)
	c.mu.Unlock()
	metrics.CatalogMutationCounter.WithLabelValues("add_item", "ok").Inc()
	c.success("Straftat hinzugefügt")
	return created, nil
}

// DeleteItem removes an item under the lock.
func (c *Controller) DeleteItem(ctx context.Context, id string) error {
	if err := c.gate(ctx, "delete_item"); err != nil {
		c.reportGate(err)
		return err
	}
	defer c.releaseUnlessEditing(ctx)

	if err := c.store.DeleteItem(ctx, id); err != nil {
		return c.backendFailure("delete_item", err)
	}
	c.mu.Lock()
	for i, it := range c.items {
		if it.ID == id {
			c.items = append(c.items[:i], c.items[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	metrics.CatalogMutationCounter.WithLabelValues("delete_item", "ok").Inc()
	c.success("Straftat gelöscht")
	return nil
}

// releaseUnlessEditing releases the lock after a one-shot write. An open
// edit session keeps the lease.
func (c *Controller) releaseUnlessEditing(ctx context.Context) {
	c.mu.RLock()
	editing := c.editing != nil
	c.mu.RUnlock()
	if !editing {
		c.locker.Release(ctx)
	}
}

// BeginEdit opens an edit session on the item and holds the lock until
// SaveEdit succeeds or CancelEdit is called.
func (c *Controller) BeginEdit(ctx context.Context, id string) (Item, error) {
	c.mu.RLock()
	it, ok := c.findItem(id)
	editing := c.editing
	c.mu.RUnlock()
	if !ok {
		return Item{}, lsperrors.ErrNotFound
	}
	if editing != nil {
		if editing.ID == id {
			return *editing, nil
		}
		return Item{}, ErrEditInProgress
	}
	if err := c.gate(ctx, "begin_edit"); err != nil {
		var le *LockedError
		if errors.As(err, &le) {
			c.reportGate(err)
			return Item{}, err
		}
		c.failure("Bearbeitung konnte nicht gestartet werden. Jemand anderes bearbeitet gerade.")
		return Item{}, fmt.Errorf("could not start edit, someone else is editing: %w", err)
	}
	c.mu.Lock()
	c.editing = &it
	c.mu.Unlock()
	return it, nil
}

// Editing returns the item of the open edit session.
func (c *Controller) Editing() (Item, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.editing == nil {
		return Item{}, false
	}
	return *c.editing, true
}

// SaveEdit writes the edited item and closes the session. The lease is
// refreshed first; if it lapsed and someone else took the lock the session
// ends without writing. On backend errors the session and the lease stay open
// so the user can retry or cancel.
func (c *Controller) SaveEdit(ctx context.Context, it Item) (Item, error) {
	c.mu.RLock()
	editing := c.editing
	c.mu.RUnlock()
	if editing == nil || editing.ID != it.ID {
		return Item{}, ErrNoEdit
	}
	if err := it.Validate(); err != nil {
		return Item{}, err
	}
	if err := c.acquire(ctx, "update_item"); err != nil {
		c.mu.Lock()
		c.editing = nil
		c.mu.Unlock()
		c.reportGate(err)
		return Item{}, err
	}
	updated, err := c.store.UpdateItem(ctx, it)
	if err != nil {
		return Item{}, c.backendFailure("update_item", err)
	}
	c.mu.Lock()
	for i := range c.items {
		if c.items[i].ID == updated.ID {
			c.items[i] = updated
			break
		}
	}
	sortItems(c.items)
	c.editing = nil
	c.mu.Unlock()
	c.locker.Release(ctx)
	metrics.CatalogMutationCounter.WithLabelValues("update_item", "ok").Inc()
	c.success("Straftat aktualisiert")
	return updated, nil
}

// CancelEdit closes the edit session and releases the lock.
func (c *Controller) CancelEdit(ctx context.Context) {
	c.mu.Lock()
	open := c.editing != nil
	c.editing = nil
	c.mu.Unlock()
	if open {
		c.locker.Release(ctx)
	}
}

// Select adds the item to the ticket.
func (c *Controller) Select(itemID string) (Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.findItem(itemID)
	if !ok {
		return Entry{}, lsperrors.ErrNotFound
	}
	return c.ticket.Add(it), nil
}

// Toggle adds the item to the ticket or, when already selected, removes it.
// It reports whether the item is selected afterwards.
func (c *Controller) Toggle(itemID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.findItem(itemID)
	if !ok {
		return false, lsperrors.ErrNotFound
	}
	return c.ticket.Toggle(it), nil
}

// Deselect removes one ticket entry.
func (c *Controller) Deselect(entryID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ticket.Remove(entryID) {
		return lsperrors.ErrNotFound
	}
	return nil
}

// ClearTicket removes every ticket entry.
func (c *Controller) ClearTicket() {
	c.mu.Lock()
	c.ticket.Clear()
	c.mu.Unlock()
}

// Ticket returns a snapshot of the ticket.
func (c *Controller) Ticket() TicketView {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ticket.View()
}

// Summary renders the ticket summary and notifies the user.
func (c *Controller) Summary() (string, error) {
	c.mu.RLock()
	s, err := c.ticket.Summary()
	c.mu.RUnlock()
	if err != nil {
		c.failure("Keine Delikte ausgewählt!")
		return "", err
	}
	c.success("Zusammenfassung kopiert!")
	return s, nil
}
