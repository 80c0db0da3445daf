package adapter

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/catalog"
	lsperrors "github.com/TwinGroup12121212/lspd-dispatch-guide/v1/errors"
)

type categoryRow struct {
	ID        string    `gorm:"primaryKey;column:id"`
	Name      string    `gorm:"column:name;not null"`
	SortOrder int       `gorm:"column:sort_order"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (categoryRow) TableName() string { return "kategorien" }

type itemRow struct {
	ID          string    `gorm:"primaryKey;column:id"`
	KategorieID string    `gorm:"column:kategorie_id;index;not null"`
	Name        string    `gorm:"column:name;not null"`
	Typ         string    `gorm:"column:typ;not null"`
	Geldstrafe  int64     `gorm:"column:geldstrafe"`
	Haftzeit    int       `gorm:"column:haftzeit"`
	SortOrder   int       `gorm:"column:sort_order"`
	CreatedAt   time.Time `gorm:"column:created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at"`
}

func (itemRow) TableName() string { return "straftaten" }

func (r itemRow) item() catalog.Item {
	return catalog.Item{
		ID:              r.ID,
		CategoryID:      r.KategorieID,
		Name:            r.Name,
		Type:            catalog.OffenseType(r.Typ),
		Fine:            r.Geldstrafe,
		DetentionMonths: r.Haftzeit,
		SortOrder:       r.SortOrder,
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
	}
}

func itemRowOf(it catalog.Item) itemRow {
	return itemRow{
		ID:          it.ID,
		KategorieID: it.CategoryID,
		Name:        it.Name,
		Typ:         string(it.Type),
		Geldstrafe:  it.Fine,
		Haftzeit:    it.DetentionMonths,
		SortOrder:   it.SortOrder,
		CreatedAt:   it.CreatedAt,
		UpdatedAt:   it.UpdatedAt,
	}
}

// GormCatalogStore implements catalog.Store on the kategorien and straftaten
// tables.
type GormCatalogStore struct {
	db      *gorm.DB
	timeout time.Duration
	now     func() time.Time
}

var _ catalog.Store = (*GormCatalogStore)(nil)

// NewGormCatalogStore returns a store on db and migrates both tables.
func NewGormCatalogStore(db *gorm.DB, opts ...Option) (*GormCatalogStore, error) {
	o := newOptions(opts)
	if err := db.AutoMigrate(&categoryRow{}, &itemRow{}); err != nil {
		return nil, err
	}
	return &GormCatalogStore{db: db, timeout: o.timeout, now: o.now}, nil
}

// Categories implements catalog.Store.Categories.
func (s *GormCatalogStore) Categories(ctx context.Context) ([]catalog.Category, error) {
	if err := precheck(ctx); err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var rows []categoryRow
	if err := s.db.WithContext(cctx).Order("sort_order").Order("name").Find(&rows).Error; err != nil {
		return nil, mapErr(err)
	}
	out := make([]catalog.Category, 0, len(rows))
	for _, r := range rows {
		out = append(out, catalog.Category{ID: r.ID, Name: r.Name, SortOrder: r.SortOrder, CreatedAt: r.CreatedAt.UTC()})
	}
	return out, nil
}

// Items implements catalog.Store.Items.
func (s *GormCatalogStore) Items(ctx context.Context) ([]catalog.Item, error) {
	if err := precheck(ctx); err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var rows []itemRow
	if err := s.db.WithContext(cctx).Order("sort_order").Order("name").Find(&rows).Error; err != nil {
		return nil, mapErr(err)
	}
	out := make([]catalog.Item, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.item())
	}
	return out, nil
}

// InsertCategory implements catalog.Store.InsertCategory.
func (s *GormCatalogStore) InsertCategory(ctx context.Context, c catalog.Category) (catalog.Category, error) {
	if err := precheck(ctx); err != nil {
		return catalog.Category{}, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	c.ID = uuid.NewString()
	c.CreatedAt = s.now().UTC()
	row := categoryRow{ID: c.ID, Name: c.Name, SortOrder: c.SortOrder, CreatedAt: c.CreatedAt}
	if err := s.db.WithContext(cctx).Create(&row).Error; err != nil {
		return catalog.Category{}, mapErr(err)
	}
	return c, nil
}

// InsertItem implements catalog.Store.InsertItem.
func (s *GormCatalogStore) InsertItem(ctx context.Context, it catalog.Item) (catalog.Item, error) {
	if err := precheck(ctx); err != nil {
		return catalog.Item{}, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	it.ID = uuid.NewString()
	it.CreatedAt = s.now().UTC()
	it.UpdatedAt = it.CreatedAt
	row := itemRowOf(it)
	if err := s.db.WithContext(cctx).Create(&row).Error; err != nil {
		return catalog.Item{}, mapErr(err)
	}
	return row.item(), nil
}

// UpdateItem implements catalog.Store.UpdateItem.
func (s *GormCatalogStore) UpdateItem(ctx context.Context, it catalog.Item) (catalog.Item, error) {
	if err := precheck(ctx); err != nil {
		return catalog.Item{}, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var out catalog.Item
	err := s.db.WithContext(cctx).Transaction(func(tx *gorm.DB) error {
		var cur itemRow
		res := tx.Where("id = ?", it.ID).Limit(1).Find(&cur)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return lsperrors.ErrNotFound
		}
		cur.KategorieID = it.CategoryID
		cur.Name = it.Name
		cur.Typ = string(it.Type)
		cur.Geldstrafe = it.Fine
		cur.Haftzeit = it.DetentionMonths
		cur.SortOrder = it.SortOrder
		cur.UpdatedAt = s.now().UTC()
		if err := tx.Save(&cur).Error; err != nil {
			return err
		}
		out = cur.item()
		return nil
	})
	if err != nil {
		return catalog.Item{}, mapErr(err)
	}
	return out, nil
}

// DeleteItem implements catalog.Store.DeleteItem.
func (s *GormCatalogStore) DeleteItem(ctx context.Context, id string) error {
	if err := precheck(ctx); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res := s.db.WithContext(cctx).Where("id = ?", id).Delete(&itemRow{})
	if res.Error != nil {
		return mapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return lsperrors.ErrNotFound
	}
	return nil
}
