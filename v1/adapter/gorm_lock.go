package adapter

import (
	"context"
	stdErrors "errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	lsperrors "github.com/TwinGroup12121212/lspd-dispatch-guide/v1/errors"
	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/lock"
)

const defaultLockTable = "strafkatalog_lock"

type lockRow struct {
	ID        string    `gorm:"primaryKey;column:id"`
	UserID    string    `gorm:"column:user_id;index"`
	UserName  string    `gorm:"column:user_name"`
	LockedAt  time.Time `gorm:"column:locked_at;index"`
	ExpiresAt time.Time `gorm:"column:expires_at;index"`
}

func (r lockRow) record() lock.Record {
	return lock.Record{
		ID:        r.ID,
		OwnerID:   r.UserID,
		OwnerName: r.UserName,
		LockedAt:  r.LockedAt.UTC(),
		ExpiresAt: r.ExpiresAt.UTC(),
	}
}

func rowOf(rec lock.Record) lockRow {
	return lockRow{
		ID:        rec.ID,
		UserID:    rec.OwnerID,
		UserName:  rec.OwnerName,
		LockedAt:  rec.LockedAt.UTC(),
		ExpiresAt: rec.ExpiresAt.UTC(),
	}
}

// GormLockStore implements lock.Store and lock.AtomicStore on a SQL table.
type GormLockStore struct {
	db        *gorm.DB
	tableName string
	timeout   time.Duration
}

var (
	_ lock.Store       = (*GormLockStore)(nil)
	_ lock.AtomicStore = (*GormLockStore)(nil)
)

// NewGormLockStore returns a store on db, creating the lock table when it is
// missing.
func NewGormLockStore(db *gorm.DB, opts ...Option) (*GormLockStore, error) {
	o := newOptions(opts)
	if o.tableName == "" {
		o.tableName = defaultLockTable
	}
	if !db.Migrator().HasTable(o.tableName) {
		if err := db.Table(o.tableName).AutoMigrate(&lockRow{}); err != nil {
			return nil, err
		}
	}
	return &GormLockStore{db: db, tableName: o.tableName, timeout: o.timeout}, nil
}

func (s *GormLockStore) table(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Table(s.tableName)
}

func first(q *gorm.DB) (*lock.Record, error) {
	var row lockRow
	err := q.Order("locked_at DESC").Order("id DESC").Take(&row).Error
	if stdErrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(err)
	}
	rec := row.record()
	return &rec, nil
}

// Latest implements lock.Store.Latest.
func (s *GormLockStore) Latest(ctx context.Context) (*lock.Record, error) {
	if err := precheck(ctx); err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return first(s.table(cctx))
}

// Active implements lock.Store.Active.
func (s *GormLockStore) Active(ctx context.Context, now time.Time) (*lock.Record, error) {
	if err := precheck(ctx); err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return first(s.table(cctx).Where("expires_at > ?", now.UTC()))
}

// Insert implements lock.Store.Insert.
func (s *GormLockStore) Insert(ctx context.Context, rec lock.Record) (lock.Record, error) {
	if err := precheck(ctx); err != nil {
		return lock.Record{}, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	rec.ID = uuid.NewString()
	row := rowOf(rec)
	if err := s.table(cctx).Create(&row).Error; err != nil {
		return lock.Record{}, mapErr(err)
	}
	return row.record(), nil
}

// UpdateExpiry implements lock.Store.UpdateExpiry.
func (s *GormLockStore) UpdateExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	if err := precheck(ctx); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res := s.table(cctx).Where("id = ?", id).Update("expires_at", expiresAt.UTC())
	if res.Error != nil {
		return mapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return lsperrors.ErrNotFound
	}
	return nil
}

func scoped(q *gorm.DB, f lock.Filter) *gorm.DB {
	if f.ID != "" {
		q = q.Where("id = ?", f.ID)
	}
	if f.OwnerID != "" {
		q = q.Where("user_id = ?", f.OwnerID)
	}
	if !f.Before.IsZero() {
		q = q.Where("expires_at < ?", f.Before.UTC())
	}
	return q
}

// Delete implements lock.Store.Delete.
func (s *GormLockStore) Delete(ctx context.Context, f lock.Filter) (int, error) {
	if err := precheck(ctx); err != nil {
		return 0, err
	}
	if f.IsZero() {
		return 0, nil
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res := scoped(s.table(cctx), f).Delete(&lockRow{})
	if res.Error != nil {
		return 0, mapErr(res.Error)
	}
	return int(res.RowsAffected), nil
}

// AcquireAtomic implements lock.AtomicStore.AcquireAtomic in one transaction.
func (s *GormLockStore) AcquireAtomic(ctx context.Context, candidate lock.Record, now time.Time) (lock.Record, lock.Outcome, error) {
	if err := precheck(ctx); err != nil {
		return lock.Record{}, lock.Denied, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var (
		out     lock.Record
		outcome = lock.Denied
	)
	err := s.db.WithContext(cctx).Transaction(func(tx *gorm.DB) error {
		if err := scoped(tx.Table(s.tableName), lock.ExpiredBefore(now)).Delete(&lockRow{}).Error; err != nil {
			return err
		}
		cur, err := first(tx.Table(s.tableName).Where("expires_at > ?", now.UTC()))
		if err != nil {
			return err
		}
		switch {
		case cur != nil && cur.OwnerID != candidate.OwnerID:
			out = *cur
			return nil
		case cur != nil:
			if err := tx.Table(s.tableName).Where("id = ?", cur.ID).Update("expires_at", candidate.ExpiresAt.UTC()).Error; err != nil {
				return err
			}
			out = *cur
			out.ExpiresAt = candidate.ExpiresAt.UTC()
			outcome = lock.Refreshed
			return nil
		}
		candidate.ID = uuid.NewString()
		row := rowOf(candidate)
		if err := tx.Table(s.tableName).Create(&row).Error; err != nil {
			return err
		}
		out = row.record()
		outcome = lock.Created
		return nil
	})
	if err != nil {
		return lock.Record{}, lock.Denied, mapErr(err)
	}
	return out, outcome, nil
}
