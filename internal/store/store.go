// Package store persists the local catalog (authors, series, books), playback
// progress and the device-only satellites (my library, downloads) in SQLite.
//
// Every Put is an insert-or-full-overwrite keyed by primary id and runs in
// its own transaction. There are no cross-entity transactions.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound is returned when no entity has the requested key
	ErrNotFound = errors.New("not found")
	// ErrDuplicateName is returned when a write would break a unique name index
	ErrDuplicateName = errors.New("duplicate name")
)

// Stores bundles every store over one database handle
type Stores struct {
	Authors   *AuthorStore
	Series    *SeriesStore
	Books     *BookStore
	Progress  *ProgressStore
	Library   *LibraryStore
	Downloads *DownloadStore
}

// New builds all stores over db
func New(db *gorm.DB) *Stores {
	return &Stores{
		Authors:   NewAuthorStore(db),
		Series:    NewSeriesStore(db),
		Books:     NewBookStore(db),
		Progress:  NewProgressStore(db),
		Library:   NewLibraryStore(db),
		Downloads: NewDownloadStore(db),
	}
}

// table holds the get/getAll/put plumbing shared by the stores
type table[T any] struct {
	db   *gorm.DB
	kind string
	key  string
}

func (t table[T]) get(ctx context.Context, column, value string) (*T, error) {
	var v T
	err := t.db.WithContext(ctx).Where(column+" = ?", value).Take(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%s %q: %w", t.kind, value, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s %q: %w", t.kind, value, err)
	}
	return &v, nil
}

func (t table[T]) all(ctx context.Context, order string) ([]T, error) {
	var out []T
	if err := t.db.WithContext(ctx).Order(order).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", t.kind, err)
	}
	return out, nil
}

// upsert writes v on tx, replacing every column of an existing row
func (t table[T]) upsert(tx *gorm.DB, v *T) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: t.key}},
		UpdateAll: true,
	}).Create(v).Error
}

func (t table[T]) put(ctx context.Context, v *T) error {
	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return t.upsert(tx, v)
	})
}

// isUniqueViolation reports whether err comes from a UNIQUE constraint.
// The cgo driver is translated by gorm; the pure Go driver is matched by text.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nowMillis(now func() time.Time) int64 {
	return now().UnixMilli()
}
