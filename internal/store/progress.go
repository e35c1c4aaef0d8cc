package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/drallgood/audiobookshelf-library-sync/internal/models"
)

// ProgressStore persists playback progress keyed by library item id
type ProgressStore struct {
	t table[models.StoredProgress]
}

func NewProgressStore(db *gorm.DB) *ProgressStore {
	return &ProgressStore{t: table[models.StoredProgress]{db: db, kind: "progress", key: "library_item_id"}}
}

func (s *ProgressStore) GetByLibraryItemID(ctx context.Context, libraryItemID string) (*models.StoredProgress, error) {
	return s.t.get(ctx, "library_item_id", libraryItemID)
}

func (s *ProgressStore) GetAll(ctx context.Context) ([]models.StoredProgress, error) {
	return s.t.all(ctx, "library_item_id")
}

// Put inserts or fully replaces the record
func (s *ProgressStore) Put(ctx context.Context, p *models.StoredProgress) error {
	if err := s.t.put(ctx, p); err != nil {
		return fmt.Errorf("failed to put progress %s: %w", p.LibraryItemID, err)
	}
	return nil
}

// PutMany upserts all records in one transaction
func (s *ProgressStore) PutMany(ctx context.Context, records []models.StoredProgress) error {
	if len(records) == 0 {
		return nil
	}
	err := s.t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range records {
			if err := s.t.upsert(tx, &records[i]); err != nil {
				return fmt.Errorf("progress %s: %w", records[i].LibraryItemID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to put progress batch: %w", err)
	}
	return nil
}

// PutIfNewer writes p unless the stored record has a strictly newer
// LastUpdate. It returns the record that is stored afterwards and whether p
// was applied.
func (s *ProgressStore) PutIfNewer(ctx context.Context, p *models.StoredProgress) (*models.StoredProgress, bool, error) {
	var (
		result  models.StoredProgress
		applied bool
	)
	err := s.t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.StoredProgress
		err := tx.Where("library_item_id = ?", p.LibraryItemID).Take(&existing).Error
		switch {
		case err == nil && existing.LastUpdate > p.LastUpdate:
			result = existing
			return nil
		case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		if err := s.t.upsert(tx, p); err != nil {
			return err
		}
		result = *p
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to reconcile progress %s: %w", p.LibraryItemID, err)
	}
	return &result, applied, nil
}
