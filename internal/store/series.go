package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/drallgood/audiobookshelf-library-sync/internal/models"
)

// SeriesStore persists series with their embedded book lists. Series names are unique.
type SeriesStore struct {
	t table[models.StoredSeries]
}

func NewSeriesStore(db *gorm.DB) *SeriesStore {
	return &SeriesStore{t: table[models.StoredSeries]{db: db, kind: "series", key: "id"}}
}

func (s *SeriesStore) Get(ctx context.Context, id string) (*models.StoredSeries, error) {
	return s.t.get(ctx, "id", id)
}

func (s *SeriesStore) GetByName(ctx context.Context, name string) (*models.StoredSeries, error) {
	return s.t.get(ctx, "name", name)
}

func (s *SeriesStore) GetAll(ctx context.Context) ([]models.StoredSeries, error) {
	return s.t.all(ctx, "id")
}

// Put inserts or fully replaces the series, embedded book list included
func (s *SeriesStore) Put(ctx context.Context, series *models.StoredSeries) error {
	if err := s.t.put(ctx, series); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("series %q (%s): %w", series.Name, series.ID, ErrDuplicateName)
		}
		return fmt.Errorf("failed to put series %s: %w", series.ID, err)
	}
	return nil
}
