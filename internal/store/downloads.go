package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/drallgood/audiobookshelf-library-sync/internal/models"
)

// DownloadStore keeps offline copies of books on the device
type DownloadStore struct {
	t   table[models.StoredDownload]
	now func() time.Time
}

func NewDownloadStore(db *gorm.DB) *DownloadStore {
	return &DownloadStore{
		t:   table[models.StoredDownload]{db: db, kind: "download", key: "id"},
		now: time.Now,
	}
}

func (s *DownloadStore) Get(ctx context.Context, id string) (*models.StoredDownload, error) {
	return s.t.get(ctx, "id", id)
}

// GetAll returns every download, newest first
func (s *DownloadStore) GetAll(ctx context.Context) ([]models.StoredDownload, error) {
	return s.t.all(ctx, "created_at DESC, id")
}

// Put stores the download. CreatedAt is set on first write, UpdatedAt on every
// write, and Size is recomputed from the tracks when left at zero.
func (s *DownloadStore) Put(ctx context.Context, d *models.StoredDownload) error {
	ts := nowMillis(s.now)
	if d.CreatedAt == 0 {
		d.CreatedAt = ts
	}
	d.UpdatedAt = ts
	if d.Size == 0 {
		for _, track := range d.Tracks {
			d.Size += track.Size
		}
	}

	if err := s.t.put(ctx, d); err != nil {
		return fmt.Errorf("failed to put download %s: %w", d.ID, err)
	}
	return nil
}

// Delete removes a download. Deleting an absent download is not an error.
func (s *DownloadStore) Delete(ctx context.Context, id string) error {
	if err := s.t.db.WithContext(ctx).Where("id = ?", id).Delete(&models.StoredDownload{}).Error; err != nil {
		return fmt.Errorf("failed to delete download %s: %w", id, err)
	}
	return nil
}
