package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/drallgood/audiobookshelf-library-sync/internal/models"
)

// LibraryStore is the set of books the user added to their own library
type LibraryStore struct {
	t   table[models.LibraryEntry]
	now func() time.Time
}

func NewLibraryStore(db *gorm.DB) *LibraryStore {
	return &LibraryStore{
		t:   table[models.LibraryEntry]{db: db, kind: "library entry", key: "id"},
		now: time.Now,
	}
}

// Add marks a book as part of the user's library. Adding it again keeps the
// original AddedAt and bumps UpdatedAt.
func (s *LibraryStore) Add(ctx context.Context, bookID string) (*models.LibraryEntry, error) {
	ts := nowMillis(s.now)
	entry := models.LibraryEntry{ID: bookID, AddedAt: ts, UpdatedAt: ts}

	existing, err := s.t.get(ctx, "id", bookID)
	switch {
	case err == nil:
		entry.AddedAt = existing.AddedAt
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	if err := s.t.put(ctx, &entry); err != nil {
		return nil, fmt.Errorf("failed to add %s to library: %w", bookID, err)
	}
	return &entry, nil
}

// Remove drops a book from the user's library. Removing an absent book is not an error.
func (s *LibraryStore) Remove(ctx context.Context, bookID string) error {
	if err := s.t.db.WithContext(ctx).Where("id = ?", bookID).Delete(&models.LibraryEntry{}).Error; err != nil {
		return fmt.Errorf("failed to remove %s from library: %w", bookID, err)
	}
	return nil
}

func (s *LibraryStore) Has(ctx context.Context, bookID string) (bool, error) {
	var count int64
	if err := s.t.db.WithContext(ctx).Model(&models.LibraryEntry{}).Where("id = ?", bookID).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check library for %s: %w", bookID, err)
	}
	return count > 0, nil
}

// GetAll returns the entries most recently touched first
func (s *LibraryStore) GetAll(ctx context.Context) ([]models.LibraryEntry, error) {
	return s.t.all(ctx, "updated_at DESC, added_at DESC, id")
}
