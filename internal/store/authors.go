package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/drallgood/audiobookshelf-library-sync/internal/models"
)

// AuthorStore persists authors. Author names are unique.
type AuthorStore struct {
	t table[models.StoredAuthor]
}

func NewAuthorStore(db *gorm.DB) *AuthorStore {
	return &AuthorStore{t: table[models.StoredAuthor]{db: db, kind: "author", key: "id"}}
}

func (s *AuthorStore) Get(ctx context.Context, id string) (*models.StoredAuthor, error) {
	return s.t.get(ctx, "id", id)
}

// GetByName looks an author up by exact name
func (s *AuthorStore) GetByName(ctx context.Context, name string) (*models.StoredAuthor, error) {
	return s.t.get(ctx, "name", name)
}

func (s *AuthorStore) GetAll(ctx context.Context) ([]models.StoredAuthor, error) {
	return s.t.all(ctx, "id")
}

// Put inserts or fully replaces the author. Another author already holding
// the same name fails with ErrDuplicateName.
func (s *AuthorStore) Put(ctx context.Context, a *models.StoredAuthor) error {
	if err := s.t.put(ctx, a); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("author %q (%s): %w", a.Name, a.ID, ErrDuplicateName)
		}
		return fmt.Errorf("failed to put author %s: %w", a.ID, err)
	}
	return nil
}
