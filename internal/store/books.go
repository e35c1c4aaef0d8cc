package store

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/drallgood/audiobookshelf-library-sync/internal/models"
)

// BookStore persists books together with their author and series indexes.
// The indexes are rewritten in the same transaction as the book row.
type BookStore struct {
	t table[models.StoredBook]
	// seed picks the discover sample; defaults to the current UTC day
	seed func() string
}

func NewBookStore(db *gorm.DB) *BookStore {
	return &BookStore{
		t: table[models.StoredBook]{db: db, kind: "book", key: "id"},
		seed: func() string {
			return time.Now().UTC().Format(time.DateOnly)
		},
	}
}

func (s *BookStore) Get(ctx context.Context, id string) (*models.StoredBook, error) {
	return s.t.get(ctx, "id", id)
}

func (s *BookStore) GetAll(ctx context.Context) ([]models.StoredBook, error) {
	return s.t.all(ctx, "id")
}

// Put inserts or fully replaces the book and rebuilds its index rows
func (s *BookStore) Put(ctx context.Context, b *models.StoredBook) error {
	err := s.t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.t.upsert(tx, b); err != nil {
			return err
		}

		if err := tx.Where("book_id = ?", b.ID).Delete(&models.BookAuthor{}).Error; err != nil {
			return err
		}
		if len(b.Authors) > 0 {
			rows := make([]models.BookAuthor, 0, len(b.Authors))
			for _, authorID := range b.Authors {
				rows = append(rows, models.BookAuthor{BookID: b.ID, AuthorID: authorID})
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
				return err
			}
		}

		if err := tx.Where("book_id = ?", b.ID).Delete(&models.BookSeriesEntry{}).Error; err != nil {
			return err
		}
		if len(b.Series) > 0 {
			rows := make([]models.BookSeriesEntry, 0, len(b.Series))
			for _, ref := range b.Series {
				rows = append(rows, models.BookSeriesEntry{
					BookID:   b.ID,
					SeriesID: ref.ID,
					Position: ref.Position,
					Sort:     models.PositionKey(ref.Position),
				})
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to put book %s: %w", b.ID, err)
	}
	return nil
}

// GetBySeries returns the books of a series ordered by position
func (s *BookStore) GetBySeries(ctx context.Context, seriesID string) ([]models.StoredBook, error) {
	var books []models.StoredBook
	err := s.t.db.WithContext(ctx).
		Joins("JOIN book_series ON book_series.book_id = books.id").
		Where("book_series.series_id = ?", seriesID).
		Order("book_series.sort, books.meta_title, books.id").
		Find(&books).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list books of series %s: %w", seriesID, err)
	}
	return books, nil
}

// GetMoreByAuthor returns up to limit books by the author, newest first.
// A limit of zero or less returns all of them.
func (s *BookStore) GetMoreByAuthor(ctx context.Context, authorID string, limit int) ([]models.StoredBook, error) {
	q := s.t.db.WithContext(ctx).
		Joins("JOIN book_authors ON book_authors.book_id = books.id").
		Where("book_authors.author_id = ?", authorID).
		Order("books.added_at DESC, books.id")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var books []models.StoredBook
	if err := q.Find(&books).Error; err != nil {
		return nil, fmt.Errorf("failed to list books of author %s: %w", authorID, err)
	}
	return books, nil
}

// GetRecentlyAdded returns up to limit books ordered by added time, newest first.
// A limit of zero or less returns all of them.
func (s *BookStore) GetRecentlyAdded(ctx context.Context, limit int) ([]models.StoredBook, error) {
	q := s.t.db.WithContext(ctx).Order("added_at DESC, id")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var books []models.StoredBook
	if err := q.Find(&books).Error; err != nil {
		return nil, fmt.Errorf("failed to list recently added books: %w", err)
	}
	return books, nil
}

// GetDiscover returns a sample of at most limit distinct books. The sample is
// stable for a given seed; the default seed changes once a day.
func (s *BookStore) GetDiscover(ctx context.Context, limit int) ([]models.StoredBook, error) {
	return s.GetDiscoverSeeded(ctx, s.seed(), limit)
}

// GetDiscoverSeeded is GetDiscover with an explicit seed
func (s *BookStore) GetDiscoverSeeded(ctx context.Context, seed string, limit int) ([]models.StoredBook, error) {
	if limit <= 0 {
		return []models.StoredBook{}, nil
	}

	var ids []string
	if err := s.t.db.WithContext(ctx).Model(&models.StoredBook{}).Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to list book ids: %w", err)
	}

	rank := make(map[string]uint64, len(ids))
	for _, id := range ids {
		h := fnv.New64a()
		h.Write([]byte(seed))
		h.Write([]byte{0})
		h.Write([]byte(id))
		rank[id] = h.Sum64()
	}
	sort.Slice(ids, func(i, j int) bool {
		if rank[ids[i]] != rank[ids[j]] {
			return rank[ids[i]] < rank[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if len(ids) > limit {
		ids = ids[:limit]
	}
	if len(ids) == 0 {
		return []models.StoredBook{}, nil
	}

	var books []models.StoredBook
	if err := s.t.db.WithContext(ctx).Where("id IN ?", ids).Find(&books).Error; err != nil {
		return nil, fmt.Errorf("failed to load discover books: %w", err)
	}
	sort.Slice(books, func(i, j int) bool {
		return rank[books[i].ID] < rank[books[j].ID] ||
			(rank[books[i].ID] == rank[books[j].ID] && books[i].ID < books[j].ID)
	})
	return books, nil
}
