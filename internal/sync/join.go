package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/drallgood/audiobookshelf-library-sync/internal/adapter"
	"github.com/drallgood/audiobookshelf-library-sync/internal/cache"
	"github.com/drallgood/audiobookshelf-library-sync/internal/models"
	"github.com/drallgood/audiobookshelf-library-sync/internal/store"
)

// ErrUnresolvedName is returned when a book names an author or series that
// is not in the local catalog
var ErrUnresolvedName = errors.New("unresolved name")

// resolver maps author and series names onto stored ids for one pass
type resolver struct {
	stores *store.Stores
	ids    cache.Cache[string, string]
}

func newResolver(stores *store.Stores, ids cache.Cache[string, string]) *resolver {
	return &resolver{stores: stores, ids: ids}
}

func (r *resolver) authorID(ctx context.Context, name string) (string, error) {
	return cache.GetOrLoad(r.ids, "author\x00"+name, 0, func(string) (string, error) {
		a, err := r.stores.Authors.GetByName(ctx, name)
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("author %q: %w", name, ErrUnresolvedName)
		}
		if err != nil {
			return "", err
		}
		return a.ID, nil
	})
}

func (r *resolver) seriesID(ctx context.Context, name string) (string, error) {
	return cache.GetOrLoad(r.ids, "series\x00"+name, 0, func(string) (string, error) {
		s, err := r.stores.Series.GetByName(ctx, name)
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("series %q: %w", name, ErrUnresolvedName)
		}
		if err != nil {
			return "", err
		}
		return s.ID, nil
	})
}

// joinBook fills book.Authors and book.Series from the free text name fields.
// Any name that does not resolve fails the whole book.
func (r *resolver) joinBook(ctx context.Context, book *models.StoredBook) error {
	for _, name := range adapter.SplitNames(book.Meta.AuthorName) {
		id, err := r.authorID(ctx, name)
		if err != nil {
			return err
		}
		book.Authors = append(book.Authors, id)
	}

	for _, qualified := range adapter.SplitNames(book.Meta.SeriesName) {
		name, position := adapter.ParseSeriesQualifier(qualified)
		if name == "" {
			continue
		}
		id, err := r.seriesID(ctx, name)
		if err != nil {
			return err
		}
		book.Series = append(book.Series, models.SeriesRef{ID: id, Position: position})
	}
	return nil
}

// seriesBooks builds the embedded, position ordered book list of a series
// from its member items. A member's position comes from the entry of its
// seriesName naming this series, falling back to a "#" in its title.
func seriesBooks(series models.LibrarySeries, coverURL func(string) string) []models.SeriesBook {
	books := make([]models.SeriesBook, 0, len(series.Books))
	for _, member := range series.Books {
		title, position := adapter.ParseSeriesQualifier(member.Title())
		if md := member.Media.Metadata; md != nil {
			for _, qualified := range adapter.SplitNames(md.SeriesName) {
				if name, pos := adapter.ParseSeriesQualifier(qualified); name == series.Name && pos != nil {
					position = pos
					break
				}
			}
		}
		books = append(books, models.SeriesBook{
			ID:         member.ID,
			Name:       title,
			Position:   position,
			PictureURL: coverURL(member.ID),
		})
	}

	sort.SliceStable(books, func(i, j int) bool {
		return models.PositionKey(books[i].Position) < models.PositionKey(books[j].Position)
	})
	return books
}
