// Package adapter converts Audiobookshelf wire shapes into stored catalog
// entities. It performs no I/O.
package adapter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/drallgood/audiobookshelf-library-sync/internal/models"
)

// ErrMissingMetadata is returned for library items without a title
var ErrMissingMetadata = errors.New("library item has no metadata title")

// nameSeparator splits the server's joined author and series name lists
const nameSeparator = ", "

// Author copies the server author onto its stored shape
func Author(a models.LibraryAuthor) models.StoredAuthor {
	return models.StoredAuthor{
		ID:          a.ID,
		Name:        a.Name,
		Description: a.Description,
		ImagePath:   a.ImagePath,
		LibraryID:   a.LibraryID,
		AddedAt:     a.AddedAt,
		UpdatedAt:   a.UpdatedAt,
		NumBooks:    a.NumBooks,
	}
}

// Series copies the server series onto its stored shape. Books is left nil;
// the sync engine fills it from the member items.
func Series(s models.LibrarySeries) models.StoredSeries {
	return models.StoredSeries{
		ID:          s.ID,
		Name:        s.Name,
		Description: s.Description,
		AddedAt:     s.AddedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}

// Book converts a library item. Authors and Series come back empty and are
// resolved by name later.
func Book(item models.LibraryItem) (models.StoredBook, error) {
	md := item.Media.Metadata
	if md == nil || strings.TrimSpace(md.Title) == "" {
		return models.StoredBook{}, fmt.Errorf("item %s: %w", item.ID, ErrMissingMetadata)
	}

	book := models.StoredBook{
		ID:        item.ID,
		Ino:       item.Ino,
		LibraryID: item.LibraryID,
		Authors:   []string{},
		Series:    []models.SeriesRef{},
		AddedAt:   item.AddedAt,
		UpdatedAt: item.UpdatedAt,
		IsMissing: item.IsMissing,
		IsInvalid: item.IsInvalid,
		Meta: models.BookMeta{
			Title:         md.Title,
			Subtitle:      md.Subtitle,
			AuthorName:    md.AuthorName,
			NarratorName:  md.NarratorName,
			SeriesName:    md.SeriesName,
			Genres:        nonNil(md.Genres),
			PublishedYear: md.PublishedYear,
			PublishedDate: md.PublishedDate,
			Publisher:     md.Publisher,
			Description:   md.Description,
			ISBN:          md.ISBN,
			ASIN:          md.ASIN,
			Language:      md.Language,
			Explicit:      md.Explicit,
			Abridged:      md.Abridged,
		},
		Tags:     nonNil(item.Media.Tags),
		Duration: item.Media.Duration,
	}

	if p := item.UserMediaProgress; p != nil {
		book.IsComplete = p.IsFinished
		book.Completion = p.Progress
	}
	return book, nil
}

// ParseSeriesQualifier splits "Name #position" into its parts. Text without
// a "#" has no position, and so does an empty position.
func ParseSeriesQualifier(s string) (string, *string) {
	name, pos, found := strings.Cut(s, "#")
	name = strings.TrimSpace(name)
	if !found {
		return name, nil
	}
	pos = strings.TrimSpace(pos)
	if pos == "" {
		return name, nil
	}
	return name, &pos
}

// SplitNames splits a joined name list, dropping empty entries
func SplitNames(s string) []string {
	parts := strings.Split(s, nameSeparator)
	names := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			names = append(names, p)
		}
	}
	return names
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
