package audiobookshelf

import (
	"context"

	"github.com/drallgood/audiobookshelf-library-sync/internal/models"
)

// CatalogClient is the part of the API the sync engine reads the catalog through
type CatalogClient interface {
	GetAuthors(ctx context.Context, libraryID string) ([]models.LibraryAuthor, error)
	GetSeries(ctx context.Context, libraryID string) ([]models.LibrarySeries, error)
	GetLibraryItems(ctx context.Context, libraryID string) ([]models.LibraryItem, error)
	CoverURL(itemID string) string
	AuthorImageURL(authorID string) string
}

// ProgressClient is the part of the API playback progress flows through
type ProgressClient interface {
	GetUserProgress(ctx context.Context) (*models.User, error)
	GetMediaProgress(ctx context.Context, libraryItemID string) (*models.MediaProgress, error)
	UpdateProgress(ctx context.Context, libraryItemID string, update models.ProgressUpdate) error
}

// ImageFetcher downloads images from the server
type ImageFetcher interface {
	FetchImage(ctx context.Context, imageURL string) ([]byte, string, error)
}

// AudiobookshelfClientInterface is everything the Client offers
type AudiobookshelfClientInterface interface {
	CatalogClient
	ProgressClient
	ImageFetcher
}

var (
	_ AudiobookshelfClientInterface = (*Client)(nil)
	_ ProgressClient                = (*BreakerClient)(nil)
)
