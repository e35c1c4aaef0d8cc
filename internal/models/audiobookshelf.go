package models

// MediaTypeBook is the only library item media type the catalog stores
const MediaTypeBook = "book"

// LibraryAuthor is an author as returned by /api/libraries/{id}/authors
type LibraryAuthor struct {
	ID          string `json:"id"`
	ASIN        string `json:"asin,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ImagePath   string `json:"imagePath,omitempty"`
	LibraryID   string `json:"libraryId"`
	AddedAt     int64  `json:"addedAt"`
	UpdatedAt   int64  `json:"updatedAt"`
	NumBooks    int    `json:"numBooks"`
}

// LibrarySeries is a series as returned by /api/libraries/{id}/series.
// Books holds the member library items the server reports for the series.
type LibrarySeries struct {
	ID               string        `json:"id"`
	Name             string        `json:"name"`
	NameIgnorePrefix string        `json:"nameIgnorePrefix,omitempty"`
	Description      string        `json:"description,omitempty"`
	AddedAt          int64         `json:"addedAt"`
	UpdatedAt        int64         `json:"updatedAt"`
	Books            []LibraryItem `json:"books"`
}

// BookMetadata mirrors media.metadata of a book library item
type BookMetadata struct {
	Title         string   `json:"title"`
	Subtitle      string   `json:"subtitle,omitempty"`
	AuthorName    string   `json:"authorName"`
	NarratorName  string   `json:"narratorName,omitempty"`
	SeriesName    string   `json:"seriesName,omitempty"`
	Genres        []string `json:"genres,omitempty"`
	PublishedYear string   `json:"publishedYear,omitempty"`
	PublishedDate string   `json:"publishedDate,omitempty"`
	Publisher     string   `json:"publisher,omitempty"`
	Description   string   `json:"description,omitempty"`
	ISBN          string   `json:"isbn,omitempty"`
	ASIN          string   `json:"asin,omitempty"`
	Language      string   `json:"language,omitempty"`
	Explicit      bool     `json:"explicit"`
	Abridged      bool     `json:"abridged"`
}

// LibraryItemMedia is the media block of a library item
type LibraryItemMedia struct {
	ID        string        `json:"id,omitempty"`
	Metadata  *BookMetadata `json:"metadata"`
	CoverPath string        `json:"coverPath,omitempty"`
	Tags      []string      `json:"tags,omitempty"`
	Duration  float64       `json:"duration"`
}

// LibraryItem is one entry of /api/libraries/{id}/items
type LibraryItem struct {
	ID                string            `json:"id"`
	Ino               string            `json:"ino"`
	LibraryID         string            `json:"libraryId"`
	FolderID          string            `json:"folderId,omitempty"`
	Path              string            `json:"path,omitempty"`
	MediaType         string            `json:"mediaType"`
	AddedAt           int64             `json:"addedAt"`
	UpdatedAt         int64             `json:"updatedAt"`
	IsMissing         bool              `json:"isMissing"`
	IsInvalid         bool              `json:"isInvalid"`
	Media             LibraryItemMedia  `json:"media"`
	UserMediaProgress *MediaProgress    `json:"userMediaProgress,omitempty"`
}

// Title returns the item's metadata title or an empty string
func (i LibraryItem) Title() string {
	if i.Media.Metadata == nil {
		return ""
	}
	return i.Media.Metadata.Title
}

// LibraryAuthorsResponse is the payload of the authors endpoint
type LibraryAuthorsResponse struct {
	Authors []LibraryAuthor `json:"authors"`
}

// LibrarySeriesResponse is the paginated payload of the series endpoint
type LibrarySeriesResponse struct {
	Results []LibrarySeries `json:"results"`
	Total   int             `json:"total"`
	Limit   int             `json:"limit"`
	Page    int             `json:"page"`
}

// LibraryItemsResponse is the paginated payload of the items endpoint
type LibraryItemsResponse struct {
	Results []LibraryItem `json:"results"`
	Total   int           `json:"total"`
	Limit   int           `json:"limit"`
	Page    int           `json:"page"`
}
