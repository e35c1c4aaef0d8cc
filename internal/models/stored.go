package models

import (
	"strconv"
	"strings"
)

// Stored* types are the local catalog rows. Timestamps are Unix milliseconds
// copied from the server; GORM's automatic timestamps are switched off so a
// re-sync of unchanged data writes identical rows.

// StoredAuthor is an author in the local catalog. Name is unique.
type StoredAuthor struct {
	ID          string `gorm:"primaryKey" json:"id"`
	Name        string `gorm:"uniqueIndex;not null" json:"name"`
	Description string `json:"description,omitempty"`
	ImagePath   string `json:"imagePath,omitempty"`
	LibraryID   string `gorm:"index" json:"libraryId"`
	AddedAt     int64  `json:"addedAt"`
	UpdatedAt   int64  `gorm:"autoUpdateTime:false" json:"updatedAt"`
	NumBooks    int    `json:"numBooks"`
}

func (StoredAuthor) TableName() string { return "authors" }

// SeriesBook is one entry of a series' embedded, position ordered book list
type SeriesBook struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Position   *string `json:"position,omitempty"`
	PictureURL string  `json:"pictureUrl"`
}

// StoredSeries is a series in the local catalog. Name is unique.
type StoredSeries struct {
	ID          string       `gorm:"primaryKey" json:"id"`
	Name        string       `gorm:"uniqueIndex;not null" json:"name"`
	Description string       `json:"description,omitempty"`
	AddedAt     int64        `json:"addedAt"`
	UpdatedAt   int64        `gorm:"autoUpdateTime:false" json:"updatedAt"`
	Books       []SeriesBook `gorm:"serializer:json" json:"books"`
}

func (StoredSeries) TableName() string { return "series" }

// SeriesRef links a book to a series with the book's position in it
type SeriesRef struct {
	ID       string  `json:"id"`
	Position *string `json:"position,omitempty"`
}

// BookMeta is the descriptive block of a stored book. AuthorName,
// NarratorName and SeriesName keep the server's comma joined free text.
type BookMeta struct {
	Title         string   `json:"title"`
	Subtitle      string   `json:"subtitle,omitempty"`
	AuthorName    string   `json:"authorName"`
	NarratorName  string   `json:"narratorName,omitempty"`
	SeriesName    string   `json:"seriesName,omitempty"`
	Genres        []string `gorm:"serializer:json" json:"genres"`
	PublishedYear string   `gorm:"index" json:"publishedYear,omitempty"`
	PublishedDate string   `json:"publishedDate,omitempty"`
	Publisher     string   `json:"publisher,omitempty"`
	Description   string   `json:"description,omitempty"`
	ISBN          string   `json:"isbn,omitempty"`
	ASIN          string   `json:"asin,omitempty"`
	Language      string   `json:"language,omitempty"`
	Explicit      bool     `json:"explicit"`
	Abridged      bool     `json:"abridged"`
}

// StoredBook is a book in the local catalog. Authors and Series are filled
// by the sync engine's name join, never by the adapter.
type StoredBook struct {
	ID         string      `gorm:"primaryKey" json:"id"`
	Ino        string      `json:"ino"`
	LibraryID  string      `gorm:"index" json:"libraryId"`
	Authors    []string    `gorm:"serializer:json" json:"authors"`
	Series     []SeriesRef `gorm:"serializer:json" json:"series"`
	AddedAt    int64       `gorm:"index" json:"addedAt"`
	UpdatedAt  int64       `gorm:"autoUpdateTime:false" json:"updatedAt"`
	IsMissing  bool        `json:"isMissing"`
	IsInvalid  bool        `json:"isInvalid"`
	IsComplete bool        `json:"isComplete"`
	Completion float64     `json:"completion"`
	Meta       BookMeta    `gorm:"embedded;embeddedPrefix:meta_" json:"meta"`
	Tags       []string    `gorm:"serializer:json" json:"tags"`
	Duration   float64     `json:"duration"`
}

func (StoredBook) TableName() string { return "books" }

// BookAuthor is the author secondary index of the book store
type BookAuthor struct {
	BookID   string `gorm:"primaryKey"`
	AuthorID string `gorm:"primaryKey;index"`
}

func (BookAuthor) TableName() string { return "book_authors" }

// BookSeriesEntry is the series secondary index of the book store.
// Sort is the numeric value of Position used for ordering.
type BookSeriesEntry struct {
	BookID   string `gorm:"primaryKey"`
	SeriesID string `gorm:"primaryKey;index"`
	Position *string
	Sort     float64
}

func (BookSeriesEntry) TableName() string { return "book_series" }

// StoredProgress is the reconciled playback progress of one library item
type StoredProgress struct {
	LibraryItemID string   `gorm:"primaryKey" json:"libraryItemId"`
	CurrentTime   float64  `json:"currentTime"`
	Duration      float64  `json:"duration"`
	Progress      float64  `json:"progress"`
	IsFinished    bool     `json:"isFinished"`
	LastUpdate    int64    `json:"lastUpdate"`
	UpdatedAt     int64    `gorm:"autoUpdateTime:false" json:"updatedAt"`
	Position      *float64 `json:"position,omitempty"`
}

func (StoredProgress) TableName() string { return "progress" }

// DownloadTrack is one audio file of an offline download
type DownloadTrack struct {
	Index int    `json:"index"`
	Title string `json:"title"`
	Size  int64  `json:"size"`
	Data  []byte `json:"data,omitempty"`
}

// StoredDownload is a book kept on device for offline playback.
// It is never sent to the server.
type StoredDownload struct {
	ID        string          `gorm:"primaryKey" json:"id"`
	Title     string          `json:"title"`
	CoverPath string          `json:"coverPath,omitempty"`
	Size      int64           `json:"size"`
	Tracks    []DownloadTrack `gorm:"serializer:json" json:"tracks"`
	CreatedAt int64           `gorm:"autoCreateTime:false" json:"createdAt"`
	UpdatedAt int64           `gorm:"autoUpdateTime:false" json:"updatedAt"`
}

func (StoredDownload) TableName() string { return "downloads" }

// LibraryEntry marks a book the user added to their own library
type LibraryEntry struct {
	ID        string `gorm:"primaryKey" json:"id"`
	AddedAt   int64  `json:"addedAt"`
	UpdatedAt int64  `gorm:"autoUpdateTime:false" json:"updatedAt"`
}

func (LibraryEntry) TableName() string { return "my_library" }

// All returns every persisted model for schema migration
func All() []interface{} {
	return []interface{}{
		&StoredAuthor{},
		&StoredSeries{},
		&StoredBook{},
		&BookAuthor{},
		&BookSeriesEntry{},
		&StoredProgress{},
		&StoredDownload{},
		&LibraryEntry{},
	}
}

// unpositioned sorts series members without a position after numbered ones
const unpositioned = 1e9

// PositionKey returns the numeric sort key of a series position.
// Missing or non numeric positions sort last.
func PositionKey(position *string) float64 {
	if position == nil {
		return unpositioned
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(*position), 64)
	if err != nil {
		return unpositioned
	}
	return f
}
