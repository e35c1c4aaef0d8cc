package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drallgood/audiobookshelf-library-sync/internal/database"
	"github.com/drallgood/audiobookshelf-library-sync/internal/events"
	"github.com/drallgood/audiobookshelf-library-sync/internal/logger"
	"github.com/drallgood/audiobookshelf-library-sync/internal/models"
	"github.com/drallgood/audiobookshelf-library-sync/internal/store"
	libsync "github.com/drallgood/audiobookshelf-library-sync/internal/sync"
)

func newCatalogServer(t *testing.T) (*httptest.Server, *store.Stores) {
	t.Helper()
	db, err := database.NewDatabase(&database.DatabaseConfig{
		Driver: database.DriverSQLitePure,
		Path:   filepath.Join(t.TempDir(), "catalog.db"),
	}, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	stores := store.New(db.GetDB())

	ctx := context.Background()
	require.NoError(t, stores.Authors.Put(ctx, &models.StoredAuthor{ID: "A1", Name: "Jane Doe"}))
	require.NoError(t, stores.Series.Put(ctx, &models.StoredSeries{ID: "S1", Name: "Trilogy"}))
	one, two := "1", "2"
	for _, b := range []models.StoredBook{
		{ID: "B1", AddedAt: 1, Authors: []string{"A1"}, Series: []models.SeriesRef{{ID: "S1", Position: &one}}, Meta: models.BookMeta{Title: "Book One"}},
		{ID: "B2", AddedAt: 2, Authors: []string{"A1"}, Series: []models.SeriesRef{{ID: "S1", Position: &two}}, Meta: models.BookMeta{Title: "Book Two"}},
	} {
		require.NoError(t, stores.Books.Put(ctx, &b))
	}

	syncer := &fakeSyncer{bus: events.NewBus[libsync.Progress](0, logger.Nop()), called: make(chan string, 1)}
	s := New(":0", syncer, newFakeProgress(), stores, nil, logger.Nop())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, stores
}

func getJSON(t *testing.T, url string, v interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func bookIDs(books []models.StoredBook) []string {
	ids := make([]string, 0, len(books))
	for _, b := range books {
		ids = append(ids, b.ID)
	}
	return ids
}

func TestCatalogQueries(t *testing.T) {
	ts, _ := newCatalogServer(t)

	var book models.StoredBook
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/books/B1", &book))
	assert.Equal(t, "Book One", book.Meta.Title)
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/api/books/nope", nil))

	tests := []struct {
		path string
		want []string
	}{
		{"/api/books/recent", []string{"B2", "B1"}},
		{"/api/books/recent?limit=1", []string{"B2"}},
		{"/api/series/S1/books", []string{"B1", "B2"}},
		{"/api/authors/A1/books?limit=5", []string{"B2", "B1"}},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			var books []models.StoredBook
			require.Equal(t, http.StatusOK, getJSON(t, ts.URL+tt.path, &books))
			assert.Equal(t, tt.want, bookIDs(books))
		})
	}

	var discover []models.StoredBook
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/books/discover", &discover))
	assert.ElementsMatch(t, []string{"B1", "B2"}, bookIDs(discover))

	var author models.StoredAuthor
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/authors/A1", &author))
	assert.Equal(t, "Jane Doe", author.Name)
	var series models.StoredSeries
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/series/S1", &series))
	assert.Equal(t, "Trilogy", series.Name)
}

func TestLibraryEndpoints(t *testing.T) {
	ts, _ := newCatalogServer(t)

	do := func(method, path string) int {
		req, _ := http.NewRequest(method, ts.URL+path, nil)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusNotFound, do(http.MethodGet, "/api/library/B1"))
	assert.Equal(t, http.StatusOK, do(http.MethodPut, "/api/library/B1"))
	assert.Equal(t, http.StatusNotFound, do(http.MethodPut, "/api/library/missing"))
	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/api/library/B1"))

	var entries []models.LibraryEntry
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/library", &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "B1", entries[0].ID)

	assert.Equal(t, http.StatusNoContent, do(http.MethodDelete, "/api/library/B1"))
	assert.Equal(t, http.StatusNotFound, do(http.MethodGet, "/api/library/B1"))
}
