package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/drallgood/audiobookshelf-library-sync/internal/store"
)

// defaultListLimit bounds list endpoints without a limit parameter
const defaultListLimit = 20

// catalogRoutes registers the read only catalog and the my-library endpoints
func (s *Server) catalogRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/books/recent", s.handleRecentBooks)
	mux.HandleFunc("GET /api/books/discover", s.handleDiscoverBooks)
	mux.HandleFunc("GET /api/books/{id}", s.handleBook)
	mux.HandleFunc("GET /api/authors/{id}", s.handleAuthor)
	mux.HandleFunc("GET /api/authors/{id}/books", s.handleAuthorBooks)
	mux.HandleFunc("GET /api/series/{id}", s.handleSeries)
	mux.HandleFunc("GET /api/series/{id}/books", s.handleSeriesBooks)
	mux.HandleFunc("GET /api/library", s.handleLibrary)
	mux.HandleFunc("GET /api/library/{id}", s.handleLibraryHas)
	mux.HandleFunc("PUT /api/library/{id}", s.handleLibraryAdd)
	mux.HandleFunc("DELETE /api/library/{id}", s.handleLibraryRemove)
}

func limitParam(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit < 0 {
		return defaultListLimit
	}
	return limit
}

// reply writes v, mapping store.ErrNotFound to 404
func (s *Server) reply(w http.ResponseWriter, v interface{}, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "Not found", http.StatusNotFound)
	case err != nil:
		s.logger.Error("Catalog query failed", map[string]interface{}{"error": err})
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, v)
	}
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	b, err := s.catalog.Books.Get(r.Context(), r.PathValue("id"))
	s.reply(w, b, err)
}

func (s *Server) handleRecentBooks(w http.ResponseWriter, r *http.Request) {
	books, err := s.catalog.Books.GetRecentlyAdded(r.Context(), limitParam(r))
	s.reply(w, books, err)
}

func (s *Server) handleDiscoverBooks(w http.ResponseWriter, r *http.Request) {
	books, err := s.catalog.Books.GetDiscover(r.Context(), limitParam(r))
	s.reply(w, books, err)
}

func (s *Server) handleAuthor(w http.ResponseWriter, r *http.Request) {
	a, err := s.catalog.Authors.Get(r.Context(), r.PathValue("id"))
	s.reply(w, a, err)
}

func (s *Server) handleAuthorBooks(w http.ResponseWriter, r *http.Request) {
	books, err := s.catalog.Books.GetMoreByAuthor(r.Context(), r.PathValue("id"), limitParam(r))
	s.reply(w, books, err)
}

func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	series, err := s.catalog.Series.Get(r.Context(), r.PathValue("id"))
	s.reply(w, series, err)
}

func (s *Server) handleSeriesBooks(w http.ResponseWriter, r *http.Request) {
	books, err := s.catalog.Books.GetBySeries(r.Context(), r.PathValue("id"))
	s.reply(w, books, err)
}

func (s *Server) handleLibrary(w http.ResponseWriter, r *http.Request) {
	entries, err := s.catalog.Library.GetAll(r.Context())
	s.reply(w, entries, err)
}

func (s *Server) handleLibraryHas(w http.ResponseWriter, r *http.Request) {
	ok, err := s.catalog.Library.Has(r.Context(), r.PathValue("id"))
	if err == nil && !ok {
		err = store.ErrNotFound
	}
	s.reply(w, map[string]bool{"inLibrary": ok}, err)
}

func (s *Server) handleLibraryAdd(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.catalog.Books.Get(r.Context(), id); err != nil {
		s.reply(w, nil, err)
		return
	}
	entry, err := s.catalog.Library.Add(r.Context(), id)
	s.reply(w, entry, err)
}

func (s *Server) handleLibraryRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.Library.Remove(r.Context(), r.PathValue("id")); err != nil {
		s.reply(w, nil, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
