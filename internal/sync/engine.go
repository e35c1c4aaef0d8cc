// Package sync mirrors an Audiobookshelf library into the local stores.
package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/drallgood/audiobookshelf-library-sync/internal/adapter"
	"github.com/drallgood/audiobookshelf-library-sync/internal/api/audiobookshelf"
	"github.com/drallgood/audiobookshelf-library-sync/internal/cache"
	"github.com/drallgood/audiobookshelf-library-sync/internal/events"
	"github.com/drallgood/audiobookshelf-library-sync/internal/images"
	"github.com/drallgood/audiobookshelf-library-sync/internal/logger"
	"github.com/drallgood/audiobookshelf-library-sync/internal/models"
	"github.com/drallgood/audiobookshelf-library-sync/internal/store"
	"github.com/drallgood/audiobookshelf-library-sync/internal/sync/state"
)

// DefaultConcurrency bounds the upserts in flight per phase
const DefaultConcurrency = 8

// nameCacheTTL bounds how long a resolved name is reused within one pass
const nameCacheTTL = 10 * time.Minute

// ImageWarmer caches images in the background
type ImageWarmer interface {
	Warm(ctx context.Context, targets []images.Target)
	Wait()
}

// Config configures an Engine
type Config struct {
	Concurrency int
	StateFile   string
}

// Engine runs synchronization passes. Passes are serialized.
type Engine struct {
	client      audiobookshelf.CatalogClient
	stores      *store.Stores
	warmer      ImageWarmer
	bus         *events.Bus[Progress]
	log         *logger.Logger
	concurrency int
	statePath   string
	now         func() time.Time

	mu sync.Mutex
}

// NewEngine creates an engine. warmer may be nil to skip image caching.
func NewEngine(client audiobookshelf.CatalogClient, stores *store.Stores, warmer ImageWarmer, cfg Config, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Get()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.StateFile == "" {
		cfg.StateFile = state.DefaultStateFile
	}
	log = log.Component("sync_engine")

	return &Engine{
		client:      client,
		stores:      stores,
		warmer:      warmer,
		bus:         events.NewBus[Progress](256, log),
		log:         log,
		concurrency: cfg.Concurrency,
		statePath:   cfg.StateFile,
		now:         time.Now,
	}
}

// Subscribe returns a subscription to progress events of every pass
func (e *Engine) Subscribe() *events.Subscription[Progress] {
	return e.bus.Subscribe(ProgressTopic)
}

// Wait blocks until background image warming started by earlier passes is done
func (e *Engine) Wait() {
	if e.warmer != nil {
		e.warmer.Wait()
	}
}

// NeedsSync reports whether the library was never synchronized or its last
// pass is older than maxAge
func (e *Engine) NeedsSync(libraryID string, maxAge time.Duration) (bool, error) {
	st, err := state.LoadState(e.statePath)
	if err != nil {
		return false, fmt.Errorf("failed to load sync state: %w", err)
	}
	return st.NeedsSync(libraryID, maxAge, e.now()), nil
}

// LastSync returns the recorded outcome of the last pass over a library
func (e *Engine) LastSync(libraryID string) (state.Library, bool, error) {
	st, err := state.LoadState(e.statePath)
	if err != nil {
		return state.Library{}, false, fmt.Errorf("failed to load sync state: %w", err)
	}
	lib, ok := st.GetLibrary(libraryID)
	return lib, ok, nil
}

type fetched struct {
	authors []models.LibraryAuthor
	series  []models.LibrarySeries
	books   []models.LibraryItem
}

// Synchronize mirrors one library into the stores. A failed fetch aborts
// before anything is written. Entities that fail to adapt, resolve or store
// are logged and skipped; the pass still succeeds. Cancelling ctx stops
// scheduling new writes and returns ctx.Err().
func (e *Engine) Synchronize(ctx context.Context, libraryID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	log := e.log.WithFields(map[string]interface{}{"library_id": libraryID})
	start := e.now()
	log.Info("Starting library sync")

	data, err := e.fetchAll(ctx, libraryID, log)
	if err != nil {
		log.Error("Library fetch failed, nothing written", map[string]interface{}{"error": err})
		return err
	}

	total := len(data.authors) + len(data.series) + len(data.books)
	rep := newReporter(e.bus, libraryID, total)
	if total == 0 {
		rep.report(0)
	}
	summary := state.Library{}
	var summaryMu sync.Mutex
	skip := func() {
		summaryMu.Lock()
		summary.Skipped++
		summaryMu.Unlock()
	}

	// authors
	err = e.phase(ctx, len(data.authors), func(i int) {
		defer rep.done()
		a := adapter.Author(data.authors[i])
		if err := e.stores.Authors.Put(ctx, &a); err != nil {
			log.Error("Failed to store author", map[string]interface{}{"author_id": a.ID, "name": a.Name, "error": err})
			skip()
			return
		}
		summaryMu.Lock()
		summary.Authors++
		summaryMu.Unlock()
	})
	if err != nil {
		return err
	}

	// series
	err = e.phase(ctx, len(data.series), func(i int) {
		defer rep.done()
		raw := data.series[i]
		s := adapter.Series(raw)
		s.Books = seriesBooks(raw, e.client.CoverURL)
		if err := e.stores.Series.Put(ctx, &s); err != nil {
			log.Error("Failed to store series", map[string]interface{}{"series_id": s.ID, "name": s.Name, "error": err})
			skip()
			return
		}
		summaryMu.Lock()
		summary.Series++
		summaryMu.Unlock()
	})
	if err != nil {
		return err
	}

	// books
	names := newResolver(e.stores, cache.WithTTL(cache.NewMemoryCache[string, string](log), nameCacheTTL))
	err = e.phase(ctx, len(data.books), func(i int) {
		defer rep.done()
		item := data.books[i]
		book, err := adapter.Book(item)
		if err == nil {
			err = names.joinBook(ctx, &book)
		}
		if err == nil {
			err = e.stores.Books.Put(ctx, &book)
		}
		if err != nil {
			log.Error("Failed to store book", map[string]interface{}{"book_id": item.ID, "title": item.Title(), "error": err})
			skip()
			return
		}
		summaryMu.Lock()
		summary.Books++
		summaryMu.Unlock()
	})
	if err != nil {
		return err
	}

	e.warmImages(ctx, log)

	st, err := state.LoadState(e.statePath)
	if err != nil {
		return fmt.Errorf("failed to load sync state: %w", err)
	}
	st.RecordLibrary(libraryID, summary, e.now())
	if err := st.Save(e.statePath); err != nil {
		return fmt.Errorf("failed to save sync state: %w", err)
	}

	log.Info("Library sync complete", map[string]interface{}{
		"authors":  summary.Authors,
		"series":   summary.Series,
		"books":    summary.Books,
		"skipped":  summary.Skipped,
		"duration": e.now().Sub(start).String(),
	})
	return nil
}

func (e *Engine) fetchAll(ctx context.Context, libraryID string, log *logger.Logger) (*fetched, error) {
	authors, err := e.client.GetAuthors(ctx, libraryID)
	if err != nil {
		return nil, err
	}
	series, err := e.client.GetSeries(ctx, libraryID)
	if err != nil {
		return nil, err
	}
	items, err := e.client.GetLibraryItems(ctx, libraryID)
	if err != nil {
		return nil, err
	}

	books := make([]models.LibraryItem, 0, len(items))
	for _, item := range items {
		if item.MediaType != models.MediaTypeBook {
			log.Info("Skipping non-book item", map[string]interface{}{
				"item_id":    item.ID,
				"media_type": item.MediaType,
				"title":      item.Title(),
			})
			continue
		}
		books = append(books, item)
	}

	log.Debug("Fetched library", map[string]interface{}{
		"authors": len(authors),
		"series":  len(series),
		"books":   len(books),
	})
	return &fetched{authors: authors, series: series, books: books}, nil
}

// phase runs fn for every index with bounded concurrency. fn handles its own
// errors; only cancellation ends a phase early.
func (e *Engine) phase(ctx context.Context, n int, fn func(i int)) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i := 0; i < n; i++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fn(i)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (e *Engine) warmImages(ctx context.Context, log *logger.Logger) {
	if e.warmer == nil {
		return
	}

	var targets []images.Target
	authors, err := e.stores.Authors.GetAll(ctx)
	if err != nil {
		log.Debug("Skipping author image warm", map[string]interface{}{"error": err})
	}
	for _, a := range authors {
		targets = append(targets, images.Target{Key: images.AuthorImageKey(a.ID), URL: e.client.AuthorImageURL(a.ID)})
	}
	books, err := e.stores.Books.GetAll(ctx)
	if err != nil {
		log.Debug("Skipping cover warm", map[string]interface{}{"error": err})
	}
	for _, b := range books {
		targets = append(targets, images.Target{Key: images.CoverKey(b.ID), URL: e.client.CoverURL(b.ID)})
	}
	e.warmer.Warm(ctx, targets)
}
