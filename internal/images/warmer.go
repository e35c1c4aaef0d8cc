// Package images keeps an on-disk copy of author images and book covers so
// they are available offline.
package images

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/drallgood/audiobookshelf-library-sync/internal/api/audiobookshelf"
	"github.com/drallgood/audiobookshelf-library-sync/internal/logger"
	"github.com/drallgood/audiobookshelf-library-sync/internal/util"
)

// Target is one image to cache. Key is a relative slash separated path,
// e.g. "items/b1/cover".
type Target struct {
	Key string
	URL string
}

// CoverKey is the cache key of a book cover
func CoverKey(bookID string) string { return "items/" + bookID + "/cover" }

// AuthorImageKey is the cache key of an author image
func AuthorImageKey(authorID string) string { return "authors/" + authorID + "/image" }

// Warmer downloads images in the background. Failures are logged at debug
// level and never retried within a run.
type Warmer struct {
	fetcher audiobookshelf.ImageFetcher
	dir     string
	limiter *util.RateLimiter
	log     *logger.Logger
	wg      sync.WaitGroup
}

// NewWarmer stores images under dir, spacing requests by rate
func NewWarmer(fetcher audiobookshelf.ImageFetcher, dir string, rate time.Duration, log *logger.Logger) *Warmer {
	if log == nil {
		log = logger.Get()
	}
	log = log.Component("image_warmer")
	return &Warmer{
		fetcher: fetcher,
		dir:     dir,
		limiter: util.NewRateLimiter(rate, 4, log),
		log:     log,
	}
}

// Path returns where the image for key is stored and whether it exists
func (w *Warmer) Path(key string) (string, bool) {
	p, err := w.path(key)
	if err != nil {
		return "", false
	}
	_, err = os.Stat(p)
	return p, err == nil
}

func (w *Warmer) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid image key %q", key)
	}
	return filepath.Join(w.dir, clean), nil
}

// Warm starts downloading targets and returns immediately. Images already on
// disk are skipped. The downloads outlive ctx's cancellation; use Wait to
// block until they finish.
func (w *Warmer) Warm(ctx context.Context, targets []Target) {
	if len(targets) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		var fetched, skipped, failed int
		for _, target := range targets {
			switch err := w.warmOne(ctx, target); {
			case errors.Is(err, errCached):
				skipped++
			case err != nil:
				failed++
				w.log.Debug("Image warm failed", map[string]interface{}{
					"key":   target.Key,
					"error": err,
				})
			default:
				fetched++
			}
		}
		w.log.Debug("Image warm finished", map[string]interface{}{
			"fetched": fetched,
			"skipped": skipped,
			"failed":  failed,
			"rate":    w.limiter.GetRate().String(),
		})
		if failed == 0 {
			w.limiter.ResetRate()
		}
	}()
}

// Wait blocks until every started warm run finished
func (w *Warmer) Wait() {
	w.wg.Wait()
}

var errCached = errors.New("already cached")

// maxRateLimitPause caps how long one 429 stalls a warm run
const maxRateLimitPause = 30 * time.Second

func (w *Warmer) warmOne(ctx context.Context, target Target) error {
	dest, err := w.path(target.Key)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dest); err == nil {
		return errCached
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}
	data, _, err := w.fetcher.FetchImage(ctx, target.URL)
	if err != nil {
		var httpErr *audiobookshelf.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests {
			pause := w.limiter.OnRateLimit(httpErr.RetryAfter)
			time.Sleep(min(pause, maxRateLimitPause))
		}
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("empty image body")
	}
	return writeAtomic(dest, data)
}

// writeAtomic writes through a temp file so readers never see a partial image
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create image directory %q: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to move image into place: %w", err)
	}
	return nil
}
