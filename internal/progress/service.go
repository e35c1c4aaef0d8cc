// Package progress reconciles playback progress between local playback, the
// server's REST API and the live socket. Every write goes through
// store.ProgressStore.PutIfNewer so the record with the highest lastUpdate
// wins regardless of which channel delivered it.
package progress

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/drallgood/audiobookshelf-library-sync/internal/api/audiobookshelf"
	"github.com/drallgood/audiobookshelf-library-sync/internal/events"
	"github.com/drallgood/audiobookshelf-library-sync/internal/logger"
	"github.com/drallgood/audiobookshelf-library-sync/internal/models"
	"github.com/drallgood/audiobookshelf-library-sync/internal/store"
)

// DefaultThrottleInterval is the minimum gap between unforced playback reports
const DefaultThrottleInterval = 5 * time.Second

// ErrNoLiveSource is returned by WatchLive when no socket is configured
var ErrNoLiveSource = errors.New("no live progress source configured")

// Update is one notification on an item's progress topic. Progress is nil
// when nothing is stored for the item yet.
type Update struct {
	LibraryItemID string                 `json:"libraryItemId"`
	Progress      *models.StoredProgress `json:"progress"`
}

// LiveSource delivers pushed progress events
type LiveSource interface {
	OnMediaProgress(fn audiobookshelf.ProgressHandler) (remove func())
}

// Config configures a Service
type Config struct {
	ThrottleInterval time.Duration
}

// Service is the single writer of the progress store
type Service struct {
	store    *store.ProgressStore
	remote   audiobookshelf.ProgressClient
	live     LiveSource
	bus      *events.Bus[Update]
	throttle *throttle
	log      *logger.Logger
	now      func() time.Time
}

// NewService creates a progress service. live may be nil when no socket is
// running.
func NewService(progress *store.ProgressStore, remote audiobookshelf.ProgressClient, live LiveSource, cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Get()
	}
	if cfg.ThrottleInterval <= 0 {
		cfg.ThrottleInterval = DefaultThrottleInterval
	}
	log = log.Component("progress_service")

	return &Service{
		store:    progress,
		remote:   remote,
		live:     live,
		bus:      events.NewBus[Update](events.DefaultBuffer, log),
		throttle: newThrottle(cfg.ThrottleInterval),
		log:      log,
		now:      time.Now,
	}
}

// Topic returns the bus topic of an item
func Topic(libraryItemID string) string {
	return libraryItemID + "-progress"
}

// Subscribe registers interest in one item's progress
func (s *Service) Subscribe(libraryItemID string) *events.Subscription[Update] {
	return s.bus.Subscribe(Topic(libraryItemID))
}

// Close ends every subscription
func (s *Service) Close() {
	s.bus.Close()
}

// Read returns the stored progress of an item, or nil, and publishes it as
// the immediate reply to subscribers.
func (s *Service) Read(ctx context.Context, libraryItemID string) (*models.StoredProgress, error) {
	p, err := s.store.GetByLibraryItemID(ctx, libraryItemID)
	if errors.Is(err, store.ErrNotFound) {
		p, err = nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.publish(libraryItemID, p)
	return p, nil
}

// DeriveProgress returns the progress ratio for a playback position. An
// explicit finite progress wins; otherwise it is currentTime/duration, or 0
// without a duration. The result is clamped to [0, 1].
func DeriveProgress(currentTime, duration float64, progress *float64) float64 {
	var p float64
	switch {
	case progress != nil && !math.IsNaN(*progress) && !math.IsInf(*progress, 0):
		p = *progress
	case duration > 0:
		p = currentTime / duration
	}
	return math.Max(0, math.Min(1, p))
}

// UpdateMediaProgress records a local playback position. The remote forward
// runs alongside the local write; its failure is logged and never returned.
// Subscribers are told the winning record before the call returns.
func (s *Service) UpdateMediaProgress(ctx context.Context, libraryItemID string, currentTime, duration float64, progress *float64) error {
	ratio := DeriveProgress(currentTime, duration, progress)
	now := s.now().UnixMilli()
	log := s.log.WithFields(map[string]interface{}{"library_item_id": libraryItemID})

	update := models.ProgressUpdate{
		Progress:    ratio,
		CurrentTime: currentTime,
		Duration:    duration,
		IsFinished:  ratio >= 1,
		LastUpdate:  now,
	}
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		if err := s.remote.UpdateProgress(ctx, libraryItemID, update); err != nil {
			log.Warn("Failed to forward progress to server", map[string]interface{}{"error": err})
		}
	}()

	position := currentTime
	_, err := s.reconcile(ctx, &models.StoredProgress{
		LibraryItemID: libraryItemID,
		CurrentTime:   currentTime,
		Duration:      duration,
		Progress:      ratio,
		IsFinished:    ratio >= 1,
		LastUpdate:    now,
		UpdatedAt:     now,
		Position:      &position,
	})
	<-forwarded
	return err
}

// ReportPlayback is the throttled entry point for playback ticks. Unforced
// reports closer together than the throttle interval are dropped and return
// false. force flushes on pause, end or unmount.
func (s *Service) ReportPlayback(ctx context.Context, libraryItemID string, currentTime, duration float64, force bool) (bool, error) {
	if !s.throttle.allow(libraryItemID, s.now(), force) {
		return false, nil
	}
	if err := s.UpdateMediaProgress(ctx, libraryItemID, currentTime, duration, nil); err != nil {
		return true, err
	}
	if DeriveProgress(currentTime, duration, nil) >= 1 {
		s.throttle.forget(libraryItemID)
	}
	return true, nil
}

// UpdateByLibraryItemID publishes what is stored, then pulls the server's
// record and reconciles it. Failures are logged; the stored value stays.
func (s *Service) UpdateByLibraryItemID(ctx context.Context, libraryItemID string) {
	log := s.log.WithFields(map[string]interface{}{"library_item_id": libraryItemID})

	if _, err := s.Read(ctx, libraryItemID); err != nil {
		log.Error("Failed to read stored progress", map[string]interface{}{"error": err})
		s.publish(libraryItemID, nil)
	}

	mp, err := s.remote.GetMediaProgress(ctx, libraryItemID)
	if err != nil {
		log.Warn("Failed to pull progress from server", map[string]interface{}{"error": err})
		return
	}
	if mp == nil {
		log.Debug("Server has no progress for item")
		return
	}
	if _, err := s.reconcile(ctx, s.fromRemote(*mp)); err != nil {
		log.Error("Failed to store pulled progress", map[string]interface{}{"error": err})
	}
}

// RefreshAll pulls every progress record of the current user and reconciles
// each one. Only the fetch error is returned.
func (s *Service) RefreshAll(ctx context.Context) error {
	user, err := s.remote.GetUserProgress(ctx)
	if err != nil {
		return err
	}

	applied := 0
	for _, mp := range user.MediaProgress {
		if mp.LibraryItemID == "" || mp.EpisodeID != "" {
			continue
		}
		p := s.fromRemote(mp)
		stored, err := s.reconcile(ctx, p)
		if err != nil {
			s.log.Error("Failed to store progress", map[string]interface{}{
				"library_item_id": mp.LibraryItemID,
				"error":           err,
			})
			continue
		}
		if stored.LastUpdate == p.LastUpdate {
			applied++
		}
	}

	s.log.Info("Refreshed progress", map[string]interface{}{
		"user":     user.Username,
		"received": len(user.MediaProgress),
		"applied":  applied,
	})
	return nil
}

// WatchLive waits for the next pushed event of one item. That first event is
// merged over the stored record, reconciled and published; the listener then
// removes itself. stop cancels the watch early.
func (s *Service) WatchLive(libraryItemID string) (stop func(), err error) {
	if s.live == nil {
		return nil, ErrNoLiveSource
	}

	var (
		once   sync.Once
		mu     sync.Mutex
		remove func()
	)
	stop = func() {
		mu.Lock()
		defer mu.Unlock()
		if remove != nil {
			remove()
		}
	}

	mu.Lock()
	defer mu.Unlock()
	remove = s.live.OnMediaProgress(func(ev models.MediaProgressUpdate) {
		if ev.LibraryItemID != libraryItemID {
			return
		}
		fired := false
		once.Do(func() { fired = true })
		if !fired {
			return
		}
		stop()
		s.applyLive(ev)
	})
	return stop, nil
}

func (s *Service) applyLive(ev models.MediaProgressUpdate) {
	ctx := context.Background()
	log := s.log.WithFields(map[string]interface{}{"library_item_id": ev.LibraryItemID})

	existing, err := s.store.GetByLibraryItemID(ctx, ev.LibraryItemID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Error("Failed to read stored progress", map[string]interface{}{"error": err})
		return
	}
	if _, err := s.reconcile(ctx, s.fromLive(ev, existing)); err != nil {
		log.Error("Failed to store live progress", map[string]interface{}{"error": err})
	}
}

// reconcile stores p unless a newer record exists and publishes whichever
// record won
func (s *Service) reconcile(ctx context.Context, p *models.StoredProgress) (*models.StoredProgress, error) {
	stored, applied, err := s.store.PutIfNewer(ctx, p)
	if err != nil {
		return nil, err
	}
	if !applied {
		s.log.Debug("Kept newer stored progress", map[string]interface{}{
			"library_item_id": p.LibraryItemID,
			"stored":          stored.LastUpdate,
			"incoming":        p.LastUpdate,
		})
	}
	s.publish(p.LibraryItemID, stored)
	return stored, nil
}

func (s *Service) publish(libraryItemID string, p *models.StoredProgress) {
	s.bus.Publish(Topic(libraryItemID), Update{LibraryItemID: libraryItemID, Progress: p})
}

func (s *Service) fromRemote(mp models.MediaProgress) *models.StoredProgress {
	progress := mp.Progress
	position := mp.CurrentTime
	return &models.StoredProgress{
		LibraryItemID: mp.LibraryItemID,
		CurrentTime:   mp.CurrentTime,
		Duration:      mp.Duration,
		Progress:      DeriveProgress(mp.CurrentTime, mp.Duration, &progress),
		IsFinished:    mp.IsFinished,
		LastUpdate:    mp.LastUpdate,
		UpdatedAt:     s.now().UnixMilli(),
		Position:      &position,
	}
}

// fromLive fills the fields a pushed event leaves out from the stored record.
// A position or a ratio alone derives the other one.
func (s *Service) fromLive(ev models.MediaProgressUpdate, existing *models.StoredProgress) *models.StoredProgress {
	now := s.now().UnixMilli()
	p := models.StoredProgress{LibraryItemID: ev.LibraryItemID}
	if existing != nil {
		p = *existing
	}

	if ev.CurrentTime != nil {
		p.CurrentTime = *ev.CurrentTime
	}
	if ev.Duration != nil {
		p.Duration = *ev.Duration
	}
	switch {
	case ev.Progress != nil:
		p.Progress = DeriveProgress(p.CurrentTime, p.Duration, ev.Progress)
		if ev.CurrentTime == nil && p.Duration > 0 {
			p.CurrentTime = p.Progress * p.Duration
		}
	case ev.CurrentTime != nil || ev.Duration != nil:
		p.Progress = DeriveProgress(p.CurrentTime, p.Duration, nil)
	}
	if ev.IsFinished != nil {
		p.IsFinished = *ev.IsFinished
	}

	p.LastUpdate = now
	if ev.LastUpdate != nil {
		p.LastUpdate = *ev.LastUpdate
	}
	p.UpdatedAt = now
	position := p.CurrentTime
	p.Position = &position
	return &p
}
