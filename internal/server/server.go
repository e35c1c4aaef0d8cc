package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/drallgood/audiobookshelf-library-sync/internal/events"
	"github.com/drallgood/audiobookshelf-library-sync/internal/logger"
	"github.com/drallgood/audiobookshelf-library-sync/internal/models"
	"github.com/drallgood/audiobookshelf-library-sync/internal/progress"
	"github.com/drallgood/audiobookshelf-library-sync/internal/store"
	"github.com/drallgood/audiobookshelf-library-sync/internal/sync"
)

// heartbeatInterval keeps idle event streams open through proxies
const heartbeatInterval = 30 * time.Second

// Syncer runs library synchronization passes
type Syncer interface {
	Synchronize(ctx context.Context, libraryID string) error
	Subscribe() *events.Subscription[sync.Progress]
}

// ProgressService is the progress reconciliation surface the UI talks to
type ProgressService interface {
	Subscribe(libraryItemID string) *events.Subscription[progress.Update]
	Read(ctx context.Context, libraryItemID string) (*models.StoredProgress, error)
	UpdateMediaProgress(ctx context.Context, libraryItemID string, currentTime, duration float64, ratio *float64) error
	ReportPlayback(ctx context.Context, libraryItemID string, currentTime, duration float64, force bool) (bool, error)
	UpdateByLibraryItemID(ctx context.Context, libraryItemID string)
	WatchLive(libraryItemID string) (stop func(), err error)
}

// ImageCache resolves cached image keys to files
type ImageCache interface {
	Path(key string) (string, bool)
}

// Server represents the HTTP server
type Server struct {
	server   *http.Server
	syncer   Syncer
	progress ProgressService
	catalog  *store.Stores
	images   ImageCache
	logger   *logger.Logger

	// ctx outlives requests so a sync started over HTTP keeps running
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates the local HTTP server. catalog and images may be nil, which
// leaves their routes out.
func New(addr string, syncer Syncer, progressService ProgressService, catalog *store.Stores, images ImageCache, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Get()
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		server:   &http.Server{Addr: addr},
		syncer:   syncer,
		progress: progressService,
		catalog:  catalog,
		images:   images,
		logger:   log.Component("http_server"),
		ctx:      ctx,
		cancel:   cancel,
	}

	s.server.Handler = logger.HTTPMiddleware(s.routes())

	// Event streams set their own write deadlines
	s.server.ReadTimeout = 10 * time.Second
	s.server.IdleTimeout = 120 * time.Second

	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthCheck)
	mux.HandleFunc("POST /api/libraries/{id}/sync", s.handleSync)
	mux.HandleFunc("GET /api/sync/events", s.handleSyncEvents)
	mux.HandleFunc("GET /api/progress/{id}", s.handleGetProgress)
	mux.HandleFunc("PUT /api/progress/{id}", s.handlePutProgress)
	mux.HandleFunc("GET /api/progress/{id}/events", s.handleProgressEvents)
	mux.HandleFunc("GET /api/images/{kind}/{id}/{name}", s.handleImage)
	if s.catalog != nil {
		s.catalogRoutes(mux)
	}
	return mux
}

// Handler returns the routed handler, for tests
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", map[string]interface{}{
		"addr": s.server.Addr,
	})

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown stops background syncs and gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	s.cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSync starts a pass in the background; progress is on /api/sync/events
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	libraryID := r.PathValue("id")
	log := logger.FromContext(r.Context()).WithFields(map[string]interface{}{"library_id": libraryID})

	go func() {
		if err := s.syncer.Synchronize(s.ctx, libraryID); err != nil {
			log.Error("Library sync failed", map[string]interface{}{"error": err})
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sync started", "libraryId": libraryID})
}

func (s *Server) handleSyncEvents(w http.ResponseWriter, r *http.Request) {
	sub := s.syncer.Subscribe()
	defer sub.Unsubscribe()

	stream(w, r, s.logger, "sync-progress", sub.C)
}

func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	p, err := s.progress.Read(r.Context(), r.PathValue("id"))
	if err != nil {
		s.logger.Error("Failed to read progress", map[string]interface{}{"error": err})
		http.Error(w, "Failed to read progress", http.StatusInternalServerError)
		return
	}
	if p == nil {
		http.Error(w, "No progress stored", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// playbackReport is the body of PUT /api/progress/{id}. An explicit Progress
// is written as is; otherwise the report is throttled per item unless Force.
type playbackReport struct {
	CurrentTime float64  `json:"currentTime"`
	Duration    float64  `json:"duration"`
	Progress    *float64 `json:"progress,omitempty"`
	Force       bool     `json:"force"`
}

func (s *Server) handlePutProgress(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body playbackReport
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	sent := true
	var err error
	if body.Progress != nil {
		err = s.progress.UpdateMediaProgress(r.Context(), id, body.CurrentTime, body.Duration, body.Progress)
	} else {
		sent, err = s.progress.ReportPlayback(r.Context(), id, body.CurrentTime, body.Duration, body.Force)
	}
	if err != nil {
		s.logger.Error("Failed to store progress", map[string]interface{}{"library_item_id": id, "error": err})
		http.Error(w, "Failed to store progress", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"sent": sent})
}

// handleProgressEvents streams one item's progress: the stored value (or
// null) first, then the server's record, then the next live push.
func (s *Server) handleProgressEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sub := s.progress.Subscribe(id)
	defer sub.Unsubscribe()

	stop, err := s.progress.WatchLive(id)
	switch {
	case errors.Is(err, progress.ErrNoLiveSource):
	case err != nil:
		s.logger.Warn("Failed to watch live progress", map[string]interface{}{"library_item_id": id, "error": err})
	default:
		defer stop()
	}

	go s.progress.UpdateByLibraryItemID(r.Context(), id)

	stream(w, r, s.logger, "progress", sub.C)
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	if s.images == nil {
		http.NotFound(w, r)
		return
	}
	key := r.PathValue("kind") + "/" + r.PathValue("id") + "/" + r.PathValue("name")
	path, ok := s.images.Path(key)
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Cache-Control", "max-age=86400")
	http.ServeFile(w, r, path)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Get().Error("Failed to write response", map[string]interface{}{"error": err})
	}
}
