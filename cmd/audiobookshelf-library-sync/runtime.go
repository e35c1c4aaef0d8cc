package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/drallgood/audiobookshelf-library-sync/internal/api/audiobookshelf"
	"github.com/drallgood/audiobookshelf-library-sync/internal/config"
	"github.com/drallgood/audiobookshelf-library-sync/internal/database"
	"github.com/drallgood/audiobookshelf-library-sync/internal/images"
	"github.com/drallgood/audiobookshelf-library-sync/internal/logger"
	"github.com/drallgood/audiobookshelf-library-sync/internal/progress"
	"github.com/drallgood/audiobookshelf-library-sync/internal/store"
	"github.com/drallgood/audiobookshelf-library-sync/internal/sync"
)

var errNoLibrary = errors.New("no library given: pass --library or set AUDIOBOOKSHELF_LIBRARY_ID")

// runtime holds the services one command needs. Everything is built from
// the loaded configuration and passed down explicitly.
type runtime struct {
	cfg      *config.Config
	log      *logger.Logger
	db       *database.Database
	stores   *store.Stores
	client   *audiobookshelf.Client
	socket   *audiobookshelf.Socket
	warmer   *images.Warmer
	engine   *sync.Engine
	progress *progress.Service
}

func loadConfig(c *cli.Context) (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}

	logger.Setup(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     logger.ParseLogFormat(cfg.Logging.Format),
		Output:     os.Stdout,
		TimeFormat: time.RFC3339,
	})
	return cfg, logger.Get(), nil
}

// newRuntime wires the stores and clients. withSocket also creates the
// live progress socket; it is started by the caller.
func newRuntime(c *cli.Context, withSocket bool) (*runtime, error) {
	cfg, log, err := loadConfig(c)
	if err != nil {
		return nil, err
	}

	db, err := database.NewDatabase(database.NewDatabaseConfig(cfg.Database.Driver, cfg.Database.Path), log)
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		cfg:    cfg,
		log:    log,
		db:     db,
		stores: store.New(db.GetDB()),
	}

	rt.client = audiobookshelf.NewClient(audiobookshelf.Config{
		BaseURL:      cfg.Audiobookshelf.URL,
		PathPrefix:   cfg.Audiobookshelf.PathPrefix,
		Token:        cfg.Audiobookshelf.Token,
		RefreshToken: cfg.Audiobookshelf.RefreshToken,
		Timeout:      cfg.Audiobookshelf.Timeout,
		PageSize:     cfg.Sync.PageSize,
	}, log)

	if cfg.Sync.WarmImages {
		rt.warmer = images.NewWarmer(rt.client, filepath.Join(cfg.Paths.CacheDir, "images"), cfg.Sync.ImageRate, log)
	}

	var warmer sync.ImageWarmer
	if rt.warmer != nil {
		warmer = rt.warmer
	}
	rt.engine = sync.NewEngine(rt.client, rt.stores, warmer, sync.Config{
		Concurrency: cfg.Sync.Concurrency,
		StateFile:   cfg.Sync.StateFile,
	}, log)

	var live progress.LiveSource
	if withSocket && cfg.Socket.Enabled {
		rt.socket = audiobookshelf.NewSocketForClient(rt.client, cfg.Socket.Path, log)
		live = rt.socket
	}
	remote := audiobookshelf.NewBreakerClient(rt.client, audiobookshelf.BreakerConfig{
		Failures: cfg.Progress.BreakerFailures,
		Timeout:  cfg.Progress.BreakerTimeout,
	}, log)
	rt.progress = progress.NewService(rt.stores.Progress, remote, live, progress.Config{
		ThrottleInterval: cfg.Progress.ThrottleInterval,
	}, log)

	return rt, nil
}

func (rt *runtime) libraryID(c *cli.Context) (string, error) {
	id := c.String("library")
	if id == "" {
		id = rt.cfg.Audiobookshelf.LibraryID
	}
	if id == "" {
		return "", errNoLibrary
	}
	return id, nil
}

// Close waits for background image downloads, then releases everything
func (rt *runtime) Close() {
	rt.engine.Wait()
	if rt.socket != nil {
		rt.socket.Close()
	}
	rt.progress.Close()
	if err := rt.db.Close(); err != nil {
		rt.log.Warn("Failed to close database", map[string]interface{}{"error": err})
	}
}
