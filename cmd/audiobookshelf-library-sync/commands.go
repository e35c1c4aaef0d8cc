package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/drallgood/audiobookshelf-library-sync/internal/server"
	"github.com/drallgood/audiobookshelf-library-sync/internal/store"
)

func signalContext(c *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
}

func printJSON(v interface{}) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(output))
	return nil
}

func requireArg(c *cli.Context, name string) (string, error) {
	if c.NArg() != 1 {
		return "", fmt.Errorf("expected exactly one %s argument", name)
	}
	return c.Args().First(), nil
}

func runSync(c *cli.Context) error {
	rt, err := newRuntime(c, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	libraryID, err := rt.libraryID(c)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(c)
	defer stop()

	if !c.Bool("force") {
		needs, err := rt.engine.NeedsSync(libraryID, rt.cfg.Sync.MaxAge)
		if err != nil {
			return err
		}
		if !needs {
			rt.log.Info("Library is fresh, skipping sync", map[string]interface{}{
				"library_id": libraryID,
				"max_age":    rt.cfg.Sync.MaxAge.String(),
			})
			return nil
		}
	}

	sub := rt.engine.Subscribe()
	defer sub.Unsubscribe()
	go func() {
		for ev := range sub.C {
			rt.log.Debug("Sync progress", map[string]interface{}{
				"complete": ev.Complete,
				"total":    ev.Total,
				"percent":  ev.Percent,
			})
		}
	}()

	if err := rt.progress.RefreshAll(ctx); err != nil {
		rt.log.Warn("Failed to refresh progress", map[string]interface{}{"error": err})
	}
	if err := rt.engine.Synchronize(ctx, libraryID); err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	lib, _, err := rt.engine.LastSync(libraryID)
	if err != nil {
		return err
	}
	return printJSON(lib)
}

func runServe(c *cli.Context) error {
	rt, err := newRuntime(c, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signalContext(c)
	defer stop()

	if rt.socket != nil {
		rt.socket.Start(ctx)
	}
	if err := rt.progress.RefreshAll(ctx); err != nil {
		rt.log.Warn("Failed to refresh progress", map[string]interface{}{"error": err})
	}

	if libraryID, err := rt.libraryID(c); err == nil {
		go rt.syncLoop(ctx, libraryID)
	} else {
		rt.log.Warn("No default library, periodic sync disabled")
	}

	var imageCache server.ImageCache
	if rt.warmer != nil {
		imageCache = rt.warmer
	}
	srv := server.New(fmt.Sprintf(":%s", rt.cfg.Server.Port), rt.engine, rt.progress, rt.stores, imageCache, rt.log)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), rt.cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// syncLoop runs a pass whenever the library is older than sync.max_age,
// checking every sync.interval
func (rt *runtime) syncLoop(ctx context.Context, libraryID string) {
	interval := rt.cfg.Sync.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		needs, err := rt.engine.NeedsSync(libraryID, rt.cfg.Sync.MaxAge)
		if err != nil {
			rt.log.Error("Failed to read sync state", map[string]interface{}{"error": err})
		}
		if needs {
			if err := rt.engine.Synchronize(ctx, libraryID); err != nil && !errors.Is(err, context.Canceled) {
				rt.log.Error("Scheduled sync failed", map[string]interface{}{"library_id": libraryID, "error": err})
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func progressShow(c *cli.Context) error {
	id, err := requireArg(c, "LIBRARY_ITEM_ID")
	if err != nil {
		return err
	}
	rt, err := newRuntime(c, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	p, err := rt.progress.Read(c.Context, id)
	if err != nil {
		return err
	}
	return printJSON(p)
}

func progressSet(c *cli.Context) error {
	id, err := requireArg(c, "LIBRARY_ITEM_ID")
	if err != nil {
		return err
	}
	rt, err := newRuntime(c, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	var ratio *float64
	if c.IsSet("progress") {
		v := c.Float64("progress")
		ratio = &v
	}
	if err := rt.progress.UpdateMediaProgress(c.Context, id, c.Float64("current-time"), c.Float64("duration"), ratio); err != nil {
		return err
	}
	p, err := rt.progress.Read(c.Context, id)
	if err != nil {
		return err
	}
	return printJSON(p)
}

func progressPull(c *cli.Context) error {
	rt, err := newRuntime(c, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	if c.NArg() == 0 {
		if err := rt.progress.RefreshAll(c.Context); err != nil {
			return err
		}
		all, err := rt.stores.Progress.GetAll(c.Context)
		if err != nil {
			return err
		}
		return printJSON(all)
	}

	id := c.Args().First()
	rt.progress.UpdateByLibraryItemID(c.Context, id)
	p, err := rt.progress.Read(c.Context, id)
	if err != nil {
		return err
	}
	return printJSON(p)
}

func progressWatch(c *cli.Context) error {
	id, err := requireArg(c, "LIBRARY_ITEM_ID")
	if err != nil {
		return err
	}
	rt, err := newRuntime(c, true)
	if err != nil {
		return err
	}
	defer rt.Close()
	if rt.socket == nil {
		return errors.New("live progress needs socket.enabled")
	}

	ctx, stop := signalContext(c)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, c.Duration("timeout"))
	defer cancel()

	sub := rt.progress.Subscribe(id)
	defer sub.Unsubscribe()
	stopWatch, err := rt.progress.WatchLive(id)
	if err != nil {
		return err
	}
	defer stopWatch()

	rt.socket.Start(ctx)
	rt.log.Info("Waiting for live progress", map[string]interface{}{"library_item_id": id})

	select {
	case u := <-sub.C:
		return printJSON(u.Progress)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func libraryAdd(c *cli.Context) error {
	id, err := requireArg(c, "BOOK_ID")
	if err != nil {
		return err
	}
	rt, err := newRuntime(c, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	if _, err := rt.stores.Books.Get(c.Context, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("book %s is not in the local catalog, run sync first", id)
		}
		return err
	}
	entry, err := rt.stores.Library.Add(c.Context, id)
	if err != nil {
		return err
	}
	return printJSON(entry)
}

func libraryRemove(c *cli.Context) error {
	id, err := requireArg(c, "BOOK_ID")
	if err != nil {
		return err
	}
	rt, err := newRuntime(c, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	return rt.stores.Library.Remove(c.Context, id)
}

func libraryList(c *cli.Context) error {
	rt, err := newRuntime(c, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	entries, err := rt.stores.Library.GetAll(c.Context)
	if err != nil {
		return err
	}
	return printJSON(entries)
}

func downloadsList(c *cli.Context) error {
	rt, err := newRuntime(c, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	downloads, err := rt.stores.Downloads.GetAll(c.Context)
	if err != nil {
		return err
	}
	// Track payloads stay on disk
	for i := range downloads {
		for j := range downloads[i].Tracks {
			downloads[i].Tracks[j].Data = nil
		}
	}
	return printJSON(downloads)
}

func downloadsRemove(c *cli.Context) error {
	id, err := requireArg(c, "BOOK_ID")
	if err != nil {
		return err
	}
	rt, err := newRuntime(c, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	return rt.stores.Downloads.Delete(c.Context, id)
}
