package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/drallgood/audiobookshelf-library-sync/internal/logger"
)

// stream writes every value from events as a server-sent event until the
// client goes away or the channel is closed
func stream[T any](w http.ResponseWriter, r *http.Request, log *logger.Logger, name string, events <-chan T) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	rc := http.NewResponseController(w)
	if err := rc.Flush(); err != nil {
		log.Error("Streaming not supported", map[string]interface{}{"error": err})
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case v, ok := <-events:
			if !ok {
				return
			}
			if err := sendEvent(w, rc, name, v); err != nil {
				log.Debug("Event stream client disconnected", map[string]interface{}{"error": err})
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func sendEvent(w http.ResponseWriter, rc *http.ResponseController, name string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	if err := rc.Flush(); err != nil {
		return err
	}
	// Not every writer supports deadlines
	_ = rc.SetWriteDeadline(time.Now().Add(2 * heartbeatInterval))
	return nil
}
