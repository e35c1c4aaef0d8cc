package sync

import (
	"math"
	"sync"

	"github.com/drallgood/audiobookshelf-library-sync/internal/events"
)

// ProgressTopic is the bus topic sync progress is published on
const ProgressTopic = "sync-progress"

// Progress is one sync progress event
type Progress struct {
	LibraryID string `json:"libraryId"`
	Total     int    `json:"total"`
	Complete  int    `json:"complete"`
	Percent   int    `json:"percent"`
}

// reporter counts completions of one pass and publishes a progress event per
// completion. Completions arrive out of order from concurrent upserts, so an
// event whose count is below the last published one is dropped. A subscriber
// that falls behind skips intermediate events but always ends on the latest.
type reporter struct {
	mu          sync.Mutex
	bus         *events.Bus[Progress]
	libraryID   string
	total       int
	complete     int
	lastComplete int
}

func newReporter(bus *events.Bus[Progress], libraryID string, total int) *reporter {
	return &reporter{bus: bus, libraryID: libraryID, total: total}
}

// done records one finished entity
func (r *reporter) done() {
	r.mu.Lock()
	r.complete++
	complete := r.complete
	r.mu.Unlock()
	r.report(complete)
}

// report publishes progress for an explicit completion count
func (r *reporter) report(complete int) {
	percent := 0
	if r.total > 0 {
		percent = int(math.Floor(float64(complete) / float64(r.total) * 100))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if complete < r.lastComplete {
		return
	}
	r.lastComplete = complete
	r.bus.PublishLatest(ProgressTopic, Progress{
		LibraryID: r.libraryID,
		Total:     r.total,
		Complete:  complete,
		Percent:   percent,
	})
}
