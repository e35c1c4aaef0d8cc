package progress

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// throttle keeps one token bucket per library item
type throttle struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
}

func newThrottle(interval time.Duration) *throttle {
	return &throttle{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Every(interval),
	}
}

// allow reports whether a write for key may go out at t. A forced write
// always goes out and still spends the token so the next tick waits.
func (t *throttle) allow(key string, at time.Time, force bool) bool {
	ok := t.limiter(key).AllowN(at, 1)
	return ok || force
}

func (t *throttle) limiter(key string) *rate.Limiter {
	t.mu.RLock()
	l, ok := t.limiters[key]
	t.mu.RUnlock()
	if ok {
		return l
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok = t.limiters[key]; ok {
		return l
	}
	l = rate.NewLimiter(t.limit, 1)
	t.limiters[key] = l
	return l
}

// forget drops the bucket of an item whose playback ended
func (t *throttle) forget(key string) {
	t.mu.Lock()
	delete(t.limiters, key)
	t.mu.Unlock()
}
