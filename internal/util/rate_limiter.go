package util

import (
	"context"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/drallgood/audiobookshelf-library-sync/internal/logger"
)

var (
	// DefaultRate is the default minimum time between requests
	DefaultRate = 200 * time.Millisecond
	// DefaultBurst is the default burst size
	DefaultBurst = 5
	// MaxRate caps how far OnRateLimit slows the limiter down
	MaxRate = 5 * time.Second
)

// RateLimiter is a token bucket whose refill interval backs off when the
// server answers 429 and recovers with ResetRate.
type RateLimiter struct {
	mu           sync.Mutex
	last         time.Time
	rate         time.Duration
	minRate      time.Duration
	maxRate      time.Duration
	tokens       int
	maxTokens    int
	lastRateDrop time.Time
	log          *logger.Logger
}

// NewRateLimiter creates a limiter handing out one token per rate, up to burst
// tokens at once. Non-positive arguments use the defaults.
func NewRateLimiter(rate time.Duration, burst int, log *logger.Logger) *RateLimiter {
	if rate <= 0 {
		rate = DefaultRate
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	if log == nil {
		log = logger.Get()
	}

	now := time.Now()
	maxRate := MaxRate
	if rate > maxRate {
		maxRate = rate
	}
	return &RateLimiter{
		last:         now,
		rate:         rate,
		minRate:      rate,
		maxRate:      maxRate,
		tokens:       burst,
		maxTokens:    burst,
		lastRateDrop: now,
		log:          log,
	}
}

// Wait blocks until a token is available or ctx is done
func (r *RateLimiter) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	now := time.Now()
	if refill := int(now.Sub(r.last) / r.rate); refill > 0 {
		r.tokens += refill
		if r.tokens > r.maxTokens {
			r.tokens = r.maxTokens
		}
		r.last = now
	}

	if r.tokens > 0 {
		r.tokens--
		r.mu.Unlock()
		return nil
	}

	// up to 20% jitter so parallel waiters spread out
	wait := r.rate + time.Duration(rand.Float64()*0.2*float64(r.rate))
	next := r.last.Add(wait)
	r.last = next
	r.mu.Unlock()

	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// OnRateLimit slows the limiter down after a 429 and returns how long the
// caller should pause: the server's Retry-After or the new rate, whichever is longer.
func (r *RateLimiter) OnRateLimit(retryAfter time.Duration) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.Sub(r.lastRateDrop) < 5*time.Minute {
		r.rate = time.Duration(1.5 * float64(r.rate))
	} else {
		r.rate = time.Duration(1.2 * float64(r.rate))
	}
	if r.rate > r.maxRate {
		r.rate = r.maxRate
	}
	r.lastRateDrop = now

	r.log.Warn("Rate limited, increasing delay between requests", map[string]interface{}{
		"new_rate":    r.rate.String(),
		"retry_after": retryAfter.String(),
	})

	if retryAfter > r.rate {
		return retryAfter
	}
	return r.rate
}

// ResetRate returns the limiter to its configured rate
func (r *RateLimiter) ResetRate() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rate = r.minRate
	r.lastRateDrop = time.Now()
}

func (r *RateLimiter) GetRate() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rate
}

// ParseRetryAfter reads a Retry-After header given either in seconds or as an
// HTTP date. Missing or unparseable values return zero.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
