package audiobookshelf

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/drallgood/audiobookshelf-library-sync/internal/logger"
	"github.com/drallgood/audiobookshelf-library-sync/internal/models"
)

// BreakerConfig tunes the circuit breaker in front of progress calls
type BreakerConfig struct {
	// Failures is the number of consecutive failures that opens the circuit
	Failures uint32
	// Timeout is how long the circuit stays open before probing again
	Timeout time.Duration
}

// BreakerClient wraps a ProgressClient with a circuit breaker so a dead
// server fails progress writes fast instead of stalling playback.
type BreakerClient struct {
	client ProgressClient
	cb     *gobreaker.CircuitBreaker[interface{}]
	log    *logger.Logger
}

// NewBreakerClient wraps client. Zero config values use 5 failures and 30s.
func NewBreakerClient(client ProgressClient, cfg BreakerConfig, log *logger.Logger) *BreakerClient {
	if log == nil {
		log = logger.Get()
	}
	log = log.Component("progress_breaker")
	if cfg.Failures == 0 {
		cfg.Failures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        "audiobookshelf-progress",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Failures
		},
		// an item without progress is an answer, not a failure
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrResourceNotFound) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Circuit breaker state changed", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})

	return &BreakerClient{client: client, cb: cb, log: log}
}

// State reports the breaker state, e.g. for health output
func (b *BreakerClient) State() gobreaker.State {
	return b.cb.State()
}

func (b *BreakerClient) GetUserProgress(ctx context.Context) (*models.User, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return b.client.GetUserProgress(ctx)
	})
	if err != nil {
		return nil, err
	}
	user, _ := result.(*models.User)
	return user, nil
}

func (b *BreakerClient) GetMediaProgress(ctx context.Context, libraryItemID string) (*models.MediaProgress, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return b.client.GetMediaProgress(ctx, libraryItemID)
	})
	if err != nil {
		return nil, err
	}
	progress, _ := result.(*models.MediaProgress)
	return progress, nil
}

func (b *BreakerClient) UpdateProgress(ctx context.Context, libraryItemID string, update models.ProgressUpdate) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.client.UpdateProgress(ctx, libraryItemID, update)
	})
	return err
}
