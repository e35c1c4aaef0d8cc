package util

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drallgood/audiobookshelf-library-sync/internal/logger"
)

func TestNewRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(0, 0, logger.Nop())
	assert.Equal(t, DefaultRate, rl.GetRate())
	assert.Equal(t, DefaultBurst, rl.maxTokens)
}

func TestRateLimiter_WaitWithinBurst(t *testing.T) {
	rl := NewRateLimiter(time.Hour, 3, logger.Nop())
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, rl.Wait(ctx))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestRateLimiter_WaitBlocksAfterBurst(t *testing.T) {
	rl := NewRateLimiter(50*time.Millisecond, 1, logger.Nop())
	ctx := context.Background()

	require.NoError(t, rl.Wait(ctx))
	start := time.Now()
	require.NoError(t, rl.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestRateLimiter_ContextCancellation(t *testing.T) {
	rl := NewRateLimiter(time.Hour, 1, logger.Nop())
	require.NoError(t, rl.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, rl.Wait(ctx), context.DeadlineExceeded)

	cancelled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	assert.ErrorIs(t, rl.Wait(cancelled), context.Canceled)
}

func TestRateLimiter_OnRateLimitAndReset(t *testing.T) {
	rl := NewRateLimiter(100*time.Millisecond, 1, logger.Nop())

	wait := rl.OnRateLimit(0)
	assert.Greater(t, rl.GetRate(), 100*time.Millisecond)
	assert.Equal(t, rl.GetRate(), wait)

	assert.Equal(t, 10*time.Second, rl.OnRateLimit(10*time.Second))

	for i := 0; i < 20; i++ {
		rl.OnRateLimit(0)
	}
	assert.Equal(t, MaxRate, rl.GetRate())

	rl.ResetRate()
	assert.Equal(t, 100*time.Millisecond, rl.GetRate())
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"empty", "", 0},
		{"seconds", "3", 3 * time.Second},
		{"negative", "-1", 0},
		{"http date", now.Add(time.Minute).Format(http.TimeFormat), time.Minute},
		{"past date", now.Add(-time.Minute).Format(http.TimeFormat), 0},
		{"garbage", "soon", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseRetryAfter(tt.value, now))
		})
	}
}
