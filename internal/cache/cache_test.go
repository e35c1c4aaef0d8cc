package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drallgood/audiobookshelf-library-sync/internal/logger"
)

func TestMemoryCache(t *testing.T) {
	c := NewMemoryCache[string, string](logger.Nop())

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Set("a", "1", 0)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
	assert.Equal(t, 1, c.Len())

	c.Delete("a")
	_, ok = c.Get("a")
	assert.False(t, ok)

	c.Set("b", "2", 0)
	c.Set("c", "3", 0)
	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestMemoryCache_Expiry(t *testing.T) {
	c := NewMemoryCache[string, int](logger.Nop()).(*memoryCache[string, int])
	now := time.Unix(0, 0)
	c.now = func() time.Time { return now }

	c.Set("a", 1, time.Minute)
	c.Set("b", 2, 0)

	now = now.Add(2 * time.Minute)
	_, ok := c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("b")
	assert.True(t, ok)
	assert.Equal(t, 1, c.Len())
}

func TestWithTTL(t *testing.T) {
	inner := NewMemoryCache[string, int](logger.Nop()).(*memoryCache[string, int])
	now := time.Unix(0, 0)
	inner.now = func() time.Time { return now }

	c := WithTTL[string, int](inner, time.Second)
	c.Set("a", 1, 0)

	now = now.Add(2 * time.Second)
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestGetOrLoad(t *testing.T) {
	c := NewMemoryCache[string, string](logger.Nop())
	calls := 0
	load := func(k string) (string, error) {
		calls++
		if k == "bad" {
			return "", errors.New("boom")
		}
		return "id-" + k, nil
	}

	v, err := GetOrLoad(c, "jane", 0, load)
	require.NoError(t, err)
	assert.Equal(t, "id-jane", v)
	v, err = GetOrLoad(c, "jane", 0, load)
	require.NoError(t, err)
	assert.Equal(t, "id-jane", v)
	assert.Equal(t, 1, calls)

	_, err = GetOrLoad(c, "bad", 0, load)
	assert.Error(t, err)
	_, err = GetOrLoad(c, "bad", 0, load)
	assert.Error(t, err)
	assert.Equal(t, 3, calls)
}
