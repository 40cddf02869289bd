package persistence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_ReadThroughAndWriteThrough(t *testing.T) {
	s := openTestStore(t)
	c := NewCache(s, time.Hour)

	cam := sampleCamera("cam-cache")
	require.NoError(t, c.Save(cam))
	assert.Equal(t, 1, c.Len())

	// Served from cache: mutate the store row underneath and confirm the
	// cached copy is returned until invalidated.
	direct := sampleCamera("cam-cache")
	direct.DisplayName = "changed-behind-the-cache"
	require.NoError(t, s.SaveCamera(direct))

	got, err := c.Get("cam-cache")
	require.NoError(t, err)
	assert.Equal(t, "porch", got.DisplayName)

	c.Invalidate("cam-cache")
	got, err = c.Get("cam-cache")
	require.NoError(t, err)
	assert.Equal(t, "changed-behind-the-cache", got.DisplayName, "a miss reads through to the store")
	assert.Equal(t, 1, c.Len(), "the read-through repopulates the cache")
}

func TestCache_ExpiredEntryFallsThrough(t *testing.T) {
	s := openTestStore(t)
	c := NewCache(s, 10*time.Millisecond)

	cam := sampleCamera("cam-ttl")
	require.NoError(t, c.Save(cam))

	direct := sampleCamera("cam-ttl")
	direct.DisplayName = "fresh-from-store"
	require.NoError(t, s.SaveCamera(direct))

	time.Sleep(20 * time.Millisecond)
	got, err := c.Get("cam-ttl")
	require.NoError(t, err)
	assert.Equal(t, "fresh-from-store", got.DisplayName)
}

func TestCache_GetMissingCamera(t *testing.T) {
	s := openTestStore(t)
	c := NewCache(s, time.Hour)

	got, err := c.Get("never-saved")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCache_EvictExpired(t *testing.T) {
	s := openTestStore(t)
	c := NewCache(s, 10*time.Millisecond)

	require.NoError(t, c.Save(sampleCamera("cam-a")))
	require.NoError(t, c.Save(sampleCamera("cam-b")))
	assert.Equal(t, 2, c.Len())

	time.Sleep(20 * time.Millisecond)
	evicted := c.EvictExpired()
	assert.Equal(t, 2, evicted)
	assert.Zero(t, c.Len())
}
