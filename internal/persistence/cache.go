package persistence

import (
	"sync"
	"time"

	"github.com/camorch/ipcam-orchestrator/internal/model"
)

// cacheEntry pairs a cached Camera with its expiry time.
type cacheEntry struct {
	camera  *model.Camera
	expires time.Time
}

// Cache is a read-through/write-through in-memory cache sitting in front of
// a Store. It issues no SQL itself; Get and Save delegate the round-trip
// to the Store.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	store   *Store
}

// NewCache wires a Cache to store with the given TTL.
func NewCache(store *Store, ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		store:   store,
	}
}

// Get returns cameraID's Camera, serving from cache when the entry has not
// expired and falling through to the store (and repopulating the cache) on
// a miss.
func (c *Cache) Get(cameraID string) (*model.Camera, error) {
	c.mu.RLock()
	entry, ok := c.entries[cameraID]
	c.mu.RUnlock()
	if ok && time.Now().Before(entry.expires) {
		return entry.camera, nil
	}

	cam, err := c.store.LoadCamera(cameraID)
	if err != nil {
		return nil, err
	}
	if cam == nil {
		c.mu.Lock()
		delete(c.entries, cameraID)
		c.mu.Unlock()
		return nil, nil
	}

	c.mu.Lock()
	c.entries[cameraID] = cacheEntry{camera: cam, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return cam, nil
}

// Save writes cam through to the store and refreshes its cache entry.
func (c *Cache) Save(cam *model.Camera) error {
	if err := c.store.SaveCamera(cam); err != nil {
		return err
	}
	c.mu.Lock()
	c.entries[cam.CameraID] = cacheEntry{camera: cam, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return nil
}

// Invalidate drops cameraID's cache entry without touching the store.
func (c *Cache) Invalidate(cameraID string) {
	c.mu.Lock()
	delete(c.entries, cameraID)
	c.mu.Unlock()
}

// EvictExpired removes every cache entry past its TTL. This is what the
// hourly cache-cleanup cron job calls.
func (c *Cache) EvictExpired() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := 0
	for id, entry := range c.entries {
		if now.After(entry.expires) {
			delete(c.entries, id)
			evicted++
		}
	}
	return evicted
}

// Len reports the number of entries currently cached, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
