// Package cache provides a filesystem-backed JSON cache keyed by
// (namespace, key) with TTL enforced on read and an explicit stale-read
// escape hatch for error-path fallbacks.
package cache

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"
)

// Entry is the serialized envelope stored on disk.
type Entry struct {
	CreatedAtUnix int64           `json:"created_at_unix"`
	TTLSeconds    int64           `json:"ttl_seconds"`
	Value         json.RawMessage `json:"value"`
}

// FileCache stores JSON values under dir/namespace/<sha256>.json.
type FileCache struct {
	dir        string
	enabled    bool
	defaultTTL time.Duration
	stats      Stats

	now func() time.Time
}

// New creates a cache rooted at dir. A disabled cache is a no-op on every
// operation, so callers never need to branch on it.
func New(dir string, enabled bool, defaultTTL time.Duration) *FileCache {
	return &FileCache{
		dir:        dir,
		enabled:    enabled,
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// BaseDir returns the cache root directory.
func (c *FileCache) BaseDir() string { return c.dir }

// Enabled reports whether the cache persists anything.
func (c *FileCache) Enabled() bool { return c.enabled }

// Stats returns a snapshot of the usage counters.
func (c *FileCache) Stats() StatsSnapshot { return c.stats.snapshot() }

// path is content-addressed so arbitrary keys stay filesystem-safe.
func (c *FileCache) path(namespace, key string) string {
	digest := sha256.Sum256([]byte(namespace + ":" + key))
	return filepath.Join(c.dir, namespace, fmt.Sprintf("%x.json", digest))
}

func (c *FileCache) readEntry(namespace, key string) (*Entry, bool) {
	data, err := os.ReadFile(c.path(namespace, key))
	if err != nil {
		return nil, false
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, false
	}
	return &e, true
}

// Get returns the cached value if present and not expired by its stored TTL.
func (c *FileCache) Get(namespace, key string) (json.RawMessage, bool) {
	return c.GetWithTTL(namespace, key, 0)
}

// GetWithTTL is Get with a TTL override; ttl <= 0 uses the stored TTL.
func (c *FileCache) GetWithTTL(namespace, key string, ttl time.Duration) (json.RawMessage, bool) {
	if !c.enabled {
		return nil, false
	}
	e, ok := c.readEntry(namespace, key)
	if !ok {
		c.stats.misses.Add(1)
		return nil, false
	}
	effective := time.Duration(e.TTLSeconds) * time.Second
	if ttl > 0 {
		effective = ttl
	}
	if c.now().Sub(time.Unix(e.CreatedAtUnix, 0)) > effective {
		c.stats.misses.Add(1)
		c.stats.expired.Add(1)
		return nil, false
	}
	c.stats.hits.Add(1)
	return e.Value, true
}

// GetStale returns the cached value ignoring TTL entirely. It is intended
// only as a fallback when refreshing from upstream failed.
func (c *FileCache) GetStale(namespace, key string) (json.RawMessage, bool) {
	if !c.enabled {
		return nil, false
	}
	e, ok := c.readEntry(namespace, key)
	if !ok || e.Value == nil {
		return nil, false
	}
	c.stats.staleReads.Add(1)
	return e.Value, true
}

// EntryMeta returns the envelope metadata without the value.
func (c *FileCache) EntryMeta(namespace, key string) (createdAtUnix, ttlSeconds int64, ok bool) {
	if !c.enabled {
		return 0, 0, false
	}
	e, found := c.readEntry(namespace, key)
	if !found {
		return 0, 0, false
	}
	return e.CreatedAtUnix, e.TTLSeconds, true
}

// Set writes the value with the given TTL; ttl <= 0 uses the default TTL.
// Writes go to a temp file in the target directory and are renamed into
// place, so readers never observe a partial entry.
func (c *FileCache) Set(namespace, key string, value json.RawMessage, ttl time.Duration) error {
	if !c.enabled {
		return nil
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	path := c.path(namespace, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.Marshal(Entry{
		CreatedAtUnix: c.now().Unix(),
		TTLSeconds:    int64(ttl / time.Second),
		Value:         value,
	})
	if err != nil {
		return err
	}
	tmp := path + fmt.Sprintf(".tmp.%d", rand.Int())
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	c.stats.sets.Add(1)
	return nil
}

// GetOrSet returns the fresh cached value, or builds, stores and returns a
// new one. When builder fails and staleOK is non-nil, a stale entry is
// returned instead of the error as long as staleOK(err) is true. A nil
// staleOK disables the stale fallback entirely.
func (c *FileCache) GetOrSet(namespace, key string, ttl time.Duration, builder func() (json.RawMessage, error), staleOK func(error) bool) (json.RawMessage, error) {
	if v, ok := c.GetWithTTL(namespace, key, ttl); ok {
		return v, nil
	}
	v, err := builder()
	if err != nil {
		if staleOK != nil && staleOK(err) {
			if stale, ok := c.GetStale(namespace, key); ok {
				c.stats.staleFallbacks.Add(1)
				return stale, nil
			}
		}
		return nil, err
	}
	if serr := c.Set(namespace, key, v, ttl); serr != nil {
		return nil, serr
	}
	return v, nil
}

// StaleAlways accepts any builder error for the GetOrSet stale fallback.
func StaleAlways(error) bool { return true }
