// internal/cache/cache.go
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Key identifies one cached extraction.
type Key struct {
	Strategy string
	URL      string
}

func (k Key) String() string {
	return k.Strategy + "|" + k.URL
}

// DefaultFillTimeout bounds a fill when New is given a non-positive timeout.
const DefaultFillTimeout = 5 * time.Minute

type entry struct {
	css     string
	addedAt time.Time
}

// Cache is an in-memory, expiring store of extraction results.
// Concurrent misses for the same key share a single fill.
type Cache struct {
	ttl         time.Duration
	fillTimeout time.Duration
	logger      *zap.Logger
	now         func() time.Time

	mu      sync.Mutex
	entries map[Key]entry
	// generation changes on every reset so fills that started earlier are not stored.
	generation uint64

	group singleflight.Group
}

// New returns a cache whose entries live for ttl. A non-positive ttl keeps nothing.
// fillTimeout caps how long one fill may run.
func New(ttl, fillTimeout time.Duration, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if fillTimeout <= 0 {
		fillTimeout = DefaultFillTimeout
	}
	return &Cache{
		ttl:         ttl,
		fillTimeout: fillTimeout,
		logger:      logger.Named("cache"),
		now:         time.Now,
		entries:     make(map[Key]entry),
	}
}

// Get returns the live entry for key. Expired entries are dropped on access.
func (c *Cache) Get(key Key) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if c.expired(e) {
		delete(c.entries, key)
		return "", false
	}
	return e.css, true
}

// Set stores css under key.
func (c *Cache) Set(key Key, css string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, css)
}

func (c *Cache) setLocked(key Key, css string) {
	if c.ttl <= 0 {
		return
	}
	c.entries[key] = entry{css: css, addedAt: c.now()}
}

// GetOrFetch returns the cached value for key or runs fetch to fill it.
// Only successful fetches are stored. The fill is detached from the caller's
// cancellation and bounded by the fill timeout instead, so a caller that gives
// up returns ctx.Err() without failing the others waiting on the same key.
func (c *Cache) GetOrFetch(ctx context.Context, key Key, fetch func(ctx context.Context) (string, error)) (string, error) {
	if css, ok := c.Get(key); ok {
		c.logger.Debug("Cache hit.", zap.String("key", key.String()))
		return css, nil
	}

	c.mu.Lock()
	gen := c.generation
	c.mu.Unlock()

	ch := c.group.DoChan(key.String(), func() (interface{}, error) {
		fillCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fillTimeout)
		defer cancel()

		css, err := fetch(fillCtx)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		if c.generation == gen {
			c.setLocked(key, css)
		}
		c.mu.Unlock()
		return css, nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.logger.Debug("Joined in-flight fill.", zap.String("key", key.String()))
		}
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		c.logger.Debug("Caller left an in-flight fill.", zap.String("key", key.String()), zap.Error(ctx.Err()))
		return "", ctx.Err()
	}
}

// Delete removes every entry for url regardless of strategy. URLs compare
// case-insensitively. It returns the number of entries removed.
func (c *Cache) Delete(url string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		if strings.EqualFold(key.URL, url) {
			delete(c.entries, key)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Info("Cache entries removed.", zap.String("url", url), zap.Int("count", removed))
	}
	return removed
}

// Reset drops every entry and returns how many there were.
func (c *Cache) Reset() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.entries)
	c.entries = make(map[Key]entry)
	c.generation++
	c.logger.Info("Cache reset.", zap.Int("count", n))
	return n
}

// Len counts entries that have not expired.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, e := range c.entries {
		if !c.expired(e) {
			n++
		}
	}
	return n
}

func (c *Cache) expired(e entry) bool {
	return c.now().Sub(e.addedAt) >= c.ttl
}
