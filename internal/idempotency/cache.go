// Package idempotency replays completion responses for repeated
// Idempotency-Key requests. A stored record remembers the digest of the
// request body it was produced for, so a key reused with a different
// prompt is rejected instead of silently answered with someone else's
// completion.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sync"
	"time"
)

// Record is one replayable response tied to the request body that
// produced it.
type Record struct {
	BodyDigest string
	StatusCode int
	Header     map[string]string
	Body       []byte
}

type stored struct {
	rec      Record
	storedAt time.Time
}

// Cache is a TTL-bounded, size-limited in-memory store of records.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*stored
	ttl        time.Duration
	maxEntries int
	stop       chan struct{}
}

// New creates a Cache that expires records after ttl and evicts the
// oldest record when maxEntries is exceeded. A background goroutine
// prunes expired records every ttl/2.
func New(ttl time.Duration, maxEntries int) *Cache {
	c := &Cache{
		entries:    make(map[string]*stored),
		ttl:        ttl,
		maxEntries: maxEntries,
		stop:       make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Digest returns the hex SHA-256 of a request body.
func Digest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Get returns the record for key if present and not expired.
func (c *Cache) Get(key string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.entries[key]
	if !ok {
		return Record{}, false
	}
	if time.Since(s.storedAt) > c.ttl {
		delete(c.entries, key)
		return Record{}, false
	}
	return s.rec, true
}

// Put stores a record under key, evicting the oldest record when the
// cache is at capacity.
func (c *Cache) Put(key string, rec Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}
	c.entries[key] = &stored{rec: rec, storedAt: time.Now()}
}

// Stop terminates the background cleanup goroutine.
func (c *Cache) Stop() {
	close(c.stop)
}

func (c *Cache) cleanupLoop() {
	interval := c.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.prune()
		case <-c.stop:
			return
		}
	}
}

func (c *Cache) prune() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for k, s := range c.entries {
		if now.Sub(s.storedAt) > c.ttl {
			delete(c.entries, k)
		}
	}
}

// evictOldest removes the record with the earliest storedAt. Caller
// must hold c.mu.
func (c *Cache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for k, s := range c.entries {
		if first || s.storedAt.Before(oldestTime) {
			oldestKey = k
			oldestTime = s.storedAt
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
	}
}

// cacheable reports whether a response should be stored for replay.
// Upstream failures are not replayed: a retried request should get a
// fresh dispatch, not yesterday's 502.
func cacheable(statusCode int) bool {
	return statusCode < http.StatusInternalServerError
}
