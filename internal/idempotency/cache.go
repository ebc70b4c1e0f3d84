// Package idempotency deduplicates repeated mutating requests and replays
// the stored response instead of re-executing the handler.
package idempotency

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"vidgen-backend/internal/auth"
	"vidgen-backend/internal/observability"
)

// Record is one cached response keyed by idempotency key.
type Record struct {
	Key            string
	CorrelationID  string
	Fingerprint    string
	Status         int
	Header         http.Header
	Body           []byte
	CreatedAt      time.Time
	ExpiresAt      time.Time
	HitCount       int
	LastAccessedAt time.Time
}

// Stats summarizes the cache for the admin endpoint.
type Stats struct {
	Entries     int    `json:"entries"`
	Capacity    int    `json:"capacity"`
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Mismatches  uint64 `json:"fingerprintMismatches"`
	Evictions   uint64 `json:"evictions"`
	TTLSeconds  int    `json:"ttlSeconds"`
}

// Cache is a TTL + LRU bounded in-memory idempotency store. A stored record
// is only replayed when the current request's fingerprint matches the one it
// was stored with, so key reuse across different bodies is treated as a miss.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	lru      *list.List // front = most recently used
	capacity int
	ttl      time.Duration
	logger   *zap.Logger
	metrics  *observability.Collector

	hits       uint64
	misses     uint64
	mismatches uint64
	evictions  uint64
}

// NewCache creates an idempotency cache. metrics may be nil in tests.
func NewCache(capacity int, ttl time.Duration, logger *zap.Logger, metrics *observability.Collector) *Cache {
	if capacity <= 0 {
		capacity = 1000
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
		capacity: capacity,
		ttl:      ttl,
		logger:   logger.Named("idempotency"),
		metrics:  metrics,
	}
}

// Get returns the stored record for key when it exists, is unexpired, and
// its fingerprint matches. A fingerprint mismatch is logged and counted but
// reported as a plain miss so the handler executes fresh.
func (c *Cache) Get(key, fingerprint string) (*Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.misses++
		c.countMiss()
		return nil, false
	}
	rec := elem.Value.(*Record)
	if time.Now().After(rec.ExpiresAt) {
		c.removeLocked(key, elem)
		c.misses++
		c.countMiss()
		return nil, false
	}
	if rec.Fingerprint != fingerprint {
		c.mismatches++
		c.misses++
		c.countMiss()
		c.logger.Warn("idempotency key reused with different request",
			zap.String("key", key),
		)
		return nil, false
	}
	rec.HitCount++
	rec.LastAccessedAt = time.Now()
	c.lru.MoveToFront(elem)
	c.hits++
	if c.metrics != nil {
		c.metrics.IdempotencyHits.Inc()
	}
	return rec, true
}

// Store caches a completed response under key. When the cache is full the
// least-recently-accessed record is evicted first.
func (c *Cache) Store(key, fingerprint, correlationID string, status int, header http.Header, body []byte) {
	now := time.Now()
	rec := &Record{
		Key:            key,
		CorrelationID:  correlationID,
		Fingerprint:    fingerprint,
		Status:         status,
		Header:         header.Clone(),
		Body:           append([]byte(nil), body...),
		CreatedAt:      now,
		ExpiresAt:      now.Add(c.ttl),
		LastAccessedAt: now,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		elem.Value = rec
		c.lru.MoveToFront(elem)
		return
	}
	for len(c.entries) >= c.capacity {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		old := oldest.Value.(*Record)
		c.removeLocked(old.Key, oldest)
		c.evictions++
	}
	c.entries[key] = c.lru.PushFront(rec)
}

// Sweep evicts expired records; returns the number removed.
func (c *Cache) Sweep() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, elem := range c.entries {
		if now.After(elem.Value.(*Record).ExpiresAt) {
			c.removeLocked(key, elem)
			removed++
		}
	}
	return removed
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:    len(c.entries),
		Capacity:   c.capacity,
		Hits:       c.hits,
		Misses:     c.misses,
		Mismatches: c.mismatches,
		Evictions:  c.evictions,
		TTLSeconds: int(c.ttl.Seconds()),
	}
}

func (c *Cache) removeLocked(key string, elem *list.Element) {
	delete(c.entries, key)
	c.lru.Remove(elem)
}

func (c *Cache) countMiss() {
	if c.metrics != nil {
		c.metrics.IdempotencyMiss.Inc()
	}
}

// Fingerprint hashes the normalized request so key reuse with a different
// method, path, user, query, or body is detectable.
func Fingerprint(r *http.Request, body []byte) string {
	h := sha256.New()
	h.Write([]byte(r.Method))
	h.Write([]byte{0})
	h.Write([]byte(r.URL.Path))
	h.Write([]byte{0})
	h.Write([]byte(auth.UserID(r.Context())))
	h.Write([]byte{0})
	h.Write([]byte(r.URL.RawQuery))
	h.Write([]byte{0})
	bodySum := sha256.Sum256(body)
	h.Write(bodySum[:])
	return hex.EncodeToString(h.Sum(nil))
}

// DeriveKey builds a deterministic key for requests that did not supply the
// idempotency header.
func DeriveKey(r *http.Request, body []byte) string {
	return "derived-" + Fingerprint(r, body)
}
