// Package cache is the request orchestration layer: every JSON fetch goes
// through a Cache, which deduplicates identical in-flight requests, debounces
// bursts per key, retries failures with a constant delay and keeps successful
// responses for a TTL.
//
// Writes never invalidate anything automatically. Callers that mutate server
// state must call Invalidate for the affected URLs afterwards.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Cache owns the response entries, the pending requests and the debounce
// timers of one session. The zero value is not usable; call New.
type Cache struct {
	client   *http.Client
	logger   *slog.Logger
	now      func() time.Time
	defaults Config
	tracer   trace.Tracer
	limiter  *rate.Limiter

	mu         sync.Mutex
	entries    map[string]*CacheEntry
	pending    map[string]*flight
	windows    map[string]*flight
	generation uint64

	hits       atomic.Uint64
	misses     atomic.Uint64
	joins      atomic.Uint64
	retries    atomic.Uint64
	dispatches atomic.Uint64
}

// ClientOption configures a Cache at construction.
type ClientOption func(*Cache)

// WithHTTPClient replaces the default cookie-carrying client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Cache) { c.client = client }
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Cache) { c.logger = logger }
}

// WithClock overrides time.Now for TTL checks.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Cache) { c.now = now }
}

// WithDefaults sets the Config every call starts from.
func WithDefaults(cfg Config) ClientOption {
	return func(c *Cache) { c.defaults = cfg }
}

// WithLimiter paces outbound dispatches, retries included.
func WithLimiter(limiter *rate.Limiter) ClientOption {
	return func(c *Cache) { c.limiter = limiter }
}

// New returns an empty Cache.
func New(opts ...ClientOption) *Cache {
	c := &Cache{
		defaults: DefaultConfig(),
		now:      time.Now,
		entries:  make(map[string]*CacheEntry),
		pending:  make(map[string]*flight),
		windows:  make(map[string]*flight),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		jar, _ := cookiejar.New(nil)
		c.client = &http.Client{Jar: jar, Timeout: 30 * time.Second}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.tracer = otel.Tracer("github.com/muandane/special-stack/pagekit/internal/cache")
	return c
}

// Key derives the cache key of a request. Method and URL stay readable so
// Invalidate can match URL substrings; the body is folded into a hash.
func Key(method, url string, body []byte) string {
	key := strings.ToUpper(method) + " " + url
	if len(body) > 0 {
		h := sha256.Sum256(body)
		key += "#" + hex.EncodeToString(h[:8])
	}
	return key
}

// lookup returns a fresh entry's value, lazily evicting an expired one.
// Caller holds c.mu.
func (c *Cache) lookup(key string) (json.RawMessage, bool) {
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !entry.Valid(c.now()) {
		delete(c.entries, key)
		return nil, false
	}
	if !entry.Compressed {
		return entry.Value, true
	}
	data, err := DecompressData(entry.Value)
	if err != nil {
		c.logger.Warn("dropping unreadable cache entry", "key", key, "error", err)
		delete(c.entries, key)
		return nil, false
	}
	return data, true
}

// store records a successful response. Caller holds c.mu.
func (c *Cache) store(key string, value json.RawMessage, ttl time.Duration) {
	if len(value) > MaxEntrySize || ttl <= 0 {
		return
	}

	entry := &CacheEntry{
		Key:      key,
		Value:    value,
		StoredAt: c.now(),
		TTL:      ttl,
		Size:     len(value),
	}
	if ShouldCompress(len(value)) {
		if compressed, err := CompressData(value); err == nil && len(compressed) < len(value) {
			entry.Value = compressed
			entry.Compressed = true
		}
	}
	c.entries[key] = entry
}

// Invalidate removes every entry whose key contains pattern and reports how
// many were dropped. An empty pattern matches nothing.
func (c *Cache) Invalidate(pattern string) int {
	if pattern == "" {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		if strings.Contains(key, pattern) {
			delete(c.entries, key)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug("cache invalidated", "pattern", pattern, "removed", removed)
	}
	return removed
}

// Clear drops every cached entry. Pending requests are left alone.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*CacheEntry)
}

// Reset returns the Cache to its initial state: entries are dropped, callers
// waiting on a not-yet-dispatched debounce receive ErrReset, and requests
// already on the wire finish without touching the new state.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation++
	seen := make(map[*flight]bool)
	for _, m := range []map[string]*flight{c.pending, c.windows} {
		for _, f := range m {
			if seen[f] {
				continue
			}
			seen[f] = true
			if f.timer != nil && !f.dispatched && f.timer.Stop() {
				f.err = ErrReset
				close(f.done)
			}
		}
	}
	c.entries = make(map[string]*CacheEntry)
	c.pending = make(map[string]*flight)
	c.windows = make(map[string]*flight)
	c.hits.Store(0)
	c.misses.Store(0)
	c.joins.Store(0)
	c.retries.Store(0)
	c.dispatches.Store(0)
}
