package cache

import (
	"encoding/json"
	"net/http"
	"time"
)

// CacheEntry is a decoded-JSON response stored under its request key.
type CacheEntry struct {
	Key        string
	Value      json.RawMessage
	StoredAt   time.Time
	TTL        time.Duration
	Size       int
	Compressed bool
}

// Valid reports whether the entry is still fresh at now.
func (e *CacheEntry) Valid(now time.Time) bool {
	return now.Before(e.StoredAt.Add(e.TTL))
}

// Request describes the HTTP call behind a cached value. Body is
// JSON-serialized unless it is already []byte or json.RawMessage.
type Request struct {
	Method string
	Body   any
	Header http.Header
}

// Cache configuration
const (
	DefaultTTL            = 5 * time.Minute
	DefaultDebounceDelay  = 300 * time.Millisecond
	DefaultRetryCount     = 3
	DefaultRetryDelay     = 1 * time.Second
	MaxEntrySize          = 8 * 1024 * 1024
	MinSizeForCompression = 1024 // Only compress payloads larger than 1KB
)

// Config holds the per-call behaviour switches.
type Config struct {
	TTL           time.Duration
	Cache         bool
	Deduplication bool
	Debounce      bool
	DebounceDelay time.Duration
	Retry         bool
	RetryCount    int
	RetryDelay    time.Duration
	ForceRefresh  bool
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		TTL:           DefaultTTL,
		Cache:         true,
		Deduplication: true,
		Debounce:      true,
		DebounceDelay: DefaultDebounceDelay,
		Retry:         true,
		RetryCount:    DefaultRetryCount,
		RetryDelay:    DefaultRetryDelay,
	}
}

// Option adjusts the Config of a single call.
type Option func(*Config)

func WithTTL(ttl time.Duration) Option { return func(c *Config) { c.TTL = ttl } }

func WithCache(enabled bool) Option { return func(c *Config) { c.Cache = enabled } }

func WithDeduplication(enabled bool) Option { return func(c *Config) { c.Deduplication = enabled } }

func WithDebounce(enabled bool) Option { return func(c *Config) { c.Debounce = enabled } }

func WithDebounceDelay(d time.Duration) Option { return func(c *Config) { c.DebounceDelay = d } }

func WithRetry(enabled bool) Option { return func(c *Config) { c.Retry = enabled } }

func WithRetryCount(n int) Option { return func(c *Config) { c.RetryCount = n } }

func WithRetryDelay(d time.Duration) Option { return func(c *Config) { c.RetryDelay = d } }

// WithForceRefresh skips the cache lookup; a successful response still
// repopulates the entry.
func WithForceRefresh() Option { return func(c *Config) { c.ForceRefresh = true } }
