// Package pagestate keeps per-page view state and scroll offsets so a page
// left by forward navigation can be restored when the user comes back, even
// across a full reload.
package pagestate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/muandane/special-stack/pagekit/internal/storage"
)

// Scroller applies a restored scroll offset.
type Scroller interface {
	ScrollTo(offset int)
}

// ScrollerFunc adapts a function to Scroller.
type ScrollerFunc func(offset int)

func (f ScrollerFunc) ScrollTo(offset int) { f(offset) }

// Cache is the page-state store of one session.
type Cache struct {
	kv         storage.KV
	logger     *slog.Logger
	now        func() time.Time
	ttl        time.Duration
	maxRecords int
	scroller   Scroller

	persistMu sync.Mutex

	mu           sync.Mutex
	records      map[string]*Record
	seq          uint64
	currentPath  string
	currentState json.RawMessage
	metadata     map[string]any
	scroll       int
	listeners    map[uint64]func(Record)
	nextListener uint64
}

// Option configures a Cache.
type Option func(*Cache)

func WithTTL(ttl time.Duration) Option { return func(c *Cache) { c.ttl = ttl } }

func WithMaxRecords(n int) Option { return func(c *Cache) { c.maxRecords = n } }

func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

func WithLogger(logger *slog.Logger) Option { return func(c *Cache) { c.logger = logger } }

func WithScroller(s Scroller) Option { return func(c *Cache) { c.scroller = s } }

// New builds a Cache and loads the persisted record set once. Unreadable
// persisted data is discarded with a warning.
func New(ctx context.Context, kv storage.KV, opts ...Option) (*Cache, error) {
	if kv == nil {
		return nil, fmt.Errorf("page state storage is required")
	}
	c := &Cache{
		kv:         kv,
		now:        time.Now,
		ttl:        DefaultTTL,
		maxRecords: DefaultMaxRecords,
		records:    make(map[string]*Record),
		listeners:  make(map[uint64]func(Record)),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.maxRecords <= 0 {
		c.maxRecords = DefaultMaxRecords
	}

	if err := c.load(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) load(ctx context.Context) error {
	data, err := c.kv.Get(ctx, StorageKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load page cache: %w", err)
	}

	records, err := decodeRecords(data)
	if err != nil {
		c.logger.Warn("discarding unreadable page cache", "error", err)
		return nil
	}
	now := c.now()
	for _, rec := range records {
		if rec.Expired(now) {
			continue
		}
		c.records[rec.Key] = rec
		c.seq = max(c.seq, rec.Seq)
	}
	c.evictLocked("")
	c.logger.Debug("page cache loaded", "records", len(c.records))
	return nil
}

// SetCurrentPath marks path as the page being viewed without saving anything.
func (c *Cache) SetCurrentPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enterLocked(path)
}

// SetPageState records the state blob saved with the current page.
func (c *Cache) SetPageState(state any) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode page state: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentState = raw
	return nil
}

// SetMetadata attaches side-channel data to the current page.
func (c *Cache) SetMetadata(metadata map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata = metadata
}

// HandleScroll tracks the live scroll offset of the current page.
func (c *Cache) HandleScroll(offset int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scroll = offset
}

// SaveCurrentPage stores the current path, state and scroll offset.
func (c *Cache) SaveCurrentPage(ctx context.Context) error {
	c.mu.Lock()
	if c.currentPath == "" {
		c.mu.Unlock()
		return nil
	}
	c.putLocked(c.currentPath, c.currentState, c.scroll, c.metadata)
	c.mu.Unlock()
	return c.persist(ctx)
}

// SavePathCache stores state and scroll for an arbitrary path.
func (c *Cache) SavePathCache(ctx context.Context, path string, state any, scroll int) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode page state: %w", err)
	}
	c.mu.Lock()
	c.putLocked(path, raw, scroll, nil)
	c.mu.Unlock()
	return c.persist(ctx)
}

// GetPathCache returns a copy of the record for path, or nil when there is
// none or it has expired. Expired records are dropped.
func (c *Cache) GetPathCache(path string) *Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.getLocked(KeyForPath(path))
	if rec == nil {
		return nil
	}
	return rec.clone()
}

// RestorePage scrolls to the record's offset and notifies state-restore
// listeners. It returns false, evicting the record, when it has expired.
func (c *Cache) RestorePage(key string) bool {
	c.mu.Lock()
	rec := c.getLocked(key)
	if rec == nil {
		c.mu.Unlock()
		return false
	}
	snapshot := *rec.clone()
	c.scroll = rec.ScrollPosition
	c.currentState = snapshot.State
	listeners := make([]func(Record), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	if c.scroller != nil {
		c.scroller.ScrollTo(snapshot.ScrollPosition)
	}
	for _, fn := range listeners {
		fn(*snapshot.clone())
	}
	c.logger.Debug("page restored", "key", key, "scroll", snapshot.ScrollPosition)
	return true
}

// OnStateRestore registers fn for every successful restore and returns its
// unsubscribe function.
func (c *Cache) OnStateRestore(fn func(Record)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

// Navigate handles a forward navigation to path: the page being left is
// saved and path becomes current.
func (c *Cache) Navigate(ctx context.Context, path string) error {
	return c.HandlePopState(ctx, path, false)
}

// HandlePopState reacts to a history navigation landing on path. A back
// navigation restores path; any other navigation saves the page being left.
func (c *Cache) HandlePopState(ctx context.Context, path string, isBack bool) error {
	if isBack {
		c.SetCurrentPath(path)
		c.RestorePage(KeyForPath(path))
		return nil
	}

	err := c.SaveCurrentPage(ctx)
	c.SetCurrentPath(path)
	return err
}

// HandleUnload saves the current page before the session ends.
func (c *Cache) HandleUnload(ctx context.Context) error {
	return c.SaveCurrentPage(ctx)
}

// Remove deletes the record for path.
func (c *Cache) Remove(ctx context.Context, path string) error {
	c.mu.Lock()
	delete(c.records, KeyForPath(path))
	c.mu.Unlock()
	return c.persist(ctx)
}

// Clear deletes every record.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.records = make(map[string]*Record)
	c.mu.Unlock()
	return c.persist(ctx)
}

// Len returns the number of records held, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// Records returns copies of all records, oldest first.
func (c *Cache) Records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, 0, len(c.records))
	for _, rec := range c.records {
		out = append(out, *rec.clone())
	}
	sort.Slice(out, func(i, j int) bool { return olderThan(&out[i], &out[j]) })
	return out
}

func (c *Cache) enterLocked(path string) {
	c.currentPath = NormalizePath(path)
	c.currentState = nil
	c.metadata = nil
	c.scroll = 0
}

// getLocked drops an expired record from memory only; the durable copy goes
// with the next persist, which prunes expired records, and load skips it
// meanwhile.
func (c *Cache) getLocked(key string) *Record {
	rec, ok := c.records[key]
	if !ok {
		return nil
	}
	if rec.Expired(c.now()) {
		delete(c.records, key)
		return nil
	}
	return rec
}

func (c *Cache) putLocked(path string, state json.RawMessage, scroll int, metadata map[string]any) {
	path = NormalizePath(path)
	rec := &Record{
		Key:            KeyForPath(path),
		Path:           path,
		State:          append(json.RawMessage(nil), state...),
		ScrollPosition: scroll,
		StoredAt:       c.now(),
		TTL:            c.ttl,
		Metadata:       metadata,
	}
	c.seq++
	rec.Seq = c.seq
	c.records[rec.Key] = rec.clone()
	c.evictLocked(rec.Key)
}

// evictLocked drops the oldest records until the bound holds. The record
// under keep is never evicted.
func (c *Cache) evictLocked(keep string) {
	for len(c.records) > c.maxRecords {
		var oldest *Record
		for key, rec := range c.records {
			if key == keep {
				continue
			}
			if oldest == nil || olderThan(rec, oldest) {
				oldest = rec
			}
		}
		if oldest == nil {
			return
		}
		delete(c.records, oldest.Key)
	}
}

// pruneExpiredLocked drops every expired record.
func (c *Cache) pruneExpiredLocked() {
	now := c.now()
	for key, rec := range c.records {
		if rec.Expired(now) {
			delete(c.records, key)
		}
	}
}

// persist rewrites the whole record set without its expired records.
// Failures are logged and returned; the in-memory state stays authoritative.
func (c *Cache) persist(ctx context.Context) error {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.Lock()
	c.pruneExpiredLocked()
	data, err := encodeRecords(c.records)
	c.mu.Unlock()
	if err != nil {
		c.logger.Error("failed to encode page cache", "error", err)
		return fmt.Errorf("encode page cache: %w", err)
	}
	if err := c.kv.Put(ctx, StorageKey, data); err != nil {
		c.logger.Error("failed to persist page cache", "error", err)
		return fmt.Errorf("persist page cache: %w", err)
	}
	return nil
}

// encodeRecords serializes the set as an array of [key, record] pairs,
// oldest first.
func encodeRecords(records map[string]*Record) ([]byte, error) {
	ordered := make([]*Record, 0, len(records))
	for _, rec := range records {
		ordered = append(ordered, rec)
	}
	sort.Slice(ordered, func(i, j int) bool { return olderThan(ordered[i], ordered[j]) })

	pairs := make([][2]any, 0, len(ordered))
	for _, rec := range ordered {
		pairs = append(pairs, [2]any{rec.Key, rec})
	}
	return json.Marshal(pairs)
}

func decodeRecords(data []byte) ([]*Record, error) {
	var pairs [][2]json.RawMessage
	if err := json.Unmarshal(data, &pairs); err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(pairs))
	for _, pair := range pairs {
		var key string
		if err := json.Unmarshal(pair[0], &key); err != nil {
			return nil, err
		}
		var rec Record
		if err := json.Unmarshal(pair[1], &rec); err != nil {
			return nil, err
		}
		rec.Key = key
		out = append(out, &rec)
	}
	return out, nil
}

// LoadRecords decodes the persisted set straight from kv, expired records
// included. It is meant for inspection tooling.
func LoadRecords(ctx context.Context, kv storage.KV) ([]Record, error) {
	data, err := kv.Get(ctx, StorageKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	records, err := decodeRecords(data)
	if err != nil {
		return nil, fmt.Errorf("decode page cache: %w", err)
	}
	out := make([]Record, 0, len(records))
	for _, rec := range records {
		out = append(out, *rec)
	}
	return out, nil
}
