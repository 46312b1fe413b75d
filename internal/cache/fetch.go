package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// flight is one scheduled or in-flight dispatch shared by every caller that
// joined it.
type flight struct {
	key        string
	url        string
	method     string
	header     http.Header
	body       []byte
	cfg        Config
	generation uint64
	ctx        context.Context

	timer      *time.Timer
	dispatched bool

	done chan struct{}
	val  json.RawMessage
	err  error
}

// FetchJSON performs Do and decodes the shared JSON payload into T.
func FetchJSON[T any](ctx context.Context, c *Cache, url string, req Request, opts ...Option) (T, error) {
	var out T
	raw, err := c.Do(ctx, url, req, opts...)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s: %w", url, err)
	}
	return out, nil
}

// Do returns the JSON payload for the request, from the cache when a fresh
// entry exists, otherwise from a shared, debounced and retried dispatch.
func (c *Cache) Do(ctx context.Context, url string, req Request, opts ...Option) (json.RawMessage, error) {
	cfg := c.defaults
	for _, opt := range opts {
		opt(&cfg)
	}

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	body, err := encodeBody(req.Body)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}
	key := Key(method, url, body)

	c.mu.Lock()

	if cfg.Cache && !cfg.ForceRefresh {
		if value, ok := c.lookup(key); ok {
			c.mu.Unlock()
			c.hits.Add(1)
			hitCounter.Inc()
			c.logger.Debug("serving from cache", "key", key)
			return bytes.Clone(value), nil
		}
	}
	c.misses.Add(1)
	missCounter.Inc()

	if cfg.Deduplication {
		if f, ok := c.pending[key]; ok {
			c.joinLocked(f)
			c.mu.Unlock()
			return wait(ctx, f)
		}
	} else if cfg.Debounce {
		if f, ok := c.windows[key]; ok && !f.dispatched {
			c.joinLocked(f)
			c.mu.Unlock()
			return wait(ctx, f)
		}
	}

	f := &flight{
		key:        key,
		url:        url,
		method:     method,
		header:     req.Header,
		body:       body,
		cfg:        cfg,
		generation: c.generation,
		ctx:        context.WithoutCancel(ctx),
		done:       make(chan struct{}),
	}
	if cfg.Deduplication {
		c.pending[key] = f
	}
	if cfg.Debounce && cfg.DebounceDelay > 0 {
		if !cfg.Deduplication {
			c.windows[key] = f
		}
		f.timer = time.AfterFunc(cfg.DebounceDelay, func() { c.launch(f) })
		c.mu.Unlock()
	} else {
		c.mu.Unlock()
		go c.launch(f)
	}

	return wait(ctx, f)
}

// joinLocked attaches a caller to f. A caller arriving while f is still in
// its debounce window pushes the dispatch back by a full delay.
func (c *Cache) joinLocked(f *flight) {
	c.joins.Add(1)
	joinCounter.Inc()
	if f.dispatched || f.timer == nil {
		return
	}
	if f.timer.Stop() {
		f.timer = time.AfterFunc(f.cfg.DebounceDelay, func() { c.launch(f) })
	}
}

func wait(ctx context.Context, f *flight) (json.RawMessage, error) {
	select {
	case <-f.done:
		if f.err != nil {
			return nil, f.err
		}
		return bytes.Clone(f.val), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) launch(f *flight) {
	c.mu.Lock()
	if f.dispatched {
		c.mu.Unlock()
		return
	}
	f.dispatched = true
	if c.windows[f.key] == f {
		delete(c.windows, f.key)
	}
	c.mu.Unlock()

	logger := c.logger.With(
		"method", f.method,
		"url", f.url,
	)

	val, err := c.dispatchWithRetry(f, logger)

	c.mu.Lock()
	if err == nil && f.cfg.Cache && c.generation == f.generation {
		c.store(f.key, val, f.cfg.TTL)
	}
	if c.pending[f.key] == f {
		delete(c.pending, f.key)
	}
	f.val, f.err = val, err
	close(f.done)
	c.mu.Unlock()

	if err != nil {
		failureCounter.Inc()
		logger.Error("request failed", "error", err)
	}
}

func (c *Cache) dispatchWithRetry(f *flight, logger *slog.Logger) (json.RawMessage, error) {
	attempts := 0
	operation := func() (json.RawMessage, error) {
		attempts++
		if attempts > 1 {
			c.retries.Add(1)
			retryCounter.Inc()
		}
		return c.dispatch(f, attempts)
	}

	if !f.cfg.Retry || f.cfg.RetryCount <= 0 {
		val, err := operation()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRequestFailed, err)
		}
		return val, nil
	}

	val, err := backoff.Retry(f.ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(f.cfg.RetryDelay)),
		backoff.WithMaxTries(uint(f.cfg.RetryCount+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("request attempt failed, retrying",
				"attempt", attempts,
				"retry_in", next.String(),
				"error", err,
			)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w after %d attempts: %w", ErrRequestFailed, attempts, err)
	}
	return val, nil
}

func (c *Cache) dispatch(f *flight, attempt int) (json.RawMessage, error) {
	ctx, span := c.tracer.Start(f.ctx, "cache.dispatch", trace.WithAttributes(
		attribute.String("http.request.method", f.method),
		attribute.String("url.full", f.url),
		attribute.Int("attempt", attempt),
	))
	defer span.End()

	val, err := c.roundTrip(ctx, f)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return val, err
}

func (c *Cache) roundTrip(ctx context.Context, f *flight) (json.RawMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	var body io.Reader
	if len(f.body) > 0 {
		body = bytes.NewReader(f.body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, f.method, f.url, body)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	for k, v := range f.header {
		httpReq.Header[k] = v
	}
	if len(f.body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}

	c.dispatches.Add(1)
	start := time.Now()
	resp, err := c.client.Do(httpReq)
	dispatchSeconds.UpdateDuration(start)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: http.StatusText(resp.StatusCode)}
	}
	if !json.Valid(data) {
		return nil, ErrDecode
	}
	return json.RawMessage(data), nil
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	case string:
		return []byte(b), nil
	default:
		return json.Marshal(b)
	}
}
