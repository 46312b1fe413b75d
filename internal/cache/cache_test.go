package cache

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

type countingServer struct {
	*httptest.Server
	calls atomic.Int64
}

func newCountingServer(t *testing.T, handler http.HandlerFunc) *countingServer {
	t.Helper()
	cs := &countingServer{}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(cs.Close)
	return cs
}

func jsonHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}
}

// cached reports whether key holds a fresh entry.
func cached(c *Cache, key string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookup(key)
}

func newTestCache(srv *countingServer, opts ...ClientOption) *Cache {
	return New(append([]ClientOption{WithHTTPClient(srv.Client())}, opts...)...)
}

func TestKey(t *testing.T) {
	if got := Key("get", "http://x/api/a", nil); got != "GET http://x/api/a" {
		t.Fatalf("Key without body = %q", got)
	}
	a := Key("POST", "http://x/api/a", []byte(`{"a":1}`))
	b := Key("POST", "http://x/api/a", []byte(`{"a":2}`))
	if a == b {
		t.Fatalf("different bodies must produce different keys")
	}
	if a != Key("POST", "http://x/api/a", []byte(`{"a":1}`)) {
		t.Fatalf("Key is not deterministic")
	}
	if !strings.HasPrefix(a, "POST http://x/api/a#") {
		t.Fatalf("unexpected key layout %q", a)
	}
}

func TestConcurrentIdenticalRequestsShareOneDispatch(t *testing.T) {
	srv := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		jsonHandler(`{"code":0,"data":[1,2,3]}`)(w, r)
	})
	c := newTestCache(srv)

	const callers = 10
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raw, err := c.Do(context.Background(), srv.URL+"/api/list", Request{}, WithDebounce(false))
			results[i], errs[i] = string(raw), err
		}(i)
	}
	wg.Wait()

	if got := srv.calls.Load(); got != 1 {
		t.Fatalf("network calls = %d, want 1", got)
	}
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Fatalf("caller %d got %q, want %q", i, results[i], results[0])
		}
	}
	if s := c.Stats(); s.PendingRequests != 0 || s.DedupJoins == 0 {
		t.Fatalf("unexpected stats after settle: %+v", s)
	}
}

func TestConcurrentCallersShareRejection(t *testing.T) {
	srv := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		http.Error(w, "boom", http.StatusBadGateway)
	})
	c := newTestCache(srv)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Do(context.Background(), srv.URL, Request{}, WithDebounce(false), WithRetry(false))
		}(i)
	}
	wg.Wait()

	if got := srv.calls.Load(); got != 1 {
		t.Fatalf("network calls = %d, want 1", got)
	}
	for i, err := range errs {
		var se *StatusError
		if !errors.As(err, &se) || se.StatusCode != http.StatusBadGateway {
			t.Fatalf("caller %d error = %v, want 502 StatusError", i, err)
		}
	}
	if _, ok := cached(c, Key("GET", srv.URL, nil)); ok {
		t.Fatalf("failed responses must not be cached")
	}
}

func TestCacheTTL(t *testing.T) {
	srv := newCountingServer(t, jsonHandler(`{"balance":42}`))
	clock := newFakeClock()
	c := newTestCache(srv, WithClock(clock.Now))
	ctx := context.Background()
	opts := []Option{WithDebounce(false), WithTTL(time.Minute)}

	for i := 0; i < 3; i++ {
		if _, err := c.Do(ctx, srv.URL+"/api/wallet", Request{}, opts...); err != nil {
			t.Fatalf("Do failed: %v", err)
		}
	}
	if got := srv.calls.Load(); got != 1 {
		t.Fatalf("calls before expiry = %d, want 1", got)
	}

	clock.Advance(59 * time.Second)
	if _, err := c.Do(ctx, srv.URL+"/api/wallet", Request{}, opts...); err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if got := srv.calls.Load(); got != 1 {
		t.Fatalf("calls just before expiry = %d, want 1", got)
	}

	clock.Advance(time.Second)
	if _, err := c.Do(ctx, srv.URL+"/api/wallet", Request{}, opts...); err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if got := srv.calls.Load(); got != 2 {
		t.Fatalf("calls at expiry = %d, want 2", got)
	}
}

func TestDebounceCoalescesBurstFromLastCall(t *testing.T) {
	var dispatchedAt atomic.Int64
	srv := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		dispatchedAt.Store(time.Now().UnixNano())
		jsonHandler(`{"ok":true}`)(w, r)
	})

	for _, dedup := range []bool{true, false} {
		name := "with dedup"
		if !dedup {
			name = "without dedup"
		}
		t.Run(name, func(t *testing.T) {
			srv.calls.Store(0)
			c := newTestCache(srv)
			const delay = 150 * time.Millisecond

			var wg sync.WaitGroup
			var lastCall time.Time
			for i := 0; i < 5; i++ {
				lastCall = time.Now()
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := c.Do(context.Background(), srv.URL+"/api/search", Request{},
						WithDebounceDelay(delay), WithDeduplication(dedup), WithCache(false)); err != nil {
						t.Errorf("Do failed: %v", err)
					}
				}()
				time.Sleep(30 * time.Millisecond)
			}
			wg.Wait()

			if got := srv.calls.Load(); got != 1 {
				t.Fatalf("network calls = %d, want 1", got)
			}
			sinceLast := time.Duration(dispatchedAt.Load() - lastCall.UnixNano())
			if sinceLast < delay-10*time.Millisecond {
				t.Fatalf("dispatch %v after last call, want >= %v", sinceLast, delay)
			}
		})
	}
}

func TestCachedValueSkipsDebounce(t *testing.T) {
	srv := newCountingServer(t, jsonHandler(`{"ok":true}`))
	c := newTestCache(srv)
	ctx := context.Background()

	if _, err := c.Do(ctx, srv.URL, Request{}, WithDebounceDelay(20*time.Millisecond)); err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	start := time.Now()
	if _, err := c.Do(ctx, srv.URL, Request{}, WithDebounceDelay(time.Second)); err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("cache hit took %v, expected no debounce delay", elapsed)
	}
}

func TestRetryBound(t *testing.T) {
	var mu sync.Mutex
	var times []time.Time
	srv := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		times = append(times, time.Now())
		mu.Unlock()
		http.Error(w, "down", http.StatusServiceUnavailable)
	})
	c := newTestCache(srv)
	const delay = 40 * time.Millisecond

	_, err := c.Do(context.Background(), srv.URL, Request{},
		WithDebounce(false), WithRetryCount(3), WithRetryDelay(delay))
	if !errors.Is(err, ErrRequestFailed) {
		t.Fatalf("error = %v, want ErrRequestFailed", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("error = %v, want wrapped 503", err)
	}
	if got := srv.calls.Load(); got != 4 {
		t.Fatalf("attempts = %d, want 4", got)
	}
	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(times); i++ {
		if gap := times[i].Sub(times[i-1]); gap < delay-5*time.Millisecond {
			t.Fatalf("gap between attempt %d and %d = %v, want >= %v", i, i+1, gap, delay)
		}
	}
	if s := c.Stats(); s.Retries != 3 || s.Dispatches != 4 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestRetryRecovers(t *testing.T) {
	var n atomic.Int64
	srv := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		if n.Add(1) < 3 {
			_, _ = io.WriteString(w, "<html>")
			return
		}
		_, _ = io.WriteString(w, `{"code":0}`)
	})
	c := newTestCache(srv)

	raw, err := c.Do(context.Background(), srv.URL, Request{},
		WithDebounce(false), WithRetryDelay(5*time.Millisecond))
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if string(raw) != `{"code":0}` {
		t.Fatalf("payload = %s", raw)
	}
	if n.Load() != 3 {
		t.Fatalf("attempts = %d, want 3", n.Load())
	}
}

func TestDecodeFailureWithoutRetry(t *testing.T) {
	srv := newCountingServer(t, jsonHandler(`not json`))
	c := newTestCache(srv)
	_, err := c.Do(context.Background(), srv.URL, Request{}, WithDebounce(false), WithRetry(false))
	if !errors.Is(err, ErrDecode) || !errors.Is(err, ErrRequestFailed) {
		t.Fatalf("error = %v, want ErrDecode wrapped in ErrRequestFailed", err)
	}
}

func TestParallelPostScenario(t *testing.T) {
	var bodies sync.Map
	srv := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies.Store(string(b), r.Header.Get("Content-Type"))
		time.Sleep(50 * time.Millisecond)
		jsonHandler(`{"code":0,"data":{"id":7}}`)(w, r)
	})
	c := newTestCache(srv)

	type reply struct {
		Code int `json:"code"`
		Data struct {
			ID int `json:"id"`
		} `json:"data"`
	}
	var wg sync.WaitGroup
	replies := make([]reply, 2)
	for i := range replies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := FetchJSON[reply](context.Background(), c, srv.URL+"/api/x",
				Request{Method: http.MethodPost, Body: map[string]int{"a": 1}},
				WithDeduplication(true), WithDebounce(false))
			if err != nil {
				t.Errorf("FetchJSON failed: %v", err)
			}
			replies[i] = r
		}(i)
	}
	wg.Wait()

	if got := srv.calls.Load(); got != 1 {
		t.Fatalf("network calls = %d, want 1", got)
	}
	if replies[0] != replies[1] || replies[0].Code != 0 || replies[0].Data.ID != 7 {
		t.Fatalf("replies differ or are wrong: %+v", replies)
	}
	ct, ok := bodies.Load(`{"a":1}`)
	if !ok || ct != "application/json" {
		t.Fatalf("server did not receive JSON body: %v %v", ok, ct)
	}
}

func TestInvalidateAndClear(t *testing.T) {
	srv := newCountingServer(t, jsonHandler(`{}`))
	c := newTestCache(srv)
	ctx := context.Background()
	for _, path := range []string{"/api/orders?page=1", "/api/orders?page=2", "/api/profile"} {
		if _, err := c.Do(ctx, srv.URL+path, Request{}, WithDebounce(false)); err != nil {
			t.Fatalf("Do failed: %v", err)
		}
	}

	if removed := c.Invalidate("/api/orders"); removed != 2 {
		t.Fatalf("Invalidate removed %d, want 2", removed)
	}
	if removed := c.Invalidate(""); removed != 0 {
		t.Fatalf("empty pattern removed %d", removed)
	}
	if _, err := c.Do(ctx, srv.URL+"/api/profile", Request{}, WithDebounce(false)); err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if got := srv.calls.Load(); got != 3 {
		t.Fatalf("profile should still be cached, calls = %d", got)
	}

	c.Clear()
	if s := c.Stats(); s.EntryCount != 0 {
		t.Fatalf("entries after Clear = %d", s.EntryCount)
	}
}

func TestWritesDoNotInvalidate(t *testing.T) {
	srv := newCountingServer(t, jsonHandler(`{"code":0}`))
	c := newTestCache(srv)
	ctx := context.Background()

	if _, err := c.Do(ctx, srv.URL+"/api/orders", Request{}, WithDebounce(false)); err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if _, err := c.Do(ctx, srv.URL+"/api/orders", Request{Method: http.MethodPost, Body: map[string]string{"op": "cancel"}},
		WithDebounce(false), WithCache(false)); err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	if _, ok := cached(c, Key("GET", srv.URL+"/api/orders", nil)); !ok {
		t.Fatalf("GET entry must survive a write until explicitly invalidated")
	}
}

func TestForceRefreshRepopulates(t *testing.T) {
	var n atomic.Int64
	srv := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]int64{"v": n.Add(1)})
	})
	c := newTestCache(srv)
	ctx := context.Background()

	first, _ := c.Do(ctx, srv.URL, Request{}, WithDebounce(false))
	forced, err := c.Do(ctx, srv.URL, Request{}, WithDebounce(false), WithForceRefresh())
	if err != nil {
		t.Fatalf("forced Do failed: %v", err)
	}
	cached, _ := c.Do(ctx, srv.URL, Request{}, WithDebounce(false))

	if string(first) == string(forced) {
		t.Fatalf("force refresh returned cached payload %s", forced)
	}
	if string(cached) != string(forced) {
		t.Fatalf("cache holds %s, want refreshed %s", cached, forced)
	}
}

func TestLargePayloadIsCompressedTransparently(t *testing.T) {
	payload := `{"items":"` + strings.Repeat("abc", 2000) + `"}`
	srv := newCountingServer(t, jsonHandler(payload))
	c := newTestCache(srv)
	ctx := context.Background()

	if _, err := c.Do(ctx, srv.URL, Request{}, WithDebounce(false)); err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	raw, err := c.Do(ctx, srv.URL, Request{}, WithDebounce(false))
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if string(raw) != payload {
		t.Fatalf("cached payload mismatch")
	}
	s := c.Stats()
	if s.CompressedEntries != 1 || s.CompressionRatio <= 0 || s.CompressionRatio >= 1 {
		t.Fatalf("unexpected compression stats: %+v", s)
	}
}

func TestResetReleasesDebouncedCallers(t *testing.T) {
	srv := newCountingServer(t, jsonHandler(`{}`))
	c := newTestCache(srv)

	errc := make(chan error, 1)
	go func() {
		_, err := c.Do(context.Background(), srv.URL, Request{}, WithDebounceDelay(time.Hour))
		errc <- err
	}()
	time.Sleep(30 * time.Millisecond)
	c.Reset()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrReset) {
			t.Fatalf("error = %v, want ErrReset", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("caller still blocked after Reset")
	}
	if srv.calls.Load() != 0 {
		t.Fatalf("reset request reached the network")
	}
}

func TestCallerContextCancellation(t *testing.T) {
	srv := newCountingServer(t, jsonHandler(`{}`))
	c := newTestCache(srv)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Do(ctx, srv.URL, Request{}, WithDebounceDelay(200*time.Millisecond))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded", err)
	}

	raw, err := c.Do(context.Background(), srv.URL, Request{}, WithDebounceDelay(200*time.Millisecond))
	if err != nil || string(raw) != `{}` {
		t.Fatalf("joined request = %s, %v", raw, err)
	}
	if got := srv.calls.Load(); got != 1 {
		t.Fatalf("abandoned caller must not cancel the shared dispatch, calls = %d", got)
	}
}

func TestLimiterPacesDispatches(t *testing.T) {
	srv := newCountingServer(t, jsonHandler(`{"ok":true}`))
	limiter := rate.NewLimiter(rate.Every(50*time.Millisecond), 1)
	c := newTestCache(srv, WithLimiter(limiter))
	ctx := context.Background()

	start := time.Now()
	for i := range 3 {
		url := srv.URL + "/api/item/" + string(rune('a'+i))
		if _, err := c.Do(ctx, url, Request{}, WithDebounce(false), WithCache(false), WithRetry(false)); err != nil {
			t.Fatalf("Do(%s) failed: %v", url, err)
		}
	}
	// The first dispatch uses the burst token, the next two wait ~50ms each.
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Fatalf("3 dispatches took %v, want them paced by the limiter", elapsed)
	}
	if got := srv.calls.Load(); got != 3 {
		t.Fatalf("server calls = %d, want 3", got)
	}
}
