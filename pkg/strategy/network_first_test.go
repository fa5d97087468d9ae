package strategy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/swcache/internal/testutil"
	"github.com/Sternrassler/swcache/pkg/cache"
	"github.com/rs/zerolog"
)

const testCache = "test-cache"

type doerFunc func(*http.Request) (*http.Response, error)

func (f doerFunc) Do(r *http.Request) (*http.Response, error) { return f(r) }

var errNetwork = errors.New("dial tcp: connection refused")

func failingDoer() Doer {
	return doerFunc(func(*http.Request) (*http.Response, error) {
		return nil, errNetwork
	})
}

// fakeTimer never fires and counts Stop calls.
type fakeTimer struct {
	armed   atomic.Int32
	stopped atomic.Int32
}

func (f *fakeTimer) Stop() bool {
	f.stopped.Add(1)
	return true
}

func (f *fakeTimer) after(time.Duration, func()) stopper {
	f.armed.Add(1)
	return f
}

func newStorage(t *testing.T) *cache.Storage {
	t.Helper()
	client, _ := testutil.NewRedis(t)
	return cache.NewStorage(client)
}

func seed(t *testing.T, storage *cache.Storage, rawURL, body string) {
	t.Helper()
	ctx := context.Background()
	p, err := storage.Open(ctx, testCache)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, rawURL, nil)
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
	if err := p.Put(ctx, req, resp); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
}

func cached(t *testing.T, storage *cache.Storage, rawURL string) (string, bool) {
	t.Helper()
	ctx := context.Background()
	p, _ := storage.Open(ctx, testCache)
	resp, err := p.Match(ctx, httptest.NewRequest(http.MethodGet, rawURL, nil))
	if err != nil {
		return "", false
	}
	return readBody(t, resp), true
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func getRequest(t *testing.T, rawURL string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	return req
}

func TestNetworkFirst_NetworkSuccess(t *testing.T) {
	upstream := testutil.NewMockUpstream()
	defer upstream.Close()
	upstream.SetResponse("/api/content", testutil.NewJSONResponse(`{"fresh":true}`))

	storage := newStorage(t)
	timer := &fakeTimer{}
	s := NewNetworkFirst(storage, upstream.Client(), Options{
		CacheName:      testCache,
		NetworkTimeout: time.Second,
	}, zerolog.Nop())
	s.afterFunc = timer.after

	resp, err := s.Handle(context.Background(), getRequest(t, upstream.URL()+"/api/content?_csrf=x"))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if body := readBody(t, resp); body != `{"fresh":true}` {
		t.Errorf("body = %q", body)
	}

	// Read-through write under the cache form
	if body, ok := cached(t, storage, upstream.URL()+"/api/content"); !ok || body != `{"fresh":true}` {
		t.Errorf("cache = %q, %v; want network body", body, ok)
	}

	if timer.armed.Load() != 1 {
		t.Errorf("timer armed %d times, want 1", timer.armed.Load())
	}
	if timer.stopped.Load() == 0 {
		t.Error("timer not cancelled after network success")
	}
}

func TestNetworkFirst_ServerErrorIsSuccess(t *testing.T) {
	upstream := testutil.NewMockUpstream()
	defer upstream.Close()
	upstream.SetResponse("/api/content", testutil.NewServerErrorResponse())

	storage := newStorage(t)
	seed(t, storage, upstream.URL()+"/api/content", "cached")

	s := NewNetworkFirst(storage, upstream.Client(), Options{CacheName: testCache}, zerolog.Nop())

	resp, err := s.Handle(context.Background(), getRequest(t, upstream.URL()+"/api/content"))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want 500 from network", resp.StatusCode)
	}
}

func TestNetworkFirst_NetworkFailureCacheHit(t *testing.T) {
	storage := newStorage(t)
	seed(t, storage, "https://origin.test/api/content", "cached")

	timer := &fakeTimer{}
	s := NewNetworkFirst(storage, failingDoer(), Options{
		CacheName:      testCache,
		NetworkTimeout: time.Second,
	}, zerolog.Nop())
	s.afterFunc = timer.after

	resp, err := s.Handle(context.Background(), getRequest(t, "https://origin.test/api/content?x=1"))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if body := readBody(t, resp); body != "cached" {
		t.Errorf("body = %q, want cached", body)
	}
	if !cache.IsCachedResponse(resp) {
		t.Error("response not served from cache")
	}
	if timer.stopped.Load() == 0 {
		t.Error("timer not cancelled after network failure")
	}
}

func TestNetworkFirst_NetworkFailureNoFallback(t *testing.T) {
	storage := newStorage(t)
	timer := &fakeTimer{}
	s := NewNetworkFirst(storage, failingDoer(), Options{
		CacheName:      testCache,
		NetworkTimeout: time.Second,
	}, zerolog.Nop())
	s.afterFunc = timer.after

	resp, err := s.Handle(context.Background(), getRequest(t, "https://origin.test/api/content"))
	if !errors.Is(err, ErrNoResponse) {
		t.Fatalf("error = %v, want ErrNoResponse", err)
	}
	if !errors.Is(err, errNetwork) {
		t.Errorf("error %v does not wrap the network error", err)
	}
	if resp != nil {
		t.Error("expected nil response")
	}
	if timer.stopped.Load() == 0 {
		t.Error("timer not cancelled on failure")
	}
}

func TestNetworkFirst_NetworkFailureFallback(t *testing.T) {
	storage := newStorage(t)

	var fallbackURL string
	s := NewNetworkFirst(storage, failingDoer(), Options{
		CacheName: testCache,
		CacheFallback: func(ctx context.Context, cacheReq *http.Request) (*http.Response, error) {
			fallbackURL = cacheReq.URL.String()
			return &http.Response{
				StatusCode: http.StatusOK,
				Header:     http.Header{},
				Body:       io.NopCloser(strings.NewReader("from fallback")),
			}, nil
		},
	}, zerolog.Nop())

	resp, err := s.Handle(context.Background(), getRequest(t, "https://origin.test/api/content?x=1"))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if body := readBody(t, resp); body != "from fallback" {
		t.Errorf("body = %q", body)
	}
	if fallbackURL != "https://origin.test/api/content" {
		t.Errorf("fallback got %q, want cache form", fallbackURL)
	}
}

func TestNetworkFirst_FallbackError(t *testing.T) {
	storage := newStorage(t)
	errFallback := errors.New("snapshot missing")

	s := NewNetworkFirst(storage, failingDoer(), Options{
		CacheName: testCache,
		CacheFallback: func(context.Context, *http.Request) (*http.Response, error) {
			return nil, errFallback
		},
	}, zerolog.Nop())

	_, err := s.Handle(context.Background(), getRequest(t, "https://origin.test/api/content"))
	if !errors.Is(err, errFallback) {
		t.Errorf("error = %v, want fallback error", err)
	}
}

func TestNetworkFirst_TimeoutServesCache(t *testing.T) {
	upstream := testutil.NewMockUpstream()
	defer upstream.Close()
	upstream.SetResponse("/api/content", testutil.NewSlowResponse(`fresh`, 300*time.Millisecond))

	storage := newStorage(t)
	seed(t, storage, upstream.URL()+"/api/content", "stale")

	s := NewNetworkFirst(storage, upstream.Client(), Options{
		CacheName:      testCache,
		NetworkTimeout: 20 * time.Millisecond,
	}, zerolog.Nop())

	start := time.Now()
	resp, err := s.Handle(context.Background(), getRequest(t, upstream.URL()+"/api/content"))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed >= 300*time.Millisecond {
		t.Errorf("timeout did not preempt network: %v", elapsed)
	}
	if body := readBody(t, resp); body != "stale" {
		t.Errorf("body = %q, want stale", body)
	}

	// The late network response still refreshes the cache.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if body, _ := cached(t, storage, upstream.URL()+"/api/content"); body == "fresh" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("late network response was not written to the cache")
}

func TestNetworkFirst_TimeoutMissDefersToNetwork(t *testing.T) {
	upstream := testutil.NewMockUpstream()
	defer upstream.Close()
	upstream.SetResponse("/api/content", testutil.NewSlowResponse(`fresh`, 100*time.Millisecond))

	storage := newStorage(t)
	s := NewNetworkFirst(storage, upstream.Client(), Options{
		CacheName:      testCache,
		NetworkTimeout: 10 * time.Millisecond,
	}, zerolog.Nop())

	resp, err := s.Handle(context.Background(), getRequest(t, upstream.URL()+"/api/content"))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if body := readBody(t, resp); body != "fresh" {
		t.Errorf("body = %q, want network response", body)
	}
}

func TestNetworkFirst_NoTimeoutNoTimer(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
	}{
		{name: "zero", timeout: 0},
		{name: "negative", timeout: -time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream := testutil.NewMockUpstream()
			defer upstream.Close()

			timer := &fakeTimer{}
			s := NewNetworkFirst(newStorage(t), upstream.Client(), Options{
				CacheName:      testCache,
				NetworkTimeout: tt.timeout,
			}, zerolog.Nop())
			s.afterFunc = timer.after

			resp, err := s.Handle(context.Background(), getRequest(t, upstream.URL()+"/x"))
			if err != nil {
				t.Fatalf("Handle failed: %v", err)
			}
			resp.Body.Close()

			if timer.armed.Load() != 0 {
				t.Error("timer armed without a network timeout")
			}
		})
	}
}

func TestNetworkFirst_ContextCancelled(t *testing.T) {
	upstream := testutil.NewMockUpstream()
	defer upstream.Close()
	upstream.SetResponse("/slow", testutil.NewSlowResponse("late", 200*time.Millisecond))

	s := NewNetworkFirst(newStorage(t), upstream.Client(), Options{CacheName: testCache}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.Handle(ctx, getRequest(t, upstream.URL()+"/slow"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want deadline exceeded", err)
	}
}

func TestNetworkFirst_PostNotCached(t *testing.T) {
	upstream := testutil.NewMockUpstream()
	defer upstream.Close()

	storage := newStorage(t)
	s := NewNetworkFirst(storage, upstream.Client(), Options{
		CacheName:    testCache,
		CacheRequest: PassThrough,
	}, zerolog.Nop())

	req, _ := http.NewRequest(http.MethodPost, upstream.URL()+"/api/contact", strings.NewReader(`{}`))
	resp, err := s.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	resp.Body.Close()

	keys, _ := storage.Names(context.Background())
	if len(keys) != 1 {
		t.Fatalf("partitions = %v", keys)
	}
	if _, ok := cached(t, storage, upstream.URL()+"/api/contact"); ok {
		t.Error("POST response was cached")
	}
}

func TestNetworkFirst_SuccessHook(t *testing.T) {
	tests := []struct {
		name     string
		response testutil.MockResponse
		wantHook bool
	}{
		{name: "runs on success", response: testutil.NewJSONResponse(`{}`), wantHook: true},
		{name: "skipped on server error", response: testutil.NewServerErrorResponse(), wantHook: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream := testutil.NewMockUpstream()
			defer upstream.Close()
			upstream.SetResponse("/api/contact", tt.response)

			var hooked atomic.Int32
			s := NewNetworkFirst(newStorage(t), upstream.Client(), Options{
				CacheName:    testCache,
				CacheRequest: PassThrough,
				SuccessHook: func(ctx context.Context, cacheReq *http.Request) error {
					// Handle must not return before a slow hook finished.
					time.Sleep(20 * time.Millisecond)
					hooked.Add(1)
					return errors.New("hook failures are only logged")
				},
			}, zerolog.Nop())

			req, _ := http.NewRequest(http.MethodPost, upstream.URL()+"/api/contact", strings.NewReader(`{}`))
			resp, err := s.Handle(context.Background(), req)
			if err != nil {
				t.Fatalf("Handle failed: %v", err)
			}
			resp.Body.Close()

			if got := hooked.Load() == 1; got != tt.wantHook {
				t.Errorf("hook ran = %v, want %v", got, tt.wantHook)
			}
		})
	}
}

func TestNetworkFirst_SuccessHookSkippedOnFailure(t *testing.T) {
	var hooked atomic.Int32
	s := NewNetworkFirst(newStorage(t), failingDoer(), Options{
		CacheName: testCache,
		SuccessHook: func(ctx context.Context, cacheReq *http.Request) error {
			hooked.Add(1)
			return nil
		},
	}, zerolog.Nop())

	s.Handle(context.Background(), getRequest(t, "https://origin.test/api/contact"))
	if hooked.Load() != 0 {
		t.Error("hook ran after network failure")
	}
}

func TestCacheLookup_MissWithoutFallback(t *testing.T) {
	storage := newStorage(t)
	p, _ := storage.Open(context.Background(), testCache)

	resp, err := CacheLookup(context.Background(), p, getRequest(t, "https://origin.test/missing"), nil)
	if resp != nil || err != nil {
		t.Errorf("CacheLookup() = %v, %v; want nil, nil", resp, err)
	}
}

func TestCacheLookup_HitSkipsFallback(t *testing.T) {
	storage := newStorage(t)
	seed(t, storage, "https://origin.test/hit", "hit")
	p, _ := storage.Open(context.Background(), testCache)

	called := false
	resp, err := CacheLookup(context.Background(), p, getRequest(t, "https://origin.test/hit"),
		func(context.Context, *http.Request) (*http.Response, error) {
			called = true
			return nil, nil
		})
	if err != nil {
		t.Fatalf("CacheLookup failed: %v", err)
	}
	if body := readBody(t, resp); body != "hit" {
		t.Errorf("body = %q", body)
	}
	if called {
		t.Error("fallback invoked on hit")
	}
}

func TestRace_SettlesOnce(t *testing.T) {
	timer := &fakeTimer{}
	rc := newRace()
	rc.arm(timer.after, time.Second, func() {})

	first := &http.Response{Body: io.NopCloser(strings.NewReader("a"))}
	second := &http.Response{Body: io.NopCloser(strings.NewReader("b"))}

	if !rc.settle(StateNetworkWon, first, nil) {
		t.Fatal("first settle rejected")
	}
	if rc.settle(StateTimeoutWon, second, nil) {
		t.Error("second settle accepted")
	}

	state, resp, _ := rc.result()
	if state != StateNetworkWon || resp != first {
		t.Errorf("result = %v, %v", state, resp)
	}
	if timer.stopped.Load() != 1 {
		t.Errorf("timer stopped %d times, want 1", timer.stopped.Load())
	}
}

func TestRace_TimeoutWinDoesNotStopOwnTimer(t *testing.T) {
	timer := &fakeTimer{}
	rc := newRace()
	rc.arm(timer.after, time.Second, func() {})

	rc.settle(StateTimeoutWon, nil, nil)
	if timer.stopped.Load() != 0 {
		t.Error("timeout path stopped its own timer")
	}

	// Later cancellation attempts are no-ops.
	rc.stopTimer()
	if timer.stopped.Load() != 0 {
		t.Error("timer stopped after it was released")
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StatePending, "pending"},
		{StateNetworkWon, "network"},
		{StateFallbackWon, "fallback"},
		{StateTimeoutWon, "timeout"},
		{StateCacheWon, "cache"},
		{StateFailed, "failed"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %v, want %v", tt.state, got, tt.want)
		}
	}
}
