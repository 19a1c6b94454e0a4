package core

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/always-cache/crawlcache/cache"
	"github.com/always-cache/crawlcache/policy"
	"github.com/always-cache/crawlcache/rfc9111"
	"github.com/always-cache/crawlcache/stats"
)

func newTransport(t *testing.T, p policy.Policy) (*http.Client, *stats.Memory) {
	t.Helper()
	storage, err := cache.NewDbmStorage(cache.Options{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Could not create storage: %v", err)
	}
	counters := stats.NewMemory()
	interceptor := NewInterceptor(Config{Policy: p, Storage: storage, Stats: counters})
	if err := interceptor.Open(context.Background(), ns); err != nil {
		t.Fatalf("Could not open: %v", err)
	}
	t.Cleanup(func() { interceptor.Close(context.Background(), ns) })
	client := &http.Client{Transport: &Transport{Interceptor: interceptor, Namespace: ns, CacheName: "crawlcache"}}
	return client, counters
}

func get(t *testing.T, client *http.Client, ctx context.Context, url string) (*http.Response, string) {
	t.Helper()
	req, _ := http.NewRequestWithContext(ctx, "GET", url, nil)
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	return res, string(body)
}

func TestTransportFreshHitSkipsNetwork(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte("Hello world"))
	}))
	defer server.Close()
	client, counters := newTransport(t, policy.NewDummy(nil, nil))

	res, body := get(t, client, context.Background(), server.URL+"/page")
	if body != "Hello world" || res.Header.Get("X-From-Cache") != "" {
		t.Fatalf("First response: %q %v", body, res.Header)
	}
	if cs := res.Header.Get("Cache-Status"); cs != "crawlcache; fwd=miss; fwd-status=200; stored" {
		t.Fatalf("First Cache-Status: %s", cs)
	}

	res, body = get(t, client, context.Background(), server.URL+"/page")
	if body != "Hello world" || res.Header.Get("X-From-Cache") != "1" {
		t.Fatalf("Second response: %q %v", body, res.Header)
	}
	if cs := res.Header.Get("Cache-Status"); cs != "crawlcache; hit" {
		t.Fatalf("Second Cache-Status: %s", cs)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("Origin called %d times", n)
	}
	if counters.Get(ns, stats.Hit) != 1 || counters.Get(ns, stats.Store) != 1 {
		t.Fatalf("Counters: %v", counters.Snapshot())
	}
}

func TestTransportDontCacheContext(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()
	client, counters := newTransport(t, policy.NewDummy(nil, nil))

	ctx := WithDontCache(context.Background())
	get(t, client, ctx, server.URL)
	res, _ := get(t, client, ctx, server.URL)
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("Origin called %d times", n)
	}
	if cs := res.Header.Get("Cache-Status"); cs != "crawlcache; fwd=bypass" {
		t.Fatalf("Cache-Status: %s", cs)
	}
	if len(counters.Namespaces()) != 0 {
		t.Fatalf("Counters touched: %v", counters.Snapshot())
	}
}

func TestTransportRevalidationAndRecovery(t *testing.T) {
	var version atomic.Value
	version.Store("v1")
	var conditional int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		etag := `"` + version.Load().(string) + `"`
		if r.Header.Get("If-None-Match") == etag {
			atomic.AddInt32(&conditional, 1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Cache-Control", "max-age=0")
		w.Header().Set("ETag", etag)
		w.Write([]byte("body " + version.Load().(string)))
	}))
	client, counters := newTransport(t, rfc9111.NewPolicy(rfc9111.PolicyConfig{}))

	_, body := get(t, client, context.Background(), server.URL)
	if body != "body v1" {
		t.Fatalf("First body: %q", body)
	}

	// stale, origin answers 304
	res, body := get(t, client, context.Background(), server.URL)
	if body != "body v1" || res.StatusCode != 200 || atomic.LoadInt32(&conditional) != 1 {
		t.Fatalf("Revalidated response: %d %q (conditional %d)", res.StatusCode, body, conditional)
	}
	if cs := res.Header.Get("Cache-Status"); cs != "crawlcache; fwd=stale; fwd-status=304" {
		t.Fatalf("Cache-Status: %s", cs)
	}

	// stale, origin has changed
	version.Store("v2")
	_, body = get(t, client, context.Background(), server.URL)
	if body != "body v2" {
		t.Fatalf("Changed body: %q", body)
	}

	// stale, origin is gone
	server.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, body = get(t, client, ctx, server.URL)
	if body != "body v2" || res.Header.Get("X-From-Cache") != "1" {
		t.Fatalf("Recovered response: %q", body)
	}

	want := map[string]int64{
		stats.Miss: 1, stats.Firsthand: 1, stats.Store: 2,
		stats.Revalidate: 1, stats.Invalidate: 1, stats.ErrorRecovery: 1,
	}
	for name, v := range want {
		if got := counters.Get(ns, name); got != v {
			t.Fatalf("%s is %d, want %d (%v)", name, got, v, counters.Snapshot())
		}
	}
}
