package rfc9111

import (
	"net/http"
	"testing"
	"time"

	httpmsg "github.com/always-cache/crawlcache/pkg/http-message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testPolicy(config PolicyConfig) *Policy {
	config.Now = func() time.Time { return testNow }
	return NewPolicy(config)
}

func request(t *testing.T, url string) *httpmsg.Request {
	t.Helper()
	req, err := httpmsg.NewRequest("GET", url, nil)
	require.NoError(t, err)
	return req
}

func response(status int, age time.Duration, headers ...string) *httpmsg.Response {
	h := http.Header{}
	h.Set("Date", FormatHttpDate(testNow.Add(-age)))
	for i := 0; i+1 < len(headers); i += 2 {
		h.Add(headers[i], headers[i+1])
	}
	return &httpmsg.Response{Status: status, Header: h}
}

func TestShouldCacheRequest(t *testing.T) {
	p := testPolicy(PolicyConfig{IgnoreSchemes: []string{"file"}})
	assert.True(t, p.ShouldCacheRequest(request(t, "http://example.com/")))
	assert.False(t, p.ShouldCacheRequest(request(t, "file:///tmp/x")))

	req := request(t, "http://example.com/")
	req.Header.Set("Cache-Control", "no-store")
	assert.False(t, p.ShouldCacheRequest(req))
}

func TestShouldCacheResponse(t *testing.T) {
	p := testPolicy(PolicyConfig{})
	req := request(t, "http://example.com/")
	cases := []struct {
		name string
		res  *httpmsg.Response
		want bool
	}{
		{"no-store", response(200, 0, "Cache-Control", "no-store, max-age=60"), false},
		{"not modified", response(304, 0, "Cache-Control", "max-age=60"), false},
		{"max-age", response(200, 0, "Cache-Control", "max-age=60"), true},
		{"expires", response(404, 0, "Expires", "Thu, 01 Jan 2099 00:00:00 GMT"), true},
		{"permanent redirect", response(301, 0), true},
		{"validator", response(200, 0, "ETag", `"v1"`), true},
		{"bare ok", response(200, 0), false},
		{"server error", response(500, 0), false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, p.ShouldCacheResponse(c.res, req), c.name)
	}
}

func TestAlwaysStoreAndIgnoredDirectives(t *testing.T) {
	p := testPolicy(PolicyConfig{AlwaysStore: true, IgnoreResponseCacheControls: []string{"no-store"}})
	req := request(t, "http://example.com/")
	assert.True(t, p.ShouldCacheResponse(response(200, 0), req))
	assert.True(t, p.ShouldCacheResponse(response(200, 0, "Cache-Control", "no-store"), req))
}

func TestFreshWithinMaxAge(t *testing.T) {
	p := testPolicy(PolicyConfig{})
	req := request(t, "http://example.com/")
	cached := response(200, 30*time.Second, "Cache-Control", "max-age=60", "ETag", `"v1"`)
	assert.True(t, p.IsCachedResponseFresh(cached, req))
	assert.Empty(t, req.Header.Get("If-None-Match"))
}

func TestStaleAddsValidators(t *testing.T) {
	p := testPolicy(PolicyConfig{})
	req := request(t, "http://example.com/")
	cached := response(200, 2*time.Minute,
		"Cache-Control", "max-age=60",
		"ETag", `"v1"`,
		"Last-Modified", "Mon, 01 Jan 2024 00:00:00 GMT")
	assert.False(t, p.IsCachedResponseFresh(cached, req))
	assert.Equal(t, `"v1"`, req.Header.Get("If-None-Match"))
	assert.Equal(t, "Mon, 01 Jan 2024 00:00:00 GMT", req.Header.Get("If-Modified-Since"))
}

func TestAgeHeaderCounts(t *testing.T) {
	p := testPolicy(PolicyConfig{})
	cached := response(200, 10*time.Second, "Cache-Control", "max-age=60", "Age", "55")
	assert.False(t, p.IsCachedResponseFresh(cached, request(t, "http://example.com/")))
}

func TestExpiresAndHeuristicLifetime(t *testing.T) {
	p := testPolicy(PolicyConfig{})
	expires := response(200, time.Minute, "Expires", FormatHttpDate(testNow.Add(time.Hour)))
	assert.True(t, p.IsCachedResponseFresh(expires, request(t, "http://example.com/")))

	broken := response(200, 0, "Expires", "0")
	assert.False(t, p.IsCachedResponseFresh(broken, request(t, "http://example.com/")))

	// modified 10 days before Date: one day heuristic lifetime
	heuristic := response(200, time.Hour, "Last-Modified", FormatHttpDate(testNow.Add(-time.Hour-240*time.Hour)))
	assert.True(t, p.IsCachedResponseFresh(heuristic, request(t, "http://example.com/")))
}

func TestRequestDirectives(t *testing.T) {
	p := testPolicy(PolicyConfig{})
	cached := func() *httpmsg.Response {
		return response(200, 30*time.Second, "Cache-Control", "max-age=60")
	}

	req := request(t, "http://example.com/")
	req.Header.Set("Cache-Control", "max-age=10")
	assert.False(t, p.IsCachedResponseFresh(cached(), req))

	req = request(t, "http://example.com/")
	req.Header.Set("Cache-Control", "min-fresh=45")
	assert.False(t, p.IsCachedResponseFresh(cached(), req))

	req = request(t, "http://example.com/")
	req.Header.Set("Cache-Control", "no-cache")
	assert.False(t, p.IsCachedResponseFresh(cached(), req))

	stale := response(200, 90*time.Second, "Cache-Control", "max-age=60")
	req = request(t, "http://example.com/")
	req.Header.Set("Cache-Control", "max-stale=60")
	assert.True(t, p.IsCachedResponseFresh(stale, req))

	mustRevalidate := response(200, 90*time.Second, "Cache-Control", "max-age=60, must-revalidate")
	req = request(t, "http://example.com/")
	req.Header.Set("Cache-Control", "max-stale")
	assert.False(t, p.IsCachedResponseFresh(mustRevalidate, req))
}

func TestIsCachedResponseValid(t *testing.T) {
	p := testPolicy(PolicyConfig{})
	req := request(t, "http://example.com/")

	cached := response(200, time.Hour, "Cache-Control", "max-age=60", "Content-Length", "5")
	notModified := response(304, 0, "Cache-Control", "max-age=120", "Content-Length", "0")
	assert.True(t, p.IsCachedResponseValid(cached, notModified, req))
	assert.Equal(t, "max-age=120", cached.Header.Get("Cache-Control"))
	assert.Equal(t, "5", cached.Header.Get("Content-Length"))
	assert.Equal(t, notModified.Header.Get("Date"), cached.Header.Get("Date"))

	assert.True(t, p.IsCachedResponseValid(response(200, 0), response(503, 0), req))
	assert.False(t, p.IsCachedResponseValid(response(200, 0, "Cache-Control", "must-revalidate"), response(503, 0), req))
	assert.False(t, p.IsCachedResponseValid(response(200, 0), response(200, 0), req))
}
