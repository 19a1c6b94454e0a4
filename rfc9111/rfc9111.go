// Package rfc9111 is a cache policy that follows HTTP caching semantics:
// responses are reused while fresh and revalidated with conditional
// requests once stale.
package rfc9111

import (
	"net/http"
	"strings"
	"time"

	httpmsg "github.com/always-cache/crawlcache/pkg/http-message"
)

type PolicyConfig struct {
	// URL schemes that are never cached.
	IgnoreSchemes []string
	// Store every response that is not explicitly no-store.
	AlwaysStore bool
	// Response Cache-Control directives to disregard, e.g. "no-cache".
	IgnoreResponseCacheControls []string
	// Clock used for age calculation. Defaults to time.Now.
	Now func() time.Time
}

type Policy struct {
	ignoreSchemes   map[string]struct{}
	alwaysStore     bool
	ignoreDirective []string
	now             func() time.Time
}

func NewPolicy(config PolicyConfig) *Policy {
	p := &Policy{
		ignoreSchemes:   make(map[string]struct{}),
		alwaysStore:     config.AlwaysStore,
		ignoreDirective: config.IgnoreResponseCacheControls,
		now:             config.Now,
	}
	for _, s := range config.IgnoreSchemes {
		p.ignoreSchemes[strings.ToLower(s)] = struct{}{}
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

func (p *Policy) responseCacheControl(h http.Header) CacheControl {
	return cacheControlOf(h).Without(p.ignoreDirective...)
}

func (p *Policy) ShouldCacheRequest(req *httpmsg.Request) bool {
	if _, denied := p.ignoreSchemes[req.Scheme()]; denied {
		return false
	}
	// §  The no-store request directive indicates that a cache MUST NOT
	// §  store any part of either this request or any response to it.
	return !cacheControlOf(req.Header).HasDirective("no-store")
}

func (p *Policy) ShouldCacheResponse(res *httpmsg.Response, req *httpmsg.Request) bool {
	cc := p.responseCacheControl(res.Header)
	switch {
	case cc.HasDirective("no-store"):
		return false
	// partial and not-modified responses are not complete representations
	case res.Status == http.StatusNotModified || res.Status == http.StatusPartialContent:
		return false
	case p.alwaysStore:
		return true
	case cc.HasDirective("max-age") || cc.HasDirective("s-maxage") || res.Header.Get("Expires") != "":
		return true
	case res.Status == http.StatusMultipleChoices ||
		res.Status == http.StatusMovedPermanently ||
		res.Status == http.StatusPermanentRedirect:
		return true
	case res.Status == http.StatusOK ||
		res.Status == http.StatusNonAuthoritativeInfo ||
		res.Status == http.StatusUnauthorized:
		return res.Header.Get("Last-Modified") != "" || res.Header.Get("ETag") != ""
	}
	return false
}

// IsCachedResponseFresh adds conditional validators to req when the cached response is stale.
func (p *Policy) IsCachedResponseFresh(cached *httpmsg.Response, req *httpmsg.Request) bool {
	reqCC := cacheControlOf(req.Header)
	resCC := p.responseCacheControl(cached.Header)

	if reqCC.HasDirective("no-cache") || resCC.HasDirective("no-cache") ||
		strings.EqualFold(req.Header.Get("Pragma"), "no-cache") {
		addValidators(req.Header, cached.Header)
		return false
	}

	lifetime := freshness_lifetime(cached.Header, cached.Status, resCC)
	age := current_age(cached.Header, p.now())

	// §  The max-age request directive indicates that the client prefers a
	// §  response whose age is less than or equal to the specified number of
	// §  seconds.
	if maxAge, ok := reqCC.MaxAge(); ok && maxAge < lifetime {
		lifetime = maxAge
	}
	if minFresh, ok := reqCC.MinFresh(); ok {
		age += minFresh
	}
	if lifetime > age {
		return true
	}
	// §  The max-stale request directive indicates that the client will
	// §  accept a response that has exceeded its freshness lifetime.
	if maxStale, ok := reqCC.Get("max-stale"); ok && !resCC.HasDirective("must-revalidate") {
		if maxStale == "" || age-lifetime <= deltaSeconds(maxStale) {
			return true
		}
	}
	addValidators(req.Header, cached.Header)
	return false
}

// IsCachedResponseValid freshens the cached headers when the origin answers 304.
func (p *Policy) IsCachedResponseValid(cached, res *httpmsg.Response, req *httpmsg.Request) bool {
	if res.Status == http.StatusNotModified {
		freshen(cached.Header, res.Header)
		return true
	}
	// origin errors keep the stored response unless it must not be served stale
	if res.Status >= 500 {
		cc := p.responseCacheControl(cached.Header)
		return !cc.HasDirective("must-revalidate") && !cc.HasDirective("proxy-revalidate")
	}
	return false
}
