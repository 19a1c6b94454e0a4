package core

import (
	"bytes"
	"context"
	"io"
	"net/http"

	httpmsg "github.com/always-cache/crawlcache/pkg/http-message"
	"github.com/always-cache/crawlcache/rfc9211"
)

type dontCacheKey struct{}

// WithDontCache marks requests made with ctx to bypass the cache.
func WithDontCache(ctx context.Context) context.Context {
	return context.WithValue(ctx, dontCacheKey{}, true)
}

func dontCache(ctx context.Context) bool {
	v, _ := ctx.Value(dontCacheKey{}).(bool)
	return v
}

// Transport is an http.RoundTripper that runs every request through an Interceptor.
// Each RoundTrip is one attempt; retries belong to the caller.
type Transport struct {
	Interceptor *Interceptor
	// Namespace must have been opened on the Interceptor.
	Namespace string
	// Base performs the network fetch. http.DefaultTransport is used if nil.
	Base http.RoundTripper
	// CacheName is the Cache-Status identifier. No header is added if empty.
	CacheName string
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) RoundTrip(hreq *http.Request) (*http.Response, error) {
	ctx := hreq.Context()
	req, err := httpmsg.FromHTTPRequest(hreq)
	if err != nil {
		return nil, err
	}
	req.DontCache = dontCache(ctx)

	res, err := t.Interceptor.BeforeRequest(ctx, t.Namespace, req)
	if err != nil {
		return nil, err
	}
	if res != nil {
		return t.respond(hreq, req, res), nil
	}

	res, err = t.fetch(hreq, req)
	if err != nil {
		res, err = t.Interceptor.OnException(ctx, t.Namespace, req, err)
		if err != nil {
			return nil, err
		}
		return t.respond(hreq, req, res), nil
	}

	res, err = t.Interceptor.AfterResponse(ctx, t.Namespace, req, res)
	if err != nil {
		return nil, err
	}
	return t.respond(hreq, req, res), nil
}

// fetch sends the request as the hooks left it, e.g. with conditional validators.
func (t *Transport) fetch(hreq *http.Request, req *httpmsg.Request) (*httpmsg.Response, error) {
	out := hreq.Clone(hreq.Context())
	out.Header = req.Header.Clone()
	if req.Body != nil {
		out.Body = io.NopCloser(bytes.NewReader(req.Body))
		out.ContentLength = int64(len(req.Body))
	}
	hres, err := t.base().RoundTrip(out)
	if err != nil {
		return nil, err
	}
	res, err := httpmsg.FromHTTPResponse(hres)
	if err != nil {
		return nil, err
	}
	res.URL = hreq.URL.String()
	return res, nil
}

func (t *Transport) respond(hreq *http.Request, req *httpmsg.Request, res *httpmsg.Response) *http.Response {
	hres := res.HTTPResponse(hreq)
	if res.Flags.Has(httpmsg.FlagCached) {
		hres.Header.Set("X-From-Cache", "1")
	}
	if t.CacheName != "" {
		outcome, _ := OutcomeOf(req)
		hres.Header.Add(rfc9211.HeaderName, outcome.CacheStatus(t.CacheName).String())
	}
	return hres
}
