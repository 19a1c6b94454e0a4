// Package policy decides what the cache may store and serve.
package policy

import (
	"errors"
	"fmt"
	"strings"

	httpmsg "github.com/always-cache/crawlcache/pkg/http-message"
	"github.com/always-cache/crawlcache/rfc9111"
)

var ErrUnknownPolicy = errors.New("unknown cache policy")

// Policy is a set of pure predicates. Implementations do no I/O.
// IsCachedResponseFresh and IsCachedResponseValid may update the request or
// the cached response they are given (e.g. validators, freshened headers).
type Policy interface {
	ShouldCacheRequest(req *httpmsg.Request) bool
	ShouldCacheResponse(res *httpmsg.Response, req *httpmsg.Request) bool
	IsCachedResponseFresh(cached *httpmsg.Response, req *httpmsg.Request) bool
	IsCachedResponseValid(cached, res *httpmsg.Response, req *httpmsg.Request) bool
}

// Options configure every policy. A policy ignores the fields it has no use for.
type Options struct {
	IgnoreSchemes               []string
	IgnoreHTTPCodes             []int
	AlwaysStore                 bool
	IgnoreResponseCacheControls []string
}

// New resolves a policy selector.
func New(name string, opts Options) (Policy, error) {
	switch strings.ToLower(name) {
	case "", "dummy":
		return NewDummy(opts.IgnoreSchemes, opts.IgnoreHTTPCodes), nil
	case "rfc9111", "rfc2616":
		return rfc9111.NewPolicy(rfc9111.PolicyConfig{
			IgnoreSchemes:               opts.IgnoreSchemes,
			AlwaysStore:                 opts.AlwaysStore,
			IgnoreResponseCacheControls: opts.IgnoreResponseCacheControls,
		}), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
}
