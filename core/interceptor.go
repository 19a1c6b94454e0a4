// Package core runs the cache around a request pipeline: before the network
// fetch, after a response and after a fetch error.
package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/always-cache/crawlcache/cache"
	httpmsg "github.com/always-cache/crawlcache/pkg/http-message"
	"github.com/always-cache/crawlcache/policy"
	"github.com/always-cache/crawlcache/rfc9111"
	"github.com/always-cache/crawlcache/stats"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrNotInCache fails an attempt whose request is not cached when misses are terminal.
var ErrNotInCache = errors.New("not in cache")

const (
	metaCachedResponse = "cached_response"
	metaDontCache      = "_dont_cache"
)

type Config struct {
	Policy  policy.Policy
	Storage cache.Storage
	// Counter sink. Counts are discarded if nil.
	Stats stats.Sink
	// Fail cache misses with ErrNotInCache instead of going to the network.
	IgnoreMissing bool
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Clock for synthesized Date headers. Defaults to time.Now.
	Now func() time.Time
}

// Interceptor holds no per-request state; it can serve concurrent attempts.
type Interceptor struct {
	policy        policy.Policy
	storage       cache.Storage
	stats         stats.Sink
	ignoreMissing bool
	log           zerolog.Logger
	now           func() time.Time
}

func NewInterceptor(config Config) *Interceptor {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	i := &Interceptor{
		policy:        config.Policy,
		storage:       config.Storage,
		stats:         config.Stats,
		ignoreMissing: config.IgnoreMissing,
		log:           logger.With().Str("component", "httpcache").Logger(),
		now:           config.Now,
	}
	if i.stats == nil {
		i.stats = stats.Nop{}
	}
	if i.now == nil {
		i.now = time.Now
	}
	return i
}

// Open prepares the storage of a namespace. Call it when a run starts.
func (i *Interceptor) Open(ctx context.Context, namespace string) error {
	return i.storage.Open(ctx, namespace)
}

// Close releases the storage of a namespace. Call it when a run ends.
func (i *Interceptor) Close(ctx context.Context, namespace string) error {
	return i.storage.Close(ctx, namespace)
}

// BeforeRequest returns a cached response when the network should not be contacted.
// A nil response and nil error let the attempt continue to the network.
func (i *Interceptor) BeforeRequest(ctx context.Context, namespace string, req *httpmsg.Request) (*httpmsg.Response, error) {
	if req.DontCache {
		return nil, nil
	}
	log := i.log.With().Str("namespace", namespace).Stringer("url", req.URL).Logger()
	if !i.policy.ShouldCacheRequest(req) {
		log.Trace().Msg("Request not cacheable")
		req.Meta.Set(metaDontCache, true)
		return nil, nil
	}

	entry, found, err := i.storage.Retrieve(ctx, namespace, req)
	if err != nil {
		return nil, fmt.Errorf("retrieve cached response: %w", err)
	}
	if !found {
		i.stats.Inc(namespace, stats.Miss)
		if i.ignoreMissing {
			i.stats.Inc(namespace, stats.Ignore)
			setOutcome(req, Outcome{State: StatePropagated})
			log.Debug().Msg("Ignoring request not in cache")
			return nil, fmt.Errorf("%w: %s %s", ErrNotInCache, req.Method, req.URL)
		}
		log.Trace().Msg("Cache miss")
		return nil, nil
	}

	cached := entry.Response()
	cached.Flags.Add(httpmsg.FlagCached)
	if i.policy.IsCachedResponseFresh(cached, req) {
		i.stats.Inc(namespace, stats.Hit)
		setOutcome(req, Outcome{State: StateServedCached})
		log.Trace().Time("stored", entry.StoredAt).Msg("Cache hit")
		return cached, nil
	}
	log.Trace().Msg("Cached response is stale")
	req.Meta.Set(metaCachedResponse, cached)
	return nil, nil
}

// AfterResponse returns the response to hand on, which is the cached one
// when the network confirmed it.
func (i *Interceptor) AfterResponse(ctx context.Context, namespace string, req *httpmsg.Request, res *httpmsg.Response) (*httpmsg.Response, error) {
	if req.DontCache {
		return res, nil
	}
	if _, tagged := req.Meta.Pop(metaDontCache); tagged || res.Flags.Has(httpmsg.FlagCached) {
		if tagged {
			setOutcome(req, Outcome{State: StateBypassed, FwdStatus: res.Status})
		}
		return res, nil
	}

	if res.Header == nil {
		res.Header = make(http.Header)
	}
	// TTL accounting needs a reference point even for origins that omit Date
	if res.Header.Get("Date") == "" {
		res.Header.Set("Date", rfc9111.FormatHttpDate(i.now()))
	}

	candidate, stale := req.Meta.Pop(metaCachedResponse)
	if !stale {
		i.stats.Inc(namespace, stats.Firsthand)
		return i.storeResponse(ctx, namespace, req, res, false)
	}
	cached := candidate.(*httpmsg.Response)
	if i.policy.IsCachedResponseValid(cached, res, req) {
		i.stats.Inc(namespace, stats.Revalidate)
		setOutcome(req, Outcome{State: StateRevalidated, Stale: true, FwdStatus: res.Status})
		i.log.Trace().Str("namespace", namespace).Stringer("url", req.URL).Int("status", res.Status).Msg("Cached response revalidated")
		return cached, nil
	}
	i.stats.Inc(namespace, stats.Invalidate)
	return i.storeResponse(ctx, namespace, req, res, true)
}

func (i *Interceptor) storeResponse(ctx context.Context, namespace string, req *httpmsg.Request, res *httpmsg.Response, stale bool) (*httpmsg.Response, error) {
	outcome := Outcome{State: StateServedFresh, Stale: stale, FwdStatus: res.Status}
	if !i.policy.ShouldCacheResponse(res, req) {
		i.stats.Inc(namespace, stats.Uncacheable)
		setOutcome(req, outcome)
		return res, nil
	}
	i.stats.Inc(namespace, stats.Store)
	if err := i.storage.Store(ctx, namespace, req, res); err != nil {
		return nil, fmt.Errorf("store response: %w", err)
	}
	outcome.State = StateStored
	setOutcome(req, outcome)
	i.log.Debug().Str("namespace", namespace).Stringer("url", req.URL).Int("status", res.Status).Msg("Stored response")
	return res, nil
}

// OnException returns the stale cached response in place of a transient network fault.
// Any other error is returned unchanged.
func (i *Interceptor) OnException(ctx context.Context, namespace string, req *httpmsg.Request, err error) (*httpmsg.Response, error) {
	candidate, stale := req.Meta.Pop(metaCachedResponse)
	if stale {
		if kind, transient := Classify(err); transient {
			i.stats.Inc(namespace, stats.ErrorRecovery)
			setOutcome(req, Outcome{State: StateRecovered, Stale: true, Fault: kind})
			i.log.Debug().Err(err).Str("namespace", namespace).Stringer("url", req.URL).Msg("Serving cached response after network fault")
			return candidate.(*httpmsg.Response), nil
		}
	}
	if !req.DontCache {
		setOutcome(req, Outcome{State: StatePropagated, Stale: stale})
	}
	return nil, err
}
