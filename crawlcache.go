// Package crawlcache caches HTTP responses inside a crawl pipeline.
//
// Build an Interceptor from a Config with New, open a namespace for the run
// and either call its hooks from your own pipeline or wrap an http.Client
// with core.Transport.
package crawlcache

import (
	"time"

	"github.com/always-cache/crawlcache/cache"
	"github.com/always-cache/crawlcache/core"
	cachekey "github.com/always-cache/crawlcache/pkg/cache-key"
	"github.com/always-cache/crawlcache/policy"
	"github.com/always-cache/crawlcache/stats"

	"github.com/rs/zerolog"
)

type Options struct {
	// Counter sink. Counts are discarded if nil.
	Stats stats.Sink
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// New validates the config and wires the selected policy and storage into an Interceptor.
func New(config Config, opts Options) (*core.Interceptor, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	p, err := policy.New(config.Policy, policy.Options{
		IgnoreSchemes:               config.IgnoreSchemes,
		IgnoreHTTPCodes:             config.IgnoreHTTPCodes,
		AlwaysStore:                 config.AlwaysStore,
		IgnoreResponseCacheControls: config.IgnoreResponseCacheControls,
	})
	if err != nil {
		return nil, err
	}
	storage, err := cache.New(config.Storage, cache.Options{
		Dir:           config.Dir,
		DbmModule:     config.DbmModule,
		Expiration:    time.Duration(config.ExpirationSecs) * time.Second,
		Fingerprinter: cachekey.Fingerprinter{IncludeHeaders: config.FingerprintHeaders},
		Mongo:         config.Mongo,
		Logger:        opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	return core.NewInterceptor(core.Config{
		Policy:        p,
		Storage:       storage,
		Stats:         opts.Stats,
		IgnoreMissing: config.IgnoreMissing,
		Logger:        opts.Logger,
	}), nil
}
