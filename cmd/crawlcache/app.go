package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/always-cache/crawlcache"
	"github.com/always-cache/crawlcache/core"
	"github.com/always-cache/crawlcache/stats"

	"github.com/rs/zerolog/log"
)

const (
	cacheName = "crawlcache"
	// defaultMaxNamespaces bounds the db handles a long-running server keeps open.
	defaultMaxNamespaces = 64
)

var errTooManyNamespaces = errors.New("too many cache namespaces")

// app owns one Interceptor and the namespaces opened on it.
type app struct {
	interceptor *core.Interceptor
	counters    *stats.Memory
	metrics     *stats.Prometheus
	base        http.RoundTripper

	// Zero means unlimited.
	maxNamespaces int

	mu         sync.Mutex
	namespaces map[string]*namespaceClient
}

// namespaceClient is opened once, outside app.mu.
type namespaceClient struct {
	once   sync.Once
	client *http.Client
	err    error
}

func newApp(config crawlcache.Config) (*app, error) {
	a := &app{
		counters:   stats.NewMemory(),
		metrics:    stats.NewPrometheus(),
		base:          http.DefaultTransport,
		maxNamespaces: defaultMaxNamespaces,
		namespaces:    make(map[string]*namespaceClient),
	}
	interceptor, err := crawlcache.New(config, crawlcache.Options{
		Stats:  stats.Multi{a.counters, a.metrics},
		Logger: &log.Logger,
	})
	if err != nil {
		return nil, err
	}
	a.interceptor = interceptor
	return a, nil
}

// client returns the caching client of a namespace, opening the namespace on first use.
// Concurrent callers for the same namespace wait for one Open; other namespaces are not blocked.
func (a *app) client(ctx context.Context, namespace string) (*http.Client, error) {
	a.mu.Lock()
	nc, ok := a.namespaces[namespace]
	if !ok {
		if a.maxNamespaces > 0 && len(a.namespaces) >= a.maxNamespaces {
			a.mu.Unlock()
			return nil, fmt.Errorf("%w: limit is %d", errTooManyNamespaces, a.maxNamespaces)
		}
		nc = &namespaceClient{}
		a.namespaces[namespace] = nc
	}
	a.mu.Unlock()

	nc.once.Do(func() {
		nc.client, nc.err = a.open(ctx, namespace)
	})
	if nc.err != nil {
		// forget the failed attempt so that a later call can retry
		a.mu.Lock()
		if a.namespaces[namespace] == nc {
			delete(a.namespaces, namespace)
		}
		a.mu.Unlock()
		return nil, nc.err
	}
	return nc.client, nil
}

// open opens the namespace and builds its client.
// Redirects are returned as is so that each hop goes through the cache on its own.
func (a *app) open(ctx context.Context, namespace string) (*http.Client, error) {
	if err := a.interceptor.Open(ctx, namespace); err != nil {
		return nil, err
	}
	log.Debug().Str("namespace", namespace).Msg("Opened namespace")
	return &http.Client{
		Transport: &core.Transport{
			Interceptor: a.interceptor,
			Namespace:   namespace,
			Base:        a.base,
			CacheName:   cacheName,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}, nil
}

// Close closes every namespace that was opened.
func (a *app) Close(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var errs []error
	for namespace, nc := range a.namespaces {
		// waits for an Open in flight, and marks one that never started as done
		nc.once.Do(func() {})
		if nc.client != nil {
			if err := a.interceptor.Close(ctx, namespace); err != nil {
				errs = append(errs, err)
			}
		}
		delete(a.namespaces, namespace)
	}
	return errors.Join(errs...)
}
