package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/always-cache/crawlcache/core"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func serveCmd(flags *globalFlags) *cobra.Command {
	var (
		addr          string
		maxNamespaces int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve cached fetches over HTTP",
		Long:  "Serve /fetch, /stats, /metrics and /healthz, fetching through the cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			a, err := newApp(config)
			if err != nil {
				return err
			}
			a.maxNamespaces = maxNamespaces
			defer a.Close(context.Background())

			httpServer := &http.Server{
				Addr:    addr,
				Handler: a.router(log.Logger),
			}

			errCh := make(chan error, 1)
			go func() {
				log.Info().Str("addr", addr).Str("policy", config.Policy).Str("storage", config.Storage).Msg("Serving")
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case sig := <-sigCh:
				log.Info().Str("signal", sig.String()).Msg("Shutting down")
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := httpServer.Shutdown(ctx); err != nil {
					return fmt.Errorf("shutdown: %w", err)
				}
				return nil
			case err := <-errCh:
				return fmt.Errorf("server error: %w", err)
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "Address to listen on")
	cmd.Flags().IntVar(&maxNamespaces, "max-namespaces", defaultMaxNamespaces, "Maximum number of namespaces kept open, 0 for no limit")

	return cmd
}

func (a *app) router(logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(logger))
	r.Use(requestID)
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request")
	}))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Get("/fetch", a.handleFetch)
	r.Get("/stats", a.handleStats)
	r.Method(http.MethodGet, "/metrics", a.metrics.Handler())
	return r
}

// requestID reuses the caller's X-Request-Id or makes a new one, and adds it to the request logger.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		hlog.FromRequest(r).UpdateContext(func(c zerolog.Context) zerolog.Context {
			return c.Str("req_id", id)
		})
		next.ServeHTTP(w, r)
	})
}

// handleFetch fetches ?url= through the cache of ?namespace= and relays the response.
func (a *app) handleFetch(w http.ResponseWriter, r *http.Request) {
	logger := hlog.FromRequest(r)
	target := r.URL.Query().Get("url")
	if target == "" {
		http.Error(w, "missing url parameter", http.StatusBadRequest)
		return
	}
	namespace := r.URL.Query().Get("namespace")
	if namespace == "" {
		namespace = "default"
	}

	client, err := a.client(r.Context(), namespace)
	if errors.Is(err, errTooManyNamespaces) {
		logger.Warn().Err(err).Str("namespace", namespace).Msg("Namespace refused")
		http.Error(w, "too many cache namespaces", http.StatusTooManyRequests)
		return
	}
	if err != nil {
		logger.Error().Err(err).Str("namespace", namespace).Msg("Could not open namespace")
		http.Error(w, "could not open cache namespace", http.StatusInternalServerError)
		return
	}
	ctx := r.Context()
	if r.URL.Query().Has("dont_cache") {
		ctx = core.WithDontCache(ctx)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		http.Error(w, "invalid url parameter", http.StatusBadRequest)
		return
	}
	res, err := client.Do(req)
	if err != nil {
		logger.Warn().Err(err).Str("url", target).Msg("Fetch failed")
		if errors.Is(err, core.ErrNotInCache) {
			http.Error(w, "not in cache", http.StatusGatewayTimeout)
		} else {
			http.Error(w, "could not get response", http.StatusBadGateway)
		}
		return
	}
	defer res.Body.Close()

	for k, vv := range res.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(res.StatusCode)
	io.Copy(w, res.Body)
}

func (a *app) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(a.counters.Snapshot()); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not write stats")
	}
}
