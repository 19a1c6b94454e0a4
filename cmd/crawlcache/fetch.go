package main

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/always-cache/crawlcache/core"
	"github.com/always-cache/crawlcache/rfc9211"
	"github.com/always-cache/crawlcache/stats"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func fetchCmd(flags *globalFlags) *cobra.Command {
	var (
		namespace string
		dontCache bool
	)

	cmd := &cobra.Command{
		Use:   "fetch URL...",
		Short: "Fetch URLs through the cache",
		Long:  "Fetch URLs one after the other through the cache and print what the cache did with each",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			a, err := newApp(config)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if dontCache {
				ctx = core.WithDontCache(ctx)
			}
			defer a.Close(context.Background())
			return runFetch(ctx, cmd.OutOrStdout(), a, namespace, args)
		},
	}

	cmd.Flags().StringVarP(&namespace, "namespace", "n", "default", "Cache namespace")
	cmd.Flags().BoolVar(&dontCache, "dont-cache", false, "Bypass the cache for these requests")

	return cmd
}

// runFetch keeps going after a failed URL and reports the first error at the end.
func runFetch(ctx context.Context, out io.Writer, a *app, namespace string, urls []string) error {
	client, err := a.client(ctx, namespace)
	if err != nil {
		return err
	}
	var firstErr error
	for _, u := range urls {
		if err := fetchOne(ctx, out, client, u); err != nil {
			log.Error().Err(err).Str("url", u).Msg("Fetch failed")
			fmt.Fprintf(out, "ERR %s %v\n", u, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	fmt.Fprintln(out)
	for _, counter := range stats.Counters {
		if n := a.counters.Get(namespace, counter); n > 0 {
			fmt.Fprintf(out, "%s%s: %d\n", stats.Prefix, counter, n)
		}
	}
	return firstErr
}

func fetchOne(ctx context.Context, out io.Writer, client *http.Client, u string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	n, err := io.Copy(io.Discard, res.Body)
	if err != nil {
		return err
	}
	flags := "[]"
	if res.Header.Get("X-From-Cache") != "" {
		flags = "[cached]"
	}
	fmt.Fprintf(out, "%d %s %s %dB %s\n", res.StatusCode, u, flags, n, res.Header.Get(rfc9211.HeaderName))
	return nil
}
