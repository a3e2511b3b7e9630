// Package metrics serves the prometheus registry every reporunner worker
// binary exposes: the event-log consumer counters, plus the default Go
// process collectors.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const (
	readTimeout     = 2 * time.Second
	shutdownTimeout = 2 * time.Second
)

// Serve runs a prometheus metrics server in goroutines managed by eg,
// shutting it down gracefully (with a two second timeout) when ctx is
// cancelled. Callers should Wait() on eg before exiting.
func Serve(ctx context.Context, eg *errgroup.Group, metricsPort string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := http.Server{
		Addr:         metricsPort,
		ReadTimeout:  readTimeout,
		WriteTimeout: readTimeout,
		Handler:      mux,
	}
	eg.Go(func() error {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			return fmt.Errorf("metrics server exited with error: %v", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		timeoutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(timeoutCtx)
	})
}
