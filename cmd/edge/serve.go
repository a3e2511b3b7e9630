package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/eladsalama/reporunner/internal/cache"
	"github.com/eladsalama/reporunner/internal/edge"
	"github.com/eladsalama/reporunner/internal/eventlog"
	"github.com/eladsalama/reporunner/internal/metrics"
	"github.com/eladsalama/reporunner/internal/runstore"
)

const metricsPort = ":9914"

// ServeCmd represents the serve command.
type ServeCmd struct {
	NATSURL               string `kong:"required,env='NATS_URL',help='Event stream connection string (stream.connectionString)'"`
	MongoURL              string `kong:"required,env='MONGO_URL',help='Document store connection string (documentStore.connectionString)'"`
	MongoDatabase         string `kong:"default='reporunner',env='MONGO_DATABASE',help='Document store database name'"`
	RedisURL              string `kong:"required,env='REDIS_URL',help='Projection cache connection string'"`
	HTTPPort              string `kong:"default=':8080',env='HTTP_PORT',help='Port the edge HTTP contract surface listens on'"`
	FlushStreamsOnStartup bool   `kong:"env='FLUSH_STREAMS_ON_STARTUP',help='Purge all known streams before ensuring them; must be set on at most one process (flushStreamsOnStartup)'"`
}

// Run the serve command to serve the edge HTTP contract surface.
func (cmd *ServeCmd) Run(log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	js, nc, err := eventlog.Connect("edge", cmd.NATSURL, log)
	if err != nil {
		return fmt.Errorf("couldn't connect to event stream: %v", err)
	}
	defer nc.Close()

	if cmd.FlushStreamsOnStartup {
		if err := eventlog.Cleanup(ctx, js, log); err != nil {
			return fmt.Errorf("couldn't flush streams on startup: %v", err)
		}
	}
	if err := eventlog.EnsureStream(ctx, js, eventlog.StreamRuns, []string{eventlog.StreamRuns + ".>"}); err != nil {
		return fmt.Errorf("couldn't ensure stream: %v", err)
	}
	if err := eventlog.EnsureStream(ctx, js, eventlog.StreamIndexing, []string{eventlog.StreamIndexing + ".>"}); err != nil {
		return fmt.Errorf("couldn't ensure indexing stream: %v", err)
	}
	if err := eventlog.EnsureStream(ctx, js, eventlog.StreamDLQ, []string{eventlog.StreamDLQ + ".>"}); err != nil {
		return fmt.Errorf("couldn't ensure DLQ stream: %v", err)
	}

	store, err := runstore.NewClient(ctx, cmd.MongoURL, cmd.MongoDatabase)
	if err != nil {
		return fmt.Errorf("couldn't init document store client: %v", err)
	}

	redisOpts, err := redis.ParseURL(cmd.RedisURL)
	if err != nil {
		return fmt.Errorf("couldn't parse redis url: %v", err)
	}
	projectionCache := cache.NewClient(redis.NewClient(redisOpts))

	h := &edge.Handler{
		Publisher:  eventlog.NewProducer(js, eventlog.StreamRuns),
		Projection: projectionCache,
		Logs:       store,
		Log:        log,
	}

	eg, ctx := errgroup.WithContext(ctx)
	metrics.Serve(ctx, eg, metricsPort)

	server := &http.Server{Addr: cmd.HTTPPort, Handler: h.ServeMux()}
	eg.Go(func() error {
		<-ctx.Done()
		return server.Close()
	})
	eg.Go(func() error {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("edge HTTP server failed: %v", err)
		}
		return nil
	})

	return eg.Wait()
}
