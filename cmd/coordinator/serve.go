package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/eladsalama/reporunner/internal/cache"
	"github.com/eladsalama/reporunner/internal/coordinator"
	"github.com/eladsalama/reporunner/internal/eventlog"
	"github.com/eladsalama/reporunner/internal/metrics"
	"github.com/eladsalama/reporunner/internal/runstore"
)

const metricsPort = ":9911"

// ServeCmd represents the serve command.
type ServeCmd struct {
	NATSURL       string `kong:"required,env='NATS_URL',help='Event stream connection string (stream.connectionString)'"`
	MongoURL      string `kong:"required,env='MONGO_URL',help='Document store connection string (documentStore.connectionString)'"`
	MongoDatabase string `kong:"default='reporunner',env='MONGO_DATABASE',help='Document store database name'"`
	RedisURL      string `kong:"required,env='REDIS_URL',help='Cache connection string (cache.connectionString)'"`
}

// Run the serve command to process coordinator events.
func (cmd *ServeCmd) Run(log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	js, nc, err := eventlog.Connect("coordinator", cmd.NATSURL, log)
	if err != nil {
		return fmt.Errorf("couldn't connect to event stream: %v", err)
	}
	defer nc.Close()
	if err := eventlog.EnsureStream(ctx, js, eventlog.StreamRuns, []string{eventlog.StreamRuns + ".>"}); err != nil {
		return fmt.Errorf("couldn't ensure stream: %v", err)
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
		return fmt.Errorf("couldn't parse cache connection string: %v", err)
	}
	projectionCache := cache.NewClient(redis.NewClient(redisOpts))

	h := coordinator.New(store, projectionCache, log)
	consumerID := uuid.NewString()

	eg, ctx := errgroup.WithContext(ctx)
	metrics.Serve(ctx, eg, metricsPort)

	handlers := map[string]eventlog.Handler{
		eventlog.TypeRunRequested:     h.HandleRunRequested,
		eventlog.TypeBuildProgress:    h.HandleBuildProgress,
		eventlog.TypeBuildSucceeded:   h.HandleBuildSucceeded,
		eventlog.TypeBuildFailed:      h.HandleBuildFailed,
		eventlog.TypeRunSucceeded:     h.HandleRunSucceeded,
		eventlog.TypeRunFailed:        h.HandleRunFailed,
		eventlog.TypeRunStopRequested: h.HandleRunStopRequested,
	}
	consumer := eventlog.NewConsumer(js, log, eventlog.StreamRuns, eventlog.GroupOrchestrator,
		consumerID, handlers)
	eg.Go(func() error { return consumer.Run(ctx) })

	return eg.Wait()
}
