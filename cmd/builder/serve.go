package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/eladsalama/reporunner/internal/builder"
	"github.com/eladsalama/reporunner/internal/config"
	"github.com/eladsalama/reporunner/internal/eventlog"
	"github.com/eladsalama/reporunner/internal/metrics"
	"github.com/eladsalama/reporunner/internal/runstore"
)

const metricsPort = ":9912"

// ServeCmd represents the serve command.
type ServeCmd struct {
	NATSURL            string `kong:"required,env='NATS_URL',help='Event stream connection string (stream.connectionString)'"`
	MongoURL           string `kong:"required,env='MONGO_URL',help='Document store connection string (documentStore.connectionString)'"`
	MongoDatabase      string `kong:"default='reporunner',env='MONGO_DATABASE',help='Document store database name'"`
	CloneRoot          string `kong:"default='./work',env='CLONE_ROOT',help='Working directory root for source clones (builder.workDirectory)'"`
	BuilderBinary      string `kong:"default='docker',env='BUILDER_BINARY',help='Image-build CLI binary'"`
	ClusterName        string `kong:"env='CLUSTER_NAME',help='Local cluster name passed to the image loader'"`
	ClusterImageBinary string `kong:"default='kind',env='CLUSTER_IMAGE_BINARY',help='Cluster image-loader CLI binary'"`
}

// Run the serve command to process builder events.
func (cmd *ServeCmd) Run(log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	js, nc, err := eventlog.Connect("builder", cmd.NATSURL, log)
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

	cloneRoot := cmd.CloneRoot
	if cloneRoot == "" {
		cloneRoot = config.DefaultCloneRoot
	}

	b := &builder.Builder{
		CloneRoot:          cloneRoot,
		BuilderBinary:      cmd.BuilderBinary,
		ClusterName:        cmd.ClusterName,
		ClusterImageBinary: cmd.ClusterImageBinary,
		Store:              store,
		Publisher:          eventlog.NewProducer(js, eventlog.StreamRuns),
		Log:                log,
	}

	eg, ctx := errgroup.WithContext(ctx)
	metrics.Serve(ctx, eg, metricsPort)

	handlers := map[string]eventlog.Handler{
		eventlog.TypeRunRequested: b.HandleRunRequested,
	}
	consumer := eventlog.NewConsumer(js, log, eventlog.StreamRuns, eventlog.GroupBuilder,
		uuid.NewString(), handlers)
	eg.Go(func() error { return consumer.Run(ctx) })

	return eg.Wait()
}
