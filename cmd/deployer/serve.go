package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/eladsalama/reporunner/internal/cluster"
	"github.com/eladsalama/reporunner/internal/config"
	"github.com/eladsalama/reporunner/internal/deployer"
	"github.com/eladsalama/reporunner/internal/eventlog"
	"github.com/eladsalama/reporunner/internal/metrics"
	"github.com/eladsalama/reporunner/internal/portforward"
	"github.com/eladsalama/reporunner/internal/runstore"
	"github.com/eladsalama/reporunner/internal/ttlreaper"
)

const metricsPort = ":9913"

// ServeCmd represents the serve command.
type ServeCmd struct {
	NATSURL            string        `kong:"required,env='NATS_URL',help='Event stream connection string (stream.connectionString)'"`
	MongoURL           string        `kong:"required,env='MONGO_URL',help='Document store connection string (documentStore.connectionString)'"`
	MongoDatabase      string        `kong:"default='reporunner',env='MONGO_DATABASE',help='Document store database name'"`
	Kubeconfig         string        `kong:"env='KUBECONFIG',help='Path to a kubeconfig file; falls back to in-cluster config if unset'"`
	ConcurrentLogLimit uint          `kong:"default='20',env='CONCURRENT_LOG_LIMIT',help='Maximum number of simultaneous pod log tails'"`
	NamespaceTTL       time.Duration `kong:"default='2h',env='NAMESPACE_TTL',help='Tenant namespace lifetime before the reaper deletes it'"`
	ReaperInterval     time.Duration `kong:"default='15m',env='REAPER_INTERVAL',help='How often the TTL reaper sweeps for expired tenant namespaces'"`
	NodePort           int           `kong:"default='30080',env='NODE_PORT',help='Fallback external port when a port-forward is unavailable (runner.nodePort)'"`
	MigrationCommand   []string      `kong:"env='MIGRATION_COMMAND',help='Command run inside each api-named deployment after readiness, comma-separated'"`
}

// Run the serve command to process deployer events.
func (cmd *ServeCmd) Run(log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	js, nc, err := eventlog.Connect("deployer", cmd.NATSURL, log)
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

	logLimit := cmd.ConcurrentLogLimit
	if logLimit == 0 {
		logLimit = config.DefaultConcurrentLogLimit
	}
	clusterClient, err := cluster.NewClient(cmd.Kubeconfig, logLimit)
	if err != nil {
		return fmt.Errorf("couldn't init cluster client: %v", err)
	}

	namespaceTTL := cmd.NamespaceTTL
	if namespaceTTL <= 0 {
		namespaceTTL = config.DefaultNamespaceTTL
	}

	d := &deployer.Deployer{
		Cluster:          clusterClient,
		RestConfig:       clusterClient.RestConfig(),
		Forwards:         portforward.NewRegistry(),
		Store:            store,
		Publisher:        eventlog.NewProducer(js, eventlog.StreamRuns),
		Log:              log,
		NamespaceTTL:     namespaceTTL,
		FallbackNodePort: cmd.NodePort,
		MigrationCommand: cmd.MigrationCommand,
	}

	reaperInterval := cmd.ReaperInterval
	if reaperInterval <= 0 {
		reaperInterval = config.DefaultReaperInterval
	}
	reaper := ttlreaper.New(clusterClient, clusterClient, reaperInterval, log)

	eg, ctx := errgroup.WithContext(ctx)
	metrics.Serve(ctx, eg, metricsPort)

	handlers := map[string]eventlog.Handler{
		eventlog.TypeBuildSucceeded:   d.HandleBuildSucceeded,
		eventlog.TypeRunStopRequested: d.HandleRunStopRequested,
	}
	consumer := eventlog.NewConsumer(js, log, eventlog.StreamRuns, eventlog.GroupRunner,
		uuid.NewString(), handlers)
	eg.Go(func() error { return consumer.Run(ctx) })
	eg.Go(func() error { return reaper.Run(ctx) })

	return eg.Wait()
}
