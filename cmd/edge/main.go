// Package main implements the reporunner edge adapter: the thin
// RunRequested/RunStopRequested producer and StatusByRunId cached read,
// enough to drive the pipeline end-to-end in local development and in
// tests.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"github.com/eladsalama/reporunner/internal/tracing"
)

// CLI represents the command-line interface.
type CLI struct {
	Debug        bool       `kong:"env='DEBUG',help='Enable debug logging'"`
	TraceLogPath string     `kong:"default='/tmp/reporunner-edge-trace.log',env='TRACE_LOG_PATH',help='File spans are written to'"`
	Serve        ServeCmd   `kong:"cmd,default=1,help='(default) Serve the edge HTTP contract surface'"`
	Version      VersionCmd `kong:"cmd,help='Print version information'"`
}

func main() {
	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.UsageOnError(),
	)
	var log *slog.Logger
	if cli.Debug {
		log = slog.New(slog.NewJSONHandler(os.Stderr,
			&slog.HandlerOptions{Level: slog.LevelDebug}))
	} else {
		log = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	traceWriter, tp, err := tracing.NewTracerProvider(
		"github.com/eladsalama/reporunner/edge", version, cli.TraceLogPath)
	if err != nil {
		log.Warn("couldn't init tracer provider", slog.Any("error", err))
	} else {
		defer traceWriter.Close()
		defer tp.Shutdown(context.Background())
	}
	kctx.FatalIfErrorf(kctx.Run(log))
}
