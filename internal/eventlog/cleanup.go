package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"
)

// knownStreams is the fixed set of streams this system manages. Cleanup
// operates only on these, never discovering arbitrary streams on the
// broker.
var knownStreams = []string{StreamRuns, StreamIndexing, StreamDLQ}

// Cleanup deletes the known streams (which also discards their consumers
// and the dead-letter records they hold). Only the edge adapter calls it,
// once at startup and only when its flush-on-startup flag is set; no
// process calls it on shutdown. More than one process purging on startup
// would race and could drop another worker's in-flight events.
func Cleanup(ctx context.Context, js jetstream.JetStream, log *slog.Logger) error {
	for _, name := range knownStreams {
		if err := js.DeleteStream(ctx, name); err != nil {
			if isNotFound(err) {
				continue
			}
			return fmt.Errorf("couldn't delete stream %s: %v", name, err)
		}
		log.Debug("deleted stream", slog.String("stream", name))
	}
	return nil
}

// isNotFound reports whether err indicates the stream/consumer already did
// not exist, which Cleanup treats as success.
func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrStreamNotFound) ||
		errors.Is(err, jetstream.ErrConsumerNotFound)
}
