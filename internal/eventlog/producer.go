package eventlog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// Producer publishes typed events onto a single stream. The subject for a
// published event is "<stream>.<typeName>", which is how consumers
// multiplex several event kinds over one stream: each consumer reads every
// subject of the stream, dispatches on the subject's type suffix, and
// acknowledges-and-skips types it has no handler for.
type Producer struct {
	js     jetstream.JetStream
	stream string
}

// NewProducer returns a Producer bound to the given stream. It does not
// create the stream: call EnsureStream first (every cmd/*/serve.go does so
// at startup for the streams it uses).
func NewProducer(js jetstream.JetStream, stream string) *Producer {
	return &Producer{js: js, stream: stream}
}

// subject returns the fully qualified subject for an event type on this
// producer's stream.
func (p *Producer) subject(eventType string) string {
	return fmt.Sprintf("%s.%s", p.stream, eventType)
}

// Publish serialises event as JSON and appends it to the stream under the
// subject for eventType. It returns the broker-assigned sequence number of
// the published message.
func (p *Producer) Publish(ctx context.Context, eventType string, event any) (uint64, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("couldn't marshal event %s: %v", eventType, err)
	}
	ack, err := p.js.Publish(ctx, p.subject(eventType), payload)
	if err != nil {
		return 0, fmt.Errorf("couldn't publish event %s: %v", eventType, err)
	}
	return ack.Sequence, nil
}

// EnsureStream idempotently creates the named stream with the given
// subjects, ignoring the "already exists" condition from the broker.
func EnsureStream(ctx context.Context, js jetstream.JetStream, name string, subjects []string) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     name,
		Subjects: subjects,
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("couldn't ensure stream %s: %v", name, err)
	}
	return nil
}
