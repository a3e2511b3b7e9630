package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reporunner_eventlog_messages_total",
		Help: "The total number of event-log messages dispatched to a handler",
	})
	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reporunner_eventlog_retries_total",
		Help: "The total number of handler retry requests (messages left pending for redelivery)",
	})
	deadLetteredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reporunner_eventlog_dead_lettered_total",
		Help: "The total number of messages moved to the dead-letter queue after exhausting retries",
	})
)

// Default consumer tuning.
const (
	DefaultIdleTimeout = 60 * time.Second
	DefaultMaxRetries  = 3
	DefaultBatchSize   = 10
	startBackoff       = 5 * time.Second
	maxBackoff         = 60 * time.Second
)

// ErrRetry is returned by a Handler to indicate that the message should not
// be acknowledged, and should instead be redelivered (either immediately via
// Nak, or after AckWait elapses).
var ErrRetry = errors.New("eventlog: handler requested retry")

// Handler processes the decoded payload of one event. Returning nil
// acknowledges the message. Returning ErrRetry (or a wrapped ErrRetry)
// leaves the message pending for redelivery. Any other error is logged and
// the message is acknowledged anyway, since a handler bug must not cause an
// infinite redelivery loop.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Consumer reads every event type a worker cares about from one stream
// under one durable consumer (= consumer group), dispatching each message
// to the Handler registered for its type. Every event type a worker
// subscribes to shares the single durable: JetStream delivers each message
// to exactly one Fetch caller per durable, so two durables with the same
// name would compete for delivery instead of each seeing every message of
// their own type. Multiplexing several types through one durable's
// dispatch table, rather than one durable per type, is what makes that
// guarantee hold for workers that handle more than one event type.
type Consumer struct {
	js          jetstream.JetStream
	stream      string
	group       string
	consumerID  string
	handlers    map[string]Handler
	idleTimeout time.Duration
	maxRetries  int
	batchSize   int
	log         *slog.Logger

	con jetstream.Consumer
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithIdleTimeout overrides DefaultIdleTimeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Consumer) { c.idleTimeout = d }
}

// WithMaxRetries overrides DefaultMaxRetries.
func WithMaxRetries(n int) Option {
	return func(c *Consumer) { c.maxRetries = n }
}

// WithBatchSize overrides DefaultBatchSize.
func WithBatchSize(n int) Option {
	return func(c *Consumer) { c.batchSize = n }
}

// NewConsumer returns a Consumer bound to stream/group, dispatching each
// message to the Handler registered in handlers under its event type.
// consumerID names the process instance (e.g. hostname-pid or a uuid); it
// is stored on the Consumer but not used in its logs or metrics, and
// JetStream durable consumers are shared across all processes using the
// same group name.
func NewConsumer(
	js jetstream.JetStream,
	log *slog.Logger,
	stream, group, consumerID string,
	handlers map[string]Handler,
	opts ...Option,
) *Consumer {
	c := &Consumer{
		js:          js,
		stream:      stream,
		group:       group,
		consumerID:  consumerID,
		handlers:    handlers,
		idleTimeout: DefaultIdleTimeout,
		maxRetries:  DefaultMaxRetries,
		batchSize:   DefaultBatchSize,
		log:         log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ensure creates the durable consumer if it does not already exist,
// ignoring "already exists" errors so repeated calls are idempotent.
func (c *Consumer) ensure(ctx context.Context) error {
	subjectFilter := fmt.Sprintf("%s.>", c.stream)
	con, err := c.js.CreateOrUpdateConsumer(ctx, c.stream, jetstream.ConsumerConfig{
		Durable:       c.group,
		FilterSubject: subjectFilter,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       c.idleTimeout,
		MaxDeliver:    c.maxRetries + 1, // MaxDeliver counts the first delivery too
	})
	if err != nil {
		return fmt.Errorf("couldn't ensure consumer %s/%s: %v", c.stream, c.group, err)
	}
	c.con = con
	return nil
}

// eventType extracts the event type name from a "<stream>.<typeName>"
// subject.
func (c *Consumer) eventType(subject string) string {
	return strings.TrimPrefix(subject, c.stream+".")
}

// Run drives the consumer's fetch loop until ctx is cancelled. A single
// JetStream Fetch call both delivers new messages and redelivers anything
// whose AckWait has expired on a prior consumer, so there is no separate
// idle-scan step to hand-roll.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := startBackoff
	for {
		if ctx.Err() != nil {
			return nil
		}
		if c.con == nil {
			if err := c.ensure(ctx); err != nil {
				c.log.Error("couldn't ensure consumer, backing off",
					slog.String("group", c.group), slog.Any("error", err),
					slog.Duration("backoff", backoff))
				if !sleepCtx(ctx, backoff) {
					return nil
				}
				backoff = nextBackoff(backoff)
				continue
			}
		}
		msgs, err := c.con.Fetch(c.batchSize, jetstream.FetchMaxWait(time.Second))
		if err != nil {
			if errors.Is(err, jetstream.ErrConsumerNotFound) ||
				errors.Is(err, jetstream.ErrConsumerDeleted) {
				c.con = nil
				continue
			}
			c.log.Error("fetch error, backing off",
				slog.String("group", c.group), slog.Any("error", err),
				slog.Duration("backoff", backoff))
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = startBackoff
		n := c.drain(ctx, msgs)
		if n == 0 {
			// empty pass: avoid busy-looping
			if !sleepCtx(ctx, 200*time.Millisecond) {
				return nil
			}
		}
	}
}

// drain consumes every message in the batch's channel and returns the
// number processed.
func (c *Consumer) drain(ctx context.Context, msgs jetstream.MessageBatch) int {
	n := 0
	for msg := range msgs.Messages() {
		n++
		c.handle(ctx, msg)
	}
	return n
}

// handle applies the type dispatch, decode, and handler-invocation policy
// to a single message.
func (c *Consumer) handle(ctx context.Context, msg jetstream.Msg) {
	eventType := c.eventType(msg.Subject())
	handler, ok := c.handlers[eventType]
	if !ok {
		// multiplexed stream, not a type this worker subscribes to
		_ = msg.Ack()
		return
	}
	var payload json.RawMessage
	if err := json.Unmarshal(msg.Data(), &payload); err != nil {
		// poison-pill: ack rather than ask the broker to preserve corrupted bytes
		c.log.Warn("dropping undecodable message",
			slog.String("subject", msg.Subject()), slog.Any("error", err))
		_ = msg.Ack()
		return
	}
	meta, err := msg.Metadata()
	delivered := uint64(1)
	if err == nil {
		delivered = meta.NumDelivered
	}
	if int(delivered) > c.maxRetries {
		c.deadLetter(ctx, msg, eventType, delivered)
		_ = msg.Term()
		return
	}
	messagesTotal.Inc()
	if err := handler(ctx, payload); err != nil {
		if errors.Is(err, ErrRetry) {
			retriesTotal.Inc()
			_ = msg.NakWithDelay(0)
			return
		}
		c.log.Error("handler error, acknowledging to avoid redelivery loop",
			slog.String("subject", msg.Subject()), slog.Any("error", err))
		_ = msg.Ack()
		return
	}
	_ = msg.Ack()
}

// dlqPreviewLimit bounds how much of an exhausted message's payload is
// carried into its DLQ record.
const dlqPreviewLimit = 256

// deadLetter publishes a DLQ record for a message that exhausted its retry
// budget, in the "<stream>:<msgId>:field1=v1,field2=v2,..." form, carrying
// a truncated payload preview for operator inspection.
func (c *Consumer) deadLetter(ctx context.Context, msg jetstream.Msg, eventType string, delivered uint64) {
	meta, _ := msg.Metadata()
	var seq uint64
	if meta != nil {
		seq = meta.Sequence.Stream
	}
	preview := string(msg.Data())
	if len(preview) > dlqPreviewLimit {
		preview = preview[:dlqPreviewLimit]
	}
	record := fmt.Sprintf("%s:%d:type=%s,delivered=%d,payload=%s",
		c.stream, seq, eventType, delivered, preview)
	dlq := NewProducer(c.js, StreamDLQ)
	if _, err := dlq.Publish(ctx, "entry", record); err != nil {
		c.log.Error("couldn't publish to DLQ", slog.Any("error", err))
		return
	}
	deadLetteredTotal.Inc()
	c.log.Warn("moved message to dead-letter queue",
		slog.String("subject", msg.Subject()), slog.Uint64("deliveries", delivered))
}

// PendingCount returns the number of pending (unacknowledged) messages for
// this consumer's group, for health/lag reporting.
func (c *Consumer) PendingCount(ctx context.Context) (int64, error) {
	if c.con == nil {
		if err := c.ensure(ctx); err != nil {
			return 0, err
		}
	}
	info, err := c.con.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("couldn't get consumer info: %v", err)
	}
	return int64(info.NumPending), nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(d time.Duration) time.Duration {
	next := d * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}
