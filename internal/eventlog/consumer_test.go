package eventlog_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/eladsalama/reporunner/internal/eventlog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestProducerConsumerAckOnSuccess(t *testing.T) {
	js := startJetStream(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := eventlog.EnsureStream(ctx, js, eventlog.StreamRuns,
		[]string{eventlog.StreamRuns + ".>"})
	assert.NoError(t, err)

	var got atomic.Int32
	handler := func(_ context.Context, payload json.RawMessage) error {
		var ev eventlog.RunRequested
		if err := json.Unmarshal(payload, &ev); err != nil {
			return err
		}
		if ev.RunID == "r1" {
			got.Add(1)
		}
		return nil
	}
	c := eventlog.NewConsumer(js, testLogger(), eventlog.StreamRuns,
		eventlog.GroupOrchestrator, "test-consumer",
		map[string]eventlog.Handler{eventlog.TypeRunRequested: handler})

	p := eventlog.NewProducer(js, eventlog.StreamRuns)
	_, err = p.Publish(ctx, eventlog.TypeRunRequested, eventlog.RunRequested{RunID: "r1"})
	assert.NoError(t, err)

	runCtx, runCancel := context.WithTimeout(ctx, 5*time.Second)
	defer runCancel()
	go func() { _ = c.Run(runCtx) }()

	deadline := time.After(4 * time.Second)
	for got.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("handler was never invoked")
		case <-time.After(10 * time.Millisecond):
		}
	}
	assert.Equal(t, int32(1), got.Load())
}

func TestConsumerSkipsOtherEventTypes(t *testing.T) {
	js := startJetStream(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := eventlog.EnsureStream(ctx, js, eventlog.StreamRuns,
		[]string{eventlog.StreamRuns + ".>"})
	assert.NoError(t, err)

	var invoked atomic.Bool
	handler := func(context.Context, json.RawMessage) error {
		invoked.Store(true)
		return nil
	}
	c := eventlog.NewConsumer(js, testLogger(), eventlog.StreamRuns,
		eventlog.GroupOrchestrator, "test-consumer",
		map[string]eventlog.Handler{eventlog.TypeBuildSucceeded: handler})

	p := eventlog.NewProducer(js, eventlog.StreamRuns)
	_, err = p.Publish(ctx, eventlog.TypeRunRequested, eventlog.RunRequested{RunID: "r1"})
	assert.NoError(t, err)

	runCtx, runCancel := context.WithTimeout(ctx, 2*time.Second)
	defer runCancel()
	_ = c.Run(runCtx)

	assert.False(t, invoked.Load())
}

func TestConsumerRetryThenSuccess(t *testing.T) {
	js := startJetStream(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := eventlog.EnsureStream(ctx, js, eventlog.StreamRuns,
		[]string{eventlog.StreamRuns + ".>"})
	assert.NoError(t, err)

	var attempts atomic.Int32
	handler := func(context.Context, json.RawMessage) error {
		if attempts.Add(1) == 1 {
			return eventlog.ErrRetry
		}
		return nil
	}
	c := eventlog.NewConsumer(js, testLogger(), eventlog.StreamRuns,
		eventlog.GroupOrchestrator, "test-consumer",
		map[string]eventlog.Handler{eventlog.TypeRunRequested: handler},
		eventlog.WithIdleTimeout(2*time.Second))

	p := eventlog.NewProducer(js, eventlog.StreamRuns)
	_, err = p.Publish(ctx, eventlog.TypeRunRequested, eventlog.RunRequested{RunID: "r1"})
	assert.NoError(t, err)

	runCtx, runCancel := context.WithTimeout(ctx, 6*time.Second)
	defer runCancel()
	_ = c.Run(runCtx)

	assert.True(t, attempts.Load() >= 2)
}

// TestConsumerDispatchesMultipleTypesOnOneDurable guards against the
// multi-type regression: registering several event types on a single
// Consumer must deliver every type to its own handler, since two Consumer
// instances sharing one durable name would instead compete for the same
// delivery queue and silently ack away whichever type didn't happen to
// land on them.
func TestConsumerDispatchesMultipleTypesOnOneDurable(t *testing.T) {
	js := startJetStream(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := eventlog.EnsureStream(ctx, js, eventlog.StreamRuns,
		[]string{eventlog.StreamRuns + ".>"})
	assert.NoError(t, err)

	var requested, succeeded atomic.Int32
	handlers := map[string]eventlog.Handler{
		eventlog.TypeRunRequested: func(context.Context, json.RawMessage) error {
			requested.Add(1)
			return nil
		},
		eventlog.TypeBuildSucceeded: func(context.Context, json.RawMessage) error {
			succeeded.Add(1)
			return nil
		},
	}
	c := eventlog.NewConsumer(js, testLogger(), eventlog.StreamRuns,
		eventlog.GroupOrchestrator, "test-consumer", handlers)

	p := eventlog.NewProducer(js, eventlog.StreamRuns)
	_, err = p.Publish(ctx, eventlog.TypeRunRequested, eventlog.RunRequested{RunID: "r1"})
	assert.NoError(t, err)
	_, err = p.Publish(ctx, eventlog.TypeBuildSucceeded, eventlog.BuildSucceeded{RunID: "r1"})
	assert.NoError(t, err)

	runCtx, runCancel := context.WithTimeout(ctx, 5*time.Second)
	defer runCancel()
	go func() { _ = c.Run(runCtx) }()

	deadline := time.After(4 * time.Second)
	for requested.Load() == 0 || succeeded.Load() == 0 {
		select {
		case <-deadline:
			t.Fatalf("not all types delivered: requested=%d succeeded=%d", requested.Load(), succeeded.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// TestConsumerDeadLettersAfterMaxRetries guards the retry-bound boundary: a
// message whose handler keeps requesting retry must land in the DLQ stream
// exactly once, with the original message acknowledged in its group.
func TestConsumerDeadLettersAfterMaxRetries(t *testing.T) {
	js := startJetStream(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := eventlog.EnsureStream(ctx, js, eventlog.StreamRuns,
		[]string{eventlog.StreamRuns + ".>"})
	assert.NoError(t, err)
	err = eventlog.EnsureStream(ctx, js, eventlog.StreamDLQ,
		[]string{eventlog.StreamDLQ + ".>"})
	assert.NoError(t, err)

	handler := func(context.Context, json.RawMessage) error {
		return eventlog.ErrRetry
	}
	c := eventlog.NewConsumer(js, testLogger(), eventlog.StreamRuns,
		eventlog.GroupOrchestrator, "test-consumer",
		map[string]eventlog.Handler{eventlog.TypeRunRequested: handler},
		eventlog.WithMaxRetries(1))

	p := eventlog.NewProducer(js, eventlog.StreamRuns)
	_, err = p.Publish(ctx, eventlog.TypeRunRequested, eventlog.RunRequested{RunID: "r1"})
	assert.NoError(t, err)

	runCtx, runCancel := context.WithTimeout(ctx, 5*time.Second)
	defer runCancel()
	go func() { _ = c.Run(runCtx) }()

	dlq, err := js.Stream(ctx, eventlog.StreamDLQ)
	assert.NoError(t, err)
	deadline := time.After(4 * time.Second)
	for {
		info, err := dlq.Info(ctx)
		assert.NoError(t, err)
		if info.State.Msgs > 0 {
			assert.Equal(t, uint64(1), info.State.Msgs)
			break
		}
		select {
		case <-deadline:
			t.Fatal("message never reached the DLQ")
		case <-time.After(20 * time.Millisecond):
		}
	}
}
