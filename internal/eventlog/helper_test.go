package eventlog_test

import (
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// startJetStream starts an embedded, in-process NATS server with JetStream
// enabled and returns a connected jetstream.JetStream handle. The server and
// connection are closed automatically when the test completes.
func startJetStream(t *testing.T) jetstream.JetStream {
	t.Helper()
	dir := t.TempDir()
	opts := &server.Options{
		Port:      -1,
		JetStream: true,
		StoreDir:  dir,
	}
	srv, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("couldn't create embedded nats server: %v", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded nats server not ready in time")
	}
	t.Cleanup(srv.Shutdown)
	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("couldn't connect to embedded nats server: %v", err)
	}
	t.Cleanup(nc.Close)
	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatalf("couldn't get jetstream context: %v", err)
	}
	return js
}
