// Package eventlog implements the durable, typed event log that the
// coordinator, builder, and deployer workers communicate through. It is
// built on NATS JetStream: a stream is the durable, append-only log; a
// durable consumer is a consumer group; per-message Ack/Nak/Term and
// AckWait-based redelivery give at-least-once delivery with claim-on-idle
// and a bounded retry count.
package eventlog

import (
	"log/slog"
	"time"
)

// Stream names.
const (
	StreamRuns     = "REPOS_RUNS"
	StreamIndexing = "REPOS_INDEXING"
	StreamDLQ      = "REPOS_DLQ"
)

// Consumer group (durable name) identifiers.
const (
	GroupOrchestrator = "orchestrator"
	GroupBuilder      = "builder"
	GroupRunner       = "runner"
	GroupIndexer      = "indexer"
)

// Event type names. These are used as the JetStream subject suffix (the
// payload itself carries no type field), so a single stream can be
// multiplexed across several event kinds.
const (
	TypeRunRequested     = "RunRequested"
	TypeRunStopRequested = "RunStopRequested"
	TypeBuildProgress    = "BuildProgress"
	TypeBuildSucceeded   = "BuildSucceeded"
	TypeBuildFailed      = "BuildFailed"
	TypeRunSucceeded     = "RunSucceeded"
	TypeRunFailed        = "RunFailed"
)

// Mode mirrors the Run.mode attribute.
type Mode string

// Recognised run modes.
const (
	ModeSingleImage  Mode = "single-image"
	ModeMultiService Mode = "multi-service"
)

// RunRequested is emitted by the edge adapter when a client asks to run a
// repository locally.
type RunRequested struct {
	RunID          string    `json:"runId"`
	Repo           string    `json:"repo"`
	Branch         string    `json:"branch"`
	Mode           Mode      `json:"mode"`
	ComposePath    string    `json:"composePath,omitempty"`
	PrimaryService string    `json:"primaryService,omitempty"`
	RequestedAt    time.Time `json:"requestedAt"`
}

// LogValue implements slog.LogValuer.
func (e RunRequested) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("runId", e.RunID),
		slog.String("repo", e.Repo),
		slog.String("branch", e.Branch),
		slog.String("mode", string(e.Mode)),
	)
}

// RunStopRequested is emitted by the edge adapter to request teardown of a
// running tenant.
type RunStopRequested struct {
	RunID       string    `json:"runId"`
	Tenant      string    `json:"tenant,omitempty"`
	RequestedAt time.Time `json:"requestedAt"`
}

// LogValue implements slog.LogValuer.
func (e RunStopRequested) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("runId", e.RunID),
		slog.String("tenant", e.Tenant),
	)
}

// BuildProgress reports incremental build progress for a single run. Only
// the projection cache's human-readable progress string is updated on
// receipt of this event; the document store is untouched.
type BuildProgress struct {
	RunID       string    `json:"runId"`
	Current     int       `json:"current"`
	Total       int       `json:"total"`
	ServiceName string    `json:"serviceName,omitempty"`
	Stage       string    `json:"stage"`
	Ts          time.Time `json:"ts"`
}

// LogValue implements slog.LogValuer.
func (e BuildProgress) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("runId", e.RunID),
		slog.Int("current", e.Current),
		slog.Int("total", e.Total),
		slog.String("stage", e.Stage),
	)
}

// ServiceInfo describes one built-and-loaded service image in multi-service
// mode.
type ServiceInfo struct {
	ServiceName string `json:"serviceName"`
	ImageRef    string `json:"imageRef"`
	Ports       []int  `json:"ports"`
	External    bool   `json:"external"`
}

// BuildSucceeded is emitted by the builder on a successful build. Exactly
// one of ImageRef or Services is populated, depending on Mode.
type BuildSucceeded struct {
	RunID       string        `json:"runId"`
	Mode        Mode          `json:"mode"`
	ImageRef    string        `json:"imageRef,omitempty"`
	Ports       []int         `json:"ports,omitempty"`
	Services    []ServiceInfo `json:"services,omitempty"`
	CompletedAt time.Time     `json:"completedAt"`
	LogsRef     string        `json:"logsRef"`
}

// LogValue implements slog.LogValuer.
func (e BuildSucceeded) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("runId", e.RunID),
		slog.String("mode", string(e.Mode)),
		slog.String("imageRef", e.ImageRef),
		slog.Int("services", len(e.Services)),
	)
}

// BuildFailed is emitted by the builder when a build cannot complete.
type BuildFailed struct {
	RunID          string    `json:"runId"`
	Error          string    `json:"error"`
	FailedAt       time.Time `json:"failedAt"`
	LogsRef        string    `json:"logsRef,omitempty"`
	SuggestedFixes []string  `json:"suggestedFixes,omitempty"`
}

// LogValue implements slog.LogValuer.
func (e BuildFailed) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("runId", e.RunID),
		slog.String("error", e.Error),
	)
}

// RunSucceeded is emitted by the deployer once a tenant is reachable.
type RunSucceeded struct {
	RunID      string    `json:"runId"`
	PreviewURL string    `json:"previewUrl"`
	Tenant     string    `json:"tenant"`
	StartedAt  time.Time `json:"startedAt"`
}

// LogValue implements slog.LogValuer.
func (e RunSucceeded) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("runId", e.RunID),
		slog.String("tenant", e.Tenant),
		slog.String("previewUrl", e.PreviewURL),
	)
}

// RunFailed is emitted by the deployer when tenant provisioning fails.
type RunFailed struct {
	RunID    string    `json:"runId"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failedAt"`
}

// LogValue implements slog.LogValuer.
func (e RunFailed) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("runId", e.RunID),
		slog.String("error", e.Error),
	)
}
