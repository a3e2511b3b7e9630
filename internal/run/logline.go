package run

import "time"

// LogSource distinguishes build-time logs from running-tenant logs.
type LogSource string

// Recognised log sources.
const (
	LogSourceBuild LogSource = "build"
	LogSourceRun   LogSource = "run"
)

// LogLine is one append-only line document. Lines are ordered per
// (RunID, Source, ServiceName) tuple and read back in ascending timestamp
// order.
type LogLine struct {
	RunID       string    `bson:"runId" json:"runId"`
	Source      LogSource `bson:"source" json:"source"`
	ServiceName string    `bson:"serviceName,omitempty" json:"serviceName,omitempty"`
	Line        string    `bson:"line" json:"line"`
	Timestamp   time.Time `bson:"timestamp" json:"timestamp"`
}

// BuildLog is the single aggregated blob produced by the builder for one
// run, referenced from BuildSucceeded/BuildFailed's logsRef.
type BuildLog struct {
	RunID     string    `bson:"_id" json:"runId"`
	Content   string    `bson:"content" json:"content"`
	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
}
