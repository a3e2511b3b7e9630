package run

import "time"

// Mode selects whether a Run builds a single image or a multi-service
// compose project.
type Mode string

// Recognised modes.
const (
	ModeSingleImage  Mode = "single-image"
	ModeMultiService Mode = "multi-service"
)

// Payload is the tagged variant holding whichever of the single-image or
// multi-service result fields apply to a Run, instead of one struct with
// nullable siblings of both.
type Payload interface {
	isPayload()
}

// SingleImagePayload is the Payload for ModeSingleImage runs.
type SingleImagePayload struct {
	ImageRef string `bson:"imageRef" json:"imageRef"`
	Ports    []int  `bson:"ports" json:"ports"`
}

func (SingleImagePayload) isPayload() {}

// MultiServicePayload is the Payload for ModeMultiService runs.
type MultiServicePayload struct {
	Images []string `bson:"images" json:"images"`
	Ports  []int    `bson:"ports" json:"ports"`
}

func (MultiServicePayload) isPayload() {}

// Run is the canonical record of one requested execution.
type Run struct {
	RunID          string     `bson:"_id" json:"runId"`
	Repo           string     `bson:"repo" json:"repo"`
	Branch         string     `bson:"branch" json:"branch"`
	Mode           Mode       `bson:"mode" json:"mode"`
	ComposePath    string     `bson:"composePath,omitempty" json:"composePath,omitempty"`
	PrimaryService string     `bson:"primaryService,omitempty" json:"primaryService,omitempty"`
	Status         Status     `bson:"status" json:"status"`
	Tenant         string     `bson:"tenant,omitempty" json:"tenant,omitempty"`
	PreviewURL     string     `bson:"previewUrl,omitempty" json:"previewUrl,omitempty"`
	Payload        Payload    `bson:"payload,omitempty" json:"payload,omitempty"`
	Error          string     `bson:"error,omitempty" json:"error,omitempty"`
	LogsRef        string     `bson:"logsRef,omitempty" json:"logsRef,omitempty"`
	CreatedAt      time.Time  `bson:"createdAt" json:"createdAt"`
	StartedAt      *time.Time `bson:"startedAt,omitempty" json:"startedAt,omitempty"`
	CompletedAt    *time.Time `bson:"completedAt,omitempty" json:"completedAt,omitempty"`
}
