package run

import "time"

// Projection is the cached snapshot keyed by RunID that mirrors the fields
// the edge adapter needs for a fast read. It is authoritative only for
// reads: every write path updates the document store first and the cache
// second.
type Projection struct {
	RunID          string     `json:"runId"`
	Status         Status     `json:"status"`
	Mode           Mode       `json:"mode"`
	PrimaryService string     `json:"primaryService,omitempty"`
	PreviewURL     string     `json:"previewUrl,omitempty"`
	Progress       string     `json:"progress,omitempty"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

// FromRun builds the edge-facing projection of a Run document.
func FromRun(r *Run) Projection {
	return Projection{
		RunID:          r.RunID,
		Status:         r.Status,
		Mode:           r.Mode,
		PrimaryService: r.PrimaryService,
		PreviewURL:     r.PreviewURL,
		Error:          r.Error,
		CreatedAt:      r.CreatedAt,
		StartedAt:      r.StartedAt,
		CompletedAt:    r.CompletedAt,
	}
}
