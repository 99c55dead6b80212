package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Observation statuses.
const (
	StatusComplete  = "complete"
	StatusTruncated = "truncated"
	StatusFailed    = "failed"
)

// Observation is one recorded capture and inference cycle.
type Observation struct {
	ID        string
	RunID     string
	Iteration int
	CreatedAt time.Time
	Kind      string // "screenshot" or "audio"
	Model     string
	Prompt    string
	Response  string
	Status    string
	Error     string
	Elapsed   time.Duration
	// ArtifactPath is set only when the artifact was kept on disk.
	ArtifactPath string
	Host         string
}

// ListFilter narrows ListObservations. Zero values match everything.
type ListFilter struct {
	Kind   string
	RunID  string
	Limit  int
	Offset int
}
