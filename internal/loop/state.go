package loop

import "time"

// Phase is where the scheduler is within a cycle.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseCapturing Phase = "capturing"
	PhaseInferring Phase = "inferring"
	PhaseActing    Phase = "acting"
	PhaseStopped   Phase = "stopped"
)

// State is a point-in-time snapshot of the scheduler.
type State struct {
	RunID      string        `json:"runId"`
	Kind       string        `json:"kind"`
	Phase      Phase         `json:"phase"`
	Running    bool          `json:"running"`
	Continuous bool          `json:"continuous"`
	Interval   time.Duration `json:"interval"`
	Iteration  int           `json:"iteration"`
	LastStart  time.Time     `json:"lastStart,omitzero"`
	LastError  string        `json:"lastError,omitempty"`
	Completed  int           `json:"completed"`
	Degraded   int           `json:"degraded"`
	Skipped    int           `json:"skipped"`
}

// Status classifies how a cycle ended.
type Status string

const (
	// StatusCompleted means every sink acted on a complete response.
	StatusCompleted Status = "completed"
	// StatusDegraded means the cycle finished but the response was an
	// inference error or incomplete, or a sink failed.
	StatusDegraded Status = "degraded"
	// StatusSkipped means nothing was delivered: the capture failed or the
	// server could not be reached.
	StatusSkipped Status = "skipped"
)
