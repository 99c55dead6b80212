package sink

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/glimpse/internal/storage"
)

// ObservationStore persists observations. Implemented by *storage.Store.
type ObservationStore interface {
	SaveObservation(ctx context.Context, o storage.Observation) error
}

// HistorySink records every response in the local history database.
type HistorySink struct {
	store ObservationStore
	host  string
	newID func() string
	now   func() time.Time
}

// NewHistorySink records observations tagged with host.
func NewHistorySink(store ObservationStore, host string) *HistorySink {
	return &HistorySink{store: store, host: host, newID: uuid.NewString, now: time.Now}
}

func (s *HistorySink) Name() string { return "history" }

func (s *HistorySink) Fragment(context.Context, string) error { return nil }

func (s *HistorySink) Finish(ctx context.Context, r Result) error {
	at := r.StartedAt
	if at.IsZero() {
		at = s.now()
	}
	o := storage.Observation{
		ID:           s.newID(),
		RunID:        r.RunID,
		Iteration:    r.Iteration,
		CreatedAt:    at,
		Kind:         string(r.Kind),
		Model:        r.Model,
		Prompt:       r.Prompt,
		Response:     r.Text,
		Status:       status(r),
		Elapsed:      r.Elapsed,
		ArtifactPath: r.ArtifactPath,
		Host:         s.host,
	}
	if r.Err != nil {
		o.Error = r.Err.Error()
	}
	return s.store.SaveObservation(ctx, o)
}

func status(r Result) string {
	switch {
	case r.Complete():
		return storage.StatusComplete
	case r.Truncated:
		return storage.StatusTruncated
	default:
		return storage.StatusFailed
	}
}
