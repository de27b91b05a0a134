package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists audit events. Implementations must be append-only and, in
// the Postgres case, join the ingestion transaction via pkg/platform/tx so a
// record write and its audit event commit atomically.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListByCorrelation(ctx context.Context, correlationID string) ([]Event, error)
}

// Recorder captures structured audit events. It is append-only and delegates
// persistence to the store so tests can swap sinks easily.
type Recorder struct {
	store Store
}

func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

// Record fills identity and timestamp defaults, then appends.
func (r *Recorder) Record(ctx context.Context, event Event) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return r.store.Append(ctx, event)
}

// ListByCorrelation returns the trail for one logical request.
func (r *Recorder) ListByCorrelation(ctx context.Context, correlationID string) ([]Event, error) {
	return r.store.ListByCorrelation(ctx, correlationID)
}
