package idempotency

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/zteffi86/permia/internal/audit"
)

// Sweeper purges expired idempotency entries on a schedule. cmd/server wires
// it into cron; tests call Sweep directly.
type Sweeper struct {
	store   Store
	auditor *audit.Recorder
	logger  *slog.Logger
}

func NewSweeper(store Store, auditor *audit.Recorder, logger *slog.Logger) *Sweeper {
	return &Sweeper{store: store, auditor: auditor, logger: logger}
}

// Sweep removes entries expired as of the given time and returns the count.
// Each run that removes anything leaves an audit event, since the sweep
// discards replay state that a very late retry would otherwise have hit.
func (s *Sweeper) Sweep(ctx context.Context, asOf time.Time) (int, error) {
	removed, err := s.store.Sweep(ctx, asOf)
	if err != nil {
		return 0, err
	}
	if removed == 0 {
		return 0, nil
	}
	s.logger.InfoContext(ctx, "idempotency sweep completed", "removed", removed)
	if s.auditor != nil {
		event := audit.Event{
			CorrelationID: uuid.NewString(),
			TenantID:      "system",
			ActorID:       "scheduler",
			Action:        audit.ActionIdempotencySweep,
			ResourceType:  "idempotency",
			Result:        audit.ResultSuccess,
			Detail:        map[string]any{"removed": removed},
		}
		if err := s.auditor.Record(ctx, event); err != nil {
			s.logger.WarnContext(ctx, "failed to record sweep audit event", "error", err)
		}
	}
	return removed, nil
}
