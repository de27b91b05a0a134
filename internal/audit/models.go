package audit

import (
	"time"

	"github.com/google/uuid"
)

// Action identifies what the actor attempted.
type Action string

const (
	ActionEvidenceUpload   Action = "evidence.upload"
	ActionEvidenceRead     Action = "evidence.read"
	ActionIdempotencySweep Action = "idempotency.sweep"
)

// Result is the terminal outcome recorded for an action. Every request
// produces exactly one terminal event.
type Result string

const (
	ResultSuccess  Result = "success"
	ResultRejected Result = "rejected"
	ResultFailure  Result = "failure"
	// ResultReplayed marks an idempotent replay served from cache.
	ResultReplayed Result = "replayed"
	// ResultDuplicate marks a duplicate-content conflict pointing at the
	// canonical record.
	ResultDuplicate Result = "duplicate"
)

// Event is one append-only audit row, correlated to the request that caused
// it. Events are never mutated or deleted.
type Event struct {
	ID            uuid.UUID
	CorrelationID string
	TenantID      string
	ActorID       string
	ActorRole     string
	Action        Action
	ResourceType  string
	ResourceID    string
	Result        Result
	Detail        map[string]any
	Timestamp     time.Time
}
