package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	txcontext "github.com/zteffi86/permia/pkg/platform/tx"
)

// PostgresStore appends audit events to the audit_events table. When the
// context carries a transaction it joins it, so the evidence row and its
// audit event commit together.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, event Event) error {
	var detail []byte
	if event.Detail != nil {
		var err error
		detail, err = json.Marshal(event.Detail)
		if err != nil {
			return fmt.Errorf("marshal audit detail: %w", err)
		}
	}

	query := `
		INSERT INTO audit_events
			(id, correlation_id, tenant_id, actor_id, actor_role, action, resource_type, resource_id, result, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := txcontext.Pick(ctx, s.db).ExecContext(ctx, query,
		event.ID,
		event.CorrelationID,
		event.TenantID,
		event.ActorID,
		event.ActorRole,
		string(event.Action),
		event.ResourceType,
		event.ResourceID,
		string(event.Result),
		detail,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByCorrelation(ctx context.Context, correlationID string) ([]Event, error) {
	query := `
		SELECT id, correlation_id, tenant_id, actor_id, actor_role, action, resource_type, resource_id, result, detail, created_at
		FROM audit_events
		WHERE correlation_id = $1
		ORDER BY created_at
	`
	rows, err := txcontext.Pick(ctx, s.db).QueryContext(ctx, query, correlationID)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e      Event
			id     uuid.UUID
			detail []byte
			action string
			result string
		)
		if err := rows.Scan(&id, &e.CorrelationID, &e.TenantID, &e.ActorID, &e.ActorRole,
			&action, &e.ResourceType, &e.ResourceID, &result, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.ID = id
		e.Action = Action(action)
		e.Result = Result(result)
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("unmarshal audit detail: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
