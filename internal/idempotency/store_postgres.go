package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	txcontext "github.com/zteffi86/permia/pkg/platform/tx"
)

// PostgresStore implements Store on the idempotency_entries table. The
// reserve step relies on the (tenant_id, idempotency_key) primary key: of two
// concurrent identical requests, exactly one insert wins.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CheckOrReserve(ctx context.Context, tenantID, key, fingerprint string, ttl time.Duration) (Decision, *Entry, error) {
	now := time.Now().UTC()

	// Expired rows behave as absent: clear before reserving.
	_, err := txcontext.Pick(ctx, s.db).ExecContext(ctx, `
		DELETE FROM idempotency_entries
		WHERE tenant_id = $1 AND idempotency_key = $2 AND expires_at < $3
	`, tenantID, key, now)
	if err != nil {
		return 0, nil, fmt.Errorf("expire idempotency entry: %w", err)
	}

	res, err := txcontext.Pick(ctx, s.db).ExecContext(ctx, `
		INSERT INTO idempotency_entries
			(tenant_id, idempotency_key, request_fingerprint, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, idempotency_key) DO NOTHING
	`, tenantID, key, fingerprint, now, now.Add(ttl))
	if err != nil {
		return 0, nil, fmt.Errorf("reserve idempotency entry: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return DecisionFresh, nil, nil
	}

	// Lost the insert race or the key already exists: inspect the row.
	var entry Entry
	var statusCode sql.NullInt64
	var response []byte
	err = txcontext.Pick(ctx, s.db).QueryRowContext(ctx, `
		SELECT tenant_id, idempotency_key, request_fingerprint, status_code, response, created_at, expires_at
		FROM idempotency_entries
		WHERE tenant_id = $1 AND idempotency_key = $2
	`, tenantID, key).Scan(&entry.TenantID, &entry.Key, &entry.RequestFingerprint,
		&statusCode, &response, &entry.CreatedAt, &entry.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Row vanished between insert and select (concurrent release);
			// treat as in flight and let the caller retry.
			return DecisionInFlight, nil, nil
		}
		return 0, nil, fmt.Errorf("read idempotency entry: %w", err)
	}

	if entry.RequestFingerprint != fingerprint {
		return DecisionKeyConflict, nil, nil
	}
	if statusCode.Valid {
		entry.StatusCode = int(statusCode.Int64)
		entry.Response = response
		return DecisionReplay, &entry, nil
	}
	return DecisionInFlight, nil, nil
}

func (s *PostgresStore) Complete(ctx context.Context, tenantID, key string, statusCode int, response []byte) error {
	_, err := txcontext.Pick(ctx, s.db).ExecContext(ctx, `
		UPDATE idempotency_entries
		SET status_code = $3, response = $4
		WHERE tenant_id = $1 AND idempotency_key = $2
	`, tenantID, key, statusCode, response)
	if err != nil {
		return fmt.Errorf("complete idempotency entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) Release(ctx context.Context, tenantID, key string) error {
	_, err := txcontext.Pick(ctx, s.db).ExecContext(ctx, `
		DELETE FROM idempotency_entries
		WHERE tenant_id = $1 AND idempotency_key = $2 AND status_code IS NULL
	`, tenantID, key)
	if err != nil {
		return fmt.Errorf("release idempotency entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) Sweep(ctx context.Context, asOf time.Time) (int, error) {
	res, err := txcontext.Pick(ctx, s.db).ExecContext(ctx, `
		DELETE FROM idempotency_entries WHERE expires_at < $1
	`, asOf)
	if err != nil {
		return 0, fmt.Errorf("sweep idempotency entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}
