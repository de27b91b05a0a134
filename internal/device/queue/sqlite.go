package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	_ "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/zteffi86/permia/pkg/platform/sentinel"
)

const schema = `
CREATE TABLE IF NOT EXISTS queue_items (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	evidence_id     TEXT    NOT NULL UNIQUE,
	application_id  TEXT    NOT NULL,
	metadata_json   BLOB    NOT NULL,
	file_path       TEXT    NOT NULL,
	status          TEXT    NOT NULL DEFAULT 'PENDING',
	attempts        INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT    NOT NULL DEFAULT '',
	permanent       INTEGER NOT NULL DEFAULT 0,
	server_hash     TEXT    NOT NULL DEFAULT '',
	storage_uri     TEXT    NOT NULL DEFAULT '',
	enqueued_at     INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_drain ON queue_items (status, next_attempt_at, id);
`

// SQLiteQueue is the durable queue backed by an encrypted SQLite file.
type SQLiteQueue struct {
	db *sql.DB
}

// Open opens (or creates) the queue database. key encrypts the file via
// SQLCipher; an empty key opens it unencrypted. Items found mid-upload from
// a previous process are reset to pending: the idempotency key makes the
// re-upload safe.
func Open(ctx context.Context, path, key string) (*SQLiteQueue, error) {
	dsn := path + "?_busy_timeout=5000&_journal_mode=WAL"
	if key != "" {
		dsn += "&_pragma_key=" + url.QueryEscape(key)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}
	// SQLite allows one writer; a single connection avoids lock thrash.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply queue schema: %w", err)
	}

	q := &SQLiteQueue{db: db}
	if err := q.recover(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) Close() error { return q.db.Close() }

func (q *SQLiteQueue) recover(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE queue_items
		SET status = ?, updated_at = ?
		WHERE status = ?
	`, StatusPending, time.Now().Unix(), StatusUploading)
	if err != nil {
		return fmt.Errorf("recover in-flight items: %w", err)
	}
	return nil
}

// Enqueue durably records a captured item. The write commits before Enqueue
// returns; a crash immediately after capture loses nothing. A duplicate
// evidence id is rejected so a capture retry cannot double-queue.
func (q *SQLiteQueue) Enqueue(ctx context.Context, item *Item) error {
	now := time.Now().Unix()
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO queue_items
			(evidence_id, application_id, metadata_json, file_path, status, enqueued_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (evidence_id) DO NOTHING
	`, item.EvidenceID, item.ApplicationID, item.MetadataJSON, item.FilePath, StatusPending, now, now)
	if err != nil {
		return fmt.Errorf("enqueue item: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sentinel.ErrConflict
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("enqueue item: %w", err)
	}
	item.ID = id
	item.Status = StatusPending
	return nil
}

const itemColumns = `
	id, evidence_id, application_id, metadata_json, file_path, status,
	attempts, next_attempt_at, last_error, permanent, server_hash,
	storage_uri, enqueued_at, updated_at
`

// NextPending returns up to limit items ready for upload in capture order.
// Retryable failures whose backoff has elapsed are included.
func (q *SQLiteQueue) NextPending(ctx context.Context, now time.Time, limit int) ([]*Item, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM queue_items
		WHERE permanent = 0
		  AND (status = ? OR (status = ? AND next_attempt_at <= ?))
		ORDER BY id
		LIMIT ?
	`, StatusPending, StatusFailed, now.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("query pending items: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// MarkUploading claims an item for a drain worker. The status guard in the
// WHERE clause makes the claim atomic: a second concurrent claim finds no
// row to update.
func (q *SQLiteQueue) MarkUploading(ctx context.Context, id int64) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_items
		SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?) AND permanent = 0
	`, StatusUploading, time.Now().Unix(), id, StatusPending, StatusFailed)
	if err != nil {
		return fmt.Errorf("mark uploading: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sentinel.ErrInvalidState
	}
	return nil
}

// MarkCompleted records the server acknowledgment. Terminal.
func (q *SQLiteQueue) MarkCompleted(ctx context.Context, id int64, serverHash, storageURI string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_items
		SET status = ?, server_hash = ?, storage_uri = ?, last_error = '', updated_at = ?
		WHERE id = ? AND status = ?
	`, StatusCompleted, serverHash, storageURI, time.Now().Unix(), id, StatusUploading)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sentinel.ErrInvalidState
	}
	return nil
}

// MarkFailed records a failed attempt. Retryable failures become eligible
// again at retryAt; permanent failures never retry.
func (q *SQLiteQueue) MarkFailed(ctx context.Context, id int64, cause string, retryAt time.Time, permanent bool) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_items
		SET status = ?, attempts = attempts + 1, last_error = ?,
		    next_attempt_at = ?, permanent = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, StatusFailed, cause, retryAt.Unix(), boolInt(permanent), time.Now().Unix(), id, StatusUploading)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sentinel.ErrInvalidState
	}
	return nil
}

// Get returns one item by evidence id.
func (q *SQLiteQueue) Get(ctx context.Context, evidenceID string) (*Item, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT `+itemColumns+`
		FROM queue_items
		WHERE evidence_id = ?
	`, evidenceID)
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get queue item: %w", err)
	}
	return item, nil
}

// Stats reports queue depth per status, for the agent's periodic log line.
func (q *SQLiteQueue) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM queue_items GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	var (
		item                           Item
		nextAttempt, enqueued, updated int64
		permanent                      int
	)
	err := row.Scan(
		&item.ID, &item.EvidenceID, &item.ApplicationID, &item.MetadataJSON,
		&item.FilePath, &item.Status, &item.Attempts, &nextAttempt,
		&item.LastError, &permanent, &item.ServerHash, &item.StorageURI,
		&enqueued, &updated,
	)
	if err != nil {
		return nil, err
	}
	if nextAttempt > 0 {
		item.NextAttemptAt = time.Unix(nextAttempt, 0)
	}
	item.Permanent = permanent != 0
	item.EnqueuedAt = time.Unix(enqueued, 0)
	item.UpdatedAt = time.Unix(updated, 0)
	return &item, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
