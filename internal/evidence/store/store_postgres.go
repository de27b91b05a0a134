package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/zteffi86/permia/internal/evidence/models"
	"github.com/zteffi86/permia/pkg/platform/sentinel"
	txcontext "github.com/zteffi86/permia/pkg/platform/tx"
)

// PostgresStore persists evidence records. It joins a context transaction
// when one is present so the record and its audit event commit atomically.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const uniqueViolation = "23505"

func (s *PostgresStore) Insert(ctx context.Context, r *models.EvidenceRecord) error {
	var exifJSON, issuesJSON []byte
	var err error
	if r.ExifData != nil {
		if exifJSON, err = json.Marshal(r.ExifData); err != nil {
			return fmt.Errorf("marshal exif data: %w", err)
		}
	}
	if r.IntegrityIssues != nil {
		if issuesJSON, err = json.Marshal(r.IntegrityIssues); err != nil {
			return fmt.Errorf("marshal integrity issues: %w", err)
		}
	}

	query := `
		INSERT INTO evidence
			(evidence_id, application_id, tenant_id, evidence_type, mime_type, mime_type_detected,
			 file_size_bytes, device_hash, server_hash, captured_at_device, captured_at_server,
			 time_drift_seconds, gps_latitude, gps_longitude, gps_accuracy_meters, exif_data,
			 uploader_role, uploader_id, storage_uri, upload_status, integrity_issues,
			 correlation_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
	`
	_, err = txcontext.Pick(ctx, s.db).ExecContext(ctx, query,
		r.EvidenceID, r.ApplicationID, r.TenantID, string(r.EvidenceType), r.MimeType, r.MimeDetected,
		r.FileSizeBytes, r.DeviceHash, nullString(r.ServerHash), r.CapturedAtDevice, r.CapturedAtServer,
		r.TimeDriftSeconds, r.Gps.Latitude, r.Gps.Longitude, r.Gps.AccuracyMeters, exifJSON,
		string(r.UploaderRole), r.UploaderID, nullString(r.StorageURI), string(r.UploadStatus), issuesJSON,
		r.CorrelationID, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert evidence: %w", err)
	}
	return nil
}

const selectColumns = `
	evidence_id, application_id, tenant_id, evidence_type, mime_type, mime_type_detected,
	file_size_bytes, device_hash, server_hash, captured_at_device, captured_at_server,
	time_drift_seconds, gps_latitude, gps_longitude, gps_accuracy_meters, exif_data,
	uploader_role, uploader_id, storage_uri, upload_status, integrity_issues,
	correlation_id, created_at, updated_at
`

func (s *PostgresStore) Get(ctx context.Context, tenantID, evidenceID string) (*models.EvidenceRecord, error) {
	row := txcontext.Pick(ctx, s.db).QueryRowContext(ctx, `
		SELECT `+selectColumns+`
		FROM evidence
		WHERE tenant_id = $1 AND evidence_id = $2
	`, tenantID, evidenceID)

	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get evidence: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) ListByApplication(ctx context.Context, tenantID, applicationID string) ([]*models.EvidenceRecord, error) {
	rows, err := txcontext.Pick(ctx, s.db).QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM evidence
		WHERE tenant_id = $1 AND application_id = $2
		ORDER BY created_at DESC
	`, tenantID, applicationID)
	if err != nil {
		return nil, fmt.Errorf("list evidence: %w", err)
	}
	defer rows.Close()

	var records []*models.EvidenceRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan evidence: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *PostgresStore) FindDuplicate(ctx context.Context, tenantID, applicationID, contentHash string, cutoff time.Time) (string, error) {
	var evidenceID string
	err := txcontext.Pick(ctx, s.db).QueryRowContext(ctx, `
		SELECT evidence_id
		FROM evidence
		WHERE tenant_id = $1 AND application_id = $2 AND server_hash = $3 AND created_at >= $4
		ORDER BY created_at
		LIMIT 1
	`, tenantID, applicationID, contentHash, cutoff).Scan(&evidenceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", sentinel.ErrNotFound
		}
		return "", fmt.Errorf("find duplicate: %w", err)
	}
	return evidenceID, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.EvidenceRecord, error) {
	var (
		r                      models.EvidenceRecord
		evidenceType           string
		uploaderRole           string
		uploadStatus           string
		serverHash, storageURI sql.NullString
		capturedAtServer       sql.NullTime
		exifJSON, issuesJSON   []byte
	)
	err := row.Scan(
		&r.EvidenceID, &r.ApplicationID, &r.TenantID, &evidenceType, &r.MimeType, &r.MimeDetected,
		&r.FileSizeBytes, &r.DeviceHash, &serverHash, &r.CapturedAtDevice, &capturedAtServer,
		&r.TimeDriftSeconds, &r.Gps.Latitude, &r.Gps.Longitude, &r.Gps.AccuracyMeters, &exifJSON,
		&uploaderRole, &r.UploaderID, &storageURI, &uploadStatus, &issuesJSON,
		&r.CorrelationID, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.EvidenceType = models.EvidenceType(evidenceType)
	r.UploaderRole = models.UploaderRole(uploaderRole)
	r.UploadStatus = models.UploadStatus(uploadStatus)
	if serverHash.Valid {
		r.ServerHash = serverHash.String
	}
	if storageURI.Valid {
		r.StorageURI = storageURI.String
	}
	if capturedAtServer.Valid {
		t := capturedAtServer.Time
		r.CapturedAtServer = &t
	}
	if len(exifJSON) > 0 {
		if err := json.Unmarshal(exifJSON, &r.ExifData); err != nil {
			return nil, fmt.Errorf("unmarshal exif data: %w", err)
		}
	}
	if len(issuesJSON) > 0 {
		if err := json.Unmarshal(issuesJSON, &r.IntegrityIssues); err != nil {
			return nil, fmt.Errorf("unmarshal integrity issues: %w", err)
		}
	}
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
