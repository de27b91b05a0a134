// Package service orchestrates evidence ingestion: idempotent reservation,
// streaming hash verification, duplicate detection, integrity validation,
// hash-addressed blob storage, and atomic record+audit persistence.
package service

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/zteffi86/permia/internal/audit"
	"github.com/zteffi86/permia/internal/blob"
	"github.com/zteffi86/permia/internal/evidence/exif"
	"github.com/zteffi86/permia/internal/evidence/models"
	"github.com/zteffi86/permia/internal/evidence/policy"
	"github.com/zteffi86/permia/internal/evidence/store"
	"github.com/zteffi86/permia/internal/evidence/validator"
	"github.com/zteffi86/permia/internal/idempotency"
	"github.com/zteffi86/permia/pkg/domainerrors"
	"github.com/zteffi86/permia/pkg/hashing"
	"github.com/zteffi86/permia/pkg/platform/sentinel"
	txcontext "github.com/zteffi86/permia/pkg/platform/tx"
	"github.com/zteffi86/permia/pkg/requestcontext"
)

// Config carries the tunable ingestion policy.
type Config struct {
	Thresholds policy.Thresholds
	// IdempotencyTTL bounds how long a cached upload response is replayed.
	IdempotencyTTL time.Duration
}

// Service implements the ingestion pipeline. The db handle is optional: when
// present, record and audit writes share one transaction; without it (tests,
// in-memory mode) they are sequential best-effort writes.
type Service struct {
	cfg       Config
	records   store.Store
	blobs     blob.Store
	idem      idempotency.Store
	auditor   *audit.Recorder
	hasher    hashing.Hasher
	validator *validator.Validator
	db        *sql.DB
	logger    *slog.Logger
}

func New(cfg Config, records store.Store, blobs blob.Store, idem idempotency.Store, auditor *audit.Recorder, db *sql.DB, logger *slog.Logger) *Service {
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 31 * 24 * time.Hour
	}
	return &Service{
		cfg:       cfg,
		records:   records,
		blobs:     blobs,
		idem:      idem,
		auditor:   auditor,
		hasher:    hashing.NewSHA256(),
		validator: validator.New(cfg.Thresholds),
		db:        db,
		logger:    logger,
	}
}

// UploadResponse is the success payload returned to the client and cached
// for idempotent replay. Field names are part of the API surface.
type UploadResponse struct {
	EvidenceID        string   `json:"evidence_id"`
	ApplicationID     string   `json:"application_id"`
	Status            string   `json:"status"`
	ServerHash        string   `json:"server_hash"`
	StorageURI        string   `json:"storage_uri"`
	FileSizeBytes     int64    `json:"file_size_bytes"`
	MimeTypeDetected  string   `json:"mime_type_detected"`
	TimeDriftSeconds  float64  `json:"time_drift_seconds"`
	IntegrityWarnings []string `json:"integrity_warnings,omitempty"`
	CorrelationID     string   `json:"correlation_id"`
	CreatedAt         string   `json:"created_at"`
}

// UploadOutcome is what the transport layer writes back. Body is the exact
// JSON to emit, so replays are byte-identical to the original response.
type UploadOutcome struct {
	Status   int
	Body     []byte
	Replayed bool
	Record   *models.EvidenceRecord
}

// Upload runs the full ingestion pipeline for one submission. Stage order
// matters: the idempotency reservation happens after hashing (the request
// fingerprint covers the content digest) but before any mutation, so of two
// concurrent identical retries at most one reaches the stores.
func (s *Service) Upload(ctx context.Context, idempotencyKey string, metadataJSON []byte, content io.Reader) (*UploadOutcome, error) {
	tenantID := requestcontext.Tenant(ctx)
	now := requestcontext.Now(ctx).UTC()

	// Stage 1: metadata parse + schema validation.
	var meta validator.Metadata
	if err := json.Unmarshal(metadataJSON, &meta); err != nil {
		rejErr := domainerrors.Wrap(err, domainerrors.CodeSchemaValidation, "metadata is not valid JSON")
		s.auditReject(ctx, meta, rejErr)
		return nil, rejErr
	}
	if err := meta.ValidateSchema(); err != nil {
		s.auditReject(ctx, meta, err)
		return nil, err
	}

	// Stage 2: single-pass streaming hash into a buffer. The limit is one
	// byte past the global ceiling so truncation is detectable.
	var buf bytes.Buffer
	serverHash, err := s.hasher.DigestStream(io.TeeReader(io.LimitReader(content, policy.MaxPayloadBytes+1), &buf))
	if err != nil {
		readErr := domainerrors.Wrap(err, domainerrors.CodeUnreadableSource, "failed to read evidence content")
		s.audit(ctx, meta, audit.ResultFailure, map[string]any{"code": string(domainerrors.CodeUnreadableSource)})
		return nil, readErr
	}
	payload := buf.Bytes()
	actualSize := int64(len(payload))
	if actualSize > policy.MaxPayloadBytes {
		err := domainerrors.Newf(domainerrors.CodeFileTooLarge, "payload exceeds global limit of %d bytes", policy.MaxPayloadBytes)
		s.auditReject(ctx, meta, err)
		return nil, err
	}

	// Stage 3: idempotency reservation keyed on the request fingerprint.
	fingerprint := idempotency.Fingerprint(metadataJSON, serverHash)
	decision, entry, err := s.idem.CheckOrReserve(ctx, tenantID, idempotencyKey, fingerprint, s.cfg.IdempotencyTTL)
	if err != nil {
		return nil, fmt.Errorf("idempotency reserve: %w", err)
	}
	switch decision {
	case idempotency.DecisionReplay:
		s.audit(ctx, meta, audit.ResultReplayed, map[string]any{"idempotency_key": idempotencyKey})
		return &UploadOutcome{Status: entry.StatusCode, Body: entry.Response, Replayed: true}, nil
	case idempotency.DecisionKeyConflict:
		err := domainerrors.New(domainerrors.CodeKeyConflict,
			"idempotency key reused with a different request").
			WithDetail("idempotency_key", idempotencyKey)
		s.auditReject(ctx, meta, err)
		return nil, err
	case idempotency.DecisionInFlight:
		return nil, domainerrors.New(domainerrors.CodeTimeout,
			"an identical upload is in progress; retry with the same idempotency key")
	}

	// The reservation is ours. Any failure from here releases it so the
	// client's retry can reserve again; only a committed upload completes
	// the entry.
	outcome, err := s.ingest(ctx, meta, metadataJSON, serverHash, actualSize, payload, now)
	if err != nil {
		if relErr := s.idem.Release(ctx, tenantID, idempotencyKey); relErr != nil {
			s.logger.Warn("failed to release idempotency reservation",
				"idempotency_key", idempotencyKey, "error", relErr)
		}
		return nil, err
	}

	if err := s.idem.Complete(ctx, tenantID, idempotencyKey, outcome.Status, outcome.Body); err != nil {
		// The record is committed; a lost cache entry only costs the
		// client a duplicate-id conflict on retry instead of a replay.
		s.logger.Warn("failed to complete idempotency entry",
			"idempotency_key", idempotencyKey, "error", err)
	}
	return outcome, nil
}

func (s *Service) ingest(ctx context.Context, meta validator.Metadata, metadataJSON []byte, serverHash string, actualSize int64, payload []byte, now time.Time) (*UploadOutcome, error) {
	tenantID := requestcontext.Tenant(ctx)

	// Stage 4: duplicate evidence id.
	if _, err := s.records.Get(ctx, tenantID, meta.EvidenceID); err == nil {
		dupErr := domainerrors.Newf(domainerrors.CodeDuplicateEvidenceID,
			"evidence %s already exists", meta.EvidenceID)
		s.audit(ctx, meta, audit.ResultDuplicate, map[string]any{"code": string(domainerrors.CodeDuplicateEvidenceID)})
		return nil, dupErr
	} else if !errors.Is(err, sentinel.ErrNotFound) {
		return nil, fmt.Errorf("check evidence id: %w", err)
	}

	// Stage 5: duplicate content within the replay window, scoped to the
	// application so legitimate resubmission to another case is allowed.
	cutoff := now.Add(-s.cfg.Thresholds.ReplayWindow)
	originalID, err := s.records.FindDuplicate(ctx, tenantID, meta.ApplicationID, serverHash, cutoff)
	switch {
	case err == nil:
		dupErr := domainerrors.New(domainerrors.CodeDuplicateContent,
			"identical content was already submitted for this application").
			WithDetail("original_evidence_id", originalID)
		s.audit(ctx, meta, audit.ResultDuplicate, map[string]any{
			"code":                 string(domainerrors.CodeDuplicateContent),
			"original_evidence_id": originalID,
		})
		return nil, dupErr
	case !errors.Is(err, sentinel.ErrNotFound):
		return nil, fmt.Errorf("check duplicate content: %w", err)
	}

	// Stage 6: EXIF extraction (photos only) and cross-validation.
	var md exif.Metadata
	if meta.EvidenceType == models.TypePhoto {
		md = exif.Extract(payload)
	}
	res := s.validator.Validate(meta, serverHash, actualSize, payload, md, now)
	if !res.Passed() {
		err := validator.FirstError(res)
		s.auditReject(ctx, meta, err)
		return nil, err
	}

	// Stage 7: write-once blob storage keyed by the content hash.
	storageURI, err := s.blobs.Put(ctx, serverHash, res.DetectedMime, bytes.NewReader(payload))
	if err != nil {
		return nil, domainerrors.Wrap(err, domainerrors.CodeStorageWrite, "failed to store evidence content")
	}

	// Stage 8: persist the record and its audit event atomically, then
	// answer. Warnings survive into the record so reviewers see soft
	// findings on otherwise accepted evidence.
	record := &models.EvidenceRecord{
		EvidenceID:       meta.EvidenceID,
		ApplicationID:    meta.ApplicationID,
		TenantID:         tenantID,
		EvidenceType:     meta.EvidenceType,
		MimeType:         meta.MimeType,
		MimeDetected:     res.DetectedMime,
		FileSizeBytes:    actualSize,
		DeviceHash:       meta.DeviceHash,
		ServerHash:       serverHash,
		CapturedAtDevice: meta.CapturedAtDevice.UTC(),
		CapturedAtServer: &now,
		TimeDriftSeconds: res.TimeDriftSeconds,
		Gps:              meta.Gps,
		ExifData:         md.Tags,
		UploaderRole:     meta.UploaderRole,
		UploaderID:       requestcontext.Actor(ctx),
		StorageURI:       storageURI,
		UploadStatus:     models.StatusCompleted,
		IntegrityIssues:  res.Warnings,
		CorrelationID:    requestcontext.CorrelationID(ctx),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.persist(ctx, meta, record); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			// Lost a race on the unique (tenant, evidence id) pair. The
			// blob stays: content addressing means the winner shares it.
			return nil, domainerrors.Newf(domainerrors.CodeDuplicateEvidenceID,
				"evidence %s already exists", meta.EvidenceID)
		}
		// Compensate the blob write so a failed commit leaves no orphan
		// bytes. Put is write-once, so the retry re-creates it cheaply.
		if delErr := s.blobs.Delete(ctx, storageURI); delErr != nil {
			s.logger.Warn("failed to delete blob after commit failure",
				"storage_uri", storageURI, "error", delErr)
		}
		return nil, fmt.Errorf("persist evidence: %w", err)
	}

	resp := UploadResponse{
		EvidenceID:        record.EvidenceID,
		ApplicationID:     record.ApplicationID,
		Status:            string(record.UploadStatus),
		ServerHash:        record.ServerHash,
		StorageURI:        record.StorageURI,
		FileSizeBytes:     record.FileSizeBytes,
		MimeTypeDetected:  record.MimeDetected,
		TimeDriftSeconds:  record.TimeDriftSeconds,
		IntegrityWarnings: record.IntegrityIssues,
		CorrelationID:     record.CorrelationID,
		CreatedAt:         record.CreatedAt.Format(time.RFC3339Nano),
	}
	body, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("marshal upload response: %w", err)
	}
	return &UploadOutcome{Status: 201, Body: body, Record: record}, nil
}

// persist writes the record and its success audit event in one transaction
// when a database handle is present.
func (s *Service) persist(ctx context.Context, meta validator.Metadata, record *models.EvidenceRecord) error {
	detail := map[string]any{
		"server_hash":     record.ServerHash,
		"file_size_bytes": record.FileSizeBytes,
		"storage_uri":     record.StorageURI,
	}
	if len(record.IntegrityIssues) > 0 {
		detail["warnings"] = record.IntegrityIssues
	}
	event := s.event(ctx, meta, audit.ResultSuccess, detail)

	if s.db == nil {
		if err := s.records.Insert(ctx, record); err != nil {
			return err
		}
		if err := s.auditor.Record(ctx, event); err != nil {
			s.logger.Warn("failed to record audit event", "evidence_id", record.EvidenceID, "error", err)
		}
		return nil
	}

	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	txCtx := txcontext.WithTx(ctx, dbtx)
	if err := s.records.Insert(txCtx, record); err != nil {
		_ = dbtx.Rollback()
		return err
	}
	if err := s.auditor.Record(txCtx, event); err != nil {
		_ = dbtx.Rollback()
		return fmt.Errorf("append audit event: %w", err)
	}
	if err := dbtx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Get returns one evidence record for the authenticated tenant.
func (s *Service) Get(ctx context.Context, evidenceID string) (*models.EvidenceRecord, error) {
	record, err := s.records.Get(ctx, requestcontext.Tenant(ctx), evidenceID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, domainerrors.Newf(domainerrors.CodeNotFound, "evidence %s not found", evidenceID)
		}
		return nil, fmt.Errorf("get evidence: %w", err)
	}
	s.auditRead(ctx, record.ApplicationID, record.EvidenceID)
	return record, nil
}

// ListByApplication returns all evidence for an application, newest first.
func (s *Service) ListByApplication(ctx context.Context, applicationID string) ([]*models.EvidenceRecord, error) {
	records, err := s.records.ListByApplication(ctx, requestcontext.Tenant(ctx), applicationID)
	if err != nil {
		return nil, fmt.Errorf("list evidence: %w", err)
	}
	s.auditRead(ctx, applicationID, "")
	return records, nil
}

func (s *Service) event(ctx context.Context, meta validator.Metadata, result audit.Result, detail map[string]any) audit.Event {
	return audit.Event{
		CorrelationID: requestcontext.CorrelationID(ctx),
		TenantID:      requestcontext.Tenant(ctx),
		ActorID:       requestcontext.Actor(ctx),
		ActorRole:     requestcontext.ActorRole(ctx),
		Action:        audit.ActionEvidenceUpload,
		ResourceType:  "evidence",
		ResourceID:    meta.EvidenceID,
		Result:        result,
		Detail:        detail,
	}
}

func (s *Service) audit(ctx context.Context, meta validator.Metadata, result audit.Result, detail map[string]any) {
	if err := s.auditor.Record(ctx, s.event(ctx, meta, result, detail)); err != nil {
		s.logger.Warn("failed to record audit event", "evidence_id", meta.EvidenceID, "error", err)
	}
}

func (s *Service) auditReject(ctx context.Context, meta validator.Metadata, cause error) {
	detail := map[string]any{"code": string(domainerrors.CodeOf(cause))}
	var de *domainerrors.Error
	if errors.As(cause, &de) {
		detail["message"] = de.Message
		if issues, ok := de.Detail["issues"]; ok {
			detail["issues"] = issues
		}
	}
	s.audit(ctx, meta, audit.ResultRejected, detail)
}

func (s *Service) auditRead(ctx context.Context, applicationID, evidenceID string) {
	resourceID := evidenceID
	if resourceID == "" {
		resourceID = applicationID
	}
	event := audit.Event{
		CorrelationID: requestcontext.CorrelationID(ctx),
		TenantID:      requestcontext.Tenant(ctx),
		ActorID:       requestcontext.Actor(ctx),
		ActorRole:     requestcontext.ActorRole(ctx),
		Action:        audit.ActionEvidenceRead,
		ResourceType:  "evidence",
		ResourceID:    resourceID,
		Result:        audit.ResultSuccess,
	}
	if err := s.auditor.Record(ctx, event); err != nil {
		s.logger.Warn("failed to record audit event", "resource_id", resourceID, "error", err)
	}
}
