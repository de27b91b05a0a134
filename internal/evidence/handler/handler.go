// Package handler exposes the evidence API over HTTP: multipart upload with
// idempotency, record retrieval, and per-application listing.
package handler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zteffi86/permia/internal/audit"
	"github.com/zteffi86/permia/internal/evidence/models"
	"github.com/zteffi86/permia/internal/evidence/policy"
	"github.com/zteffi86/permia/internal/evidence/service"
	"github.com/zteffi86/permia/internal/platform/metrics"
	"github.com/zteffi86/permia/pkg/domainerrors"
	"github.com/zteffi86/permia/pkg/platform/httputil"
	"github.com/zteffi86/permia/pkg/requestcontext"
)

// maxMetadataBytes caps the metadata multipart part; the descriptor is a
// small JSON document, never payload-sized.
const maxMetadataBytes = 64 * 1024

// multipartOverhead is slack on top of the payload ceiling for boundaries
// and the metadata part when prechecking Content-Length.
const multipartOverhead = 128 * 1024

// Service is the ingestion contract the handler depends on.
type Service interface {
	Upload(ctx context.Context, idempotencyKey string, metadataJSON []byte, content io.Reader) (*service.UploadOutcome, error)
	Get(ctx context.Context, evidenceID string) (*models.EvidenceRecord, error)
	ListByApplication(ctx context.Context, applicationID string) ([]*models.EvidenceRecord, error)
}

type Handler struct {
	svc     Service
	auditor *audit.Recorder
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New builds the handler. metrics may be nil in tests.
func New(svc Service, auditor *audit.Recorder, m *metrics.Metrics, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, auditor: auditor, metrics: m, logger: logger}
}

// Routes mounts the evidence endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/evidence", h.Upload)
	r.Get("/evidence/{evidenceID}", h.Get)
	r.Get("/applications/{applicationID}/evidence", h.ListByApplication)
}

// Upload accepts a multipart request with a "metadata" JSON part and a
// "file" part. The Idempotency-Key header is mandatory: it is what makes
// device-side retries safe.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	// Cheap precheck before touching the body.
	if r.ContentLength > policy.MaxPayloadBytes+multipartOverhead {
		h.reject(w, r, domainerrors.Newf(domainerrors.CodeFileTooLarge,
			"request exceeds the %d byte payload limit", int64(policy.MaxPayloadBytes)))
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey == "" {
		h.reject(w, r, domainerrors.New(domainerrors.CodeSchemaValidation,
			"Idempotency-Key header is required"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, policy.MaxPayloadBytes+multipartOverhead)
	mr, err := r.MultipartReader()
	if err != nil {
		h.reject(w, r, domainerrors.Wrap(err, domainerrors.CodeSchemaValidation,
			"request must be multipart/form-data"))
		return
	}

	metadataJSON, content, err := readParts(mr)
	if err != nil {
		h.reject(w, r, err)
		return
	}

	start := time.Now()
	outcome, err := h.svc.Upload(r.Context(), idempotencyKey, metadataJSON, content)
	h.observeUpload(start, outcome, err)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}

	if outcome.Replayed {
		w.Header().Set("Idempotency-Replayed", "true")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(outcome.Status)
	if _, err := w.Write(outcome.Body); err != nil {
		h.logger.Warn("failed to write upload response", "error", err)
	}
}

// readParts walks the multipart stream. When metadata precedes the file the
// payload is handed onward as a stream; a reversed part order still works
// but buffers the file part first.
func readParts(mr *multipart.Reader) ([]byte, io.Reader, error) {
	var metadataJSON []byte
	var buffered *bytes.Buffer

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, domainerrors.Wrap(err, domainerrors.CodeSchemaValidation,
				"malformed multipart request")
		}

		switch part.FormName() {
		case "metadata":
			metadataJSON, err = io.ReadAll(io.LimitReader(part, maxMetadataBytes))
			if err != nil {
				return nil, nil, domainerrors.Wrap(err, domainerrors.CodeUnreadableSource,
					"failed to read metadata part")
			}
			if buffered != nil {
				return metadataJSON, buffered, nil
			}
		case "file":
			if metadataJSON != nil {
				return metadataJSON, part, nil
			}
			buffered = &bytes.Buffer{}
			if _, err := io.Copy(buffered, part); err != nil {
				return nil, nil, domainerrors.Wrap(err, domainerrors.CodeUnreadableSource,
					"failed to read file part")
			}
		}
	}
	return nil, nil, errMissingPart
}

// reject writes the problem response and records the terminal audit event
// for requests refused before the service pipeline ever runs.
func (h *Handler) reject(w http.ResponseWriter, r *http.Request, cause error) {
	if h.auditor != nil {
		ctx := r.Context()
		event := audit.Event{
			CorrelationID: requestcontext.CorrelationID(ctx),
			TenantID:      requestcontext.Tenant(ctx),
			ActorID:       requestcontext.Actor(ctx),
			ActorRole:     requestcontext.ActorRole(ctx),
			Action:        audit.ActionEvidenceUpload,
			ResourceType:  "evidence",
			Result:        audit.ResultRejected,
			Detail:        map[string]any{"code": string(domainerrors.CodeOf(cause))},
		}
		if err := h.auditor.Record(ctx, event); err != nil {
			h.logger.Warn("failed to record audit event", "error", err)
		}
	}
	httputil.WriteError(w, r, cause)
}

func (h *Handler) observeUpload(start time.Time, outcome *service.UploadOutcome, err error) {
	if h.metrics == nil {
		return
	}
	h.metrics.UploadDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil && outcome.Replayed:
		h.metrics.UploadsTotal.WithLabelValues("replayed").Inc()
	case err == nil:
		h.metrics.UploadsTotal.WithLabelValues("success").Inc()
		if outcome.Record != nil {
			h.metrics.PayloadBytes.Observe(float64(outcome.Record.FileSizeBytes))
		}
	default:
		switch domainerrors.CodeOf(err) {
		case domainerrors.CodeDuplicateContent, domainerrors.CodeDuplicateEvidenceID:
			h.metrics.UploadsTotal.WithLabelValues("duplicate").Inc()
		case domainerrors.CodeInternal, domainerrors.CodeStorageWrite, domainerrors.CodeTimeout:
			h.metrics.UploadsTotal.WithLabelValues("failure").Inc()
		default:
			h.metrics.UploadsTotal.WithLabelValues("rejected").Inc()
		}
	}
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	record, err := h.svc.Get(r.Context(), chi.URLParam(r, "evidenceID"))
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, record)
}

func (h *Handler) ListByApplication(w http.ResponseWriter, r *http.Request) {
	records, err := h.svc.ListByApplication(r.Context(), chi.URLParam(r, "applicationID"))
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	if records == nil {
		records = []*models.EvidenceRecord{}
	}
	httputil.WriteJSON(w, http.StatusOK, listResponse{Evidence: records, Count: len(records)})
}

type listResponse struct {
	Evidence []*models.EvidenceRecord `json:"evidence"`
	Count    int                      `json:"count"`
}

var errMissingPart = domainerrors.New(domainerrors.CodeSchemaValidation,
	"multipart request must include metadata and file parts")
