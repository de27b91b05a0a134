// Package httputil maps domain errors onto RFC 7807 problem responses and
// provides small JSON helpers shared by the HTTP handlers.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/zteffi86/permia/pkg/domainerrors"
	"github.com/zteffi86/permia/pkg/requestcontext"
)

// Problem is the RFC 7807 body returned on every failure. The code field is
// stable and machine-readable; the upload client switches on it.
type Problem struct {
	Type          string         `json:"type"`
	Title         string         `json:"title"`
	Status        int            `json:"status"`
	Code          string         `json:"code"`
	Detail        string         `json:"detail,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// statusFor maps domain error codes to HTTP status. Unlisted codes are
// treated as internal failures.
func statusFor(code domainerrors.Code) int {
	switch code {
	case domainerrors.CodeSchemaValidation:
		return http.StatusBadRequest
	case domainerrors.CodeIntegrityMismatch,
		domainerrors.CodeGpsAccuracy,
		domainerrors.CodeTimeDrift,
		domainerrors.CodeMimeMismatch:
		return http.StatusUnprocessableEntity
	case domainerrors.CodeFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case domainerrors.CodeDuplicateContent,
		domainerrors.CodeDuplicateEvidenceID,
		domainerrors.CodeKeyConflict:
		return http.StatusConflict
	case domainerrors.CodeRateLimited:
		return http.StatusTooManyRequests
	case domainerrors.CodeUnauthorized:
		return http.StatusUnauthorized
	case domainerrors.CodeNotFound:
		return http.StatusNotFound
	case domainerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case domainerrors.CodeUnreadableSource, domainerrors.CodeStorageWrite:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// titleFor gives a short human-readable title per code.
func titleFor(code domainerrors.Code) string {
	switch code {
	case domainerrors.CodeSchemaValidation:
		return "Invalid Evidence Metadata"
	case domainerrors.CodeIntegrityMismatch:
		return "Integrity Validation Failed"
	case domainerrors.CodeGpsAccuracy:
		return "GPS Accuracy Insufficient"
	case domainerrors.CodeTimeDrift:
		return "Time Drift Excessive"
	case domainerrors.CodeMimeMismatch:
		return "MIME Type Not Allowed"
	case domainerrors.CodeFileTooLarge:
		return "File Size Exceeds Limit"
	case domainerrors.CodeDuplicateContent:
		return "Duplicate Content Detected"
	case domainerrors.CodeDuplicateEvidenceID:
		return "Evidence ID Already Exists"
	case domainerrors.CodeKeyConflict:
		return "Idempotency Key Conflict"
	case domainerrors.CodeRateLimited:
		return "Rate Limit Exceeded"
	case domainerrors.CodeUnauthorized:
		return "Authentication Required"
	case domainerrors.CodeNotFound:
		return "Not Found"
	case domainerrors.CodeStorageWrite:
		return "Storage Write Failed"
	default:
		return "Internal Server Error"
	}
}

// WriteError renders err as a problem response. Internal errors never leak
// their message to the client; everything else carries the domain message.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	code := domainerrors.CodeOf(err)
	status := statusFor(code)

	p := Problem{
		Type:          "https://permia.is/errors/" + string(code),
		Title:         titleFor(code),
		Status:        status,
		Code:          string(code),
		CorrelationID: requestcontext.CorrelationID(r.Context()),
	}

	var de *domainerrors.Error
	if errors.As(err, &de) {
		if code != domainerrors.CodeInternal {
			p.Detail = de.Message
		}
		p.Extra = de.Detail
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteJSON renders v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
