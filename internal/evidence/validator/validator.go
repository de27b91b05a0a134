// Package validator implements the server-side integrity pipeline: schema
// checks on the submitted metadata, hash comparison, GPS/time/EXIF
// cross-validation, MIME sniffing against per-type whitelists, and size
// enforcement. Each stage can short-circuit ingestion with a typed error;
// soft-warn findings are collected instead of failing.
package validator

import (
	"fmt"
	"math"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/zteffi86/permia/internal/evidence/exif"
	"github.com/zteffi86/permia/internal/evidence/models"
	"github.com/zteffi86/permia/internal/evidence/policy"
	"github.com/zteffi86/permia/pkg/domainerrors"
	"github.com/zteffi86/permia/pkg/hashing"
)

// Metadata is the client-submitted evidence descriptor, parsed from the
// multipart metadata part.
type Metadata struct {
	EvidenceID       string                `json:"evidence_id"`
	ApplicationID    string                `json:"application_id"`
	EvidenceType     models.EvidenceType   `json:"evidence_type"`
	DeviceHash       string                `json:"device_hash"`
	CapturedAtDevice time.Time             `json:"captured_at_device"`
	Gps              models.GpsCoordinates `json:"gps_coordinates"`
	UploaderRole     models.UploaderRole   `json:"uploader_role"`
	MimeType         string                `json:"mime_type"`
	FileSizeBytes    int64                 `json:"file_size_bytes"`
}

// ValidateSchema performs structural validation before any payload bytes are
// trusted. Failures are fatal and never retried by well-behaved clients.
func (m Metadata) ValidateSchema() error {
	switch {
	case m.EvidenceID == "" || len(m.EvidenceID) > 255:
		return domainerrors.New(domainerrors.CodeSchemaValidation, "evidence_id must be 1-255 characters")
	case m.ApplicationID == "" || len(m.ApplicationID) > 255:
		return domainerrors.New(domainerrors.CodeSchemaValidation, "application_id must be 1-255 characters")
	case !m.EvidenceType.Valid():
		return domainerrors.Newf(domainerrors.CodeSchemaValidation, "unknown evidence_type %q", m.EvidenceType)
	case !hashing.IsHexDigest(m.DeviceHash):
		return domainerrors.New(domainerrors.CodeSchemaValidation, "device_hash must be a 64-char lowercase hex digest")
	case m.CapturedAtDevice.IsZero():
		return domainerrors.New(domainerrors.CodeSchemaValidation, "captured_at_device is required")
	case !m.Gps.Valid():
		return domainerrors.New(domainerrors.CodeSchemaValidation, "gps_coordinates out of range")
	case !m.UploaderRole.Valid():
		return domainerrors.Newf(domainerrors.CodeSchemaValidation, "unknown uploader_role %q", m.UploaderRole)
	case m.MimeType == "":
		return domainerrors.New(domainerrors.CodeSchemaValidation, "mime_type is required")
	case m.FileSizeBytes <= 0:
		return domainerrors.New(domainerrors.CodeSchemaValidation, "file_size_bytes must be positive")
	}
	return nil
}

// Result summarizes every check. Issues are hard findings, Warnings are
// policy violations downgraded to soft-warn by configuration; both end up in
// the audit trail.
type Result struct {
	HashMatch        bool
	MimeValid        bool
	GpsAccuracyOK    bool
	TimeDriftOK      bool
	FileSizeOK       bool
	ExifOK           bool
	DetectedMime     string
	TimeDriftSeconds float64
	Issues           []string
	Warnings         []string
}

// Passed reports whether ingestion may proceed to storage.
func (r Result) Passed() bool { return len(r.Issues) == 0 }

// Validator applies the configured thresholds.
type Validator struct {
	thresholds policy.Thresholds
}

func New(thresholds policy.Thresholds) *Validator {
	return &Validator{thresholds: thresholds}
}

// Thresholds exposes the active policy, mainly for handlers reporting limits.
func (v *Validator) Thresholds() policy.Thresholds { return v.thresholds }

// exifGpsTolerance bounds how far EXIF GPS may sit from the declared
// coordinates before it counts as a mismatch (~110 m at the equator).
const exifGpsTolerance = 0.001

// exifTimeTolerance bounds EXIF-vs-declared capture time skew.
const exifTimeTolerance = time.Minute

// Validate runs the cross-validation stages against the received payload.
// serverHash and actualSize come from the streaming hash stage; md comes from
// server-side EXIF extraction. now is the server receipt time.
func (v *Validator) Validate(meta Metadata, serverHash string, actualSize int64, payload []byte, md exif.Metadata, now time.Time) Result {
	res := Result{ExifOK: true}
	pol := policy.ForType(meta.EvidenceType)

	// 1. Hash comparison: the core tamper check.
	res.HashMatch = meta.DeviceHash == serverHash
	if !res.HashMatch {
		res.Issues = append(res.Issues, fmt.Sprintf(
			"hash mismatch: device=%s... server=%s...", prefix(meta.DeviceHash), prefix(serverHash)))
	}

	// 2. MIME sniffed from content, compared to whitelist and declared type.
	res.DetectedMime = mimetype.Detect(payload).String()
	res.MimeValid = pol.AllowsMime(res.DetectedMime)
	if !res.MimeValid {
		res.Issues = append(res.Issues, fmt.Sprintf(
			"mime type %s not allowed for %s", res.DetectedMime, meta.EvidenceType))
	}
	if res.DetectedMime != meta.MimeType {
		res.Issues = append(res.Issues, fmt.Sprintf(
			"mime mismatch: declared=%s detected=%s", meta.MimeType, res.DetectedMime))
		res.MimeValid = false
	}

	// 3. Size ceilings and claimed-size consistency.
	res.FileSizeOK = actualSize <= pol.MaxSizeBytes
	if !res.FileSizeOK {
		res.Issues = append(res.Issues, fmt.Sprintf(
			"file exceeds %s limit: %d bytes (max %d)", meta.EvidenceType, actualSize, pol.MaxSizeBytes))
	}
	if actualSize != meta.FileSizeBytes {
		res.Issues = append(res.Issues, fmt.Sprintf(
			"file size mismatch: claimed=%d actual=%d", meta.FileSizeBytes, actualSize))
	}

	// 4. EXIF cross-checks for photos.
	if meta.EvidenceType == models.TypePhoto {
		v.validatePhotoExif(meta, md, &res)
	}

	// 5. GPS accuracy threshold, hard or soft per policy.
	res.GpsAccuracyOK = meta.Gps.AccuracyMeters <= v.thresholds.MaxGpsAccuracyMeters
	if !res.GpsAccuracyOK {
		finding := fmt.Sprintf("gps accuracy insufficient: %.1fm (max %.0fm)",
			meta.Gps.AccuracyMeters, v.thresholds.MaxGpsAccuracyMeters)
		if v.thresholds.GpsSeverity == policy.SeverityWarn {
			res.Warnings = append(res.Warnings, finding)
		} else {
			res.Issues = append(res.Issues, finding)
		}
	}

	// 6. Time drift between device capture and server receipt.
	res.TimeDriftSeconds = math.Abs(now.Sub(meta.CapturedAtDevice).Seconds())
	res.TimeDriftOK = res.TimeDriftSeconds <= v.thresholds.MaxTimeDrift.Seconds()
	if !res.TimeDriftOK {
		finding := fmt.Sprintf("time drift excessive: %.1fs (max %.0fs)",
			res.TimeDriftSeconds, v.thresholds.MaxTimeDrift.Seconds())
		if v.thresholds.DriftSeverity == policy.SeverityWarn {
			res.Warnings = append(res.Warnings, finding)
		} else {
			res.Issues = append(res.Issues, finding)
		}
	}

	return res
}

func (v *Validator) validatePhotoExif(meta Metadata, md exif.Metadata, res *Result) {
	if !md.Present {
		res.ExifOK = false
		res.Issues = append(res.Issues, "exif data required for photos but not found")
		return
	}
	if md.Latitude != nil && md.Longitude != nil {
		latDiff := math.Abs(*md.Latitude - meta.Gps.Latitude)
		lonDiff := math.Abs(*md.Longitude - meta.Gps.Longitude)
		if latDiff > exifGpsTolerance || lonDiff > exifGpsTolerance {
			res.ExifOK = false
			res.Issues = append(res.Issues, fmt.Sprintf(
				"gps mismatch: exif (%.6f, %.6f) vs declared (%.6f, %.6f)",
				*md.Latitude, *md.Longitude, meta.Gps.Latitude, meta.Gps.Longitude))
		}
	}
	if md.TakenAt != nil {
		skew := md.TakenAt.Sub(meta.CapturedAtDevice)
		if skew < 0 {
			skew = -skew
		}
		if skew > exifTimeTolerance {
			res.ExifOK = false
			res.Issues = append(res.Issues, fmt.Sprintf(
				"timestamp mismatch: exif %s vs declared %s",
				md.TakenAt.UTC().Format(time.RFC3339), meta.CapturedAtDevice.UTC().Format(time.RFC3339)))
		}
	}
}

// FirstError converts a failed result into the typed error for the dominant
// finding. Stage precedence: hash, then MIME, then size, then GPS, then
// drift; EXIF findings fall under integrity.
func FirstError(res Result) error {
	if res.Passed() {
		return nil
	}
	switch {
	case !res.HashMatch, !res.ExifOK:
		return domainerrors.New(domainerrors.CodeIntegrityMismatch, res.Issues[0]).
			WithDetail("issues", res.Issues)
	case !res.MimeValid:
		return domainerrors.New(domainerrors.CodeMimeMismatch, res.Issues[0]).
			WithDetail("issues", res.Issues)
	case !res.FileSizeOK:
		return domainerrors.New(domainerrors.CodeFileTooLarge, res.Issues[0]).
			WithDetail("issues", res.Issues)
	case !res.GpsAccuracyOK:
		return domainerrors.New(domainerrors.CodeGpsAccuracy, res.Issues[0]).
			WithDetail("issues", res.Issues)
	case !res.TimeDriftOK:
		return domainerrors.New(domainerrors.CodeTimeDrift, res.Issues[0]).
			WithDetail("issues", res.Issues)
	default:
		// Claimed-size mismatch or similar consistency finding.
		return domainerrors.New(domainerrors.CodeIntegrityMismatch, res.Issues[0]).
			WithDetail("issues", res.Issues)
	}
}

func prefix(hash string) string {
	if len(hash) > 16 {
		return hash[:16]
	}
	return hash
}
