// Package policy holds the per-type MIME whitelists, size ceilings, and the
// configurable GPS/time-drift thresholds applied during ingestion.
package policy

import (
	"time"

	"github.com/zteffi86/permia/internal/evidence/models"
)

// Severity controls whether a threshold violation blocks ingestion or is
// recorded as a warning in the audit trail.
type Severity string

const (
	SeverityHard Severity = "hard"
	SeverityWarn Severity = "warn"
)

// TypePolicy is the MIME and size policy for one evidence type.
type TypePolicy struct {
	AllowedMimes []string
	MaxSizeBytes int64
}

// AllowsMime reports whether the sniffed MIME type is whitelisted.
func (p TypePolicy) AllowsMime(mime string) bool {
	for _, m := range p.AllowedMimes {
		if m == mime {
			return true
		}
	}
	return false
}

const mb = int64(1024 * 1024)

var typePolicies = map[models.EvidenceType]TypePolicy{
	// PNG support deferred: photos must carry EXIF, which PNG lacks.
	models.TypePhoto:    {AllowedMimes: []string{"image/jpeg"}, MaxSizeBytes: 10 * mb},
	models.TypeVideo:    {AllowedMimes: []string{"video/mp4", "video/quicktime"}, MaxSizeBytes: 50 * mb},
	models.TypeDocument: {AllowedMimes: []string{"application/pdf"}, MaxSizeBytes: 25 * mb},
	models.TypeAudio:    {AllowedMimes: []string{"audio/mpeg", "audio/mp4"}, MaxSizeBytes: 25 * mb},
}

// ForType returns the policy for an evidence type. Unknown types get an
// empty whitelist, which rejects everything downstream.
func ForType(t models.EvidenceType) TypePolicy {
	if p, ok := typePolicies[t]; ok {
		return p
	}
	return TypePolicy{MaxSizeBytes: 50 * mb}
}

// MaxPayloadBytes is the global ceiling used for the Content-Length precheck
// before any bytes are read; per-type limits apply while streaming.
const MaxPayloadBytes = 50 * mb

// Thresholds are the environment-configured validation limits.
type Thresholds struct {
	MaxTimeDrift         time.Duration
	MaxGpsAccuracyMeters float64
	ReplayWindow         time.Duration
	// DriftSeverity and GpsSeverity decide hard-fail vs soft-warn for the
	// respective checks.
	DriftSeverity Severity
	GpsSeverity   Severity
}

// DefaultThresholds mirror the reference evidence policy.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxTimeDrift:         30 * time.Second,
		MaxGpsAccuracyMeters: 50,
		ReplayWindow:         30 * 24 * time.Hour,
		DriftSeverity:        SeverityHard,
		GpsSeverity:          SeverityHard,
	}
}
