package models

import "time"

// EvidenceType classifies the captured artifact.
type EvidenceType string

const (
	TypePhoto    EvidenceType = "photo"
	TypeVideo    EvidenceType = "video"
	TypeDocument EvidenceType = "document"
	TypeAudio    EvidenceType = "audio"
)

// Valid reports whether the type is one of the known evidence types.
func (t EvidenceType) Valid() bool {
	switch t {
	case TypePhoto, TypeVideo, TypeDocument, TypeAudio:
		return true
	}
	return false
}

// UploaderRole identifies who captured the evidence.
type UploaderRole string

const (
	RoleApplicantOwner UploaderRole = "applicant_owner"
	RoleInspector      UploaderRole = "inspector"
	RoleSupervisor     UploaderRole = "supervisor"
)

func (r UploaderRole) Valid() bool {
	switch r {
	case RoleApplicantOwner, RoleInspector, RoleSupervisor:
		return true
	}
	return false
}

// UploadStatus is the record lifecycle state machine:
//
//	PENDING -> UPLOADING -> COMPLETED
//	UPLOADING -> FAILED -> PENDING   (retryable failure)
//
// COMPLETED is terminal; no record ever regresses from it.
type UploadStatus string

const (
	StatusPending   UploadStatus = "PENDING"
	StatusUploading UploadStatus = "UPLOADING"
	StatusCompleted UploadStatus = "COMPLETED"
	StatusFailed    UploadStatus = "FAILED"
)

// CanTransition reports whether moving from s to next is a legal lifecycle
// step. Stores enforce this before any status mutation.
func (s UploadStatus) CanTransition(next UploadStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusUploading
	case StatusUploading:
		return next == StatusCompleted || next == StatusFailed
	case StatusFailed:
		return next == StatusPending
	case StatusCompleted:
		return false
	}
	return false
}

// GpsCoordinates is the device-claimed capture location.
type GpsCoordinates struct {
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	AccuracyMeters float64 `json:"accuracy_meters"`
}

// Valid checks coordinate ranges and a positive accuracy radius.
func (g GpsCoordinates) Valid() bool {
	return g.Latitude >= -90 && g.Latitude <= 90 &&
		g.Longitude >= -180 && g.Longitude <= 180 &&
		g.AccuracyMeters > 0
}

// EvidenceRecord is the authoritative evidence row. The device owns it while
// status is PENDING/UPLOADING/FAILED; ownership transfers to the server the
// instant it reaches COMPLETED.
//
// Invariants: ServerHash is never set before DeviceHash; StorageURI is never
// set unless ServerHash == DeviceHash.
type EvidenceRecord struct {
	EvidenceID       string            `json:"evidence_id"`
	ApplicationID    string            `json:"application_id"`
	TenantID         string            `json:"tenant_id"`
	EvidenceType     EvidenceType      `json:"evidence_type"`
	MimeType         string            `json:"mime_type"`
	MimeDetected     string            `json:"mime_type_detected,omitempty"`
	FileSizeBytes    int64             `json:"file_size_bytes"`
	DeviceHash       string            `json:"device_hash"`
	ServerHash       string            `json:"server_hash,omitempty"`
	CapturedAtDevice time.Time         `json:"captured_at_device"`
	CapturedAtServer *time.Time        `json:"captured_at_server,omitempty"`
	TimeDriftSeconds float64           `json:"time_drift_seconds,omitempty"`
	Gps              GpsCoordinates    `json:"gps_coordinates"`
	ExifData         map[string]string `json:"exif_data,omitempty"`
	UploaderRole     UploaderRole      `json:"uploader_role"`
	UploaderID       string            `json:"uploader_id,omitempty"`
	StorageURI       string            `json:"storage_uri,omitempty"`
	UploadStatus     UploadStatus      `json:"upload_status"`
	IntegrityIssues  []string          `json:"integrity_issues,omitempty"`
	CorrelationID    string            `json:"correlation_id,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}
