package validator

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zteffi86/permia/internal/evidence/exif"
	"github.com/zteffi86/permia/internal/evidence/models"
	"github.com/zteffi86/permia/internal/evidence/policy"
	"github.com/zteffi86/permia/pkg/domainerrors"
	"github.com/zteffi86/permia/pkg/hashing"
)

var pdfPayload = []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n%%EOF\n")

func pdfMetadata(now time.Time, payload []byte) Metadata {
	h := hashing.NewSHA256()
	return Metadata{
		EvidenceID:       "ev-001",
		ApplicationID:    "app-001",
		EvidenceType:     models.TypeDocument,
		DeviceHash:       h.Digest(payload),
		CapturedAtDevice: now.Add(-2 * time.Second),
		Gps:              models.GpsCoordinates{Latitude: 64.1466, Longitude: -21.9426, AccuracyMeters: 10},
		UploaderRole:     models.RoleInspector,
		MimeType:         "application/pdf",
		FileSizeBytes:    int64(len(payload)),
	}
}

func TestValidateCleanDocument(t *testing.T) {
	now := time.Now()
	meta := pdfMetadata(now, pdfPayload)
	v := New(policy.DefaultThresholds())

	res := v.Validate(meta, meta.DeviceHash, int64(len(pdfPayload)), pdfPayload, exif.Metadata{}, now)
	require.True(t, res.Passed(), "issues: %v", res.Issues)
	require.True(t, res.HashMatch)
	require.True(t, res.MimeValid)
	require.Equal(t, "application/pdf", res.DetectedMime)
	require.InDelta(t, 2, res.TimeDriftSeconds, 0.5)
	require.NoError(t, FirstError(res))
}

func TestValidateHashMismatch(t *testing.T) {
	now := time.Now()
	meta := pdfMetadata(now, pdfPayload)

	// Single-bit mutation after device hashing.
	mutated := append([]byte(nil), pdfPayload...)
	mutated[10] ^= 0x01
	serverHash := hashing.NewSHA256().Digest(mutated)

	v := New(policy.DefaultThresholds())
	res := v.Validate(meta, serverHash, int64(len(mutated)), mutated, exif.Metadata{}, now)
	require.False(t, res.Passed())
	require.False(t, res.HashMatch)

	err := FirstError(res)
	require.Error(t, err)
	require.Equal(t, domainerrors.CodeIntegrityMismatch, domainerrors.CodeOf(err))
}

func TestValidateMimeMismatch(t *testing.T) {
	now := time.Now()
	payload := []byte("plain text pretending to be a pdf")
	meta := pdfMetadata(now, payload)

	v := New(policy.DefaultThresholds())
	res := v.Validate(meta, meta.DeviceHash, int64(len(payload)), payload, exif.Metadata{}, now)
	require.False(t, res.Passed())
	require.False(t, res.MimeValid)
	require.Equal(t, domainerrors.CodeMimeMismatch, domainerrors.CodeOf(FirstError(res)))
}

func TestValidateSizeCeiling(t *testing.T) {
	now := time.Now()
	meta := pdfMetadata(now, pdfPayload)
	oversize := policy.ForType(models.TypeDocument).MaxSizeBytes + 1
	meta.FileSizeBytes = oversize

	v := New(policy.DefaultThresholds())
	res := v.Validate(meta, meta.DeviceHash, oversize, pdfPayload, exif.Metadata{}, now)
	require.False(t, res.Passed())
	require.False(t, res.FileSizeOK)
	require.Equal(t, domainerrors.CodeFileTooLarge, domainerrors.CodeOf(FirstError(res)))
}

func TestValidateClaimedSizeMismatch(t *testing.T) {
	now := time.Now()
	meta := pdfMetadata(now, pdfPayload)
	meta.FileSizeBytes = meta.FileSizeBytes + 5

	v := New(policy.DefaultThresholds())
	res := v.Validate(meta, meta.DeviceHash, int64(len(pdfPayload)), pdfPayload, exif.Metadata{}, now)
	require.False(t, res.Passed())
	require.Equal(t, domainerrors.CodeIntegrityMismatch, domainerrors.CodeOf(FirstError(res)))
}

func TestValidateGpsAccuracy(t *testing.T) {
	now := time.Now()
	meta := pdfMetadata(now, pdfPayload)
	meta.Gps.AccuracyMeters = 120

	t.Run("hard severity fails", func(t *testing.T) {
		v := New(policy.DefaultThresholds())
		res := v.Validate(meta, meta.DeviceHash, int64(len(pdfPayload)), pdfPayload, exif.Metadata{}, now)
		require.False(t, res.Passed())
		require.Equal(t, domainerrors.CodeGpsAccuracy, domainerrors.CodeOf(FirstError(res)))
	})

	t.Run("warn severity records warning only", func(t *testing.T) {
		th := policy.DefaultThresholds()
		th.GpsSeverity = policy.SeverityWarn
		v := New(th)
		res := v.Validate(meta, meta.DeviceHash, int64(len(pdfPayload)), pdfPayload, exif.Metadata{}, now)
		require.True(t, res.Passed())
		require.NotEmpty(t, res.Warnings)
	})
}

func TestValidateTimeDrift(t *testing.T) {
	now := time.Now()
	meta := pdfMetadata(now, pdfPayload)
	meta.CapturedAtDevice = now.Add(-5 * time.Minute)

	t.Run("hard severity fails", func(t *testing.T) {
		v := New(policy.DefaultThresholds())
		res := v.Validate(meta, meta.DeviceHash, int64(len(pdfPayload)), pdfPayload, exif.Metadata{}, now)
		require.False(t, res.Passed())
		require.False(t, res.TimeDriftOK)
		require.Equal(t, domainerrors.CodeTimeDrift, domainerrors.CodeOf(FirstError(res)))
	})

	t.Run("warn severity records warning only", func(t *testing.T) {
		th := policy.DefaultThresholds()
		th.DriftSeverity = policy.SeverityWarn
		v := New(th)
		res := v.Validate(meta, meta.DeviceHash, int64(len(pdfPayload)), pdfPayload, exif.Metadata{}, now)
		require.True(t, res.Passed())
		require.NotEmpty(t, res.Warnings)
	})
}

func TestValidatePhotoRequiresExif(t *testing.T) {
	now := time.Now()
	jpeg := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00, 0x01, 0x01, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0xFF, 0xD9}
	h := hashing.NewSHA256()
	meta := Metadata{
		EvidenceID:       "ev-photo",
		ApplicationID:    "app-001",
		EvidenceType:     models.TypePhoto,
		DeviceHash:       h.Digest(jpeg),
		CapturedAtDevice: now,
		Gps:              models.GpsCoordinates{Latitude: 64, Longitude: -21, AccuracyMeters: 5},
		UploaderRole:     models.RoleApplicantOwner,
		MimeType:         "image/jpeg",
		FileSizeBytes:    int64(len(jpeg)),
	}

	v := New(policy.DefaultThresholds())
	res := v.Validate(meta, meta.DeviceHash, int64(len(jpeg)), jpeg, exif.Metadata{Present: false}, now)
	require.False(t, res.Passed())
	require.False(t, res.ExifOK)
}

func TestValidatePhotoExifCrossChecks(t *testing.T) {
	now := time.Now()
	lat, lon := 64.05, -21.0
	taken := now.Add(-10 * time.Minute)
	md := exif.Metadata{Present: true, Latitude: &lat, Longitude: &lon, TakenAt: &taken}

	jpeg := []byte{0xFF, 0xD8, 0xFF, 0xD9}
	h := hashing.NewSHA256()
	meta := Metadata{
		EvidenceID:       "ev-photo-2",
		ApplicationID:    "app-001",
		EvidenceType:     models.TypePhoto,
		DeviceHash:       h.Digest(jpeg),
		CapturedAtDevice: now,
		Gps:              models.GpsCoordinates{Latitude: 64.0, Longitude: -21.0, AccuracyMeters: 5},
		UploaderRole:     models.RoleApplicantOwner,
		MimeType:         "image/jpeg",
		FileSizeBytes:    int64(len(jpeg)),
	}

	v := New(policy.DefaultThresholds())
	res := v.Validate(meta, meta.DeviceHash, int64(len(jpeg)), jpeg, md, now)
	require.False(t, res.ExifOK)

	var gpsIssue, timeIssue bool
	for _, issue := range res.Issues {
		if strings.Contains(issue, "gps mismatch") {
			gpsIssue = true
		}
		if strings.Contains(issue, "timestamp mismatch") {
			timeIssue = true
		}
	}
	require.True(t, gpsIssue, "expected gps mismatch issue: %v", res.Issues)
	require.True(t, timeIssue, "expected timestamp mismatch issue: %v", res.Issues)
}

func TestMetadataValidateSchema(t *testing.T) {
	now := time.Now()
	good := pdfMetadata(now, pdfPayload)
	require.NoError(t, good.ValidateSchema())

	cases := map[string]func(*Metadata){
		"missing evidence id": func(m *Metadata) { m.EvidenceID = "" },
		"bad hash":            func(m *Metadata) { m.DeviceHash = "ZZZ" },
		"bad type":            func(m *Metadata) { m.EvidenceType = "gif" },
		"bad gps":             func(m *Metadata) { m.Gps.Latitude = 99 },
		"bad role":            func(m *Metadata) { m.UploaderRole = "ghost" },
		"zero size":           func(m *Metadata) { m.FileSizeBytes = 0 },
		"zero time":           func(m *Metadata) { m.CapturedAtDevice = time.Time{} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			m := pdfMetadata(now, pdfPayload)
			mutate(&m)
			err := m.ValidateSchema()
			require.Error(t, err)
			require.Equal(t, domainerrors.CodeSchemaValidation, domainerrors.CodeOf(err))
		})
	}
}
