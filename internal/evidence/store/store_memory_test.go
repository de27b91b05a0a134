package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zteffi86/permia/internal/evidence/models"
	"github.com/zteffi86/permia/pkg/platform/sentinel"
)

func newRecord(tenant, app, id, hash string, createdAt time.Time) *models.EvidenceRecord {
	return &models.EvidenceRecord{
		EvidenceID:       id,
		ApplicationID:    app,
		TenantID:         tenant,
		EvidenceType:     models.TypeDocument,
		MimeType:         "application/pdf",
		MimeDetected:     "application/pdf",
		FileSizeBytes:    128,
		DeviceHash:       hash,
		ServerHash:       hash,
		CapturedAtDevice: createdAt,
		UploaderRole:     models.RoleInspector,
		UploaderID:       "inspector-1",
		UploadStatus:     models.StatusCompleted,
		CreatedAt:        createdAt,
		UpdatedAt:        createdAt,
	}
}

func TestInMemoryStoreInsertAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	now := time.Now().UTC()

	rec := newRecord("tenant-a", "app-1", "ev-1", "aa11", now)
	require.NoError(t, s.Insert(ctx, rec))

	got, err := s.Get(ctx, "tenant-a", "ev-1")
	require.NoError(t, err)
	require.Equal(t, "ev-1", got.EvidenceID)
	require.Equal(t, "app-1", got.ApplicationID)

	// Stored copy is isolated from later caller mutation.
	rec.ServerHash = "mutated"
	got, err = s.Get(ctx, "tenant-a", "ev-1")
	require.NoError(t, err)
	require.Equal(t, "aa11", got.ServerHash)
}

func TestInMemoryStoreInsertConflict(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	now := time.Now().UTC()

	require.NoError(t, s.Insert(ctx, newRecord("tenant-a", "app-1", "ev-1", "aa11", now)))
	err := s.Insert(ctx, newRecord("tenant-a", "app-2", "ev-1", "bb22", now))
	require.ErrorIs(t, err, sentinel.ErrConflict)

	// Same evidence id under another tenant is a distinct record.
	require.NoError(t, s.Insert(ctx, newRecord("tenant-b", "app-1", "ev-1", "aa11", now)))
}

func TestInMemoryStoreGetNotFound(t *testing.T) {
	s := NewInMemoryStore()
	_, err := s.Get(context.Background(), "tenant-a", "missing")
	require.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestInMemoryStoreListByApplication(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	base := time.Now().UTC()

	require.NoError(t, s.Insert(ctx, newRecord("tenant-a", "app-1", "ev-old", "aa", base.Add(-time.Hour))))
	require.NoError(t, s.Insert(ctx, newRecord("tenant-a", "app-1", "ev-new", "bb", base)))
	require.NoError(t, s.Insert(ctx, newRecord("tenant-a", "app-2", "ev-other", "cc", base)))
	require.NoError(t, s.Insert(ctx, newRecord("tenant-b", "app-1", "ev-foreign", "dd", base)))

	got, err := s.ListByApplication(ctx, "tenant-a", "app-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "ev-new", got[0].EvidenceID)
	require.Equal(t, "ev-old", got[1].EvidenceID)
}

func TestInMemoryStoreFindDuplicate(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	base := time.Now().UTC()
	cutoff := base.Add(-30 * 24 * time.Hour)

	require.NoError(t, s.Insert(ctx, newRecord("tenant-a", "app-1", "ev-stale", "aa11", cutoff.Add(-time.Hour))))
	require.NoError(t, s.Insert(ctx, newRecord("tenant-a", "app-1", "ev-1", "aa11", base.Add(-time.Hour))))

	t.Run("match inside window", func(t *testing.T) {
		id, err := s.FindDuplicate(ctx, "tenant-a", "app-1", "aa11", cutoff)
		require.NoError(t, err)
		require.Equal(t, "ev-1", id)
	})

	t.Run("stale record ignored", func(t *testing.T) {
		_, err := s.FindDuplicate(ctx, "tenant-a", "app-1", "aa11", base.Add(-30*time.Minute))
		require.ErrorIs(t, err, sentinel.ErrNotFound)
	})

	t.Run("scoped to application", func(t *testing.T) {
		_, err := s.FindDuplicate(ctx, "tenant-a", "app-2", "aa11", cutoff)
		require.ErrorIs(t, err, sentinel.ErrNotFound)
	})

	t.Run("scoped to tenant", func(t *testing.T) {
		_, err := s.FindDuplicate(ctx, "tenant-b", "app-1", "aa11", cutoff)
		require.ErrorIs(t, err, sentinel.ErrNotFound)
	})
}
