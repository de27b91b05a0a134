// Package store persists evidence records. Implementations return
// pkg/platform/sentinel errors for factual states; the service translates
// them into domain errors.
package store

import (
	"context"
	"time"

	"github.com/zteffi86/permia/internal/evidence/models"
)

// Store is the evidence record contract. Insert must be conditional on the
// (tenant_id, evidence_id) uniqueness constraint so two concurrent
// submissions of the same record cannot both win; the loser gets
// sentinel.ErrConflict.
type Store interface {
	Insert(ctx context.Context, record *models.EvidenceRecord) error
	Get(ctx context.Context, tenantID, evidenceID string) (*models.EvidenceRecord, error)
	ListByApplication(ctx context.Context, tenantID, applicationID string) ([]*models.EvidenceRecord, error)
	// FindDuplicate returns the canonical evidence id holding the same
	// content hash for the tenant/application, accepted at or after the
	// cutoff. sentinel.ErrNotFound when no duplicate exists in the window.
	FindDuplicate(ctx context.Context, tenantID, applicationID, contentHash string, cutoff time.Time) (string, error)
}
