package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/zteffi86/permia/internal/evidence/models"
	"github.com/zteffi86/permia/pkg/platform/sentinel"
)

// InMemoryStore keeps evidence records in memory for tests and local runs.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]*models.EvidenceRecord // tenant+evidence id
	order   []string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]*models.EvidenceRecord)}
}

func recordKey(tenantID, evidenceID string) string { return tenantID + "\x00" + evidenceID }

func (s *InMemoryStore) Insert(_ context.Context, record *models.EvidenceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := recordKey(record.TenantID, record.EvidenceID)
	if _, exists := s.records[k]; exists {
		return sentinel.ErrConflict
	}
	cp := *record
	s.records[k] = &cp
	s.order = append(s.order, k)
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, tenantID, evidenceID string) (*models.EvidenceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[recordKey(tenantID, evidenceID)]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *record
	return &cp, nil
}

func (s *InMemoryStore) ListByApplication(_ context.Context, tenantID, applicationID string) ([]*models.EvidenceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.EvidenceRecord
	for _, k := range s.order {
		r := s.records[k]
		if r.TenantID == tenantID && r.ApplicationID == applicationID {
			cp := *r
			out = append(out, &cp)
		}
	}
	// Newest first, matching the Postgres ordering.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *InMemoryStore) FindDuplicate(_ context.Context, tenantID, applicationID, contentHash string, cutoff time.Time) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, k := range s.order {
		r := s.records[k]
		if r.TenantID == tenantID &&
			r.ApplicationID == applicationID &&
			r.ServerHash == contentHash &&
			!r.CreatedAt.Before(cutoff) {
			return r.EvidenceID, nil
		}
	}
	return "", sentinel.ErrNotFound
}

// Count reports how many records exist. Test helper.
func (s *InMemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
