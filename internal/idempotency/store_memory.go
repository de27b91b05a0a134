package idempotency

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore implements Store with a mutex-guarded map. Single-process
// only; the Postgres and Redis stores are the multi-instance options.
type InMemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: make(map[string]*Entry)}
}

func mapKey(tenantID, key string) string { return tenantID + "\x00" + key }

func (s *InMemoryStore) CheckOrReserve(_ context.Context, tenantID, key, fingerprint string, ttl time.Duration) (Decision, *Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	k := mapKey(tenantID, key)

	if existing, ok := s.entries[k]; ok {
		if now.After(existing.ExpiresAt) {
			delete(s.entries, k)
		} else {
			if existing.RequestFingerprint != fingerprint {
				return DecisionKeyConflict, nil, nil
			}
			if existing.Completed() {
				e := *existing
				return DecisionReplay, &e, nil
			}
			return DecisionInFlight, nil, nil
		}
	}

	s.entries[k] = &Entry{
		TenantID:           tenantID,
		Key:                key,
		RequestFingerprint: fingerprint,
		CreatedAt:          now,
		ExpiresAt:          now.Add(ttl),
	}
	return DecisionFresh, nil, nil
}

func (s *InMemoryStore) Complete(_ context.Context, tenantID, key string, statusCode int, response []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[mapKey(tenantID, key)]; ok {
		e.StatusCode = statusCode
		e.Response = append([]byte(nil), response...)
	}
	return nil
}

func (s *InMemoryStore) Release(_ context.Context, tenantID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := mapKey(tenantID, key)
	if e, ok := s.entries[k]; ok && !e.Completed() {
		delete(s.entries, k)
	}
	return nil
}

func (s *InMemoryStore) Sweep(_ context.Context, asOf time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, e := range s.entries {
		if asOf.After(e.ExpiresAt) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed, nil
}
