// Package idempotency deduplicates retried submissions. A client attaches a
// stable Idempotency-Key per queued item; the coordinator atomically reserves
// the (tenant, key) pair before any mutation, replays the cached response for
// completed duplicates, and rejects key reuse with a different payload.
//
// The reserve step is a conditional insert against the backing store, not an
// in-process lock, because the server runs multi-instance.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Decision is the outcome of CheckOrReserve.
type Decision int

const (
	// DecisionFresh means the key was reserved; proceed with processing and
	// call Complete (or Release on a retryable failure).
	DecisionFresh Decision = iota
	// DecisionReplay means an identical request already completed; return
	// the cached response verbatim with no further side effects.
	DecisionReplay
	// DecisionKeyConflict means the key was reused with a different request
	// fingerprint. Client bug; fatal.
	DecisionKeyConflict
	// DecisionInFlight means a concurrent identical request holds the
	// reservation and has not completed. Callers treat the outcome as
	// unknown and retry; the key dedupes the retry.
	DecisionInFlight
)

// Entry is one cached idempotency record.
type Entry struct {
	TenantID           string
	Key                string
	RequestFingerprint string
	// StatusCode and Response snapshot the terminal HTTP outcome. Empty
	// until Complete.
	StatusCode int
	Response   []byte
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// Completed reports whether the entry holds a cached response.
func (e *Entry) Completed() bool { return e.StatusCode != 0 }

// Store is the coordinator contract. CheckOrReserve must be atomic with
// respect to concurrent identical requests: of two near-simultaneous
// retries, at most one observes DecisionFresh.
type Store interface {
	CheckOrReserve(ctx context.Context, tenantID, key, fingerprint string, ttl time.Duration) (Decision, *Entry, error)
	// Complete caches the terminal response for the reserved key.
	Complete(ctx context.Context, tenantID, key string, statusCode int, response []byte) error
	// Release abandons a reservation after a retryable processing failure
	// so the client's next attempt can reserve again.
	Release(ctx context.Context, tenantID, key string) error
	// Sweep purges entries expired as of the given time and returns how
	// many were removed.
	Sweep(ctx context.Context, asOf time.Time) (int, error)
}

// Fingerprint hashes the normalized request content so key reuse with a
// different payload is detectable. The content hash already summarizes the
// payload bytes; metadata is included so a metadata-only change also
// conflicts.
func Fingerprint(metadataJSON []byte, contentHash string) string {
	h := sha256.New()
	h.Write(metadataJSON)
	h.Write([]byte("\n"))
	h.Write([]byte(contentHash))
	return hex.EncodeToString(h.Sum(nil))
}
