// Package queue is the device-side durable capture queue. Items survive
// process crashes and power loss: every state change is a committed SQLite
// write, and the database opens in WAL mode so capture and drain can proceed
// concurrently.
package queue

import (
	"time"
)

// Status tracks an item through the upload lifecycle.
type Status string

const (
	// StatusPending means the item awaits upload (fresh or due for retry).
	StatusPending Status = "PENDING"
	// StatusUploading means a drain worker holds the item.
	StatusUploading Status = "UPLOADING"
	// StatusCompleted means the server acknowledged the item. Terminal.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed means the last attempt failed. Retryable failures
	// return to pending once the backoff elapses; permanent failures
	// stay here for operator review.
	StatusFailed Status = "FAILED"
)

// Item is one captured evidence submission waiting to reach the server.
type Item struct {
	// ID is the queue-assigned sequence number; it fixes capture order.
	ID            int64
	EvidenceID    string
	ApplicationID string
	// MetadataJSON is the exact descriptor the server will validate; it is
	// frozen at capture time so retries are byte-identical.
	MetadataJSON []byte
	// FilePath points at the captured payload on local storage.
	FilePath string
	Status   Status
	Attempts int
	// NextAttemptAt gates retries; zero means ready now.
	NextAttemptAt time.Time
	LastError     string
	// Permanent marks a failure no retry can fix.
	Permanent bool

	// ServerHash and StorageURI are filled from the server's response on
	// completion.
	ServerHash string
	StorageURI string

	EnqueuedAt time.Time
	UpdatedAt  time.Time
}
