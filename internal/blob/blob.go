// Package blob is the hash-addressed byte store collaborator. Keys derive
// from the content digest, so writes are naturally idempotent: putting the
// same hash twice is a no-op returning the existing URI.
package blob

import (
	"context"
	"io"
)

// Store is the put/get contract the ingestion service depends on. The
// filesystem implementation stands in for cloud blob backends, which are out
// of scope behind this interface.
type Store interface {
	// Put writes content under its hash and returns the storage URI.
	// Re-putting an existing hash returns the original URI without
	// rewriting bytes.
	Put(ctx context.Context, contentHash, mimeType string, content io.Reader) (string, error)
	// Get opens the content at a URI previously returned by Put.
	Get(ctx context.Context, storageURI string) (io.ReadCloser, error)
	// Delete removes a blob. Used only as compensation when the database
	// commit fails after a successful Put.
	Delete(ctx context.Context, storageURI string) error
}

// Key returns the canonical blob path for a content hash:
// evidence/<hash[:2]>/<hash>. The two-char fan-out keeps directory sizes
// bounded on filesystem backends.
func Key(contentHash string) string {
	if len(contentHash) < 2 {
		return "evidence/" + contentHash
	}
	return "evidence/" + contentHash[:2] + "/" + contentHash
}
