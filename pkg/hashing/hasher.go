// Package hashing defines the content hashing contract used on both sides of
// the pipeline. The device computes a digest at capture time, the server
// recomputes it on receipt; byte-identical output across platforms is the
// anchor for tamper detection, so implementations must be deterministic and
// must never return a partial digest.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// Hasher computes deterministic content digests. One implementation is
// selected per deployment target at wiring time.
type Hasher interface {
	// Digest hashes an in-memory payload and returns a lowercase hex digest.
	Digest(data []byte) string
	// DigestStream hashes a byte source in bounded chunks. It returns
	// UnreadableSourceError if the source cannot be fully consumed.
	DigestStream(r io.Reader) (string, error)
}

// UnreadableSourceError signals that the underlying byte source failed
// mid-read (file vanished, socket reset). The digest is never partially
// returned alongside it.
type UnreadableSourceError struct {
	Err error
}

func (e *UnreadableSourceError) Error() string {
	return fmt.Sprintf("source unreadable: %v", e.Err)
}

func (e *UnreadableSourceError) Unwrap() error { return e.Err }

// chunkSize bounds memory while hashing large video/audio payloads.
const chunkSize = 64 * 1024

// SHA256 implements Hasher with the reference 256-bit digest.
type SHA256 struct{}

// NewSHA256 returns the reference hasher.
func NewSHA256() SHA256 { return SHA256{} }

func (SHA256) Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (SHA256) DigestStream(r io.Reader) (string, error) {
	h := sha256.New()
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", &UnreadableSourceError{Err: err}
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// IsHexDigest reports whether s looks like a lowercase hex digest of the
// expected length. Upload requests carrying anything else fail schema
// validation before any bytes are read.
func IsHexDigest(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
