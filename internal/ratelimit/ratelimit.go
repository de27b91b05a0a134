// Package ratelimit bounds per-tenant upload throughput. Uploads are
// expensive requests (hashing, EXIF parsing, blob writes), so a runaway or
// misconfigured device fleet must not starve other tenants.
package ratelimit

import (
	"context"
	"time"
)

// Result reports the limiter decision for one request.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Store counts requests per key. Implementations use a sliding window so a
// burst straddling a window boundary cannot double the effective limit.
type Store interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (*Result, error)
}
