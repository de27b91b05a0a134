package uploader

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/zteffi86/permia/internal/audit"
	"github.com/zteffi86/permia/internal/blob"
	"github.com/zteffi86/permia/internal/device/queue"
	"github.com/zteffi86/permia/internal/evidence/handler"
	"github.com/zteffi86/permia/internal/evidence/policy"
	"github.com/zteffi86/permia/internal/evidence/service"
	evidencestore "github.com/zteffi86/permia/internal/evidence/store"
	"github.com/zteffi86/permia/internal/idempotency"
	"github.com/zteffi86/permia/pkg/hashing"
	"github.com/zteffi86/permia/pkg/requestcontext"
)

// newEvidenceServer assembles the real ingestion stack on in-memory stores.
func newEvidenceServer(t *testing.T) (*httptest.Server, *evidencestore.InMemoryStore) {
	t.Helper()
	records := evidencestore.NewInMemoryStore()
	recorder := audit.NewRecorder(audit.NewInMemoryStore())
	svc := service.New(
		service.Config{Thresholds: policy.DefaultThresholds()},
		records, blob.NewInMemoryStore(), idempotency.NewInMemoryStore(), recorder, nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	h := handler.New(svc, recorder, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := requestcontext.WithTenant(req.Context(), "tenant-a")
			ctx = requestcontext.WithActor(ctx, "device-1")
			ctx = requestcontext.WithActorRole(ctx, "inspector")
			ctx = requestcontext.WithCorrelationID(ctx, req.Header.Get("X-Correlation-Id"))
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})
	r.Group(h.Routes)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, records
}

func enqueueCapture(t *testing.T, q *queue.SQLiteQueue, dir string, i int) {
	t.Helper()
	payload := []byte(fmt.Sprintf("%%PDF-1.4\ncapture %d\n%%EOF\n", i))
	path := filepath.Join(dir, fmt.Sprintf("capture-%d.pdf", i))
	require.NoError(t, os.WriteFile(path, payload, 0o600))

	meta, err := json.Marshal(map[string]any{
		"evidence_id":        fmt.Sprintf("ev-%d", i),
		"application_id":     "app-1",
		"evidence_type":      "document",
		"device_hash":        hashing.NewSHA256().Digest(payload),
		"captured_at_device": time.Now().UTC().Format(time.RFC3339),
		"gps_coordinates":    map[string]any{"latitude": 64.13, "longitude": -21.9, "accuracy_meters": 8.0},
		"uploader_role":      "inspector",
		"mime_type":          "application/pdf",
		"file_size_bytes":    len(payload),
	})
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(context.Background(), &queue.Item{
		EvidenceID:    fmt.Sprintf("ev-%d", i),
		ApplicationID: "app-1",
		MetadataJSON:  meta,
		FilePath:      path,
	}))
}

// ackLossSender delegates to the real client, then pretends the response
// was lost once the allowance runs out. The server has processed the upload;
// the device just never hears about it.
type ackLossSender struct {
	inner Sender
	allow int
	sent  int
}

func (s *ackLossSender) Upload(ctx context.Context, item *queue.Item) (*Result, error) {
	res, err := s.inner.Upload(ctx, item)
	if err != nil {
		return res, err
	}
	s.sent++
	if s.sent > s.allow {
		return &Result{Outcome: OutcomeRetry, Detail: "connection reset before response"}, nil
	}
	return res, nil
}

func TestDrainSurvivesRestartWithoutDuplicates(t *testing.T) {
	srv, records := newEvidenceServer(t)
	dir := t.TempDir()
	queuePath := filepath.Join(dir, "queue.db")

	q, err := queue.Open(context.Background(), queuePath, "")
	require.NoError(t, err)
	const total = 10
	for i := 1; i <= total; i++ {
		enqueueCapture(t, q, dir, i)
	}

	client := NewClient(srv.URL, "")
	backoff := queue.Backoff{Base: time.Millisecond, Max: time.Millisecond, MaxAttempts: 10}

	// First run: the 6th acknowledgment is lost mid-flight, which stalls
	// the rest of the application group, then the process dies.
	flaky := &ackLossSender{inner: client, allow: 5}
	n, err := NewDrainer(q, flaky, backoff, 1, discardLogger()).DrainOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.NoError(t, q.Close())

	// The server did receive the 6th item even though its response was lost.
	first, err := records.ListByApplication(context.Background(), "tenant-a", "app-1")
	require.NoError(t, err)
	require.Len(t, first, 6)

	// Restart: reopen the queue and drain to completion. The unacknowledged
	// item is re-sent with its original idempotency key and resolves via the
	// server's cached response.
	q, err = queue.Open(context.Background(), queuePath, "")
	require.NoError(t, err)
	defer q.Close()

	d := NewDrainer(q, client, backoff, 1, discardLogger())
	drained := 5
	for attempt := 0; attempt < 20 && drained < total; attempt++ {
		time.Sleep(5 * time.Millisecond)
		n, err := d.DrainOnce(context.Background())
		require.NoError(t, err)
		drained += n
	}
	require.Equal(t, total, drained)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, total, stats[queue.StatusCompleted])

	// Exactly one record per capture, no more, no fewer.
	all, err := records.ListByApplication(context.Background(), "tenant-a", "app-1")
	require.NoError(t, err)
	require.Len(t, all, total)
	seen := make(map[string]bool, total)
	for _, record := range all {
		require.False(t, seen[record.EvidenceID])
		seen[record.EvidenceID] = true
	}
}
