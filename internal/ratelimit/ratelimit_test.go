package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zteffi86/permia/pkg/requestcontext"
)

func TestInMemoryStoreAllowsUpToLimit(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := s.Allow(ctx, "tenant-a", 3, time.Minute)
		require.NoError(t, err)
		require.True(t, res.Allowed)
		require.Equal(t, 2-i, res.Remaining)
	}

	res, err := s.Allow(ctx, "tenant-a", 3, time.Minute)
	require.NoError(t, err)
	require.False(t, res.Allowed)
}

func TestInMemoryStoreSlidingWindowExpires(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	res, err := s.Allow(ctx, "tenant-a", 1, 20*time.Millisecond)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = s.Allow(ctx, "tenant-a", 1, 20*time.Millisecond)
	require.NoError(t, err)
	require.False(t, res.Allowed)

	time.Sleep(30 * time.Millisecond)
	res, err = s.Allow(ctx, "tenant-a", 1, 20*time.Millisecond)
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestInMemoryStoreIsolatesKeys(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	res, err := s.Allow(ctx, "tenant-a", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = s.Allow(ctx, "tenant-b", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestMiddlewareRejectsOverLimit(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mw := Middleware(NewInMemoryStore(), 2, time.Minute, logger)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/evidence", nil)
		req = req.WithContext(requestcontext.WithTenant(req.Context(), "tenant-a"))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusOK, do().Code)
	require.Equal(t, http.StatusOK, do().Code)

	rec := do()
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
}

type failingStore struct{}

func (failingStore) Allow(context.Context, string, int, time.Duration) (*Result, error) {
	return nil, context.DeadlineExceeded
}

func TestMiddlewareFailsOpen(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mw := Middleware(failingStore{}, 1, time.Minute, logger)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/evidence", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
