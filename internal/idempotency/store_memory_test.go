package idempotency

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/zteffi86/permia/internal/audit"
)

type InMemoryStoreSuite struct {
	suite.Suite
	store *InMemoryStore
	ctx   context.Context
}

func TestInMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(InMemoryStoreSuite))
}

func (s *InMemoryStoreSuite) SetupTest() {
	s.store = NewInMemoryStore()
	s.ctx = context.Background()
}

const testTTL = 31 * 24 * time.Hour

func (s *InMemoryStoreSuite) TestFreshThenReplay() {
	decision, _, err := s.store.CheckOrReserve(s.ctx, "tenant-a", "key-1", "fp-1", testTTL)
	s.Require().NoError(err)
	s.Equal(DecisionFresh, decision)

	s.Require().NoError(s.store.Complete(s.ctx, "tenant-a", "key-1", 201, []byte(`{"evidence_id":"ev-1"}`)))

	decision, entry, err := s.store.CheckOrReserve(s.ctx, "tenant-a", "key-1", "fp-1", testTTL)
	s.Require().NoError(err)
	s.Equal(DecisionReplay, decision)
	s.Require().NotNil(entry)
	s.Equal(201, entry.StatusCode)
	s.JSONEq(`{"evidence_id":"ev-1"}`, string(entry.Response))
}

func (s *InMemoryStoreSuite) TestKeyConflictOnDifferentFingerprint() {
	_, _, err := s.store.CheckOrReserve(s.ctx, "tenant-a", "key-1", "fp-1", testTTL)
	s.Require().NoError(err)
	s.Require().NoError(s.store.Complete(s.ctx, "tenant-a", "key-1", 201, []byte(`{}`)))

	decision, _, err := s.store.CheckOrReserve(s.ctx, "tenant-a", "key-1", "fp-OTHER", testTTL)
	s.Require().NoError(err)
	s.Equal(DecisionKeyConflict, decision)
}

func (s *InMemoryStoreSuite) TestInFlightWhileUncompleted() {
	decision, _, err := s.store.CheckOrReserve(s.ctx, "tenant-a", "key-1", "fp-1", testTTL)
	s.Require().NoError(err)
	s.Equal(DecisionFresh, decision)

	decision, _, err = s.store.CheckOrReserve(s.ctx, "tenant-a", "key-1", "fp-1", testTTL)
	s.Require().NoError(err)
	s.Equal(DecisionInFlight, decision)
}

func (s *InMemoryStoreSuite) TestReleaseAllowsReReserve() {
	_, _, err := s.store.CheckOrReserve(s.ctx, "tenant-a", "key-1", "fp-1", testTTL)
	s.Require().NoError(err)

	s.Require().NoError(s.store.Release(s.ctx, "tenant-a", "key-1"))

	decision, _, err := s.store.CheckOrReserve(s.ctx, "tenant-a", "key-1", "fp-1", testTTL)
	s.Require().NoError(err)
	s.Equal(DecisionFresh, decision)
}

func (s *InMemoryStoreSuite) TestReleaseKeepsCompletedEntry() {
	_, _, err := s.store.CheckOrReserve(s.ctx, "tenant-a", "key-1", "fp-1", testTTL)
	s.Require().NoError(err)
	s.Require().NoError(s.store.Complete(s.ctx, "tenant-a", "key-1", 201, []byte(`{}`)))

	s.Require().NoError(s.store.Release(s.ctx, "tenant-a", "key-1"))

	decision, _, err := s.store.CheckOrReserve(s.ctx, "tenant-a", "key-1", "fp-1", testTTL)
	s.Require().NoError(err)
	s.Equal(DecisionReplay, decision)
}

func (s *InMemoryStoreSuite) TestTenantIsolation() {
	_, _, err := s.store.CheckOrReserve(s.ctx, "tenant-a", "key-1", "fp-1", testTTL)
	s.Require().NoError(err)

	decision, _, err := s.store.CheckOrReserve(s.ctx, "tenant-b", "key-1", "fp-1", testTTL)
	s.Require().NoError(err)
	s.Equal(DecisionFresh, decision, "same key under another tenant is a distinct reservation")
}

func (s *InMemoryStoreSuite) TestExpiredEntryBehavesAsAbsent() {
	_, _, err := s.store.CheckOrReserve(s.ctx, "tenant-a", "key-1", "fp-1", time.Millisecond)
	s.Require().NoError(err)
	s.Require().NoError(s.store.Complete(s.ctx, "tenant-a", "key-1", 201, []byte(`{}`)))

	time.Sleep(5 * time.Millisecond)

	decision, _, err := s.store.CheckOrReserve(s.ctx, "tenant-a", "key-1", "fp-1", testTTL)
	s.Require().NoError(err)
	s.Equal(DecisionFresh, decision)
}

func (s *InMemoryStoreSuite) TestSweep() {
	_, _, err := s.store.CheckOrReserve(s.ctx, "tenant-a", "old", "fp-1", time.Millisecond)
	s.Require().NoError(err)
	_, _, err = s.store.CheckOrReserve(s.ctx, "tenant-a", "new", "fp-2", testTTL)
	s.Require().NoError(err)

	time.Sleep(5 * time.Millisecond)

	removed, err := s.store.Sweep(s.ctx, time.Now())
	s.Require().NoError(err)
	s.Equal(1, removed)
}

// Of N concurrent identical reservations, exactly one wins Fresh.
func TestCheckOrReserveConcurrent(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	const attempts = 32
	var wg sync.WaitGroup
	decisions := make([]Decision, attempts)

	for i := range attempts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, _, err := store.CheckOrReserve(ctx, "tenant-a", "key-race", "fp-1", testTTL)
			require.NoError(t, err)
			decisions[i] = d
		}(i)
	}
	wg.Wait()

	fresh := 0
	for _, d := range decisions {
		switch d {
		case DecisionFresh:
			fresh++
		case DecisionInFlight:
		default:
			t.Fatalf("unexpected decision %v", d)
		}
	}
	require.Equal(t, 1, fresh, "exactly one concurrent request may win the reservation")
}

func TestSweeperRecordsAuditEvent(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	_, _, err := store.CheckOrReserve(ctx, "tenant-a", "old", "fp-1", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	auditStore := audit.NewInMemoryStore()
	sweeper := NewSweeper(store, audit.NewRecorder(auditStore), slog.New(slog.NewTextHandler(io.Discard, nil)))

	removed, err := sweeper.Sweep(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	events := auditStore.All()
	require.Len(t, events, 1)
	require.Equal(t, audit.ActionIdempotencySweep, events[0].Action)
	require.Equal(t, audit.ResultSuccess, events[0].Result)
	require.Equal(t, 1, events[0].Detail["removed"])

	// An empty follow-up sweep adds nothing to the trail.
	removed, err = sweeper.Sweep(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, 0, removed)
	require.Len(t, auditStore.All(), 1)
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint([]byte(`{"evidence_id":"ev-1"}`), "aaaa")
	b := Fingerprint([]byte(`{"evidence_id":"ev-1"}`), "aaaa")
	c := Fingerprint([]byte(`{"evidence_id":"ev-1"}`), "bbbb")
	d := Fingerprint([]byte(`{"evidence_id":"ev-2"}`), "aaaa")

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.NotEqual(t, a, d)
}
