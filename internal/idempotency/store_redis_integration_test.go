//go:build integration

package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/zteffi86/permia/pkg/testutil/containers"
)

type RedisIdempotencySuite struct {
	suite.Suite
	rc    *containers.RedisContainer
	store *RedisStore
	ctx   context.Context
}

func TestRedisIdempotencySuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisIdempotencySuite))
}

func (s *RedisIdempotencySuite) SetupSuite() {
	s.rc = containers.NewRedisContainer(s.T())
	s.store = NewRedisStore(s.rc.Client)
	s.ctx = context.Background()
}

func (s *RedisIdempotencySuite) SetupTest() {
	s.Require().NoError(s.rc.FlushAll(s.ctx))
}

func (s *RedisIdempotencySuite) TestFreshThenReplay() {
	decision, _, err := s.store.CheckOrReserve(s.ctx, "tenant-a", "key-1", "fp-1", time.Hour)
	s.Require().NoError(err)
	s.Equal(DecisionFresh, decision)

	s.Require().NoError(s.store.Complete(s.ctx, "tenant-a", "key-1", 201, []byte(`{"ok":true}`)))

	decision, entry, err := s.store.CheckOrReserve(s.ctx, "tenant-a", "key-1", "fp-1", time.Hour)
	s.Require().NoError(err)
	s.Equal(DecisionReplay, decision)
	s.Equal(201, entry.StatusCode)
	s.Equal([]byte(`{"ok":true}`), entry.Response)
}

func (s *RedisIdempotencySuite) TestKeyConflictAndInFlight() {
	_, _, err := s.store.CheckOrReserve(s.ctx, "tenant-a", "key-1", "fp-1", time.Hour)
	s.Require().NoError(err)

	decision, _, err := s.store.CheckOrReserve(s.ctx, "tenant-a", "key-1", "fp-other", time.Hour)
	s.Require().NoError(err)
	s.Equal(DecisionKeyConflict, decision)

	decision, _, err = s.store.CheckOrReserve(s.ctx, "tenant-a", "key-1", "fp-1", time.Hour)
	s.Require().NoError(err)
	s.Equal(DecisionInFlight, decision)
}

func (s *RedisIdempotencySuite) TestReleaseOnlyDropsUncompleted() {
	_, _, err := s.store.CheckOrReserve(s.ctx, "tenant-a", "key-1", "fp-1", time.Hour)
	s.Require().NoError(err)
	s.Require().NoError(s.store.Release(s.ctx, "tenant-a", "key-1"))

	decision, _, err := s.store.CheckOrReserve(s.ctx, "tenant-a", "key-1", "fp-1", time.Hour)
	s.Require().NoError(err)
	s.Equal(DecisionFresh, decision)

	s.Require().NoError(s.store.Complete(s.ctx, "tenant-a", "key-1", 201, []byte(`{}`)))
	s.Require().NoError(s.store.Release(s.ctx, "tenant-a", "key-1"))

	decision, _, err = s.store.CheckOrReserve(s.ctx, "tenant-a", "key-1", "fp-1", time.Hour)
	s.Require().NoError(err)
	s.Equal(DecisionReplay, decision)
}

func (s *RedisIdempotencySuite) TestEntryExpiresViaTTL() {
	_, _, err := s.store.CheckOrReserve(s.ctx, "tenant-a", "key-1", "fp-1", 50*time.Millisecond)
	s.Require().NoError(err)
	time.Sleep(100 * time.Millisecond)

	decision, _, err := s.store.CheckOrReserve(s.ctx, "tenant-a", "key-1", "fp-1", time.Hour)
	s.Require().NoError(err)
	s.Equal(DecisionFresh, decision)
}

func (s *RedisIdempotencySuite) TestTenantIsolation() {
	_, _, err := s.store.CheckOrReserve(s.ctx, "tenant-a", "key-1", "fp-1", time.Hour)
	s.Require().NoError(err)

	decision, _, err := s.store.CheckOrReserve(s.ctx, "tenant-b", "key-1", "fp-1", time.Hour)
	s.Require().NoError(err)
	s.Equal(DecisionFresh, decision)
}
