//go:build integration

package audit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/zteffi86/permia/pkg/testutil/containers"
)

type PostgresAuditSuite struct {
	suite.Suite
	pg    *containers.PostgresContainer
	store *PostgresStore
	ctx   context.Context
}

func TestPostgresAuditSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresAuditSuite))
}

func (s *PostgresAuditSuite) SetupSuite() {
	s.pg = containers.NewPostgresContainer(s.T())
	s.store = NewPostgresStore(s.pg.DB)
	s.ctx = context.Background()
}

func (s *PostgresAuditSuite) SetupTest() {
	s.Require().NoError(s.pg.Truncate(s.ctx, "audit_events"))
}

func (s *PostgresAuditSuite) TestAppendAndListByCorrelation() {
	base := time.Now().UTC().Truncate(time.Microsecond)
	events := []Event{
		{
			ID:            uuid.New(),
			CorrelationID: "corr-1",
			TenantID:      "tenant-a",
			ActorID:       "inspector-7",
			ActorRole:     "inspector",
			Action:        ActionEvidenceUpload,
			ResourceType:  "evidence",
			ResourceID:    "ev-1",
			Result:        ResultRejected,
			Detail:        map[string]any{"code": "INTEGRITY_MISMATCH"},
			Timestamp:     base,
		},
		{
			ID:            uuid.New(),
			CorrelationID: "corr-1",
			TenantID:      "tenant-a",
			Action:        ActionEvidenceUpload,
			ResourceType:  "evidence",
			ResourceID:    "ev-1",
			Result:        ResultSuccess,
			Timestamp:     base.Add(time.Second),
		},
		{
			ID:            uuid.New(),
			CorrelationID: "corr-other",
			TenantID:      "tenant-a",
			Action:        ActionEvidenceUpload,
			ResourceType:  "evidence",
			ResourceID:    "ev-2",
			Result:        ResultSuccess,
			Timestamp:     base,
		},
	}
	for _, event := range events {
		s.Require().NoError(s.store.Append(s.ctx, event))
	}

	got, err := s.store.ListByCorrelation(s.ctx, "corr-1")
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Equal(ResultRejected, got[0].Result)
	s.Equal(ResultSuccess, got[1].Result)
	s.Equal("INTEGRITY_MISMATCH", got[0].Detail["code"])
}
