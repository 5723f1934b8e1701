package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tenantmig/internal/ir"
	"github.com/roach88/tenantmig/internal/testutil"
)

func TestAuditEvents_AppendAndList(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	records := []AuditRecord{
		{SessionID: "s1", OccurredAt: testutil.Epoch, Kind: "migration.started", Level: "info", MigrationID: "001", Scope: ir.TenantScope("A"), Message: "started"},
		{SessionID: "s2", OccurredAt: testutil.Epoch, Kind: "validation.issue", Level: "warn", Message: "other session"},
		{SessionID: "s1", OccurredAt: testutil.Epoch, Kind: "migration.applied", Level: "info", MigrationID: "001", Scope: ir.TenantScope("A"), Message: "applied", Fields: map[string]string{"execution_ms": "12"}},
	}
	for _, rec := range records {
		require.NoError(t, s.AppendEvent(ctx, rec))
	}

	got, err := s.ListEvents(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "migration.started", got[0].Kind)
	assert.Nil(t, got[0].Fields)
	assert.Equal(t, ir.TenantScope("A"), got[0].Scope)
	assert.Equal(t, "12", got[1].Fields["execution_ms"])
	assert.Less(t, got[0].Seq, got[1].Seq)

	all, err := s.ListEvents(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
