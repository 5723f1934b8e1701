package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tenantmig/internal/ir"
	"github.com/roach88/tenantmig/internal/testutil"
)

func TestSchedule_Lifecycle(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	sch := ir.BackupSchedule{
		ID:        "nightly",
		Scope:     ir.TenantScope("A"),
		Tables:    []string{"products", "schools"},
		Spec:      "0 2 * * *",
		Retention: 72 * time.Hour,
		Enabled:   true,
	}
	require.NoError(t, s.InsertSchedule(ctx, sch))
	require.ErrorIs(t, s.InsertSchedule(ctx, sch), ErrDuplicate)

	next := testutil.Epoch.Add(17 * time.Hour)
	require.NoError(t, s.SetNextRun(ctx, "nightly", next))

	got, err := s.GetSchedule(ctx, "nightly")
	require.NoError(t, err)
	assert.Equal(t, sch.Tables, got.Tables)
	assert.Equal(t, 72*time.Hour, got.Retention)
	assert.True(t, got.Enabled)
	assert.True(t, got.NextRunAt.Equal(next))
	assert.True(t, got.LastRunAt.IsZero())

	ran := next.Add(time.Minute)
	require.NoError(t, s.RecordScheduleRun(ctx, "nightly", ran, "snap-9", next.Add(24*time.Hour)))

	list, err := s.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "snap-9", list[0].LastSnapshotID)
	assert.True(t, list[0].LastRunAt.Equal(ran))

	require.NoError(t, s.DeleteSchedule(ctx, "nightly"))
	require.ErrorIs(t, s.DeleteSchedule(ctx, "nightly"), ErrNotFound)
	_, err = s.GetSchedule(ctx, "nightly")
	require.ErrorIs(t, err, ErrNotFound)
}
