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

func seedStatus(t *testing.T, s *Store, id string, scope ir.Scope) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.GetDefinition(ctx, id); err != nil {
		require.NoError(t, s.InsertDefinition(ctx, testDefinition(id)))
	}
	require.NoError(t, s.EnsureStatus(ctx, id, scope, testutil.Epoch))
}

func TestEnsureStatus_CreatesPendingOnce(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	scope := ir.TenantScope("A")

	seedStatus(t, s, "001", scope)
	st, err := s.GetStatus(ctx, "001", scope)
	require.NoError(t, err)
	assert.Equal(t, ir.StatePending, st.State)
	assert.Equal(t, scope, st.Scope)

	ok, err := s.Transition(ctx, Transition{
		MigrationID: "001", Scope: scope,
		From: []ir.MigrationState{ir.StatePending}, To: ir.StateRunning,
		NewRunToken: "tok", At: testutil.Epoch,
	})
	require.NoError(t, err)
	require.True(t, ok)

	// A second EnsureStatus does not reset the row.
	require.NoError(t, s.EnsureStatus(ctx, "001", scope, testutil.Epoch))
	st, err = s.GetStatus(ctx, "001", scope)
	require.NoError(t, err)
	assert.Equal(t, ir.StateRunning, st.State)
}

func TestGetStatus_NotFound(t *testing.T) {
	s, _ := createTestStore(t)
	_, err := s.GetStatus(context.Background(), "001", ir.Global)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStatus_ScopesAreIndependent(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	seedStatus(t, s, "001", ir.TenantScope("A"))
	seedStatus(t, s, "001", ir.TenantScope("B"))
	seedStatus(t, s, "001", ir.Global)

	ok, err := s.Transition(ctx, Transition{
		MigrationID: "001", Scope: ir.TenantScope("A"),
		From: []ir.MigrationState{ir.StatePending}, To: ir.StateRunning,
		NewRunToken: "a", At: testutil.Epoch,
	})
	require.NoError(t, err)
	require.True(t, ok)

	b, err := s.GetStatus(ctx, "001", ir.TenantScope("B"))
	require.NoError(t, err)
	assert.Equal(t, ir.StatePending, b.State)

	g, err := s.GetStatus(ctx, "001", ir.Global)
	require.NoError(t, err)
	assert.True(t, g.Scope.IsGlobal())
	assert.Equal(t, ir.StatePending, g.State)
}

func TestTransition_CompareAndSwap(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	scope := ir.TenantScope("A")
	seedStatus(t, s, "001", scope)

	start := Transition{
		MigrationID: "001", Scope: scope,
		From: []ir.MigrationState{ir.StatePending}, To: ir.StateRunning,
		NewRunToken: "first", At: testutil.Epoch,
	}
	ok, err := s.Transition(ctx, start)
	require.NoError(t, err)
	require.True(t, ok)

	// The loser of the race sees no change.
	start.NewRunToken = "second"
	ok, err = s.Transition(ctx, start)
	require.NoError(t, err)
	assert.False(t, ok)

	// Completion with a stale token is rejected.
	done := Transition{
		MigrationID: "001", Scope: scope,
		From: []ir.MigrationState{ir.StateRunning}, To: ir.StateCompleted,
		RunToken: "second", At: testutil.Epoch.Add(time.Second), ExecutionMs: 1000,
	}
	ok, err = s.Transition(ctx, done)
	require.NoError(t, err)
	assert.False(t, ok)

	done.RunToken = "first"
	ok, err = s.Transition(ctx, done)
	require.NoError(t, err)
	require.True(t, ok)

	st, err := s.GetStatus(ctx, "001", scope)
	require.NoError(t, err)
	assert.Equal(t, ir.StateCompleted, st.State)
	assert.Equal(t, "first", st.RunToken)
	assert.True(t, st.StartedAt.Equal(testutil.Epoch))
	assert.True(t, st.AppliedAt.Equal(testutil.Epoch.Add(time.Second)))
	assert.Equal(t, int64(1000), st.ExecutionTimeMs)
}

func TestTransition_FailedRecordsErrorAndRecovers(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	seedStatus(t, s, "001", ir.Global)

	steps := []Transition{
		{From: []ir.MigrationState{ir.StatePending}, To: ir.StateRunning, NewRunToken: "t"},
		{From: []ir.MigrationState{ir.StateRunning}, To: ir.StateFailed, Error: "boom", ExecutionMs: 5},
	}
	for _, step := range steps {
		step.MigrationID, step.Scope, step.At = "001", ir.Global, testutil.Epoch
		ok, err := s.Transition(ctx, step)
		require.NoError(t, err)
		require.True(t, ok, "transition to %s", step.To)
	}

	st, err := s.GetStatus(ctx, "001", ir.Global)
	require.NoError(t, err)
	assert.Equal(t, ir.StateFailed, st.State)
	assert.Equal(t, "boom", st.Error)

	ok, err := s.Transition(ctx, Transition{
		MigrationID: "001", Scope: ir.Global,
		From: []ir.MigrationState{ir.StateFailed}, To: ir.StatePending, At: testutil.Epoch,
	})
	require.NoError(t, err)
	require.True(t, ok)

	st, err = s.GetStatus(ctx, "001", ir.Global)
	require.NoError(t, err)
	assert.Equal(t, ir.StatePending, st.State)
	assert.Empty(t, st.Error)
	assert.Empty(t, st.RunToken)
}

func TestTransition_RejectsIllegalEdges(t *testing.T) {
	s, _ := createTestStore(t)
	_, err := s.Transition(context.Background(), Transition{
		MigrationID: "001", Scope: ir.Global,
		From: []ir.MigrationState{ir.StatePending}, To: ir.StateCompleted,
	})
	require.Error(t, err)

	_, err = s.Transition(context.Background(), Transition{MigrationID: "001", To: ir.StateRunning})
	require.Error(t, err)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to ir.MigrationState
		want     bool
	}{
		{ir.StatePending, ir.StateRunning, true},
		{ir.StateRolledBack, ir.StateRunning, true},
		{ir.StateRunning, ir.StateCompleted, true},
		{ir.StateRunning, ir.StateFailed, true},
		{ir.StateCompleted, ir.StateRolledBack, true},
		{ir.StateFailed, ir.StatePending, true},
		{ir.StatePending, ir.StateCompleted, false},
		{ir.StateFailed, ir.StateRunning, false},
		{ir.StateCompleted, ir.StatePending, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s → %s", tt.from, tt.to)
	}
}

func TestListStatuses_Filter(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	seedStatus(t, s, "001", ir.TenantScope("A"))
	seedStatus(t, s, "001", ir.TenantScope("B"))
	seedStatus(t, s, "002", ir.TenantScope("A"))

	ok, err := s.Transition(ctx, Transition{
		MigrationID: "002", Scope: ir.TenantScope("A"),
		From: []ir.MigrationState{ir.StatePending}, To: ir.StateRunning, NewRunToken: "x", At: testutil.Epoch,
	})
	require.NoError(t, err)
	require.True(t, ok)

	all, err := s.ListStatuses(ctx, StatusFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	a := ir.TenantScope("A")
	inA, err := s.ListStatuses(ctx, StatusFilter{Scope: &a})
	require.NoError(t, err)
	require.Len(t, inA, 2)
	assert.Equal(t, "001", inA[0].MigrationID)
	assert.Equal(t, "002", inA[1].MigrationID)

	running, err := s.ListStatuses(ctx, StatusFilter{States: []ir.MigrationState{ir.StateRunning}})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "002", running[0].MigrationID)

	byID, err := s.ListStatuses(ctx, StatusFilter{MigrationID: "001"})
	require.NoError(t, err)
	assert.Len(t, byID, 2)
}

func TestStaleRunning(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	seedStatus(t, s, "001", ir.Global)
	seedStatus(t, s, "002", ir.Global)
	for i, id := range []string{"001", "002"} {
		ok, err := s.Transition(ctx, Transition{
			MigrationID: id, Scope: ir.Global,
			From: []ir.MigrationState{ir.StatePending}, To: ir.StateRunning,
			NewRunToken: id, At: testutil.Epoch.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
		require.True(t, ok)
	}

	stale, err := s.StaleRunning(ctx, testutil.Epoch.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "001", stale[0].MigrationID)
}
