package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/tenantmig/internal/ir"
)

const statusColumns = `migration_id, scope_id, state, run_token, started_at, applied_at,
	rolled_back_at, error, execution_time_ms, updated_at`

// EnsureStatus creates the pending row for (migrationID, scope) if it does
// not exist. Existing rows are left untouched.
func (s *Store) EnsureStatus(ctx context.Context, migrationID string, scope ir.Scope, now time.Time) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO tm_migration_status (migration_id, scope_id, state, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (migration_id, scope_id) DO NOTHING
	`, migrationID, scope.Key(), string(ir.StatePending), formatTime(now))
	if err != nil {
		return fmt.Errorf("ensure status %s/%s: %w", migrationID, scope, err)
	}
	return nil
}

// GetStatus loads the status row for (migrationID, scope).
// Returns ErrNotFound if no row exists.
func (s *Store) GetStatus(ctx context.Context, migrationID string, scope ir.Scope) (ir.MigrationStatus, error) {
	row := s.q.QueryRowContext(ctx,
		"SELECT "+statusColumns+" FROM tm_migration_status WHERE migration_id = ? AND scope_id = ?",
		migrationID, scope.Key())
	st, err := scanStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.MigrationStatus{}, fmt.Errorf("status %s/%s: %w", migrationID, scope, ErrNotFound)
	}
	return st, err
}

// StatusFilter narrows ListStatuses. Zero values match everything.
type StatusFilter struct {
	Scope       *ir.Scope
	MigrationID string
	States      []ir.MigrationState
}

// ListStatuses returns status rows ordered by migration id then scope.
func (s *Store) ListStatuses(ctx context.Context, f StatusFilter) ([]ir.MigrationStatus, error) {
	var (
		where []string
		args  []any
	)
	if f.Scope != nil {
		where = append(where, "scope_id = ?")
		args = append(args, f.Scope.Key())
	}
	if f.MigrationID != "" {
		where = append(where, "migration_id = ?")
		args = append(args, f.MigrationID)
	}
	if len(f.States) > 0 {
		where = append(where, "state IN ("+placeholders(len(f.States))+")")
		for _, st := range f.States {
			args = append(args, string(st))
		}
	}

	query := "SELECT " + statusColumns + " FROM tm_migration_status"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY migration_id, scope_id"

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list statuses: %w", err)
	}
	defer rows.Close()

	var out []ir.MigrationStatus
	for rows.Next() {
		st, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// StaleRunning returns rows stuck in running that started before cutoff.
func (s *Store) StaleRunning(ctx context.Context, cutoff time.Time) ([]ir.MigrationStatus, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT "+statusColumns+" FROM tm_migration_status WHERE state = ? AND started_at < ? ORDER BY started_at, migration_id, scope_id",
		string(ir.StateRunning), formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("list stale running: %w", err)
	}
	defer rows.Close()

	var out []ir.MigrationStatus
	for rows.Next() {
		st, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Transition describes a compare-and-swap state change.
type Transition struct {
	MigrationID string
	Scope       ir.Scope
	From        []ir.MigrationState
	To          ir.MigrationState

	// RunToken, when set, must match the row's current token. It ties the
	// completion of a run to the attempt that started it.
	RunToken string

	// NewRunToken is stored when entering running.
	NewRunToken string

	At          time.Time
	Error       string
	ExecutionMs int64
}

// allowed lists the legal lifecycle edges. pending→running→{completed,
// failed}; completed→running is the rollback path; completed→rolled_back
// and running→rolled_back finish a rollback; failed→pending is recovery.
var allowed = map[ir.MigrationState][]ir.MigrationState{
	ir.StatePending:    {ir.StateRunning},
	ir.StateRolledBack: {ir.StateRunning},
	ir.StateRunning:    {ir.StateCompleted, ir.StateFailed, ir.StateRolledBack},
	ir.StateCompleted:  {ir.StateRunning, ir.StateRolledBack},
	ir.StateFailed:     {ir.StatePending},
}

// CanTransition reports whether from→to is a legal edge.
func CanTransition(from, to ir.MigrationState) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition applies t as a single conditional UPDATE. It returns false
// without error when the row is not in one of t.From (another process won
// the race); that is the only concurrency guard needed.
func (s *Store) Transition(ctx context.Context, t Transition) (bool, error) {
	if len(t.From) == 0 {
		return false, fmt.Errorf("transition %s/%s: no source state", t.MigrationID, t.Scope)
	}
	for _, from := range t.From {
		if !CanTransition(from, t.To) {
			return false, fmt.Errorf("transition %s/%s: illegal %s → %s", t.MigrationID, t.Scope, from, t.To)
		}
	}

	at := formatTime(t.At)
	set := []string{"state = ?", "updated_at = ?"}
	args := []any{string(t.To), at}

	switch t.To {
	case ir.StateRunning:
		set = append(set, "run_token = ?", "started_at = ?", "error = ''")
		args = append(args, t.NewRunToken, at)
	case ir.StateCompleted:
		set = append(set, "applied_at = ?", "execution_time_ms = ?", "error = ''")
		args = append(args, at, t.ExecutionMs)
	case ir.StateFailed:
		set = append(set, "error = ?", "execution_time_ms = ?")
		args = append(args, t.Error, t.ExecutionMs)
	case ir.StateRolledBack:
		set = append(set, "rolled_back_at = ?", "execution_time_ms = ?", "error = ''")
		args = append(args, at, t.ExecutionMs)
	case ir.StatePending:
		set = append(set, "run_token = ''", "error = ''")
	default:
		return false, fmt.Errorf("transition %s/%s: unknown target state %q", t.MigrationID, t.Scope, t.To)
	}

	query := "UPDATE tm_migration_status SET " + strings.Join(set, ", ") +
		" WHERE migration_id = ? AND scope_id = ? AND state IN (" + placeholders(len(t.From)) + ")"
	args = append(args, t.MigrationID, t.Scope.Key())
	for _, from := range t.From {
		args = append(args, string(from))
	}
	if t.RunToken != "" {
		query += " AND run_token = ?"
		args = append(args, t.RunToken)
	}

	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("transition %s/%s to %s: %w", t.MigrationID, t.Scope, t.To, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition %s/%s to %s: %w", t.MigrationID, t.Scope, t.To, err)
	}
	return n == 1, nil
}

func scanStatus(sc scanner) (ir.MigrationStatus, error) {
	var (
		st                                          ir.MigrationStatus
		scopeKey, state                             string
		startedAt, appliedAt, rolledBackAt, updated string
	)
	err := sc.Scan(&st.MigrationID, &scopeKey, &state, &st.RunToken, &startedAt, &appliedAt,
		&rolledBackAt, &st.Error, &st.ExecutionTimeMs, &updated)
	if err != nil {
		return st, err
	}
	st.Scope = ir.ScopeFromKey(scopeKey)
	st.State = ir.MigrationState(state)

	for _, p := range []struct {
		src string
		dst *time.Time
	}{
		{startedAt, &st.StartedAt},
		{appliedAt, &st.AppliedAt},
		{rolledBackAt, &st.RolledBackAt},
		{updated, &st.UpdatedAt},
	} {
		if *p.dst, err = parseTime(p.src); err != nil {
			return st, err
		}
	}
	return st, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
