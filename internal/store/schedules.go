package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/tenantmig/internal/ir"
)

const scheduleColumns = `id, scope_id, tables, spec, retention_seconds, next_run_at, last_run_at,
	last_snapshot_id, enabled`

// InsertSchedule persists a backup schedule.
func (s *Store) InsertSchedule(ctx context.Context, sch ir.BackupSchedule) error {
	tables, err := marshalJSON(sch.Tables)
	if err != nil {
		return fmt.Errorf("marshal schedule %s: %w", sch.ID, err)
	}
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO tm_backup_schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`, sch.ID, sch.Scope.Key(), tables, sch.Spec, int64(sch.Retention/time.Second),
		formatTime(sch.NextRunAt), formatTime(sch.LastRunAt), sch.LastSnapshotID, boolToInt(sch.Enabled))
	if err != nil {
		return fmt.Errorf("insert schedule %s: %w", sch.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert schedule %s: %w", sch.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("schedule %s: %w", sch.ID, ErrDuplicate)
	}
	return nil
}

// GetSchedule loads one schedule. Returns ErrNotFound if absent.
func (s *Store) GetSchedule(ctx context.Context, id string) (ir.BackupSchedule, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+scheduleColumns+" FROM tm_backup_schedules WHERE id = ?", id)
	sch, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.BackupSchedule{}, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return sch, err
}

// ListSchedules returns every schedule ordered by id.
func (s *Store) ListSchedules(ctx context.Context) ([]ir.BackupSchedule, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT "+scheduleColumns+" FROM tm_backup_schedules ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []ir.BackupSchedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sch)
	}
	return out, rows.Err()
}

// SetNextRun records the next due time computed from the schedule spec.
func (s *Store) SetNextRun(ctx context.Context, id string, next time.Time) error {
	_, err := s.q.ExecContext(ctx, "UPDATE tm_backup_schedules SET next_run_at = ? WHERE id = ?", formatTime(next), id)
	if err != nil {
		return fmt.Errorf("set next run %s: %w", id, err)
	}
	return nil
}

// RecordScheduleRun stores the outcome of a scheduled snapshot and the
// following due time.
func (s *Store) RecordScheduleRun(ctx context.Context, id string, ranAt time.Time, snapshotID string, next time.Time) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE tm_backup_schedules
		SET last_run_at = ?, last_snapshot_id = ?, next_run_at = ?
		WHERE id = ?
	`, formatTime(ranAt), snapshotID, formatTime(next), id)
	if err != nil {
		return fmt.Errorf("record schedule run %s: %w", id, err)
	}
	return nil
}

// DeleteSchedule removes a schedule.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, "DELETE FROM tm_backup_schedules WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete schedule %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanSchedule(sc scanner) (ir.BackupSchedule, error) {
	var (
		sch                                ir.BackupSchedule
		scopeKey, tables, nextRun, lastRun string
		retention                          int64
		enabled                            int
	)
	err := sc.Scan(&sch.ID, &scopeKey, &tables, &sch.Spec, &retention, &nextRun, &lastRun,
		&sch.LastSnapshotID, &enabled)
	if err != nil {
		return sch, err
	}
	sch.Scope = ir.ScopeFromKey(scopeKey)
	sch.Retention = time.Duration(retention) * time.Second
	sch.Enabled = enabled != 0
	if err := unmarshalJSON(tables, &sch.Tables); err != nil {
		return sch, fmt.Errorf("schedule %s: %w", sch.ID, err)
	}
	if sch.NextRunAt, err = parseTime(nextRun); err != nil {
		return sch, err
	}
	sch.LastRunAt, err = parseTime(lastRun)
	return sch, err
}
