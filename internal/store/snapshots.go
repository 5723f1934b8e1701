package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/tenantmig/internal/ir"
)

const snapshotColumns = `id, scope_id, created_at, checksum, size_bytes, tables, status, location, reason, error`

// InsertSnapshot records snapshot metadata, normally in_progress.
func (s *Store) InsertSnapshot(ctx context.Context, snap ir.BackupSnapshot) error {
	tables, err := marshalJSON(snap.Tables)
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", snap.ID, err)
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO tm_snapshots (`+snapshotColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, snap.ID, snap.Scope.Key(), formatTime(snap.CreatedAt), snap.Checksum, snap.SizeBytes,
		tables, string(snap.Status), snap.Location, snap.Reason, snap.Error)
	if err != nil {
		return fmt.Errorf("insert snapshot %s: %w", snap.ID, err)
	}
	return nil
}

// UpdateSnapshot rewrites the mutable fields of a snapshot row: checksum,
// size, tables, status, location and error.
func (s *Store) UpdateSnapshot(ctx context.Context, snap ir.BackupSnapshot) error {
	tables, err := marshalJSON(snap.Tables)
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", snap.ID, err)
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE tm_snapshots
		SET checksum = ?, size_bytes = ?, tables = ?, status = ?, location = ?, error = ?
		WHERE id = ?
	`, snap.Checksum, snap.SizeBytes, tables, string(snap.Status), snap.Location, snap.Error, snap.ID)
	if err != nil {
		return fmt.Errorf("update snapshot %s: %w", snap.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update snapshot %s: %w", snap.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("snapshot %s: %w", snap.ID, ErrNotFound)
	}
	return nil
}

// GetSnapshot loads snapshot metadata. Returns ErrNotFound if absent.
func (s *Store) GetSnapshot(ctx context.Context, id string) (ir.BackupSnapshot, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+snapshotColumns+" FROM tm_snapshots WHERE id = ?", id)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.BackupSnapshot{}, fmt.Errorf("snapshot %s: %w", id, ErrNotFound)
	}
	return snap, err
}

// ListSnapshots returns snapshots newest first. A nil scope lists every
// scope.
func (s *Store) ListSnapshots(ctx context.Context, scope *ir.Scope) ([]ir.BackupSnapshot, error) {
	query := "SELECT " + snapshotColumns + " FROM tm_snapshots"
	var args []any
	if scope != nil {
		query += " WHERE scope_id = ?"
		args = append(args, scope.Key())
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []ir.BackupSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// DeleteSnapshot removes snapshot metadata. The payload is the caller's
// concern.
func (s *Store) DeleteSnapshot(ctx context.Context, id string) error {
	if _, err := s.q.ExecContext(ctx, "DELETE FROM tm_snapshots WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", id, err)
	}
	return nil
}

func scanSnapshot(sc scanner) (ir.BackupSnapshot, error) {
	var (
		snap                              ir.BackupSnapshot
		scopeKey, createdAt, tables, stat string
	)
	err := sc.Scan(&snap.ID, &scopeKey, &createdAt, &snap.Checksum, &snap.SizeBytes, &tables,
		&stat, &snap.Location, &snap.Reason, &snap.Error)
	if err != nil {
		return snap, err
	}
	snap.Scope = ir.ScopeFromKey(scopeKey)
	snap.Status = ir.SnapshotStatus(stat)
	if err := unmarshalJSON(tables, &snap.Tables); err != nil {
		return snap, fmt.Errorf("snapshot %s: %w", snap.ID, err)
	}
	snap.CreatedAt, err = parseTime(createdAt)
	return snap, err
}
