// Package backup takes checksum-verified snapshots of the rows a scope
// owns, restores them, and runs durable cron schedules.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/roach88/tenantmig/internal/audit"
	"github.com/roach88/tenantmig/internal/blob"
	"github.com/roach88/tenantmig/internal/clock"
	"github.com/roach88/tenantmig/internal/executor"
	"github.com/roach88/tenantmig/internal/ir"
	"github.com/roach88/tenantmig/internal/querysql"
	"github.com/roach88/tenantmig/internal/store"
)

// Config holds the engine's collaborators.
type Config struct {
	Executor     *executor.Executor
	Store        *store.Store
	Blobs        blob.Store
	TenantColumn string
	Clock        clock.Clock
	IDs          ir.IDGenerator
	Trail        *audit.Trail
	Metrics      *audit.Metrics
	Logger       *slog.Logger
}

// Engine implements snapshot, restore, verify and cleanup.
//
// Thread-safety: safe for concurrent use.
type Engine struct {
	exec    *executor.Executor
	store   *store.Store
	blobs   blob.Store
	sql     querysql.Builder
	clock   clock.Clock
	ids     ir.IDGenerator
	trail   *audit.Trail
	metrics *audit.Metrics
	logger  *slog.Logger
}

// New creates an engine.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ids := cfg.IDs
	if ids == nil {
		ids = ir.UUIDv7Generator{}
	}
	col := cfg.TenantColumn
	if col == "" {
		col = "tenant_id"
	}
	return &Engine{
		exec:    cfg.Executor,
		store:   cfg.Store,
		blobs:   cfg.Blobs,
		sql:     querysql.New(cfg.Executor.Dialect(), col),
		clock:   clock.OrSystem(cfg.Clock),
		ids:     ids,
		trail:   cfg.Trail,
		metrics: cfg.Metrics,
		logger:  logger,
	}
}

// payload is the stored snapshot layout.
type payload struct {
	Format string         `json:"format"`
	ID     string         `json:"id"`
	Scope  string         `json:"scope"`
	Tables []payloadTable `json:"tables"`
}

type payloadTable struct {
	Name    string        `json:"name"`
	Columns []string      `json:"columns"`
	Rows    []ir.IRObject `json:"rows"`
}

// blobKey is snapshots/<scope>/<id>.json.
func blobKey(scope ir.Scope, id string) string {
	seg := "global"
	if !scope.IsGlobal() {
		seg = "tenant-" + url.PathEscape(scope.TenantID)
	}
	return "snapshots/" + seg + "/" + id + ".json"
}

// Snapshot copies the rows scope owns in tables into the blob store. The
// snapshot is marked completed only after the stored payload is read back
// and its checksum matches; otherwise it is marked failed and a
// *BackupFailure is returned.
func (e *Engine) Snapshot(ctx context.Context, scope ir.Scope, tables []string, reason string) (ir.BackupSnapshot, error) {
	snap := ir.BackupSnapshot{
		ID:        e.ids.Generate(),
		Scope:     scope,
		CreatedAt: e.clock.Now(),
		Status:    ir.SnapshotInProgress,
		Reason:    reason,
	}
	snap.Location = blobKey(scope, snap.ID)
	if err := e.store.InsertSnapshot(ctx, snap); err != nil {
		return snap, &BackupFailure{SnapshotID: snap.ID, Scope: scope, Err: err}
	}

	data, counts, err := e.capture(ctx, snap.ID, scope, dedupe(tables))
	if err == nil {
		err = e.persist(ctx, snap.Location, data)
	}
	if err != nil {
		return e.fail(ctx, snap, err)
	}

	snap.Checksum = ir.SnapshotChecksum(data)
	snap.SizeBytes = int64(len(data))
	snap.Tables = counts
	snap.Status = ir.SnapshotCompleted
	if err := e.store.UpdateSnapshot(ctx, snap); err != nil {
		return e.fail(ctx, snap, err)
	}

	e.metrics.ObserveSnapshot(string(ir.SnapshotCompleted), snap.SizeBytes)
	e.trail.Record(ctx, audit.Event{
		Kind:    audit.KindSnapshotCompleted,
		Scope:   scope,
		Message: "snapshot " + snap.ID,
		Fields:  snapshotFields(snap),
	})
	e.logger.Info("snapshot completed", "snapshot", snap.ID, "scope", scope.String(), "bytes", snap.SizeBytes)
	return snap, nil
}

// fail marks snap failed with a detached context and wraps err.
func (e *Engine) fail(ctx context.Context, snap ir.BackupSnapshot, cause error) (ir.BackupSnapshot, error) {
	snap.Status = ir.SnapshotFailed
	snap.Error = cause.Error()

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := e.store.UpdateSnapshot(dctx, snap); err != nil {
		e.logger.Error("failed to mark snapshot failed", "snapshot", snap.ID, "error", err)
	}
	_ = e.blobs.Delete(dctx, snap.Location)

	e.metrics.ObserveSnapshot(string(ir.SnapshotFailed), 0)
	e.trail.Record(dctx, audit.Event{
		Kind:    audit.KindSnapshotFailed,
		Level:   audit.LevelError,
		Scope:   snap.Scope,
		Message: snap.Error,
		Fields:  map[string]string{"snapshot_id": snap.ID, "reason": snap.Reason},
	})
	return snap, &BackupFailure{SnapshotID: snap.ID, Scope: snap.Scope, Err: cause}
}

// capture reads every table in one transaction and renders the canonical
// payload. Rows are sorted by their encoding; text is not normalized. No
// tables yields an empty payload that still verifies.
func (e *Engine) capture(ctx context.Context, id string, scope ir.Scope, tables []string) ([]byte, []ir.SnapshotTable, error) {
	captured := make(ir.IRArray, 0, len(tables))
	counts := make([]ir.SnapshotTable, 0, len(tables))

	err := e.exec.InTx(ctx, scope, func(tx *executor.Tx) error {
		for _, table := range tables {
			cols, rows, err := e.readTable(ctx, tx, scope, table)
			if err != nil {
				return fmt.Errorf("capture %s: %w", table, err)
			}
			colArr := make(ir.IRArray, len(cols))
			for i, c := range cols {
				colArr[i] = ir.IRString(c)
			}
			captured = append(captured, ir.IRObject{
				"name":    ir.IRString(table),
				"columns": colArr,
				"rows":    rows,
			})
			counts = append(counts, ir.SnapshotTable{Name: table, Rows: int64(len(rows))})
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	data, err := ir.MarshalVerbatim(ir.IRObject{
		"format": ir.IRString(ir.SnapshotFormat),
		"id":     ir.IRString(id),
		"scope":  ir.IRString(scope.Key()),
		"tables": captured,
	})
	if err != nil {
		return nil, nil, err
	}
	return data, counts, nil
}

// readTable selects the owned rows of table. A table without the tenant
// column is shared and captured whole.
func (e *Engine) readTable(ctx context.Context, tx *executor.Tx, scope ir.Scope, table string) ([]string, ir.IRArray, error) {
	scoped, err := e.hasTenantColumn(ctx, tx, table)
	if err != nil {
		return nil, nil, err
	}
	query, args, err := e.sql.SelectOwnedRows(table, scope, scoped)
	if err != nil {
		return nil, nil, err
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	type keyed struct {
		key []byte
		row ir.IRObject
	}
	var out []keyed
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		obj := make(ir.IRObject, len(cols))
		for i, c := range cols {
			v, err := ir.FromDriverValue(vals[i])
			if err != nil {
				return nil, nil, fmt.Errorf("column %s: %w", c, err)
			}
			obj[c] = v
		}
		key, err := ir.MarshalVerbatim(obj)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, keyed{key: key, row: obj})
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	slices.SortFunc(out, func(a, b keyed) int { return bytes.Compare(a.key, b.key) })
	arr := make(ir.IRArray, len(out))
	for i, k := range out {
		arr[i] = k.row
	}
	return cols, arr, nil
}

func (e *Engine) hasTenantColumn(ctx context.Context, q executor.Querier, table string) (bool, error) {
	query, args := e.sql.ColumnExists(table, e.sql.TenantColumn)
	var n int64
	if err := q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// persist writes the payload and reads it back.
func (e *Engine) persist(ctx context.Context, key string, data []byte) error {
	if _, err := e.blobs.Put(ctx, key, bytes.NewReader(data), "application/json"); err != nil {
		return fmt.Errorf("store payload: %w", err)
	}
	back, err := blob.ReadAll(ctx, e.blobs, key)
	if err != nil {
		return fmt.Errorf("read back payload: %w", err)
	}
	if ir.SnapshotChecksum(back) != ir.SnapshotChecksum(data) {
		return fmt.Errorf("read back payload: %w", ErrTampered)
	}
	return nil
}

// Get returns snapshot metadata.
func (e *Engine) Get(ctx context.Context, id string) (ir.BackupSnapshot, error) {
	return e.store.GetSnapshot(ctx, id)
}

// List returns snapshots, newest first, optionally for one scope.
func (e *Engine) List(ctx context.Context, scope *ir.Scope) ([]ir.BackupSnapshot, error) {
	return e.store.ListSnapshots(ctx, scope)
}

// Verify recomputes the checksum of a completed snapshot.
func (e *Engine) Verify(ctx context.Context, id string) (ir.BackupSnapshot, error) {
	snap, err := e.store.GetSnapshot(ctx, id)
	if err != nil {
		return snap, err
	}
	_, err = e.load(ctx, snap)
	return snap, err
}

// load fetches a completed snapshot's payload and checks size and checksum.
func (e *Engine) load(ctx context.Context, snap ir.BackupSnapshot) ([]byte, error) {
	if snap.Status != ir.SnapshotCompleted {
		return nil, fmt.Errorf("snapshot %s is %s: %w", snap.ID, snap.Status, ErrIncomplete)
	}
	data, err := blob.ReadAll(ctx, e.blobs, snap.Location)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, fmt.Errorf("snapshot %s payload missing: %w", snap.ID, ErrIncomplete)
	}
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != snap.SizeBytes || ir.SnapshotChecksum(data) != snap.Checksum {
		return nil, fmt.Errorf("snapshot %s: %w", snap.ID, ErrTampered)
	}
	return data, nil
}

// RestoreResult reports what a restore wrote.
type RestoreResult struct {
	Snapshot ir.BackupSnapshot
	Tables   []ir.SnapshotTable
}

// Restore re-verifies a snapshot and, in one transaction bound to its
// scope, replaces the scope's current rows with the captured ones. Only
// columns that still exist are written. Nothing is written when
// verification fails.
func (e *Engine) Restore(ctx context.Context, id string) (RestoreResult, error) {
	snap, err := e.store.GetSnapshot(ctx, id)
	if err != nil {
		return RestoreResult{}, err
	}
	res := RestoreResult{Snapshot: snap}
	data, err := e.load(ctx, snap)
	if err != nil {
		return res, err
	}

	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return res, fmt.Errorf("decode snapshot %s: %w", id, err)
	}
	if p.Format != ir.SnapshotFormat {
		return res, fmt.Errorf("snapshot %s: unknown format %q", id, p.Format)
	}
	for _, t := range p.Tables {
		if int64(len(t.Rows)) != snap.RowCount(t.Name) {
			return res, fmt.Errorf("snapshot %s table %s: %w", id, t.Name, ErrTampered)
		}
	}

	err = e.exec.InTx(ctx, snap.Scope, func(tx *executor.Tx) error {
		for _, t := range p.Tables {
			n, err := e.restoreTable(ctx, tx, snap.Scope, t)
			if err != nil {
				return fmt.Errorf("restore %s: %w", t.Name, err)
			}
			res.Tables = append(res.Tables, ir.SnapshotTable{Name: t.Name, Rows: n})
		}
		return nil
	})
	if err != nil {
		return res, err
	}

	fields := snapshotFields(snap)
	e.trail.Record(ctx, audit.Event{Kind: audit.KindSnapshotRestored, Scope: snap.Scope, Message: "restored snapshot " + id, Fields: fields})
	e.logger.Info("snapshot restored", "snapshot", id, "scope", snap.Scope.String())
	return res, nil
}

func (e *Engine) restoreTable(ctx context.Context, tx *executor.Tx, scope ir.Scope, t payloadTable) (int64, error) {
	current, err := e.columns(ctx, tx, t.Name)
	if err != nil {
		return 0, err
	}
	if len(current) == 0 {
		return 0, fmt.Errorf("table %s does not exist", t.Name)
	}
	var cols []string
	for _, c := range t.Columns {
		if slices.Contains(current, c) {
			cols = append(cols, c)
		}
	}

	del, args, err := e.sql.DeleteOwnedRows(t.Name, scope, slices.Contains(current, e.sql.TenantColumn))
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, del, args...); err != nil {
		return 0, err
	}
	if len(t.Rows) == 0 {
		return 0, nil
	}

	ins, err := e.sql.InsertRow(t.Name, cols)
	if err != nil {
		return 0, err
	}
	for _, row := range t.Rows {
		vals := make([]any, len(cols))
		for i, c := range cols {
			v, err := ir.ToDriverValue(row[c])
			if err != nil {
				return 0, fmt.Errorf("column %s: %w", c, err)
			}
			vals[i] = v
		}
		if _, err := tx.ExecContext(ctx, ins, vals...); err != nil {
			return 0, err
		}
	}
	return int64(len(t.Rows)), nil
}

func (e *Engine) columns(ctx context.Context, q executor.Querier, table string) ([]string, error) {
	query, args := e.sql.TableColumns(table)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var cols []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// Cleanup deletes snapshots created before now-olderThan, optionally only
// for one scope. The newest completed snapshot of each scope is always
// kept.
func (e *Engine) Cleanup(ctx context.Context, olderThan time.Duration, scope *ir.Scope) ([]ir.BackupSnapshot, error) {
	cutoff := e.clock.Now().Add(-olderThan)
	snaps, err := e.store.ListSnapshots(ctx, scope)
	if err != nil {
		return nil, err
	}

	kept := make(map[string]bool)
	var deleted []ir.BackupSnapshot
	for _, s := range snaps {
		// snaps is newest first
		if s.Status == ir.SnapshotCompleted && !kept[s.Scope.Key()] {
			kept[s.Scope.Key()] = true
			continue
		}
		if !s.CreatedAt.Before(cutoff) {
			continue
		}
		if err := e.blobs.Delete(ctx, s.Location); err != nil {
			return deleted, fmt.Errorf("delete payload of %s: %w", s.ID, err)
		}
		if err := e.store.DeleteSnapshot(ctx, s.ID); err != nil {
			return deleted, err
		}
		deleted = append(deleted, s)
		e.trail.Record(ctx, audit.Event{Kind: audit.KindSnapshotDeleted, Scope: s.Scope, Message: "deleted snapshot " + s.ID, Fields: snapshotFields(s)})
	}
	e.logger.Info("snapshot cleanup", "deleted", len(deleted), "cutoff", cutoff)
	return deleted, nil
}

func snapshotFields(s ir.BackupSnapshot) map[string]string {
	f := map[string]string{
		"snapshot_id": s.ID,
		"status":      string(s.Status),
		"size_bytes":  strconv.FormatInt(s.SizeBytes, 10),
	}
	if s.Checksum != "" {
		f["checksum"] = s.Checksum
	}
	if s.Reason != "" {
		f["reason"] = s.Reason
	}
	for _, t := range s.Tables {
		f["rows."+t.Name] = strconv.FormatInt(t.Rows, 10)
	}
	return f
}

func dedupe(tables []string) []string {
	var out []string
	for _, t := range tables {
		if !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}
