package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/tenantmig/internal/ir"
)

// AuditRecord is one persisted audit event. The store is append-only for
// these rows.
type AuditRecord struct {
	Seq         int64             `json:"seq"`
	SessionID   string            `json:"session_id"`
	OccurredAt  time.Time         `json:"occurred_at"`
	Kind        string            `json:"kind"`
	Level       string            `json:"level"`
	MigrationID string            `json:"migration_id,omitempty"`
	Scope       ir.Scope          `json:"scope"`
	Message     string            `json:"message"`
	Fields      map[string]string `json:"fields,omitempty"`
}

// AppendEvent inserts an audit record.
func (s *Store) AppendEvent(ctx context.Context, rec AuditRecord) error {
	fields := "{}"
	if len(rec.Fields) > 0 {
		enc, err := marshalJSON(rec.Fields)
		if err != nil {
			return fmt.Errorf("marshal audit fields: %w", err)
		}
		fields = enc
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO tm_audit_events (session_id, occurred_at, kind, level, migration_id, scope_id, message, fields)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.SessionID, formatTime(rec.OccurredAt), rec.Kind, rec.Level, rec.MigrationID,
		rec.Scope.Key(), rec.Message, fields)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// ListEvents returns a session's events in append order. An empty session
// lists every event.
func (s *Store) ListEvents(ctx context.Context, sessionID string) ([]AuditRecord, error) {
	query := `SELECT id, session_id, occurred_at, kind, level, migration_id, scope_id, message, fields
		FROM tm_audit_events`
	var args []any
	if sessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY id"

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var (
			rec                        AuditRecord
			occurred, scopeKey, fields string
		)
		if err := rows.Scan(&rec.Seq, &rec.SessionID, &occurred, &rec.Kind, &rec.Level,
			&rec.MigrationID, &scopeKey, &rec.Message, &fields); err != nil {
			return nil, err
		}
		rec.Scope = ir.ScopeFromKey(scopeKey)
		if rec.OccurredAt, err = parseTime(occurred); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(fields, &rec.Fields); err != nil {
			return nil, fmt.Errorf("audit event %d: %w", rec.Seq, err)
		}
		if len(rec.Fields) == 0 {
			rec.Fields = nil
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
