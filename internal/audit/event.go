// Package audit records what tenantmig did: a structured event trail
// persisted next to the migration state, per-run prometheus metrics,
// exportable reports and alerts for critical validation issues.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/roach88/tenantmig/internal/clock"
	"github.com/roach88/tenantmig/internal/ir"
	"github.com/roach88/tenantmig/internal/store"
)

// Level is the severity of an event.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event kinds.
const (
	KindMigrationStarted    = "migration.started"
	KindMigrationApplied    = "migration.applied"
	KindMigrationNoop       = "migration.noop"
	KindMigrationConflict   = "migration.conflict"
	KindMigrationSkipped    = "migration.skipped"
	KindMigrationFailed     = "migration.failed"
	KindMigrationDryRun     = "migration.dry_run"
	KindMigrationRolledBack = "migration.rolled_back"
	KindMigrationRecovered  = "migration.recovered"
	KindMigrationReconciled = "migration.reconciled"
	KindSnapshotCompleted   = "snapshot.completed"
	KindSnapshotFailed      = "snapshot.failed"
	KindSnapshotRestored    = "snapshot.restored"
	KindSnapshotDeleted     = "snapshot.deleted"
	KindValidationIssue     = "validation.issue"
	KindValidationResult    = "validation.result"
	KindRemediation         = "remediation.applied"
	KindWorkflowStage       = "workflow.stage"
)

// Event is one structured audit record.
type Event struct {
	Session     string            `json:"session"`
	Time        time.Time         `json:"time"`
	Kind        string            `json:"kind"`
	Level       Level             `json:"level"`
	MigrationID string            `json:"migration_id,omitempty"`
	Scope       ir.Scope          `json:"scope"`
	Message     string            `json:"message"`
	Fields      map[string]string `json:"fields,omitempty"`
}

// Sink accepts audit events.
type Sink interface {
	Emit(ctx context.Context, e Event) error
}

// StoreSink appends events to tm_audit_events.
type StoreSink struct {
	store *store.Store
}

// NewStoreSink creates a sink writing through st.
func NewStoreSink(st *store.Store) *StoreSink {
	return &StoreSink{store: st}
}

// Emit persists e.
func (s *StoreSink) Emit(ctx context.Context, e Event) error {
	return s.store.AppendEvent(ctx, store.AuditRecord{
		SessionID:   e.Session,
		OccurredAt:  e.Time,
		Kind:        e.Kind,
		Level:       string(e.Level),
		MigrationID: e.MigrationID,
		Scope:       e.Scope,
		Message:     e.Message,
		Fields:      e.Fields,
	})
}

// LogSink writes events to a slog logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink logging through logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Emit logs e at its level.
func (s *LogSink) Emit(ctx context.Context, e Event) error {
	attrs := []any{"session", e.Session, "kind", e.Kind}
	if e.MigrationID != "" {
		attrs = append(attrs, "migration", e.MigrationID)
	}
	attrs = append(attrs, "scope", e.Scope.String())
	for _, k := range slices.Sorted(maps.Keys(e.Fields)) {
		attrs = append(attrs, k, e.Fields[k])
	}

	level := slog.LevelInfo
	switch e.Level {
	case LevelWarn:
		level = slog.LevelWarn
	case LevelError:
		level = slog.LevelError
	}
	s.logger.Log(ctx, level, e.Message, attrs...)
	return nil
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

// Emit sends e to every sink.
func (m Multi) Emit(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemorySink keeps events in memory.
//
// Thread-safety: safe for concurrent use.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// Emit appends e.
func (s *MemorySink) Emit(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.Fields = maps.Clone(e.Fields)
	s.events = append(s.events, e)
	return nil
}

// Events returns a copy of the recorded events.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Kinds returns the recorded event kinds in order.
func (s *MemorySink) Kinds() []string {
	events := s.Events()
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

// Trail stamps events with the session id and time before handing them to
// a sink. Sink failures are logged and never interrupt the caller: the
// audit trail must not turn a successful migration into a failed one.
//
// A nil *Trail discards events.
type Trail struct {
	sink    Sink
	session string
	clock   clock.Clock
	logger  *slog.Logger
}

// NewTrail creates a trail for one session.
func NewTrail(sink Sink, session string, clk clock.Clock, logger *slog.Logger) *Trail {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trail{sink: sink, session: session, clock: clock.OrSystem(clk), logger: logger}
}

// Session returns the session id events are stamped with.
func (t *Trail) Session() string {
	if t == nil {
		return ""
	}
	return t.session
}

// Record emits e.
func (t *Trail) Record(ctx context.Context, e Event) {
	if t == nil || t.sink == nil {
		return
	}
	e.Session = t.session
	if e.Time.IsZero() {
		e.Time = t.clock.Now()
	}
	if e.Level == "" {
		e.Level = LevelInfo
	}
	if err := t.sink.Emit(ctx, e); err != nil {
		t.logger.Warn("audit sink failed", "session", t.session, "kind", e.Kind, "error", err)
	}
}
