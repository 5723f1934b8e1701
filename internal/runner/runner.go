// Package runner executes exactly one migration for exactly one scope.
//
// Every run is a compare-and-swap on the (migration, scope) status row
// followed by one transaction bound to the scope's isolation context. The
// procedure and the running→completed transition commit together, so a
// migration is either fully applied and recorded or not applied at all.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/roach88/tenantmig/internal/audit"
	"github.com/roach88/tenantmig/internal/catalog"
	"github.com/roach88/tenantmig/internal/clock"
	"github.com/roach88/tenantmig/internal/executor"
	"github.com/roach88/tenantmig/internal/ir"
	"github.com/roach88/tenantmig/internal/store"
)

// Outcome classifies a run.
type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeNoop       Outcome = "noop"
	OutcomeConflict   Outcome = "conflict"
	OutcomeFailed     Outcome = "failed"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeRolledBack Outcome = "rolled_back"
	OutcomeDryRun     Outcome = "dry_run"
)

// Warning reports outcomes that succeed with a warning.
func (o Outcome) Warning() bool {
	return o == OutcomeNoop || o == OutcomeConflict
}

// Failure reports outcomes that count as a failed step.
func (o Outcome) Failure() bool {
	return o == OutcomeFailed || o == OutcomeSkipped
}

// Result is the outcome of one run or rollback.
type Result struct {
	MigrationID  string        `json:"migration_id"`
	Scope        ir.Scope      `json:"scope"`
	Outcome      Outcome       `json:"outcome"`
	Duration     time.Duration `json:"duration"`
	RowsAffected int64         `json:"rows_affected"`
	SnapshotID   string        `json:"snapshot_id,omitempty"`
	Message      string        `json:"message,omitempty"`
	Err          error         `json:"-"`
}

// Snapshotter takes a verified backup before a destructive step. A nil
// error means the snapshot completed and its checksum was verified.
type Snapshotter interface {
	Snapshot(ctx context.Context, scope ir.Scope, tables []string, reason string) (ir.BackupSnapshot, error)
}

// Options tunes a run.
type Options struct {
	// DryRun executes the procedure in a transaction that is always rolled
	// back and writes no status.
	DryRun bool

	// PreserveData skips ReverseDestructive on rollback.
	PreserveData bool
}

// Config holds the runner's collaborators.
type Config struct {
	Executor *executor.Executor
	Store    *store.Store
	Catalog  *catalog.Catalog
	Backup   Snapshotter
	Clock    clock.Clock
	IDs      ir.IDGenerator
	Trail    *audit.Trail
	Metrics  *audit.Metrics
	Logger   *slog.Logger
}

// Runner runs single (migration, scope) pairs.
//
// Thread-safety: safe for concurrent use; concurrency control lives in the
// status table.
type Runner struct {
	exec    *executor.Executor
	store   *store.Store
	catalog *catalog.Catalog
	backup  Snapshotter
	clock   clock.Clock
	ids     ir.IDGenerator
	trail   *audit.Trail
	metrics *audit.Metrics
	logger  *slog.Logger
}

// New creates a runner.
func New(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ids := cfg.IDs
	if ids == nil {
		ids = ir.UUIDv7Generator{}
	}
	return &Runner{
		exec:    cfg.Executor,
		store:   cfg.Store,
		catalog: cfg.Catalog,
		backup:  cfg.Backup,
		clock:   clock.OrSystem(cfg.Clock),
		ids:     ids,
		trail:   cfg.Trail,
		metrics: cfg.Metrics,
		logger:  logger,
	}
}

// errDryRun aborts the dry-run transaction after the procedure ran.
var errDryRun = errors.New("dry run")

// errLostRun aborts a transaction whose completion CAS found the row no
// longer owned by this attempt.
var errLostRun = errors.New("run token no longer owns the status row")

// Run applies migration id in scope.
//
// The returned error is non-nil only for problems outside the migration
// itself (unknown id, scope mismatch, state storage unreachable). Procedure
// failures, conflicts and missing dependencies are reported in the Result.
func (r *Runner) Run(ctx context.Context, id string, scope ir.Scope, opts Options) (Result, error) {
	res := Result{MigrationID: id, Scope: scope}

	def, err := r.catalog.Get(ctx, id)
	if err != nil {
		return res, err
	}
	if err := checkScope(def, scope); err != nil {
		return res, err
	}

	if !opts.DryRun {
		if err := r.store.EnsureStatus(ctx, id, scope, r.clock.Now()); err != nil {
			return res, err
		}
	}
	state, err := r.currentState(ctx, id, scope)
	if err != nil {
		return res, err
	}

	switch {
	case state == ir.StateCompleted:
		res.Outcome = OutcomeNoop
		res.Message = "already completed"
		r.finish(ctx, res, audit.KindMigrationNoop, audit.LevelWarn)
		return res, nil
	case state == ir.StateRunning:
		return r.conflict(ctx, res, state), nil
	case state == ir.StateFailed:
		res.Outcome = OutcomeFailed
		res.Err = &StateError{Op: "run", MigrationID: id, Scope: scope, State: state, Want: []ir.MigrationState{ir.StatePending, ir.StateRolledBack}}
		res.Message = "failed; recover before re-running"
		r.finish(ctx, res, audit.KindMigrationFailed, audit.LevelError)
		return res, nil
	}

	if err := r.checkPrerequisites(ctx, def, scope); err != nil {
		var missing *DependencyMissingError
		if !errors.As(err, &missing) {
			return res, err
		}
		res.Outcome = OutcomeSkipped
		res.Err = err
		res.Message = err.Error()
		r.finish(ctx, res, audit.KindMigrationSkipped, audit.LevelWarn)
		return res, nil
	}

	if opts.DryRun {
		return r.dryRun(ctx, res, def.Forward), nil
	}

	token := r.ids.Generate()
	ok, err := r.store.Transition(ctx, store.Transition{
		MigrationID: id,
		Scope:       scope,
		From:        []ir.MigrationState{ir.StatePending, ir.StateRolledBack},
		To:          ir.StateRunning,
		NewRunToken: token,
		At:          r.clock.Now(),
	})
	if err != nil {
		return res, err
	}
	if !ok {
		now, err := r.currentState(ctx, id, scope)
		if err != nil {
			return res, err
		}
		return r.conflict(ctx, res, now), nil
	}
	r.trail.Record(ctx, audit.Event{Kind: audit.KindMigrationStarted, MigrationID: id, Scope: scope, Message: "forward procedure started"})

	return r.execute(ctx, res, token, def.Forward, ir.StateCompleted, "forward")
}

// execute runs stmts in one scoped transaction and commits the transition
// running→to in the same transaction. On failure the row moves to failed.
func (r *Runner) execute(ctx context.Context, res Result, token string, stmts []string, to ir.MigrationState, direction string) (Result, error) {
	start := r.clock.Now()
	failedAt := 0

	err := r.exec.InTx(ctx, res.Scope, func(tx *executor.Tx) error {
		for i, stmt := range stmts {
			n, err := tx.ExecProcedure(ctx, stmt)
			if err != nil {
				failedAt = i
				return err
			}
			res.RowsAffected += n
		}
		ok, err := r.store.In(tx).Transition(ctx, store.Transition{
			MigrationID: res.MigrationID,
			Scope:       res.Scope,
			From:        []ir.MigrationState{ir.StateRunning},
			To:          to,
			RunToken:    token,
			At:          r.clock.Now(),
			ExecutionMs: r.clock.Now().Sub(start).Milliseconds(),
		})
		if err != nil {
			failedAt = len(stmts)
			return err
		}
		if !ok {
			failedAt = len(stmts)
			return errLostRun
		}
		return nil
	})
	res.Duration = r.clock.Now().Sub(start)

	if err == nil {
		res.Outcome = OutcomeApplied
		kind := audit.KindMigrationApplied
		if to == ir.StateRolledBack {
			res.Outcome = OutcomeRolledBack
			kind = audit.KindMigrationRolledBack
		}
		r.metrics.ObserveMigration(string(res.Outcome), direction, res.Duration)
		r.finish(ctx, res, kind, audit.LevelInfo)
		return res, nil
	}

	res.RowsAffected = 0
	res.Outcome = OutcomeFailed
	res.Err = &ExecutionError{MigrationID: res.MigrationID, Scope: res.Scope, Statement: failedAt, Err: err}
	msg := err.Error()
	if ctx.Err() != nil {
		msg = "interrupted: " + msg
	}
	res.Message = msg

	// The run context may be canceled; the failure must still be recorded.
	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, terr := r.store.Transition(markCtx, store.Transition{
		MigrationID: res.MigrationID,
		Scope:       res.Scope,
		From:        []ir.MigrationState{ir.StateRunning},
		To:          ir.StateFailed,
		RunToken:    token,
		At:          r.clock.Now(),
		Error:       msg,
		ExecutionMs: res.Duration.Milliseconds(),
	}); terr != nil {
		r.logger.Error("failed to record migration failure",
			"migration", res.MigrationID, "scope", res.Scope.String(), "error", terr)
	}

	r.metrics.ObserveMigration(string(res.Outcome), direction, res.Duration)
	r.finish(markCtx, res, audit.KindMigrationFailed, audit.LevelError)
	return res, nil
}

// dryRun executes stmts in a transaction that is always rolled back.
func (r *Runner) dryRun(ctx context.Context, res Result, stmts []string) Result {
	start := r.clock.Now()
	err := r.exec.InTx(ctx, res.Scope, func(tx *executor.Tx) error {
		for i, stmt := range stmts {
			n, err := tx.ExecProcedure(ctx, stmt)
			if err != nil {
				return &ExecutionError{MigrationID: res.MigrationID, Scope: res.Scope, Statement: i, Err: err}
			}
			res.RowsAffected += n
		}
		return errDryRun
	})
	res.Duration = r.clock.Now().Sub(start)

	if errors.Is(err, errDryRun) {
		res.Outcome = OutcomeDryRun
		res.Message = fmt.Sprintf("%d statement(s) executed and rolled back", len(stmts))
		r.metrics.ObserveMigration(string(res.Outcome), "dry_run", 0)
		r.finish(ctx, res, audit.KindMigrationDryRun, audit.LevelInfo)
		return res
	}
	res.RowsAffected = 0
	res.Outcome = OutcomeFailed
	res.Err = err
	res.Message = err.Error()
	r.metrics.ObserveMigration(string(res.Outcome), "dry_run", 0)
	r.finish(ctx, res, audit.KindMigrationFailed, audit.LevelError)
	return res
}

func (r *Runner) conflict(ctx context.Context, res Result, state ir.MigrationState) Result {
	res.Outcome = OutcomeConflict
	res.Err = &ConflictError{MigrationID: res.MigrationID, Scope: res.Scope, State: state}
	res.Message = res.Err.Error()
	r.finish(ctx, res, audit.KindMigrationConflict, audit.LevelWarn)
	return res
}

// checkPrerequisites verifies every requirement completed in the scope the
// requirement runs in.
func (r *Runner) checkPrerequisites(ctx context.Context, def ir.MigrationDefinition, scope ir.Scope) error {
	for _, req := range def.Requires {
		reqDef, err := r.catalog.Get(ctx, req)
		if err != nil {
			return err
		}
		reqScope := reqDef.ScopeFor(scope)
		state, err := r.currentState(ctx, req, reqScope)
		if err != nil {
			return err
		}
		if state != ir.StateCompleted {
			return &DependencyMissingError{MigrationID: def.ID, Requires: req, Scope: reqScope, State: state}
		}
	}
	return nil
}

// currentState reads the status row; a missing row is pending.
func (r *Runner) currentState(ctx context.Context, id string, scope ir.Scope) (ir.MigrationState, error) {
	st, err := r.store.GetStatus(ctx, id, scope)
	if errors.Is(err, store.ErrNotFound) {
		return ir.StatePending, nil
	}
	if err != nil {
		return "", err
	}
	return st.State, nil
}

// finish emits the terminal audit event and debug log of a run.
func (r *Runner) finish(ctx context.Context, res Result, kind string, level audit.Level) {
	fields := map[string]string{"outcome": string(res.Outcome)}
	if res.Duration > 0 {
		fields["execution_ms"] = strconv.FormatInt(res.Duration.Milliseconds(), 10)
	}
	if res.RowsAffected > 0 {
		fields["rows_affected"] = strconv.FormatInt(res.RowsAffected, 10)
	}
	if res.SnapshotID != "" {
		fields["snapshot_id"] = res.SnapshotID
	}
	msg := res.Message
	if msg == "" {
		msg = string(res.Outcome)
	}
	r.trail.Record(ctx, audit.Event{Kind: kind, Level: level, MigrationID: res.MigrationID, Scope: res.Scope, Message: msg, Fields: fields})
	r.logger.Debug("migration run finished", "migration", res.MigrationID, "scope", res.Scope.String(), "outcome", res.Outcome)
}

func checkScope(def ir.MigrationDefinition, scope ir.Scope) error {
	if def.TenantScoped && scope.IsGlobal() {
		return fmt.Errorf("%w: %s is tenant-scoped and needs a tenant", ErrScopeMismatch, def.ID)
	}
	if !def.TenantScoped && !scope.IsGlobal() {
		return fmt.Errorf("%w: %s is global and cannot run in %s", ErrScopeMismatch, def.ID, scope)
	}
	return nil
}
