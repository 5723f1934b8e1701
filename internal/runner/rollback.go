package runner

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/tenantmig/internal/audit"
	"github.com/roach88/tenantmig/internal/ir"
	"github.com/roach88/tenantmig/internal/store"
)

// Rollback reverses a completed migration in scope.
//
// The order is fixed: refuse while completed dependents exist, take and
// verify a snapshot of def.Tables, claim the row (completed→running), then
// run Reverse and, unless PreserveData, ReverseDestructive in one
// transaction that also records rolled_back. A snapshot failure leaves the
// row completed and nothing is executed.
func (r *Runner) Rollback(ctx context.Context, id string, scope ir.Scope, opts Options) (Result, error) {
	res := Result{MigrationID: id, Scope: scope}

	def, err := r.catalog.Get(ctx, id)
	if err != nil {
		return res, err
	}
	if err := checkScope(def, scope); err != nil {
		return res, err
	}

	state, err := r.currentState(ctx, id, scope)
	if err != nil {
		return res, err
	}
	if state != ir.StateCompleted {
		return res, &StateError{Op: "roll back", MigrationID: id, Scope: scope, State: state, Want: []ir.MigrationState{ir.StateCompleted}}
	}

	if err := r.checkDependents(ctx, id, scope); err != nil {
		return res, err
	}

	stmts := slices.Clone(def.Reverse)
	if !opts.PreserveData {
		stmts = append(stmts, def.ReverseDestructive...)
	}

	if opts.DryRun {
		return r.dryRun(ctx, res, stmts), nil
	}

	if r.backup == nil {
		return res, fmt.Errorf("roll back %s: no backup engine configured", id)
	}
	snap, err := r.backup.Snapshot(ctx, scope, def.Tables, "rollback "+id)
	if err != nil {
		// The destructive step must not proceed.
		return res, err
	}
	res.SnapshotID = snap.ID

	token := r.ids.Generate()
	ok, err := r.store.Transition(ctx, store.Transition{
		MigrationID: id,
		Scope:       scope,
		From:        []ir.MigrationState{ir.StateCompleted},
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
	r.trail.Record(ctx, audit.Event{
		Kind: audit.KindMigrationStarted, MigrationID: id, Scope: scope,
		Message: "reverse procedure started",
		Fields:  map[string]string{"snapshot_id": snap.ID, "preserve_data": fmt.Sprint(opts.PreserveData)},
	})

	return r.execute(ctx, res, token, stmts, ir.StateRolledBack, "reverse")
}

// checkDependents refuses while a definition requiring id is completed in
// any scope whose prerequisite scope is scope.
func (r *Runner) checkDependents(ctx context.Context, id string, scope ir.Scope) error {
	defs, err := r.catalog.All(ctx)
	if err != nil {
		return err
	}

	var blocking []string
	for _, d := range defs {
		if !slices.Contains(d.Requires, id) {
			continue
		}
		statuses, err := r.store.ListStatuses(ctx, store.StatusFilter{
			MigrationID: d.ID,
			States:      []ir.MigrationState{ir.StateCompleted, ir.StateRunning},
		})
		if err != nil {
			return err
		}
		for _, st := range statuses {
			// A tenant-scoped dependent of a global migration blocks a
			// global rollback from every tenant.
			if scopeOfPrerequisite(d, st.Scope, scope) {
				blocking = append(blocking, d.ID)
				break
			}
		}
	}
	if len(blocking) > 0 {
		slices.Sort(blocking)
		return &DependentsError{MigrationID: id, Scope: scope, Dependents: blocking}
	}
	return nil
}

// scopeOfPrerequisite reports whether dependent d running in depScope
// needs its prerequisite in prereqScope.
func scopeOfPrerequisite(d ir.MigrationDefinition, depScope, prereqScope ir.Scope) bool {
	if prereqScope.IsGlobal() {
		return true
	}
	return d.TenantScoped && depScope == prereqScope
}

// Recover moves a failed migration back to pending so it can be re-run.
func (r *Runner) Recover(ctx context.Context, id string, scope ir.Scope) error {
	if _, err := r.catalog.Get(ctx, id); err != nil {
		return err
	}
	ok, err := r.store.Transition(ctx, store.Transition{
		MigrationID: id,
		Scope:       scope,
		From:        []ir.MigrationState{ir.StateFailed},
		To:          ir.StatePending,
		At:          r.clock.Now(),
	})
	if err != nil {
		return err
	}
	if !ok {
		state, err := r.currentState(ctx, id, scope)
		if err != nil {
			return err
		}
		return &StateError{Op: "recover", MigrationID: id, Scope: scope, State: state, Want: []ir.MigrationState{ir.StateFailed}}
	}
	r.trail.Record(ctx, audit.Event{Kind: audit.KindMigrationRecovered, MigrationID: id, Scope: scope, Message: "failed migration reset to pending"})
	return nil
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}
