package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/tenantmig/internal/audit"
	"github.com/roach88/tenantmig/internal/ir"
	"github.com/roach88/tenantmig/internal/store"
)

// Status joins the catalog with status rows. A nil scope reports every
// scope: global migrations once, tenant-scoped migrations once per known
// tenant (active tenants plus any tenant with a status row). The global
// scope reports global migrations; a tenant scope reports tenant-scoped
// migrations in that tenant. Missing rows read as pending.
func (o *Orchestrator) Status(ctx context.Context, scope *ir.Scope) ([]ir.StatusView, error) {
	defs, err := o.catalog.OrderedAll(ctx)
	if err != nil {
		return nil, err
	}
	statuses, err := o.store.ListStatuses(ctx, store.StatusFilter{Scope: scope})
	if err != nil {
		return nil, err
	}
	type key struct{ id, scope string }
	rows := make(map[key]ir.MigrationStatus, len(statuses))
	for _, st := range statuses {
		rows[key{st.MigrationID, st.Scope.Key()}] = st
	}

	var tenants []string
	switch {
	case scope == nil:
		tenants, err = o.knownTenants(ctx, statuses)
		if err != nil {
			return nil, err
		}
	case !scope.IsGlobal():
		tenants = []string{scope.TenantID}
	}

	var out []ir.StatusView
	for _, def := range defs {
		var scopes []ir.Scope
		switch {
		case !def.TenantScoped && (scope == nil || scope.IsGlobal()):
			scopes = []ir.Scope{ir.Global}
		case def.TenantScoped:
			for _, t := range tenants {
				scopes = append(scopes, ir.TenantScope(t))
			}
		}
		for _, s := range scopes {
			out = append(out, view(def, s, rows[key{def.ID, s.Key()}]))
		}
	}
	return out, nil
}

func view(def ir.MigrationDefinition, scope ir.Scope, st ir.MigrationStatus) ir.StatusView {
	v := ir.StatusView{
		MigrationID:  def.ID,
		Name:         def.Name,
		TenantScoped: def.TenantScoped,
		Scope:        scope,
		State:        ir.StatePending,
	}
	if st.State != "" {
		v.State = st.State
		v.AppliedAt = st.AppliedAt
		v.RolledBackAt = st.RolledBackAt
		v.Error = st.Error
		v.ExecutionMs = st.ExecutionTimeMs
	}
	return v
}

func (o *Orchestrator) knownTenants(ctx context.Context, statuses []ir.MigrationStatus) ([]string, error) {
	var tenants []string
	if o.tenants.Table != "" {
		active, err := o.ActiveTenants(ctx)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, active...)
	}
	for _, st := range statuses {
		if !st.Scope.IsGlobal() {
			tenants = append(tenants, st.Scope.TenantID)
		}
	}
	slices.Sort(tenants)
	return slices.Compact(tenants), nil
}

// Reconcile marks rows left running longer than the running timeout as
// failed so they can be recovered. It is the startup sweep for runs
// interrupted without a chance to record their outcome.
func (o *Orchestrator) Reconcile(ctx context.Context) ([]ir.MigrationStatus, error) {
	now := o.clock.Now()
	stale, err := o.store.StaleRunning(ctx, now.Add(-o.timeout))
	if err != nil {
		return nil, err
	}

	var failed []ir.MigrationStatus
	for _, st := range stale {
		msg := fmt.Sprintf("interrupted: running since %s, longer than %s", st.StartedAt.Format(time.RFC3339), o.timeout)
		ok, err := o.store.Transition(ctx, store.Transition{
			MigrationID: st.MigrationID,
			Scope:       st.Scope,
			From:        []ir.MigrationState{ir.StateRunning},
			To:          ir.StateFailed,
			RunToken:    st.RunToken,
			At:          now,
			Error:       msg,
		})
		if err != nil {
			return failed, err
		}
		if !ok {
			// The run finished between the sweep's read and its update.
			continue
		}
		st.State = ir.StateFailed
		st.Error = msg
		failed = append(failed, st)
		o.logger.Warn("stale running migration marked failed", "migration", st.MigrationID, "scope", st.Scope)
		o.trail.Record(ctx, audit.Event{
			Kind: audit.KindMigrationReconciled, Level: audit.LevelWarn,
			MigrationID: st.MigrationID, Scope: st.Scope, Message: msg,
		})
	}
	return failed, nil
}

