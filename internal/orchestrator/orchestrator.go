// Package orchestrator drives the runner across migrations and tenants.
//
// Within one scope migrations run strictly in dependency order and the
// first failure stops the walk. Across tenants runs are independent and
// bounded by MaxConcurrency.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/tenantmig/internal/audit"
	"github.com/roach88/tenantmig/internal/catalog"
	"github.com/roach88/tenantmig/internal/clock"
	"github.com/roach88/tenantmig/internal/executor"
	"github.com/roach88/tenantmig/internal/ir"
	"github.com/roach88/tenantmig/internal/querysql"
	"github.com/roach88/tenantmig/internal/runner"
	"github.com/roach88/tenantmig/internal/store"
	"github.com/roach88/tenantmig/internal/validator"
	"github.com/roach88/tenantmig/internal/verifier"
)

// DefaultMaxConcurrency bounds concurrent tenant runs when unset.
const DefaultMaxConcurrency = 4

// DefaultRunningTimeout is how long a row may stay running before the
// reconcile sweep marks it failed.
const DefaultRunningTimeout = 30 * time.Minute

// ErrNoTenantSource is returned when tenant runs are requested without a
// tenant source in the tenancy model.
var ErrNoTenantSource = errors.New("tenancy model declares no tenant source")

// Config holds the orchestrator's collaborators. Validator and Verifier are
// optional; the workflow skips their stages when nil.
type Config struct {
	Executor       *executor.Executor
	Store          *store.Store
	Catalog        *catalog.Catalog
	Runner         *runner.Runner
	Validator      *validator.Validator
	Verifier       *verifier.Verifier
	Tenants        ir.TenantSource
	MaxConcurrency int
	RunningTimeout time.Duration
	Clock          clock.Clock
	Trail          *audit.Trail
	Alerter        audit.Alerter
	Logger         *slog.Logger
}

// Orchestrator composes the catalog, runner, validator and verifier into
// operator workflows.
type Orchestrator struct {
	exec        *executor.Executor
	store       *store.Store
	catalog     *catalog.Catalog
	runner      *runner.Runner
	validator   *validator.Validator
	verifier    *verifier.Verifier
	tenants     ir.TenantSource
	concurrency int
	timeout     time.Duration
	clock       clock.Clock
	trail       *audit.Trail
	alerter     audit.Alerter
	logger      *slog.Logger
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := cfg.MaxConcurrency
	if concurrency <= 0 {
		concurrency = DefaultMaxConcurrency
	}
	timeout := cfg.RunningTimeout
	if timeout <= 0 {
		timeout = DefaultRunningTimeout
	}
	alerter := cfg.Alerter
	if alerter == nil {
		alerter = audit.NopAlerter{}
	}
	return &Orchestrator{
		exec:        cfg.Executor,
		store:       cfg.Store,
		catalog:     cfg.Catalog,
		runner:      cfg.Runner,
		validator:   cfg.Validator,
		verifier:    cfg.Verifier,
		tenants:     cfg.Tenants,
		concurrency: concurrency,
		timeout:     timeout,
		clock:       clock.OrSystem(cfg.Clock),
		trail:       cfg.Trail,
		alerter:     alerter,
		logger:      logger,
	}
}

// ScopeRun is the outcome of walking pending migrations in one scope.
type ScopeRun struct {
	Scope   ir.Scope        `json:"scope"`
	Results []runner.Result `json:"results"`
}

// Failed reports whether the walk stopped on a failure.
func (r ScopeRun) Failed() bool {
	for _, res := range r.Results {
		if res.Outcome.Failure() {
			return true
		}
	}
	return false
}

// Count returns the number of results with outcome o.
func (r ScopeRun) Count(o runner.Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// RunPending applies every migration of the scope's kind that has not
// completed there: global migrations for the global scope, tenant-scoped
// migrations for a tenant. The walk follows dependency order and stops at
// the first failed or skipped migration, leaving the rest pending.
func (o *Orchestrator) RunPending(ctx context.Context, scope ir.Scope, opts runner.Options) (ScopeRun, error) {
	run := ScopeRun{Scope: scope}

	defs, err := o.catalog.OrderedAll(ctx)
	if err != nil {
		return run, err
	}
	statuses, err := o.store.ListStatuses(ctx, store.StatusFilter{Scope: &scope})
	if err != nil {
		return run, err
	}
	state := make(map[string]ir.MigrationState, len(statuses))
	for _, st := range statuses {
		state[st.MigrationID] = st.State
	}

	planned := map[string]bool{}
	for _, def := range defs {
		if def.TenantScoped == scope.IsGlobal() {
			continue
		}
		if state[def.ID] == ir.StateCompleted {
			continue
		}

		res, err := o.runner.Run(ctx, def.ID, scope, opts)
		if err != nil {
			return run, fmt.Errorf("run %s in %s: %w", def.ID, scope, err)
		}
		if opts.DryRun {
			res = dryRunDependent(res, planned)
			if res.Outcome == runner.OutcomeDryRun {
				planned[def.ID] = true
			}
		}
		run.Results = append(run.Results, res)
		if res.Outcome.Failure() {
			o.logger.Warn("stopping scope walk", "scope", scope, "migration", def.ID, "outcome", res.Outcome)
			break
		}
	}
	return run, nil
}

// dryRunDependent reports a migration skipped only because its
// prerequisite was itself dry-run in this walk as a dry run too. Nothing
// was executed for it: its prerequisite's changes were rolled back.
func dryRunDependent(res runner.Result, planned map[string]bool) runner.Result {
	if res.Outcome != runner.OutcomeSkipped {
		return res
	}
	var missing *runner.DependencyMissingError
	if !errors.As(res.Err, &missing) || !planned[missing.Requires] {
		return res
	}
	res.Outcome = runner.OutcomeDryRun
	res.Err = nil
	res.Message = "would run after " + missing.Requires
	return res
}

// RunOne applies a single migration in scope.
func (o *Orchestrator) RunOne(ctx context.Context, id string, scope ir.Scope, opts runner.Options) (runner.Result, error) {
	return o.runner.Run(ctx, id, scope, opts)
}

// Rollback reverses a completed migration in scope.
func (o *Orchestrator) Rollback(ctx context.Context, id string, scope ir.Scope, opts runner.Options) (runner.Result, error) {
	return o.runner.Rollback(ctx, id, scope, opts)
}

// Recover resets a failed migration in scope to pending.
func (o *Orchestrator) Recover(ctx context.Context, id string, scope ir.Scope) error {
	return o.runner.Recover(ctx, id, scope)
}

// AllRun is the outcome of RunAll.
type AllRun struct {
	Global  ScopeRun   `json:"global"`
	Tenants []ScopeRun `json:"tenants"`
}

// Failed reports whether any scope stopped on a failure.
func (r AllRun) Failed() bool {
	if r.Global.Failed() {
		return true
	}
	for _, t := range r.Tenants {
		if t.Failed() {
			return true
		}
	}
	return false
}

// Results flattens every result, global first.
func (r AllRun) Results() []runner.Result {
	out := append([]runner.Result(nil), r.Global.Results...)
	for _, t := range r.Tenants {
		out = append(out, t.Results...)
	}
	return out
}

// RunAll applies global migrations, then tenant-scoped migrations for
// every active tenant. Tenants run concurrently and independently: one
// tenant's failure does not stop another. Tenants are not started when the
// global walk failed, since tenant migrations build on global schema.
// Tenant-scoped work is skipped entirely when no tenant source is
// configured.
func (o *Orchestrator) RunAll(ctx context.Context, opts runner.Options) (AllRun, error) {
	var all AllRun

	global, err := o.RunPending(ctx, ir.Global, opts)
	all.Global = global
	if err != nil {
		return all, err
	}
	if global.Failed() {
		return all, nil
	}
	if o.tenants.Table == "" {
		return all, nil
	}

	tenants, err := o.ActiveTenants(ctx)
	if err != nil {
		return all, err
	}

	all.Tenants, err = o.eachTenant(ctx, tenants, func(ctx context.Context, scope ir.Scope) (ScopeRun, error) {
		return o.RunPending(ctx, scope, opts)
	})
	return all, err
}

// eachTenant calls run for every tenant, at most o.concurrency at a time.
// An error in one tenant is collected and the others carry on; only a
// connectivity error cancels the tenants still running or queued.
func (o *Orchestrator) eachTenant(ctx context.Context, tenants []string, run func(context.Context, ir.Scope) (ScopeRun, error)) ([]ScopeRun, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	runs := make([]ScopeRun, len(tenants))
	errs := make([]error, len(tenants))
	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for i, tenant := range tenants {
		scope := ir.TenantScope(tenant)
		runs[i].Scope = scope
		g.Go(func() error {
			if ctx.Err() != nil {
				errs[i] = fmt.Errorf("%s not started: %w", scope, context.Cause(ctx))
				return nil
			}
			r, err := run(ctx, scope)
			r.Scope = scope
			runs[i] = r
			if err == nil {
				return nil
			}
			errs[i] = err
			if executor.IsConnectivity(err) {
				cancel(err)
			} else {
				o.logger.Error("tenant run failed", "scope", scope, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	if cause := context.Cause(ctx); executor.IsConnectivity(cause) {
		return runs, cause
	}
	return runs, errors.Join(errs...)
}

// ActiveTenants lists active tenant ids from the tenant source.
func (o *Orchestrator) ActiveTenants(ctx context.Context) ([]string, error) {
	if o.tenants.Table == "" {
		return nil, ErrNoTenantSource
	}
	q, args, err := querysql.New(o.exec.Dialect(), "").ActiveTenants(o.tenants)
	if err != nil {
		return nil, err
	}
	rows, err := o.exec.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list active tenants: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
