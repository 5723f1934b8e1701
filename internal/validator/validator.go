// Package validator checks the referential and tenant-isolation invariants
// of the business schema and applies declared remediations on request.
//
// A validation pass is read-only and idempotent: checks run in a fixed
// order over the tenancy model and every list query is ordered, so two
// passes over unchanged data produce identical results.
package validator

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/roach88/tenantmig/internal/audit"
	"github.com/roach88/tenantmig/internal/clock"
	"github.com/roach88/tenantmig/internal/executor"
	"github.com/roach88/tenantmig/internal/ir"
	"github.com/roach88/tenantmig/internal/querysql"
)

// Thresholds tune issue severities.
type Thresholds struct {
	// CompletenessWarn is the tenant coverage at or above which a table
	// that is not fully covered is a warning instead of critical.
	CompletenessWarn float64

	// BusinessCriticalFraction is the share of violating rows above which a
	// business rule violation becomes critical.
	BusinessCriticalFraction float64

	// ConcentrationShare is the share of a table's rows owned by one tenant
	// that is flagged as concentration.
	ConcentrationShare float64

	// ConcentrationMinRows skips the concentration check on small tables.
	ConcentrationMinRows int64

	// SampleLimit caps the keys listed in evidence.
	SampleLimit int
}

// DefaultThresholds returns the standard thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CompletenessWarn:         0.95,
		BusinessCriticalFraction: 0.05,
		ConcentrationShare:       0.9,
		ConcentrationMinRows:     100,
		SampleLimit:              5,
	}
}

func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.CompletenessWarn <= 0 {
		t.CompletenessWarn = d.CompletenessWarn
	}
	if t.BusinessCriticalFraction <= 0 {
		t.BusinessCriticalFraction = d.BusinessCriticalFraction
	}
	if t.ConcentrationShare <= 0 {
		t.ConcentrationShare = d.ConcentrationShare
	}
	if t.ConcentrationMinRows <= 0 {
		t.ConcentrationMinRows = d.ConcentrationMinRows
	}
	if t.SampleLimit <= 0 {
		t.SampleLimit = d.SampleLimit
	}
	return t
}

// Snapshotter backs up a table before a remediation writes to it.
type Snapshotter interface {
	Snapshot(ctx context.Context, scope ir.Scope, tables []string, reason string) (ir.BackupSnapshot, error)
}

// Config holds the validator's collaborators.
type Config struct {
	Executor   *executor.Executor
	Model      ir.TenancyModel
	Thresholds Thresholds
	Backup     Snapshotter
	Clock      clock.Clock
	Trail      *audit.Trail
	Metrics    *audit.Metrics
	Logger     *slog.Logger
}

// Validator runs checks against one tenancy model.
type Validator struct {
	exec    *executor.Executor
	model   ir.TenancyModel
	limits  Thresholds
	sql     querysql.Builder
	backup  Snapshotter
	clock   clock.Clock
	trail   *audit.Trail
	metrics *audit.Metrics
	logger  *slog.Logger
}

// New creates a validator. The model must be internally consistent.
func New(cfg Config) (*Validator, error) {
	if err := cfg.Model.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		exec:    cfg.Executor,
		model:   cfg.Model,
		limits:  cfg.Thresholds.withDefaults(),
		sql:     querysql.New(cfg.Executor.Dialect(), cfg.Model.TenantColumn),
		backup:  cfg.Backup,
		clock:   clock.OrSystem(cfg.Clock),
		trail:   cfg.Trail,
		metrics: cfg.Metrics,
		logger:  logger,
	}, nil
}

// Result is one validation pass.
type Result struct {
	Status ir.OverallStatus     `json:"status"`
	Checks []ir.CheckResult     `json:"checks"`
	Issues []ir.ValidationIssue `json:"issues"`
}

// Critical returns the critical issues.
func (r Result) Critical() []ir.ValidationIssue {
	var out []ir.ValidationIssue
	for _, is := range r.Issues {
		if is.Severity == ir.SeverityCritical {
			out = append(out, is)
		}
	}
	return out
}

// check is one named, independent check.
type check struct {
	name     string
	category ir.IssueCategory
	run      func(ctx context.Context, name string) (ir.CheckResult, error)
}

// Validate runs every check. A check that errors is recorded as failed and
// the pass continues; a connectivity error aborts the pass.
func (v *Validator) Validate(ctx context.Context) (Result, error) {
	var res Result
	for _, c := range v.checks() {
		cr, err := c.run(ctx, c.name)
		if err != nil {
			if executor.IsConnectivity(err) || ctx.Err() != nil {
				return res, fmt.Errorf("check %s: %w", c.name, err)
			}
			v.logger.Warn("check failed", "check", c.name, "error", err)
			cr = ir.FailedCheck(c.name, c.category, err)
		}
		cr.Name = c.name
		cr.Category = c.category
		res.Checks = append(res.Checks, cr)
	}
	res.Issues = ir.IssuesOf(res.Checks)
	res.Status = ir.OverallOf(res.Checks)

	for _, is := range res.Issues {
		v.metrics.ObserveIssue(string(is.Category), string(is.Severity))
		level := audit.LevelWarn
		if is.Severity == ir.SeverityCritical {
			level = audit.LevelError
		}
		v.trail.Record(ctx, audit.Event{
			Kind:    audit.KindValidationIssue,
			Level:   level,
			Message: is.Description,
			Fields:  map[string]string{"category": string(is.Category), "check": is.Check, "severity": string(is.Severity)},
		})
	}
	critical, warning := ir.CountBySeverity(res.Issues)
	v.trail.Record(ctx, audit.Event{
		Kind:    audit.KindValidationResult,
		Message: string(res.Status),
		Fields: map[string]string{
			"checks":   strconv.Itoa(len(res.Checks)),
			"critical": strconv.Itoa(critical),
			"warning":  strconv.Itoa(warning),
		},
	})
	v.logger.Info("validation finished", "status", res.Status, "checks", len(res.Checks), "critical", critical, "warning", warning)
	return res, nil
}

// checks lists every check in reporting order.
func (v *Validator) checks() []check {
	var cs []check
	for _, t := range v.model.Tables {
		cs = append(cs, check{"completeness:" + t.Name, ir.CategoryCompleteness, v.completeness(t)})
	}
	for _, r := range v.model.Relations {
		cs = append(cs, check{"referential:" + relName(r), ir.CategoryReferential, v.referential(r)})
	}
	for _, r := range v.model.Relations {
		if v.model.IsTenantScoped(r.Child) && v.model.IsTenantScoped(r.Parent) {
			cs = append(cs, check{"tenant-consistency:" + relName(r), ir.CategoryTenantConsistency, v.crossTenant(r)})
		}
	}
	for _, rule := range v.model.Rules {
		cs = append(cs, check{"business-logic:" + rule.Name, ir.CategoryBusinessLogic, v.businessRule(rule)})
	}
	for _, t := range v.model.Tables {
		cs = append(cs, check{"distribution:" + t.Name, ir.CategoryDistribution, v.concentration(t)})
	}
	for _, r := range v.model.Relations {
		if r.ExpectChildren {
			cs = append(cs, check{"missing-dependents:" + relName(r), ir.CategoryDistribution, v.missingDependents(r)})
		}
	}
	for _, idx := range v.model.Indexes {
		cs = append(cs, check{"index:" + idx.Table + "." + idx.Column, ir.CategoryPerformance, v.index(idx)})
	}
	for _, table := range v.model.Policies {
		cs = append(cs, check{"policy:" + table, ir.CategoryPerformance, v.policy(table)})
	}
	return cs
}

func relName(r ir.Relation) string {
	if r.Name != "" {
		return r.Name
	}
	return r.Child + "." + r.Column
}
