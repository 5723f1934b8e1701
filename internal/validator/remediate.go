package validator

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/roach88/tenantmig/internal/audit"
	"github.com/roach88/tenantmig/internal/executor"
	"github.com/roach88/tenantmig/internal/ir"
	"github.com/roach88/tenantmig/internal/querysql"
)

// Remediation strategy names.
const (
	StrategyFillTenant     = "fill-tenant-from-parent"
	StrategyDeleteOrphans  = "delete-orphans"
	StrategyNullifyOrphans = "nullify-orphans"
	StrategyAlignTenant    = "align-tenant-with-parent"
	StrategyRuleFix        = "apply-rule-fix"
	StrategyCreateIndex    = "create-index"
)

// Plan is a corrective operation shaped like a forward migration: ordered
// statements run in one transaction. Measure counts the violations the plan
// addresses and is evaluated before and after.
type Plan struct {
	ID          string           `json:"id"`
	Strategy    string           `json:"strategy"`
	Category    ir.IssueCategory `json:"category"`
	Target      string           `json:"target"`
	Table       string           `json:"table,omitempty"` // snapshotted first; empty when no rows change
	Statements  []string         `json:"statements"`
	Undo        []string         `json:"undo,omitempty"`
	Measure     string           `json:"-"`
	MeasureArgs []any            `json:"-"`
}

// Strategy turns the evidence of one issue into a plan.
type Strategy struct {
	Category ir.IssueCategory
	Plan     func(b querysql.Builder, m ir.TenancyModel, issue ir.ValidationIssue) (Plan, error)
}

// Strategies is the remediation table. Only what is listed here is ever
// applied automatically.
var Strategies = map[string]Strategy{
	StrategyFillTenant:     {ir.CategoryCompleteness, planFillTenant},
	StrategyDeleteOrphans:  {ir.CategoryReferential, planOrphans(false)},
	StrategyNullifyOrphans: {ir.CategoryReferential, planOrphans(true)},
	StrategyAlignTenant:    {ir.CategoryTenantConsistency, planAlignTenant},
	StrategyRuleFix:        {ir.CategoryBusinessLogic, planRuleFix},
	StrategyCreateIndex:    {ir.CategoryPerformance, planCreateIndex},
}

func findRelation(m ir.TenancyModel, name string) (ir.Relation, error) {
	for _, r := range m.Relations {
		if relName(r) == name {
			return r, nil
		}
	}
	return ir.Relation{}, fmt.Errorf("unknown relation %q", name)
}

func planFillTenant(b querysql.Builder, m ir.TenancyModel, issue ir.ValidationIssue) (Plan, error) {
	ev := issue.Evidence.Completeness
	if ev == nil {
		return Plan{}, errors.New("missing completeness evidence")
	}
	rel, ok := m.TenantSourceFor(ev.Table)
	if !ok {
		return Plan{}, fmt.Errorf("%s has no tenant source relation", ev.Table)
	}
	stmt, err := b.FillTenantFromParent(rel)
	if err != nil {
		return Plan{}, err
	}
	measure, err := b.CountMissingTenant(ev.Table)
	if err != nil {
		return Plan{}, err
	}
	return Plan{Target: ev.Table, Table: ev.Table, Statements: []string{stmt}, Measure: measure}, nil
}

func planOrphans(nullify bool) func(querysql.Builder, ir.TenancyModel, ir.ValidationIssue) (Plan, error) {
	return func(b querysql.Builder, m ir.TenancyModel, issue ir.ValidationIssue) (Plan, error) {
		ev := issue.Evidence.Referential
		if ev == nil {
			return Plan{}, errors.New("missing referential evidence")
		}
		rel, err := findRelation(m, ev.Relation)
		if err != nil {
			return Plan{}, err
		}
		stmt, err := b.DeleteOrphans(rel)
		if nullify {
			stmt, err = b.NullifyOrphans(rel)
		}
		if err != nil {
			return Plan{}, err
		}
		measure, err := b.CountOrphans(rel)
		if err != nil {
			return Plan{}, err
		}
		return Plan{Target: ev.Relation, Table: rel.Child, Statements: []string{stmt}, Measure: measure}, nil
	}
}

func planAlignTenant(b querysql.Builder, m ir.TenancyModel, issue ir.ValidationIssue) (Plan, error) {
	ev := issue.Evidence.CrossTenant
	if ev == nil {
		return Plan{}, errors.New("missing cross-tenant evidence")
	}
	rel, err := findRelation(m, ev.Relation)
	if err != nil {
		return Plan{}, err
	}
	stmt, err := b.AlignTenantWithParent(rel)
	if err != nil {
		return Plan{}, err
	}
	measure, err := b.CountCrossTenant(rel)
	if err != nil {
		return Plan{}, err
	}
	return Plan{Target: ev.Relation, Table: rel.Child, Statements: []string{stmt}, Measure: measure}, nil
}

func planRuleFix(b querysql.Builder, m ir.TenancyModel, issue ir.ValidationIssue) (Plan, error) {
	ev := issue.Evidence.BusinessRule
	if ev == nil {
		return Plan{}, errors.New("missing business rule evidence")
	}
	var rule *ir.BusinessRule
	for i := range m.Rules {
		if m.Rules[i].Name == ev.Rule {
			rule = &m.Rules[i]
		}
	}
	if rule == nil {
		return Plan{}, fmt.Errorf("unknown rule %q", ev.Rule)
	}
	stmt, err := b.ApplyRuleFix(*rule)
	if err != nil {
		return Plan{}, err
	}
	measure, err := b.CountWhere(rule.Table, rule.Condition)
	if err != nil {
		return Plan{}, err
	}
	return Plan{Target: rule.Name, Table: rule.Table, Statements: []string{stmt}, Measure: measure}, nil
}

func planCreateIndex(b querysql.Builder, m ir.TenancyModel, issue ir.ValidationIssue) (Plan, error) {
	ev := issue.Evidence.Structure
	if ev == nil || ev.Object.Kind != ir.ObjectIndex {
		return Plan{}, errors.New("missing index evidence")
	}
	var req *ir.RequiredIndex
	for i := range m.Indexes {
		idx := m.Indexes[i]
		if idx.Table == ev.Object.Table && (idx.Name == ev.Object.Name || idx.Column == ev.Object.Name) {
			req = &m.Indexes[i]
		}
	}
	if req == nil {
		return Plan{}, fmt.Errorf("no required index matches %s", ev.Object)
	}
	create, drop, err := b.CreateIndex(req.Table, req.Column, req.Name)
	if err != nil {
		return Plan{}, err
	}
	name := req.Name
	if name == "" {
		name = querysql.TenantIndexName(req.Table, req.Column)
	}
	exists, args := b.IndexExists(req.Table, name)
	return Plan{
		Target:      req.Table + "." + req.Column,
		Statements:  []string{create},
		Undo:        []string{drop},
		Measure:     "SELECT CASE WHEN (" + exists + ") > 0 THEN 0 ELSE 1 END",
		MeasureArgs: args,
	}, nil
}

// Plans derives the distinct remediation plans for issues. Issues without
// a declared remediation are skipped.
func (v *Validator) Plans(issues []ir.ValidationIssue) ([]Plan, error) {
	var plans []Plan
	seen := map[string]bool{}
	for _, is := range issues {
		if is.Remediation == "" {
			continue
		}
		s, ok := Strategies[is.Remediation]
		if !ok {
			return nil, fmt.Errorf("unknown remediation strategy %q", is.Remediation)
		}
		if s.Category != is.Category {
			return nil, fmt.Errorf("strategy %s does not apply to %s issues", is.Remediation, is.Category)
		}
		p, err := s.Plan(v.sql, v.model, is)
		if err != nil {
			return nil, fmt.Errorf("plan %s for %s: %w", is.Remediation, is.Check, err)
		}
		p.Strategy = is.Remediation
		p.Category = is.Category
		if p.ID, err = ir.RemediationID(p.Category, p.Target, p.Statements); err != nil {
			return nil, err
		}
		if seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		plans = append(plans, p)
	}
	return plans, nil
}

// FixOptions tunes FixIssues.
type FixOptions struct {
	// DryRun runs each plan in a transaction that is rolled back, so the
	// after-count shows what the plan would achieve.
	DryRun bool
}

// RemediationResult is the outcome of one plan.
type RemediationResult struct {
	Plan       Plan   `json:"plan"`
	Before     int64  `json:"before"`
	After      int64  `json:"after"`
	SnapshotID string `json:"snapshot_id,omitempty"`
	Applied    bool   `json:"applied"`
	Err        error  `json:"-"`
}

var errDryRun = errors.New("dry run")

// FixIssues applies the declared remediations for issues. Each plan that
// changes rows is preceded by a snapshot of its table and runs in its own
// transaction with before/after counts recorded in the audit trail. A
// failed plan is reported and the rest continue; connectivity errors abort.
func (v *Validator) FixIssues(ctx context.Context, issues []ir.ValidationIssue, opts FixOptions) ([]RemediationResult, error) {
	plans, err := v.Plans(issues)
	if err != nil {
		return nil, err
	}
	var results []RemediationResult
	for _, p := range plans {
		res := v.apply(ctx, p, opts)
		results = append(results, res)
		if res.Err != nil && (executor.IsConnectivity(res.Err) || ctx.Err() != nil) {
			return results, res.Err
		}
	}
	return results, nil
}

func (v *Validator) apply(ctx context.Context, p Plan, opts FixOptions) RemediationResult {
	res := RemediationResult{Plan: p}

	if p.Table != "" && !opts.DryRun {
		if v.backup == nil {
			res.Err = errors.New("remediation writes rows but no backup engine is configured")
			return v.recordRemediation(ctx, res)
		}
		snap, err := v.backup.Snapshot(ctx, ir.Global, []string{p.Table}, "remediation "+p.Strategy+" "+p.Target)
		if err != nil {
			res.Err = err
			return v.recordRemediation(ctx, res)
		}
		res.SnapshotID = snap.ID
	}

	err := v.exec.InTx(ctx, ir.Global, func(tx *executor.Tx) error {
		before, err := v.count(ctx, tx, p.Measure, p.MeasureArgs...)
		if err != nil {
			return fmt.Errorf("measure before: %w", err)
		}
		res.Before = before
		for _, stmt := range p.Statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		after, err := v.count(ctx, tx, p.Measure, p.MeasureArgs...)
		if err != nil {
			return fmt.Errorf("measure after: %w", err)
		}
		res.After = after
		if opts.DryRun {
			return errDryRun
		}
		return nil
	})
	switch {
	case errors.Is(err, errDryRun):
	case err != nil:
		res.Err = err
	default:
		res.Applied = true
	}
	return v.recordRemediation(ctx, res)
}

func (v *Validator) recordRemediation(ctx context.Context, res RemediationResult) RemediationResult {
	p := res.Plan
	fields := map[string]string{
		"remediation_id": p.ID,
		"strategy":       p.Strategy,
		"category":       string(p.Category),
		"target":         p.Target,
		"before":         strconv.FormatInt(res.Before, 10),
		"after":          strconv.FormatInt(res.After, 10),
		"applied":        strconv.FormatBool(res.Applied),
	}
	if res.SnapshotID != "" {
		fields["snapshot_id"] = res.SnapshotID
	}
	level := audit.LevelInfo
	msg := fmt.Sprintf("%s on %s: %d → %d", p.Strategy, p.Target, res.Before, res.After)
	if res.Err != nil {
		level = audit.LevelError
		msg = fmt.Sprintf("%s on %s failed: %v", p.Strategy, p.Target, res.Err)
	}
	v.trail.Record(ctx, audit.Event{Kind: audit.KindRemediation, Level: level, Message: msg, Fields: fields})
	if res.Applied {
		v.metrics.ObserveRemediation(string(p.Category))
	}
	v.logger.Info("remediation", "strategy", p.Strategy, "target", p.Target, "before", res.Before, "after", res.After, "applied", res.Applied, "error", res.Err)
	return res
}
