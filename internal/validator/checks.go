package validator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/roach88/tenantmig/internal/executor"
	"github.com/roach88/tenantmig/internal/ir"
	"github.com/roach88/tenantmig/internal/querysql"
)

func (v *Validator) count(ctx context.Context, q executor.Querier, query string, args ...any) (int64, error) {
	var n int64
	if err := q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (v *Validator) list(ctx context.Context, q executor.Querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (v *Validator) hasTenantColumn(ctx context.Context, q executor.Querier, table string) (bool, error) {
	query, args := v.sql.ColumnExists(table, v.model.TenantColumn)
	n, err := v.count(ctx, q, query, args...)
	return n > 0, err
}

// primaryKey returns the declared key of table, defaulting to id.
func (v *Validator) primaryKey(table string) string {
	if t, ok := v.model.Table(table); ok && t.PrimaryKey != "" {
		return t.PrimaryKey
	}
	return "id"
}

func percent(part, total int64) float64 {
	if total == 0 {
		return 100
	}
	return math.Round(float64(part)/float64(total)*10000) / 100
}

func fraction(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(part)/float64(total)*10000) / 10000
}

// completeness measures tenant identifier coverage of a table. Full
// coverage passes, coverage at or above the warn threshold warns, anything
// below is critical. An empty table counts as fully covered.
func (v *Validator) completeness(t ir.TableSpec) func(context.Context, string) (ir.CheckResult, error) {
	return func(ctx context.Context, name string) (ir.CheckResult, error) {
		present, err := v.hasTenantColumn(ctx, v.exec, t.Name)
		if err != nil {
			return ir.CheckResult{}, err
		}
		q, err := v.sql.CountRows(t.Name)
		if err != nil {
			return ir.CheckResult{}, err
		}
		total, err := v.count(ctx, v.exec, q)
		if err != nil {
			return ir.CheckResult{}, err
		}
		if total == 0 {
			cr := ir.NewCheckResult(name, ir.CategoryCompleteness, nil)
			cr.Note = "empty table counts as fully compliant"
			return cr, nil
		}

		var with int64
		if present {
			q, err := v.sql.CountWithTenant(t.Name)
			if err != nil {
				return ir.CheckResult{}, err
			}
			if with, err = v.count(ctx, v.exec, q); err != nil {
				return ir.CheckResult{}, err
			}
		}
		if with == total {
			return ir.NewCheckResult(name, ir.CategoryCompleteness, nil), nil
		}

		ev := &ir.CompletenessEvidence{Table: t.Name, Total: total, WithTenant: with, Percent: percent(with, total)}
		issue := ir.ValidationIssue{
			Category:    ir.CategoryCompleteness,
			Severity:    ir.SeverityCritical,
			Check:       name,
			Description: fmt.Sprintf("%s: %d of %d rows (%.2f%%) carry %s", t.Name, with, total, ev.Percent, v.model.TenantColumn),
			Evidence:    ir.Evidence{Completeness: ev},
		}
		if float64(with)/float64(total) >= v.limits.CompletenessWarn {
			issue.Severity = ir.SeverityWarning
		}
		if !present {
			issue.Evidence.Extra = map[string]string{"column": ir.Absent}
		} else if _, ok := v.model.TenantSourceFor(t.Name); ok {
			issue.Remediation = StrategyFillTenant
		}
		return ir.NewCheckResult(name, ir.CategoryCompleteness, []ir.ValidationIssue{issue}), nil
	}
}

// referential counts child rows whose reference resolves to no parent.
func (v *Validator) referential(r ir.Relation) func(context.Context, string) (ir.CheckResult, error) {
	return func(ctx context.Context, name string) (ir.CheckResult, error) {
		q, err := v.sql.CountOrphans(r)
		if err != nil {
			return ir.CheckResult{}, err
		}
		orphans, err := v.count(ctx, v.exec, q)
		if err != nil {
			return ir.CheckResult{}, err
		}
		if orphans == 0 {
			return ir.NewCheckResult(name, ir.CategoryReferential, nil), nil
		}
		sq, args, err := v.sql.SampleOrphans(r, v.primaryKey(r.Child), v.limits.SampleLimit)
		if err != nil {
			return ir.CheckResult{}, err
		}
		sample, err := v.list(ctx, v.exec, sq, args...)
		if err != nil {
			return ir.CheckResult{}, err
		}

		issue := ir.ValidationIssue{
			Category:    ir.CategoryReferential,
			Severity:    ir.SeverityCritical,
			Check:       name,
			Description: fmt.Sprintf("%d %s rows reference a missing %s row via %s", orphans, r.Child, r.Parent, r.Column),
			Evidence: ir.Evidence{Referential: &ir.ReferentialEvidence{
				Relation: relName(r), Child: r.Child, Column: r.Column, Parent: r.Parent, Orphans: orphans, Sample: sample,
			}},
		}
		switch r.OrphanPolicy {
		case ir.OrphanDelete:
			issue.Remediation = StrategyDeleteOrphans
		case ir.OrphanNullify:
			issue.Remediation = StrategyNullifyOrphans
		}
		return ir.NewCheckResult(name, ir.CategoryReferential, []ir.ValidationIssue{issue}), nil
	}
}

// crossTenant counts child rows whose tenant differs from their parent's.
// Any violation is critical.
func (v *Validator) crossTenant(r ir.Relation) func(context.Context, string) (ir.CheckResult, error) {
	return func(ctx context.Context, name string) (ir.CheckResult, error) {
		q, err := v.sql.CountCrossTenant(r)
		if err != nil {
			return ir.CheckResult{}, err
		}
		n, err := v.count(ctx, v.exec, q)
		if err != nil {
			return ir.CheckResult{}, err
		}
		if n == 0 {
			return ir.NewCheckResult(name, ir.CategoryTenantConsistency, nil), nil
		}
		sq, args, err := v.sql.SampleCrossTenant(r, v.primaryKey(r.Child), v.limits.SampleLimit)
		if err != nil {
			return ir.CheckResult{}, err
		}
		sample, err := v.list(ctx, v.exec, sq, args...)
		if err != nil {
			return ir.CheckResult{}, err
		}
		issue := ir.ValidationIssue{
			Category:    ir.CategoryTenantConsistency,
			Severity:    ir.SeverityCritical,
			Check:       name,
			Description: fmt.Sprintf("%d %s rows reference a %s row of another tenant", n, r.Child, r.Parent),
			Evidence: ir.Evidence{CrossTenant: &ir.CrossTenantEvidence{
				Relation: relName(r), Child: r.Child, Parent: r.Parent, Violations: n, Sample: sample,
			}},
			Remediation: StrategyAlignTenant,
		}
		return ir.NewCheckResult(name, ir.CategoryTenantConsistency, []ir.ValidationIssue{issue}), nil
	}
}

// businessRule counts rows violating a declared bound. Violations are a
// warning unless they exceed the critical fraction of the table.
func (v *Validator) businessRule(rule ir.BusinessRule) func(context.Context, string) (ir.CheckResult, error) {
	return func(ctx context.Context, name string) (ir.CheckResult, error) {
		q, err := v.sql.CountWhere(rule.Table, rule.Condition)
		if err != nil {
			return ir.CheckResult{}, err
		}
		n, err := v.count(ctx, v.exec, q)
		if err != nil {
			return ir.CheckResult{}, err
		}
		if n == 0 {
			return ir.NewCheckResult(name, ir.CategoryBusinessLogic, nil), nil
		}
		tq, err := v.sql.CountRows(rule.Table)
		if err != nil {
			return ir.CheckResult{}, err
		}
		total, err := v.count(ctx, v.exec, tq)
		if err != nil {
			return ir.CheckResult{}, err
		}

		desc := rule.Description
		if desc == "" {
			desc = rule.Condition
		}
		frac := fraction(n, total)
		issue := ir.ValidationIssue{
			Category:    ir.CategoryBusinessLogic,
			Severity:    ir.SeverityWarning,
			Check:       name,
			Description: fmt.Sprintf("%s: %d of %d rows violate %s", rule.Table, n, total, desc),
			Evidence: ir.Evidence{BusinessRule: &ir.BusinessRuleEvidence{
				Rule: rule.Name, Table: rule.Table, Condition: rule.Condition, Violations: n, Total: total, Fraction: frac,
			}},
		}
		if frac > v.limits.BusinessCriticalFraction {
			issue.Severity = ir.SeverityCritical
		}
		if strings.TrimSpace(rule.Fix) != "" {
			issue.Remediation = StrategyRuleFix
		}
		return ir.NewCheckResult(name, ir.CategoryBusinessLogic, []ir.ValidationIssue{issue}), nil
	}
}

// concentration flags a table where one tenant owns most rows while
// several tenants are active.
func (v *Validator) concentration(t ir.TableSpec) func(context.Context, string) (ir.CheckResult, error) {
	return func(ctx context.Context, name string) (ir.CheckResult, error) {
		present, err := v.hasTenantColumn(ctx, v.exec, t.Name)
		if err != nil {
			return ir.CheckResult{}, err
		}
		if !present {
			cr := ir.NewCheckResult(name, ir.CategoryDistribution, nil)
			cr.Note = "no tenant column"
			return cr, nil
		}
		q, err := v.sql.TenantDistribution(t.Name)
		if err != nil {
			return ir.CheckResult{}, err
		}
		rows, err := v.exec.QueryContext(ctx, q)
		if err != nil {
			return ir.CheckResult{}, err
		}
		type share struct {
			tenant string
			n      int64
		}
		var dist []share
		var total int64
		for rows.Next() {
			var s share
			if err := rows.Scan(&s.tenant, &s.n); err != nil {
				rows.Close()
				return ir.CheckResult{}, err
			}
			dist = append(dist, s)
			total += s.n
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return ir.CheckResult{}, err
		}

		if total < v.limits.ConcentrationMinRows {
			cr := ir.NewCheckResult(name, ir.CategoryDistribution, nil)
			cr.Note = fmt.Sprintf("%d rows, below the %d row minimum", total, v.limits.ConcentrationMinRows)
			return cr, nil
		}
		active, err := v.activeTenantCount(ctx, len(dist))
		if err != nil {
			return ir.CheckResult{}, err
		}
		if active < 2 {
			cr := ir.NewCheckResult(name, ir.CategoryDistribution, nil)
			cr.Note = "fewer than two active tenants"
			return cr, nil
		}

		top := dist[0]
		sh := fraction(top.n, total)
		if sh < v.limits.ConcentrationShare {
			return ir.NewCheckResult(name, ir.CategoryDistribution, nil), nil
		}
		issue := ir.ValidationIssue{
			Category:    ir.CategoryDistribution,
			Severity:    ir.SeverityWarning,
			Check:       name,
			Description: fmt.Sprintf("%s: tenant %s owns %d of %d rows", t.Name, top.tenant, top.n, total),
			Evidence: ir.Evidence{Concentration: &ir.ConcentrationEvidence{
				Table: t.Name, TenantID: top.tenant, Rows: top.n, Total: total, Share: sh, Threshold: v.limits.ConcentrationShare,
			}},
		}
		return ir.NewCheckResult(name, ir.CategoryDistribution, []ir.ValidationIssue{issue}), nil
	}
}

// activeTenantCount counts tenants in the tenant source, or falls back to
// the tenants seen in the data when no source is declared.
func (v *Validator) activeTenantCount(ctx context.Context, seen int) (int, error) {
	if v.model.Tenants.Table == "" {
		return seen, nil
	}
	q, args, err := v.sql.ActiveTenants(v.model.Tenants)
	if err != nil {
		return 0, err
	}
	ids, err := v.list(ctx, v.exec, q, args...)
	return len(ids), err
}

// missingDependents lists tenants owning parent rows but no child rows.
func (v *Validator) missingDependents(r ir.Relation) func(context.Context, string) (ir.CheckResult, error) {
	return func(ctx context.Context, name string) (ir.CheckResult, error) {
		q, err := v.sql.TenantsWithoutChildren(r)
		if err != nil {
			return ir.CheckResult{}, err
		}
		tenants, err := v.list(ctx, v.exec, q)
		if err != nil {
			return ir.CheckResult{}, err
		}
		if len(tenants) == 0 {
			return ir.NewCheckResult(name, ir.CategoryDistribution, nil), nil
		}
		issue := ir.ValidationIssue{
			Category:    ir.CategoryDistribution,
			Severity:    ir.SeverityWarning,
			Check:       name,
			Description: fmt.Sprintf("%d tenants own %s rows but no %s rows: %s", len(tenants), r.Parent, r.Child, strings.Join(tenants, ", ")),
			Evidence: ir.Evidence{MissingDependents: &ir.MissingDependentsEvidence{
				Relation: relName(r), Parent: r.Parent, Child: r.Child, Tenants: tenants,
			}},
		}
		return ir.NewCheckResult(name, ir.CategoryDistribution, []ir.ValidationIssue{issue}), nil
	}
}

// index checks a required index exists.
func (v *Validator) index(idx ir.RequiredIndex) func(context.Context, string) (ir.CheckResult, error) {
	return func(ctx context.Context, name string) (ir.CheckResult, error) {
		var q string
		var args []any
		if idx.Name != "" {
			q, args = v.sql.IndexExists(idx.Table, idx.Name)
		} else {
			q, args = v.sql.LeadingIndexExists(idx.Table, idx.Column)
		}
		n, err := v.count(ctx, v.exec, q, args...)
		if err != nil {
			return ir.CheckResult{}, err
		}
		if n > 0 {
			return ir.NewCheckResult(name, ir.CategoryPerformance, nil), nil
		}
		obj := ir.StructuralObject{Kind: ir.ObjectIndex, Table: idx.Table, Name: idx.Name}
		if obj.Name == "" {
			obj.Name = idx.Column
		}
		issue := ir.ValidationIssue{
			Category:    ir.CategoryPerformance,
			Severity:    ir.SeverityWarning,
			Check:       name,
			Description: fmt.Sprintf("%s has no index on %s", idx.Table, idx.Column),
			Evidence: ir.Evidence{Structure: &ir.StructureEvidence{
				Object: obj, Expected: ir.Present, Actual: ir.Absent,
			}},
			Remediation: StrategyCreateIndex,
		}
		return ir.NewCheckResult(name, ir.CategoryPerformance, []ir.ValidationIssue{issue}), nil
	}
}

// policy checks that row level security is enabled on table and at least
// one isolation policy exists.
func (v *Validator) policy(table string) func(context.Context, string) (ir.CheckResult, error) {
	return func(ctx context.Context, name string) (ir.CheckResult, error) {
		q, args, err := v.sql.PolicyExists(table, "")
		if errors.Is(err, querysql.ErrUnsupported) {
			cr := ir.NewCheckResult(name, ir.CategoryPerformance, nil)
			cr.Note = "isolation policies are not supported by " + string(v.exec.Dialect())
			return cr, nil
		}
		if err != nil {
			return ir.CheckResult{}, err
		}
		policies, err := v.count(ctx, v.exec, q, args...)
		if err != nil {
			return ir.CheckResult{}, err
		}
		rq, rargs, err := v.sql.RowSecurityEnabled(table)
		if err != nil {
			return ir.CheckResult{}, err
		}
		enabled, err := v.count(ctx, v.exec, rq, rargs...)
		if err != nil {
			return ir.CheckResult{}, err
		}
		if policies > 0 && enabled > 0 {
			return ir.NewCheckResult(name, ir.CategoryPerformance, nil), nil
		}
		actual := ir.Absent
		if policies > 0 {
			actual = "row level security disabled"
		}
		issue := ir.ValidationIssue{
			Category:    ir.CategoryPerformance,
			Severity:    ir.SeverityWarning,
			Check:       name,
			Description: fmt.Sprintf("%s is not protected by an isolation policy", table),
			Evidence: ir.Evidence{Structure: &ir.StructureEvidence{
				Object: ir.StructuralObject{Kind: ir.ObjectPolicy, Table: table}, Expected: ir.Present, Actual: actual,
			}},
		}
		return ir.NewCheckResult(name, ir.CategoryPerformance, []ir.ValidationIssue{issue}), nil
	}
}
