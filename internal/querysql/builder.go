// Package querysql builds the dialect-aware SQL tenantmig runs against
// business tables: validator checks, remediation statements, snapshot
// capture/restore and schema introspection.
//
// All values are parameterized (never interpolated). Identifiers come from
// the tenancy model and are validated and quoted. Every query that returns
// a list has an ORDER BY so results are deterministic.
package querysql

import (
	"fmt"
	"strings"

	"github.com/roach88/tenantmig/internal/executor"
	"github.com/roach88/tenantmig/internal/ir"
)

// Builder produces SQL for one dialect and tenant column.
type Builder struct {
	Dialect      executor.Dialect
	TenantColumn string
}

// New creates a Builder.
func New(dialect executor.Dialect, tenantColumn string) Builder {
	return Builder{Dialect: dialect, TenantColumn: tenantColumn}
}

// quoteAll validates and quotes identifiers, failing on the first bad one.
func quoteAll(names ...string) ([]string, error) {
	out := make([]string, len(names))
	for i, n := range names {
		q, err := executor.QuoteIdent(n)
		if err != nil {
			return nil, err
		}
		out[i] = q
	}
	return out, nil
}

// hasTenant is the predicate "column carries a tenant identifier". The
// cast keeps the empty-string comparison valid for non-text columns.
func hasTenant(col string) string {
	return fmt.Sprintf("%s IS NOT NULL AND CAST(%s AS TEXT) <> ''", col, col)
}

// missingTenant is the negation of hasTenant.
func missingTenant(col string) string {
	return fmt.Sprintf("(%s IS NULL OR CAST(%s AS TEXT) = '')", col, col)
}

// CountRows counts all rows of a table.
func (b Builder) CountRows(table string) (string, error) {
	q, err := quoteAll(table)
	if err != nil {
		return "", err
	}
	return "SELECT COUNT(*) FROM " + q[0], nil
}

// CountWithTenant counts rows carrying a tenant identifier.
func (b Builder) CountWithTenant(table string) (string, error) {
	q, err := quoteAll(table, b.TenantColumn)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", q[0], hasTenant(q[1])), nil
}

// CountMissingTenant counts rows without a tenant identifier.
func (b Builder) CountMissingTenant(table string) (string, error) {
	q, err := quoteAll(table, b.TenantColumn)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", q[0], missingTenant(q[1])), nil
}

// CountWhere counts rows matching an operator-declared predicate.
func (b Builder) CountWhere(table, condition string) (string, error) {
	q, err := quoteAll(table)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(condition) == "" {
		return "", fmt.Errorf("empty condition for %s", table)
	}
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE (%s)", q[0], condition), nil
}

// relationIdents quotes child, column, parent and parent key.
func relationIdents(r ir.Relation) (child, col, parent, key string, err error) {
	q, err := quoteAll(r.Child, r.Column, r.Parent, r.ParentKey)
	if err != nil {
		return "", "", "", "", fmt.Errorf("relation %s: %w", r.Name, err)
	}
	return q[0], q[1], q[2], q[3], nil
}

// CountOrphans counts child rows whose non-null reference resolves to no
// parent row.
func (b Builder) CountOrphans(r ir.Relation) (string, error) {
	child, col, parent, key, err := relationIdents(r)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		"SELECT COUNT(*) FROM %s c WHERE c.%s IS NOT NULL AND NOT EXISTS (SELECT 1 FROM %s p WHERE p.%s = c.%s)",
		child, col, parent, key, col), nil
}

// SampleOrphans lists up to limit orphaned child keys.
func (b Builder) SampleOrphans(r ir.Relation, childKey string, limit int) (string, []any, error) {
	child, col, parent, key, err := relationIdents(r)
	if err != nil {
		return "", nil, err
	}
	pk, err := quoteAll(childKey)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf(
		"SELECT CAST(c.%s AS TEXT) FROM %s c WHERE c.%s IS NOT NULL AND NOT EXISTS (SELECT 1 FROM %s p WHERE p.%s = c.%s) ORDER BY 1 LIMIT ?",
		pk[0], child, col, parent, key, col), []any{limit}, nil
}

// crossTenantFrom is the join shared by the cross-tenant count and sample.
func (b Builder) crossTenantFrom(r ir.Relation) (string, error) {
	child, col, parent, key, err := relationIdents(r)
	if err != nil {
		return "", err
	}
	t, err := quoteAll(b.TenantColumn)
	if err != nil {
		return "", err
	}
	tc := t[0]
	return fmt.Sprintf(
		"FROM %s c JOIN %s p ON p.%s = c.%s WHERE c.%s IS NOT NULL AND p.%s IS NOT NULL AND c.%s <> p.%s",
		child, parent, key, col, tc, tc, tc, tc), nil
}

// CountCrossTenant counts child rows whose tenant disagrees with the tenant
// of the parent they reference.
func (b Builder) CountCrossTenant(r ir.Relation) (string, error) {
	from, err := b.crossTenantFrom(r)
	if err != nil {
		return "", err
	}
	return "SELECT COUNT(*) " + from, nil
}

// SampleCrossTenant lists up to limit violating child keys.
func (b Builder) SampleCrossTenant(r ir.Relation, childKey string, limit int) (string, []any, error) {
	from, err := b.crossTenantFrom(r)
	if err != nil {
		return "", nil, err
	}
	pk, err := quoteAll(childKey)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("SELECT CAST(c.%s AS TEXT) %s ORDER BY 1 LIMIT ?", pk[0], from), []any{limit}, nil
}

// TenantDistribution returns (tenant, rows) pairs, largest first.
func (b Builder) TenantDistribution(table string) (string, error) {
	q, err := quoteAll(table, b.TenantColumn)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		"SELECT CAST(%s AS TEXT) AS tenant, COUNT(*) AS n FROM %s WHERE %s GROUP BY %s ORDER BY n DESC, tenant",
		q[1], q[0], hasTenant(q[1]), q[1]), nil
}

// TenantsWithoutChildren lists tenants owning parent rows of r that no
// child row references.
func (b Builder) TenantsWithoutChildren(r ir.Relation) (string, error) {
	child, col, parent, key, err := relationIdents(r)
	if err != nil {
		return "", err
	}
	t, err := quoteAll(b.TenantColumn)
	if err != nil {
		return "", err
	}
	tc := t[0]
	return fmt.Sprintf(
		"SELECT DISTINCT CAST(p.%s AS TEXT) FROM %s p WHERE %s AND NOT EXISTS "+
			"(SELECT 1 FROM %s c JOIN %s p2 ON p2.%s = c.%s WHERE p2.%s = p.%s) ORDER BY 1",
		tc, parent, hasTenant("p."+tc), child, parent, key, col, tc, tc), nil
}

// ActiveTenants lists tenant ids from the tenant source.
func (b Builder) ActiveTenants(src ir.TenantSource) (string, []any, error) {
	q, err := quoteAll(src.Table, src.IDColumn)
	if err != nil {
		return "", nil, err
	}
	if src.ActiveColumn == "" {
		return fmt.Sprintf("SELECT CAST(%s AS TEXT) FROM %s ORDER BY 1", q[1], q[0]), nil, nil
	}
	a, err := quoteAll(src.ActiveColumn)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("SELECT CAST(%s AS TEXT) FROM %s WHERE %s = ? ORDER BY 1", q[1], q[0], a[0]), []any{true}, nil
}
