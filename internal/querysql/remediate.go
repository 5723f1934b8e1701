package querysql

import (
	"fmt"
	"strings"

	"github.com/roach88/tenantmig/internal/ir"
)

// FillTenantFromParent sets a missing child tenant identifier to the
// tenant of the parent row it references.
func (b Builder) FillTenantFromParent(r ir.Relation) (string, error) {
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
		"UPDATE %s SET %s = (SELECT p.%s FROM %s p WHERE p.%s = %s.%s) WHERE %s AND EXISTS "+
			"(SELECT 1 FROM %s p WHERE p.%s = %s.%s AND %s)",
		child, tc, tc, parent, key, child, col, missingTenant(child+"."+tc),
		parent, key, child, col, hasTenant("p."+tc)), nil
}

// AlignTenantWithParent rewrites cross-tenant child rows to the tenant of
// the parent they reference.
func (b Builder) AlignTenantWithParent(r ir.Relation) (string, error) {
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
		"UPDATE %s SET %s = (SELECT p.%s FROM %s p WHERE p.%s = %s.%s) WHERE EXISTS "+
			"(SELECT 1 FROM %s p WHERE p.%s = %s.%s AND p.%s IS NOT NULL AND %s.%s IS NOT NULL AND %s.%s <> p.%s)",
		child, tc, tc, parent, key, child, col,
		parent, key, child, col, tc, child, tc, child, tc, tc), nil
}

// DeleteOrphans deletes child rows whose reference resolves to no parent.
func (b Builder) DeleteOrphans(r ir.Relation) (string, error) {
	child, col, parent, key, err := relationIdents(r)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		"DELETE FROM %s WHERE %s.%s IS NOT NULL AND NOT EXISTS (SELECT 1 FROM %s p WHERE p.%s = %s.%s)",
		child, child, col, parent, key, child, col), nil
}

// NullifyOrphans clears dangling references instead of deleting rows.
func (b Builder) NullifyOrphans(r ir.Relation) (string, error) {
	child, col, parent, key, err := relationIdents(r)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		"UPDATE %s SET %s = NULL WHERE %s.%s IS NOT NULL AND NOT EXISTS (SELECT 1 FROM %s p WHERE p.%s = %s.%s)",
		child, col, child, col, parent, key, child, col), nil
}

// ApplyRuleFix applies a rule's declared SET clause to its violating rows.
func (b Builder) ApplyRuleFix(rule ir.BusinessRule) (string, error) {
	if strings.TrimSpace(rule.Fix) == "" {
		return "", fmt.Errorf("rule %s declares no fix", rule.Name)
	}
	q, err := quoteAll(rule.Table)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE (%s)", q[0], rule.Fix, rule.Condition), nil
}

// TenantIndexName is the name given to generated tenant indexes.
func TenantIndexName(table, column string) string {
	return "idx_" + table + "_" + column
}

// CreateIndex creates an index on table(column) if it does not exist and
// returns the statement that drops it again.
func (b Builder) CreateIndex(table, column, name string) (create, drop string, err error) {
	if name == "" {
		name = TenantIndexName(table, column)
	}
	q, err := quoteAll(table, column, name)
	if err != nil {
		return "", "", err
	}
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", q[2], q[0], q[1]),
		fmt.Sprintf("DROP INDEX IF EXISTS %s", q[2]), nil
}
