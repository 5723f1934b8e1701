package querysql

import (
	"fmt"
	"strings"

	"github.com/roach88/tenantmig/internal/ir"
)

// ownedFilter returns the WHERE clause restricting table to the rows scope
// owns. Global scope and tables without a tenant identifier own every row.
func (b Builder) ownedFilter(scope ir.Scope, tenantScoped bool) (string, []any, error) {
	if scope.IsGlobal() || !tenantScoped {
		return "", nil, nil
	}
	t, err := quoteAll(b.TenantColumn)
	if err != nil {
		return "", nil, err
	}
	return " WHERE " + t[0] + " = ?", []any{scope.TenantID}, nil
}

// SelectOwnedRows selects every column of the rows scope owns. Row order
// is imposed by the caller after capture.
func (b Builder) SelectOwnedRows(table string, scope ir.Scope, tenantScoped bool) (string, []any, error) {
	q, err := quoteAll(table)
	if err != nil {
		return "", nil, err
	}
	where, args, err := b.ownedFilter(scope, tenantScoped)
	if err != nil {
		return "", nil, err
	}
	return "SELECT * FROM " + q[0] + where, args, nil
}

// DeleteOwnedRows deletes the rows scope owns.
func (b Builder) DeleteOwnedRows(table string, scope ir.Scope, tenantScoped bool) (string, []any, error) {
	q, err := quoteAll(table)
	if err != nil {
		return "", nil, err
	}
	where, args, err := b.ownedFilter(scope, tenantScoped)
	if err != nil {
		return "", nil, err
	}
	return "DELETE FROM " + q[0] + where, args, nil
}

// InsertRow builds a single-row insert for the given columns.
func (b Builder) InsertRow(table string, columns []string) (string, error) {
	if len(columns) == 0 {
		return "", fmt.Errorf("insert into %s: no columns", table)
	}
	q, err := quoteAll(append([]string{table}, columns...)...)
	if err != nil {
		return "", err
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", q[0], strings.Join(q[1:], ", "), marks), nil
}
