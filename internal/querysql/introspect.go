package querysql

import (
	"errors"

	"github.com/roach88/tenantmig/internal/executor"
)

// ErrUnsupported is returned for introspection the dialect cannot answer,
// such as isolation policies on SQLite.
var ErrUnsupported = errors.New("not supported by this dialect")

// TableExists counts tables named table (0 or 1).
func (b Builder) TableExists(table string) (string, []any) {
	if b.Dialect == executor.Postgres {
		return "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = ?", []any{table}
	}
	return "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", []any{table}
}

// TableColumns lists the columns of table in declaration order.
func (b Builder) TableColumns(table string) (string, []any) {
	if b.Dialect == executor.Postgres {
		return "SELECT column_name FROM information_schema.columns WHERE table_schema = current_schema() AND table_name = ? ORDER BY ordinal_position", []any{table}
	}
	return "SELECT name FROM pragma_table_info(?) ORDER BY cid", []any{table}
}

// ColumnExists counts columns named column on table (0 or 1).
func (b Builder) ColumnExists(table, column string) (string, []any) {
	if b.Dialect == executor.Postgres {
		return "SELECT COUNT(*) FROM information_schema.columns WHERE table_schema = current_schema() AND table_name = ? AND column_name = ?", []any{table, column}
	}
	return "SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?", []any{table, column}
}

// IndexExists counts indexes named name on table (0 or 1).
func (b Builder) IndexExists(table, name string) (string, []any) {
	if b.Dialect == executor.Postgres {
		return "SELECT COUNT(*) FROM pg_indexes WHERE schemaname = current_schema() AND tablename = ? AND indexname = ?", []any{table, name}
	}
	return "SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND tbl_name = ? AND name = ?", []any{table, name}
}

// LeadingIndexExists counts indexes on table whose first column is column.
func (b Builder) LeadingIndexExists(table, column string) (string, []any) {
	if b.Dialect == executor.Postgres {
		return `SELECT COUNT(*) FROM pg_index i
JOIN pg_class t ON t.oid = i.indrelid
JOIN pg_namespace n ON n.oid = t.relnamespace
JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = i.indkey[0]
WHERE n.nspname = current_schema() AND t.relname = ? AND a.attname = ?`, []any{table, column}
	}
	return `SELECT COUNT(*) FROM pragma_index_list(?) AS il
JOIN pragma_index_info(il.name) AS ii
WHERE ii.seqno = 0 AND ii.name = ?`, []any{table, column}
}

// PolicyExists counts isolation policies on table. An empty name matches
// any policy.
func (b Builder) PolicyExists(table, name string) (string, []any, error) {
	if b.Dialect != executor.Postgres {
		return "", nil, ErrUnsupported
	}
	if name == "" {
		return "SELECT COUNT(*) FROM pg_policies WHERE schemaname = current_schema() AND tablename = ?", []any{table}, nil
	}
	return "SELECT COUNT(*) FROM pg_policies WHERE schemaname = current_schema() AND tablename = ? AND policyname = ?", []any{table, name}, nil
}

// RowSecurityEnabled counts tables with row level security enabled (0 or 1).
func (b Builder) RowSecurityEnabled(table string) (string, []any, error) {
	if b.Dialect != executor.Postgres {
		return "", nil, ErrUnsupported
	}
	return `SELECT COUNT(*) FROM pg_class c
JOIN pg_namespace n ON n.oid = c.relnamespace
WHERE n.nspname = current_schema() AND c.relname = ? AND c.relrowsecurity`, []any{table}, nil
}
