package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/roach88/tenantmig/internal/executor"
)

// BusinessSchema is a small multi-tenant business schema used by tests:
// a tenant registry, schools owned by tenants and products owned by
// schools. products.school_id deliberately has no foreign key so tests can
// create orphans.
const BusinessSchema = `
CREATE TABLE tenants (
    id     TEXT PRIMARY KEY,
    name   TEXT NOT NULL,
    active INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE schools (
    id        INTEGER PRIMARY KEY,
    name      TEXT NOT NULL,
    tenant_id TEXT
);
CREATE TABLE products (
    id        INTEGER PRIMARY KEY,
    school_id INTEGER,
    quantity  INTEGER NOT NULL DEFAULT 0,
    tenant_id TEXT
);
`

// OpenSQLite opens a fresh SQLite database in a temp dir and closes it when
// the test ends.
func OpenSQLite(t testing.TB) *executor.Executor {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tenantmig.db")
	exec, err := executor.Open(context.Background(), executor.Config{Dialect: executor.SQLite, DSN: path})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { exec.Close() })
	return exec
}

// MustExec runs each statement on q, failing the test on error.
func MustExec(t testing.TB, q executor.Querier, stmts ...string) {
	t.Helper()
	for _, stmt := range stmts {
		if _, err := q.ExecContext(context.Background(), stmt); err != nil {
			t.Fatalf("exec %q: %v", stmt, err)
		}
	}
}

// CountRows returns SELECT COUNT(*) for table, optionally filtered by a
// WHERE clause.
func CountRows(t testing.TB, q executor.Querier, table, where string, args ...any) int64 {
	t.Helper()
	query := "SELECT COUNT(*) FROM " + executor.MustQuoteIdent(table)
	if where != "" {
		query += " WHERE " + where
	}
	var n int64
	if err := q.QueryRowContext(context.Background(), query, args...).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

// SeedTenants creates the business schema with three tenants: A and B
// active, C inactive.
func SeedTenants(t testing.TB, q executor.Querier) {
	t.Helper()
	MustExec(t, q,
		BusinessSchema,
		"INSERT INTO tenants (id, name, active) VALUES ('A', 'Alpha', 1), ('B', 'Beta', 1), ('C', 'Gamma', 0)",
	)
}
