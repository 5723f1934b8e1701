package querysql

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tenantmig/internal/executor"
	"github.com/roach88/tenantmig/internal/ir"
)

var schoolProducts = ir.Relation{
	Name:      "products_school",
	Child:     "products",
	Column:    "school_id",
	Parent:    "schools",
	ParentKey: "id",
}

func openFixture(t *testing.T) *executor.Executor {
	t.Helper()
	ctx := context.Background()
	e, err := executor.Open(ctx, executor.Config{
		Dialect: executor.SQLite,
		DSN:     filepath.Join(t.TempDir(), "fixture.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	stmts := []string{
		"CREATE TABLE schools (id INTEGER PRIMARY KEY, name TEXT, tenant_id TEXT)",
		"CREATE TABLE products (id INTEGER PRIMARY KEY, school_id INTEGER, quantity INTEGER, tenant_id TEXT)",
		"INSERT INTO schools VALUES (1, 'north', 'A'), (2, 'south', 'B'), (3, 'east', 'B')",
		"INSERT INTO products VALUES (10, 1, 5, 'A'), (11, 1, -2, 'B'), (12, 2, 1, NULL), (13, 99, 1, 'A'), (14, NULL, 0, '')",
	}
	for _, s := range stmts {
		_, err := e.ExecContext(ctx, s)
		require.NoError(t, err, s)
	}
	return e
}

func count(t *testing.T, e *executor.Executor, query string, args ...any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.QueryRowContext(context.Background(), query, args...).Scan(&n), query)
	return n
}

func TestCountWithTenant(t *testing.T) {
	e := openFixture(t)
	b := New(executor.SQLite, "tenant_id")

	total, err := b.CountRows("products")
	require.NoError(t, err)
	with, err := b.CountWithTenant("products")
	require.NoError(t, err)

	assert.Equal(t, int64(5), count(t, e, total))
	assert.Equal(t, int64(3), count(t, e, with), "NULL and empty string do not count")

	missing, err := b.CountMissingTenant("products")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count(t, e, missing))
}

func TestCountOrphans(t *testing.T) {
	e := openFixture(t)
	b := New(executor.SQLite, "tenant_id")

	q, err := b.CountOrphans(schoolProducts)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count(t, e, q), "NULL references are not orphans")

	sample, args, err := b.SampleOrphans(schoolProducts, "id", 5)
	require.NoError(t, err)
	var id string
	require.NoError(t, e.QueryRowContext(context.Background(), sample, args...).Scan(&id))
	assert.Equal(t, "13", id)
}

func TestCrossTenantAlignConverges(t *testing.T) {
	ctx := context.Background()
	e := openFixture(t)
	b := New(executor.SQLite, "tenant_id")

	q, err := b.CountCrossTenant(schoolProducts)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count(t, e, q))

	fix, err := b.AlignTenantWithParent(schoolProducts)
	require.NoError(t, err)
	_, err = e.ExecContext(ctx, fix)
	require.NoError(t, err)

	assert.Equal(t, int64(0), count(t, e, q))
	assert.Equal(t, int64(1), count(t, e, "SELECT COUNT(*) FROM products WHERE id = 11 AND tenant_id = 'A'"))
}

func TestFillTenantFromParent(t *testing.T) {
	ctx := context.Background()
	e := openFixture(t)
	b := New(executor.SQLite, "tenant_id")

	fix, err := b.FillTenantFromParent(schoolProducts)
	require.NoError(t, err)
	_, err = e.ExecContext(ctx, fix)
	require.NoError(t, err)

	assert.Equal(t, int64(1), count(t, e, "SELECT COUNT(*) FROM products WHERE id = 12 AND tenant_id = 'B'"))
	// Row 14 has no parent to inherit from and stays untouched.
	assert.Equal(t, int64(1), count(t, e, "SELECT COUNT(*) FROM products WHERE id = 14 AND tenant_id = ''"))
}

func TestDeleteAndNullifyOrphans(t *testing.T) {
	ctx := context.Background()
	b := New(executor.SQLite, "tenant_id")

	e := openFixture(t)
	del, err := b.DeleteOrphans(schoolProducts)
	require.NoError(t, err)
	_, err = e.ExecContext(ctx, del)
	require.NoError(t, err)
	assert.Equal(t, int64(4), count(t, e, "SELECT COUNT(*) FROM products"))

	e2 := openFixture(t)
	nul, err := b.NullifyOrphans(schoolProducts)
	require.NoError(t, err)
	_, err = e2.ExecContext(ctx, nul)
	require.NoError(t, err)
	assert.Equal(t, int64(5), count(t, e2, "SELECT COUNT(*) FROM products"))
	assert.Equal(t, int64(1), count(t, e2, "SELECT COUNT(*) FROM products WHERE id = 13 AND school_id IS NULL"))
}

func TestTenantDistribution(t *testing.T) {
	ctx := context.Background()
	e := openFixture(t)
	b := New(executor.SQLite, "tenant_id")

	q, err := b.TenantDistribution("schools")
	require.NoError(t, err)
	rows, err := e.QueryContext(ctx, q)
	require.NoError(t, err)
	defer rows.Close()

	var got []string
	for rows.Next() {
		var tenant string
		var n int64
		require.NoError(t, rows.Scan(&tenant, &n))
		got = append(got, tenant)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"B", "A"}, got, "largest tenant first")
}

func TestTenantsWithoutChildren(t *testing.T) {
	ctx := context.Background()
	e := openFixture(t)
	b := New(executor.SQLite, "tenant_id")

	q, err := b.TenantsWithoutChildren(schoolProducts)
	require.NoError(t, err)
	rows, err := e.QueryContext(ctx, q)
	require.NoError(t, err)
	defer rows.Close()

	var got []string
	for rows.Next() {
		var tenant string
		require.NoError(t, rows.Scan(&tenant))
		got = append(got, tenant)
	}
	// Tenant B owns school 2, which product 12 references.
	assert.Empty(t, got)
}

func TestCountWhereAndRuleFix(t *testing.T) {
	ctx := context.Background()
	e := openFixture(t)
	b := New(executor.SQLite, "tenant_id")
	rule := ir.BusinessRule{Name: "non_negative", Table: "products", Condition: "quantity < 0", Fix: "quantity = 0"}

	q, err := b.CountWhere(rule.Table, rule.Condition)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count(t, e, q))

	fix, err := b.ApplyRuleFix(rule)
	require.NoError(t, err)
	_, err = e.ExecContext(ctx, fix)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count(t, e, q))

	_, err = b.ApplyRuleFix(ir.BusinessRule{Name: "report_only", Table: "products", Condition: "1 = 1"})
	require.Error(t, err)
}

func TestIdentifiersAreValidated(t *testing.T) {
	b := New(executor.SQLite, "tenant_id")

	_, err := b.CountRows("products; DROP TABLE schools")
	require.Error(t, err)

	bad := schoolProducts
	bad.Column = "school id"
	_, err = b.CountOrphans(bad)
	require.Error(t, err)
}

func TestActiveTenants(t *testing.T) {
	b := New(executor.Postgres, "tenant_id")

	q, args, err := b.ActiveTenants(ir.TenantSource{Table: "tenants", IDColumn: "id", ActiveColumn: "active"})
	require.NoError(t, err)
	assert.Equal(t, `SELECT CAST("id" AS TEXT) FROM "tenants" WHERE "active" = ? ORDER BY 1`, q)
	assert.Equal(t, []any{true}, args)

	q, args, err = b.ActiveTenants(ir.TenantSource{Table: "tenants", IDColumn: "id"})
	require.NoError(t, err)
	assert.NotContains(t, q, "WHERE")
	assert.Nil(t, args)
}
