package querysql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tenantmig/internal/executor"
	"github.com/roach88/tenantmig/internal/ir"
)

func TestSelectOwnedRows(t *testing.T) {
	b := New(executor.SQLite, "tenant_id")

	q, args, err := b.SelectOwnedRows("products", ir.TenantScope("A"), true)
	require.NoError(t, err)
	assert.Equal(t, `SELECT * FROM "products" WHERE "tenant_id" = ?`, q)
	assert.Equal(t, []any{"A"}, args)

	q, args, err = b.SelectOwnedRows("products", ir.Global, true)
	require.NoError(t, err)
	assert.Equal(t, `SELECT * FROM "products"`, q)
	assert.Nil(t, args)

	q, _, err = b.SelectOwnedRows("settings", ir.TenantScope("A"), false)
	require.NoError(t, err)
	assert.Equal(t, `SELECT * FROM "settings"`, q, "tables without a tenant column are captured whole")
}

func TestDeleteOwnedRows(t *testing.T) {
	b := New(executor.SQLite, "tenant_id")
	q, args, err := b.DeleteOwnedRows("products", ir.TenantScope("B"), true)
	require.NoError(t, err)
	assert.Equal(t, `DELETE FROM "products" WHERE "tenant_id" = ?`, q)
	assert.Equal(t, []any{"B"}, args)
}

func TestInsertRow(t *testing.T) {
	b := New(executor.SQLite, "tenant_id")
	q, err := b.InsertRow("products", []string{"id", "tenant_id"})
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "products" ("id", "tenant_id") VALUES (?, ?)`, q)

	_, err = b.InsertRow("products", nil)
	require.Error(t, err)
}

func TestCreateIndex(t *testing.T) {
	b := New(executor.SQLite, "tenant_id")
	create, drop, err := b.CreateIndex("products", "tenant_id", "")
	require.NoError(t, err)
	assert.Equal(t, `CREATE INDEX IF NOT EXISTS "idx_products_tenant_id" ON "products" ("tenant_id")`, create)
	assert.Equal(t, `DROP INDEX IF EXISTS "idx_products_tenant_id"`, drop)
}

func TestPolicyIntrospectionUnsupportedOnSQLite(t *testing.T) {
	b := New(executor.SQLite, "tenant_id")
	_, _, err := b.PolicyExists("products", "")
	assert.ErrorIs(t, err, ErrUnsupported)

	pg := New(executor.Postgres, "tenant_id")
	q, args, err := pg.PolicyExists("products", "tenant_isolation")
	require.NoError(t, err)
	assert.Contains(t, q, "pg_policies")
	assert.Equal(t, []any{"products", "tenant_isolation"}, args)
}
