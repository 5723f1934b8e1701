package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDialect(t *testing.T) {
	for in, want := range map[string]Dialect{
		"postgres":   Postgres,
		"PostgreSQL": Postgres,
		"pgx":        Postgres,
		"sqlite":     SQLite,
		"sqlite3":    SQLite,
	} {
		got, err := ParseDialect(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseDialect("mysql")
	require.Error(t, err)
}

func TestRebind(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		pg    string
		sqlit string
	}{
		{"none", "SELECT 1", "SELECT 1", "SELECT 1"},
		{"two", "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = $1 AND b = $2", "SELECT * FROM t WHERE a = ? AND b = ?"},
		{"quoted", "SELECT '?' FROM t WHERE a = ?", "SELECT '?' FROM t WHERE a = $1", "SELECT '?' FROM t WHERE a = ?"},
		{"escaped quote", "SELECT 'it''s?' WHERE a = ?", "SELECT 'it''s?' WHERE a = $1", "SELECT 'it''s?' WHERE a = ?"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.pg, Postgres.Rebind(tt.in))
			assert.Equal(t, tt.sqlit, SQLite.Rebind(tt.in))
		})
	}
}

func TestQuoteIdent(t *testing.T) {
	q, err := QuoteIdent("school_products")
	require.NoError(t, err)
	assert.Equal(t, `"school_products"`, q)

	for _, bad := range []string{"", "1abc", "a b", `a"b`, "a;DROP TABLE x", "schema.table"} {
		_, err := QuoteIdent(bad)
		assert.Error(t, err, bad)
	}
}

func TestBindTenant(t *testing.T) {
	tests := []struct {
		name     string
		stmt     string
		dialect  Dialect
		wantSQL  string
		wantArgs int
	}{
		{"no token", "UPDATE t SET a = 1", Postgres, "UPDATE t SET a = 1", 0},
		{"pg", "UPDATE t SET tenant_id = :tenant_id WHERE owner = :tenant_id", Postgres,
			"UPDATE t SET tenant_id = $1 WHERE owner = $2", 2},
		{"sqlite", "UPDATE t SET tenant_id = :tenant_id", SQLite, "UPDATE t SET tenant_id = ?", 1},
		{"cast is not a token", "SELECT x::tenant_id_type", Postgres, "SELECT x::tenant_id_type", 0},
		{"longer identifier", "SELECT :tenant_ids", SQLite, "SELECT :tenant_ids", 0},
		{"inside string", "SELECT ':tenant_id', :tenant_id", SQLite, "SELECT ':tenant_id', ?", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, args := tt.dialect.BindTenant(tt.stmt, "acme")
			assert.Equal(t, tt.wantSQL, got)
			assert.Len(t, args, tt.wantArgs)
			for _, a := range args {
				assert.Equal(t, "acme", a)
			}
		})
	}
}

func TestUsesTenant(t *testing.T) {
	assert.True(t, UsesTenant("DELETE FROM t WHERE tenant_id = :tenant_id"))
	assert.False(t, UsesTenant("DELETE FROM t"))
}
