package catalog

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tenantmig/internal/ir"
)

func TestLoadDir_Valid(t *testing.T) {
	src, err := LoadDir(filepath.Join("testdata", "valid"))
	require.NoError(t, err)
	assert.Len(t, src.Files, 2)

	require.Len(t, src.Migrations, 2)
	first, second := src.Migrations[0], src.Migrations[1]
	assert.Equal(t, "001_add_tenant_column", first.ID)
	assert.False(t, first.TenantScoped)
	assert.Equal(t, "Products become tenant-owned.", first.Description)
	assert.Equal(t, []string{"ALTER TABLE products DROP COLUMN tenant_id"}, first.ReverseDestructive)
	assert.Equal(t, []ir.StructuralObject{{Kind: ir.ObjectColumn, Table: "products", Name: "tenant_id"}}, first.Expect)

	assert.Equal(t, "002_backfill_tenant", second.ID)
	assert.True(t, second.TenantScoped)
	assert.Equal(t, []string{"001_add_tenant_column"}, second.Requires)

	ordered, err := Order(src.Migrations)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_add_tenant_column", "002_backfill_tenant"}, ids(ordered))

	require.NotNil(t, src.Tenancy)
	m := src.Tenancy
	assert.Equal(t, "tenant_id", m.TenantColumn)
	assert.Equal(t, ir.TenantSource{Table: "tenants", IDColumn: "id", ActiveColumn: "active"}, m.Tenants)
	assert.Equal(t, []ir.TableSpec{{Name: "schools", PrimaryKey: "id"}, {Name: "products", PrimaryKey: "id"}}, m.Tables)
	require.Len(t, m.Relations, 1)
	assert.Equal(t, "id", m.Relations[0].ParentKey)
	assert.Equal(t, ir.OrphanDelete, m.Relations[0].OrphanPolicy)
	assert.True(t, m.Relations[0].TenantSource)
	require.Len(t, m.Rules, 1)
	assert.Empty(t, m.Rules[0].Fix)
	assert.Equal(t, []ir.RequiredIndex{{Table: "products", Column: "tenant_id"}}, m.Indexes)
}

func TestLoadDir_Checksums(t *testing.T) {
	a, err := LoadDir(filepath.Join("testdata", "valid"))
	require.NoError(t, err)
	b, err := LoadDir(filepath.Join("testdata", "valid"))
	require.NoError(t, err)

	for i := range a.Migrations {
		assert.Equal(t, ir.MustDefinitionChecksum(a.Migrations[i]), ir.MustDefinitionChecksum(b.Migrations[i]))
	}
}

func TestLoadDir_CycleLoadsButDoesNotOrder(t *testing.T) {
	src, err := LoadDir(filepath.Join("testdata", "cycle"))
	require.NoError(t, err)
	assert.Nil(t, src.Tenancy)

	_, err = Order(src.Migrations)
	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Equal(t, []string{"a", "b", "a"}, cycleErr.Path)
}

func TestLoadDir_Errors(t *testing.T) {
	tests := []struct {
		name string
		dir  string
		code string
	}{
		{"missing directory", filepath.Join("testdata", "nope"), ErrCodeNotFound},
		{"not a directory", filepath.Join("testdata", "empty", "README"), ErrCodeNotFound},
		{"no cue files", filepath.Join("testdata", "empty"), ErrCodeNoFiles},
		{"schema violation", filepath.Join("testdata", "invalid"), ErrCodeBuildFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadDir(tt.dir)
			var loadErr *LoadError
			require.True(t, errors.As(err, &loadErr), "got %T: %v", err, err)
			assert.Equal(t, tt.code, loadErr.Code)
		})
	}
}
