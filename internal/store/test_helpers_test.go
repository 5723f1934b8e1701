package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/roach88/tenantmig/internal/executor"
	"github.com/roach88/tenantmig/internal/ir"
	"github.com/roach88/tenantmig/internal/testutil"
)

// createTestStore opens a fresh SQLite database with the state schema.
func createTestStore(t *testing.T) (*Store, *executor.Executor) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	exec, err := executor.Open(context.Background(), executor.Config{Dialect: executor.SQLite, DSN: path})
	if err != nil {
		t.Fatalf("executor.Open() failed: %v", err)
	}
	t.Cleanup(func() { exec.Close() })

	s, err := Open(context.Background(), exec)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	return s, exec
}

func testDefinition(id string, requires ...string) ir.MigrationDefinition {
	def := ir.MigrationDefinition{
		ID:           id,
		Name:         "migration " + id,
		TenantScoped: true,
		Requires:     requires,
		Tables:       []string{"products"},
		Forward:      []string{"ALTER TABLE products ADD COLUMN note TEXT"},
		Reverse:      []string{},
		Expect:       []ir.StructuralObject{{Kind: ir.ObjectColumn, Table: "products", Name: "note"}},
		CreatedAt:    testutil.Epoch,
	}
	def.Checksum = ir.MustDefinitionChecksum(def)
	return def
}
