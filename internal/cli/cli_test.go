package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tenantmig/internal/executor"
	"github.com/roach88/tenantmig/internal/testutil"
)

const catalogCUE = `package migrations

migration: "001_add_sku": {
	name: "Add sku to products"
	forward: ["ALTER TABLE products ADD COLUMN sku TEXT"]
	reverseDestructive: ["ALTER TABLE products DROP COLUMN sku"]
	tables: ["products"]
	expect: [{kind: "column", table: "products", name: "sku"}]
}

migration: "002_default_sku": {
	name:         "Default sku per tenant"
	tenantScoped: true
	requires: ["001_add_sku"]
	tables: ["products"]
	forward: ["UPDATE products SET sku = 'SKU-' || id WHERE tenant_id = :tenant_id"]
	reverse: ["UPDATE products SET sku = NULL WHERE tenant_id = :tenant_id"]
}

tenancy: {
	tenants: {
		table:        "tenants"
		activeColumn: "active"
	}
	tables: [{name: "schools"}, {name: "products"}]
	relations: [{
		name:         "product_school"
		child:        "products"
		column:       "school_id"
		parent:       "schools"
		orphanPolicy: "delete"
		tenantSource: true
	}]
}
`

type env struct {
	dir     string
	dbPath  string
	catalog string
}

// newEnv seeds a SQLite business database, writes a catalog and points the
// configuration environment at both.
func newEnv(t *testing.T, extraSeed ...string) *env {
	t.Helper()
	dir := t.TempDir()
	e := &env{
		dir:     dir,
		dbPath:  filepath.Join(dir, "business.db"),
		catalog: filepath.Join(dir, "migrations"),
	}

	exec, err := executor.Open(context.Background(), executor.Config{Dialect: executor.SQLite, DSN: e.dbPath})
	require.NoError(t, err)
	testutil.SeedTenants(t, exec)
	testutil.MustExec(t, exec,
		"INSERT INTO schools (id, name, tenant_id) VALUES (1, 'North', 'A'), (2, 'South', 'B')",
		"INSERT INTO products (id, school_id, quantity, tenant_id) VALUES (10, 1, 5, 'A'), (11, 2, 3, 'B')",
	)
	testutil.MustExec(t, exec, extraSeed...)
	require.NoError(t, exec.Close())

	require.NoError(t, os.MkdirAll(e.catalog, 0o755))
	e.writeCatalog(t, catalogCUE)

	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_PATH", e.dbPath)
	t.Setenv("TENANTMIG_CATALOG_DIR", e.catalog)
	t.Setenv("TENANTMIG_BLOB_DRIVER", "fs")
	t.Setenv("TENANTMIG_BLOB_FS_ROOT", filepath.Join(dir, "snapshots"))
	t.Setenv("TENANTMIG_SMTP_HOST", "")
	return e
}

func (e *env) writeCatalog(t *testing.T, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(e.catalog, "catalog.cue"), []byte(body), 0o644))
}

func (e *env) query(t *testing.T, q string) string {
	t.Helper()
	exec, err := executor.Open(context.Background(), executor.Config{Dialect: executor.SQLite, DSN: e.dbPath})
	require.NoError(t, err)
	defer exec.Close()
	var out string
	require.NoError(t, exec.QueryRowContext(context.Background(), q).Scan(&out))
	return out
}

// run executes the CLI with args and returns stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	if err != nil {
		t.Logf("stderr:\n%s", stderr.String())
	}
	return stdout.String(), err
}

type jsonResult struct {
	MigrationID string `json:"migration_id"`
	Outcome     string `json:"outcome"`
	SnapshotID  string `json:"snapshot_id"`
	Scope       struct {
		TenantID string `json:"tenant_id"`
	} `json:"scope"`
}

func decode[T any](t *testing.T, out string) T {
	t.Helper()
	var resp struct {
		Status string `json:"status"`
		Data   T      `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status)
	return resp.Data
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"migrate"}, {"validate"}, {"rollback"}, {"recover"}, {"verify"}, {"status"}, {"full"},
		{"backup", "snapshot"}, {"backup", "list"}, {"backup", "verify"}, {"backup", "restore"},
		{"backup", "cleanup"}, {"backup", "schedule", "add"}, {"backup", "schedule", "list"},
		{"backup", "schedule", "run"},
	}
	for _, path := range commands {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err, "command %v should exist", path)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{
		"config", "catalog", "tenant", "all-tenants", "format", "dry-run", "force",
		"fix-issues", "preserve-data", "detailed", "export-report", "metrics-file", "verbose",
	} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), "flag --%s", name)
	}
	assert.Equal(t, "v", cmd.PersistentFlags().Lookup("verbose").Shorthand)
	assert.Equal(t, "text", cmd.PersistentFlags().Lookup("format").DefValue)
}

func TestRejectsBadFlagCombinations(t *testing.T) {
	_, err := run(t, "status", "--format", "yaml")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	_, err = run(t, "status", "--tenant", "A", "--all-tenants")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestMigrate_AllTenants(t *testing.T) {
	e := newEnv(t)
	metrics := filepath.Join(e.dir, "metrics.prom")

	out, err := run(t, "migrate", "--all-tenants", "--format", "json", "--metrics-file", metrics)
	require.NoError(t, err)

	results := decode[[]jsonResult](t, out)
	require.Len(t, results, 3)
	assert.Equal(t, "001_add_sku", results[0].MigrationID)
	assert.Equal(t, "", results[0].Scope.TenantID)
	for _, r := range results {
		assert.Equal(t, "applied", r.Outcome, r.MigrationID)
	}
	assert.Equal(t, "SKU-10", e.query(t, "SELECT sku FROM products WHERE id = 10"))
	assert.Equal(t, "SKU-11", e.query(t, "SELECT sku FROM products WHERE id = 11"))

	data, err := os.ReadFile(metrics)
	require.NoError(t, err)
	assert.Contains(t, string(data), `tenantmig_migrations_total{`)

	// Second run has nothing pending.
	out, err = run(t, "migrate", "--all-tenants")
	require.NoError(t, err)
	assert.Contains(t, out, "Nothing to migrate.")
}

func TestMigrate_DryRunWritesNothing(t *testing.T) {
	e := newEnv(t)

	out, err := run(t, "migrate", "--dry-run", "--format", "json")
	require.NoError(t, err)
	results := decode[[]jsonResult](t, out)
	require.Len(t, results, 1)
	assert.Equal(t, "dry_run", results[0].Outcome)

	assert.Equal(t, "0", e.query(t, "SELECT COUNT(*) FROM pragma_table_info('products') WHERE name = 'sku'"))
}

func TestMigrate_TenantBeforeGlobalIsSkipped(t *testing.T) {
	newEnv(t)

	out, err := run(t, "migrate", "002_default_sku", "--tenant", "A", "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	results := decode[[]jsonResult](t, out)
	require.Len(t, results, 1)
	assert.Equal(t, "skipped", results[0].Outcome)
}

func TestMigrate_FailureThenRecover(t *testing.T) {
	e := newEnv(t)
	e.writeCatalog(t, `package migrations

migration: "001_bad": {
	name: "Broken"
	forward: ["ALTER TABLE missing ADD COLUMN x TEXT"]
}
`)
	_, err := run(t, "migrate")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, "failed", e.query(t, "SELECT state FROM tm_migration_status WHERE migration_id = '001_bad'"))

	out, err := run(t, "recover", "001_bad")
	require.NoError(t, err)
	assert.Contains(t, out, "001_bad in global reset to pending")
	assert.Equal(t, "pending", e.query(t, "SELECT state FROM tm_migration_status WHERE migration_id = '001_bad'"))
}

func TestStatus_ListsEveryScope(t *testing.T) {
	newEnv(t)
	_, err := run(t, "migrate")
	require.NoError(t, err)

	out, err := run(t, "status", "--format", "json")
	require.NoError(t, err)
	views := decode[[]struct {
		MigrationID string `json:"migration_id"`
		State       string `json:"state"`
		Scope       struct {
			TenantID string `json:"tenant_id"`
		} `json:"scope"`
	}](t, out)

	got := map[string]string{}
	for _, v := range views {
		got[v.MigrationID+"@"+v.Scope.TenantID] = v.State
	}
	assert.Equal(t, map[string]string{
		"001_add_sku@":       "completed",
		"002_default_sku@A": "pending",
		"002_default_sku@B": "pending",
	}, got)

	out, err = run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "MIGRATION")
	assert.Contains(t, out, "002_default_sku")
}

func TestValidate_CrossTenantFailsThenFixes(t *testing.T) {
	e := newEnv(t, "INSERT INTO products (id, school_id, quantity, tenant_id) VALUES (12, 1, 1, 'B')")

	out, err := run(t, "validate", "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	report := decode[struct {
		Summary struct {
			Status string `json:"status"`
		} `json:"summary"`
		Issues []struct {
			Category string `json:"category"`
			Severity string `json:"severity"`
		} `json:"issues"`
	}](t, out)
	assert.Equal(t, "FAIL", report.Summary.Status)
	require.NotEmpty(t, report.Issues)
	assert.Equal(t, "tenant-consistency", report.Issues[0].Category)
	assert.Equal(t, "critical", report.Issues[0].Severity)

	_, err = run(t, "validate", "--force")
	require.NoError(t, err, "--force keeps critical issues from failing the run")

	out, err = run(t, "validate", "--fix-issues")
	require.NoError(t, err)
	assert.Contains(t, out, "remediate")
	assert.Equal(t, "A", e.query(t, "SELECT tenant_id FROM products WHERE id = 12"))
}

func TestRollback_SnapshotsAndRespectsDependents(t *testing.T) {
	e := newEnv(t)
	_, err := run(t, "migrate", "--all-tenants")
	require.NoError(t, err)

	_, err = run(t, "rollback", "001_add_sku")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "002_default_sku")

	out, err := run(t, "rollback", "002_default_sku", "--all-tenants", "--format", "json")
	require.NoError(t, err)
	results := decode[[]jsonResult](t, out)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, "rolled_back", r.Outcome)
		assert.NotEmpty(t, r.SnapshotID)
	}

	out, err = run(t, "rollback", "001_add_sku", "--format", "json")
	require.NoError(t, err)
	results = decode[[]jsonResult](t, out)
	require.Len(t, results, 1)
	snapshotID := results[0].SnapshotID
	assert.Equal(t, "0", e.query(t, "SELECT COUNT(*) FROM pragma_table_info('products') WHERE name = 'sku'"))

	out, err = run(t, "backup", "verify", snapshotID, "--format", "json")
	require.NoError(t, err)
	snaps := decode[[]struct {
		Status string `json:"status"`
		Tables []struct {
			Name string `json:"name"`
			Rows int64  `json:"rows"`
		} `json:"tables"`
	}](t, out)
	require.Len(t, snaps, 1)
	assert.Equal(t, "completed", snaps[0].Status)
	assert.Equal(t, int64(2), snaps[0].Tables[0].Rows)

	_, err = run(t, "verify")
	require.NoError(t, err)
}

func TestVerify_ExportsReport(t *testing.T) {
	e := newEnv(t)
	_, err := run(t, "migrate", "--all-tenants")
	require.NoError(t, err)

	path := filepath.Join(e.dir, "reports", "verify.json")
	_, err = run(t, "verify", "--export-report", path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var report struct {
		Summary struct {
			Status      string  `json:"status"`
			TotalChecks int     `json:"totalChecks"`
			SuccessRate float64 `json:"successRate"`
		} `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(data, &report))
	assert.Equal(t, "PASS", report.Summary.Status)
	assert.Positive(t, report.Summary.TotalChecks)
}

func TestVerify_MissingObjectFails(t *testing.T) {
	e := newEnv(t)
	_, err := run(t, "migrate")
	require.NoError(t, err)

	exec, err := executor.Open(context.Background(), executor.Config{Dialect: executor.SQLite, DSN: e.dbPath})
	require.NoError(t, err)
	testutil.MustExec(t, exec, "ALTER TABLE products DROP COLUMN sku")
	require.NoError(t, exec.Close())

	out, err := run(t, "verify")
	require.Error(t, err)
	assert.Contains(t, out, "FAIL")
	assert.Contains(t, out, "products.sku")
}

func TestFull_CleanRunPasses(t *testing.T) {
	newEnv(t)

	out, err := run(t, "full", "--format", "json")
	require.NoError(t, err)
	report := decode[struct {
		Summary struct {
			Status string `json:"status"`
		} `json:"summary"`
		Stages []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"stages"`
	}](t, out)
	assert.Equal(t, "PASS", report.Summary.Status)
	require.Len(t, report.Stages, 5)
	assert.Equal(t, "recheck", report.Stages[4].Name)
}

func TestFull_AbortsOnCrossTenantReference(t *testing.T) {
	newEnv(t, "INSERT INTO products (id, school_id, quantity, tenant_id) VALUES (12, 1, 1, 'B')")

	out, err := run(t, "full", "--detailed")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "aborted after validate")
}

func TestBackup_SnapshotListRestore(t *testing.T) {
	e := newEnv(t)

	out, err := run(t, "backup", "snapshot", "--table", "products", "--tenant", "A", "--format", "json")
	require.NoError(t, err)
	snaps := decode[[]struct {
		ID string `json:"id"`
	}](t, out)
	require.Len(t, snaps, 1)
	id := snaps[0].ID

	out, err = run(t, "backup", "list")
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "products(1)")

	exec, err := executor.Open(context.Background(), executor.Config{Dialect: executor.SQLite, DSN: e.dbPath})
	require.NoError(t, err)
	testutil.MustExec(t, exec, "UPDATE products SET quantity = 99 WHERE id = 10")
	require.NoError(t, exec.Close())

	_, err = run(t, "backup", "restore", id, "--dry-run")
	require.NoError(t, err)
	assert.Equal(t, "99", e.query(t, "SELECT quantity FROM products WHERE id = 10"))

	out, err = run(t, "backup", "restore", id)
	require.NoError(t, err)
	assert.Contains(t, out, "Restored snapshot "+id)
	assert.Equal(t, "5", e.query(t, "SELECT quantity FROM products WHERE id = 10"))
	assert.Equal(t, "3", e.query(t, "SELECT quantity FROM products WHERE id = 11"))

	out, err = run(t, "backup", "cleanup", "--older-than", "0s")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted 0 snapshots.")
}

func TestBackup_Schedules(t *testing.T) {
	newEnv(t)

	out, err := run(t, "backup", "schedule", "add", "--cron", "@daily", "--table", "products", "--format", "json")
	require.NoError(t, err)
	added := decode[[]struct {
		ID   string `json:"id"`
		Spec string `json:"spec"`
	}](t, out)
	require.Len(t, added, 1)
	assert.Equal(t, "@daily", added[0].Spec)

	out, err = run(t, "backup", "schedule", "list")
	require.NoError(t, err)
	assert.Contains(t, out, added[0].ID)

	out, err = run(t, "backup", "schedule", "run", added[0].ID, "--format", "json")
	require.NoError(t, err)
	snaps := decode[[]struct {
		Status string `json:"status"`
	}](t, out)
	require.Len(t, snaps, 1)
	assert.Equal(t, "completed", snaps[0].Status)

	out, err = run(t, "backup", "schedule", "run")
	require.NoError(t, err)
	assert.Contains(t, out, "ran 0")

	_, err = run(t, "backup", "schedule", "add", "--cron", "not a cron", "--table", "products")
	require.Error(t, err)
}

func TestJSONFailureWritesErrorEnvelope(t *testing.T) {
	newEnv(t)

	out, err := run(t, "backup", "verify", "no-such-snapshot", "--format", "json")
	require.Error(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_COMMAND", resp.Error.Code)
	assert.Equal(t, "snapshot verification failed", resp.Error.Message)
	assert.NotEmpty(t, resp.Session)

	out, err = run(t, "status", "--format", "json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	assert.Equal(t, "ok", resp.Status)
	assert.NotEmpty(t, resp.Session, "successful envelopes carry the session too")
}

func TestBackup_SnapshotRequiresTable(t *testing.T) {
	newEnv(t)
	_, err := run(t, "backup", "snapshot")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}
