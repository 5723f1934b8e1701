package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tenantmig/internal/audit"
	"github.com/roach88/tenantmig/internal/ir"
	"github.com/roach88/tenantmig/internal/runner"
	"github.com/roach88/tenantmig/internal/testutil"
	"github.com/roach88/tenantmig/internal/validator"
)

func workflowModel() *ir.TenancyModel {
	return &ir.TenancyModel{
		TenantColumn: "tenant_id",
		Tenants:      tenantSource,
		Tables:       []ir.TableSpec{{Name: "schools", PrimaryKey: "id"}, {Name: "products", PrimaryKey: "id"}},
		Relations: []ir.Relation{{
			Name: "product_school", Child: "products", Column: "school_id", Parent: "schools", ParentKey: "id",
			OrphanPolicy: ir.OrphanDelete, TenantSource: true,
		}},
	}
}

func workflowDefs() []ir.MigrationDefinition {
	g1 := globalDef("g1", "ALTER TABLE products ADD COLUMN sku TEXT")
	g1.Reverse = []string{"ALTER TABLE products DROP COLUMN sku"}
	g1.Expect = []ir.StructuralObject{{Kind: ir.ObjectColumn, Table: "products", Name: "sku"}}
	t1 := tenantDef("t1", "UPDATE products SET sku = 'P' || id WHERE tenant_id = :tenant_id")
	t1.Requires = []string{"g1"}
	return []ir.MigrationDefinition{g1, t1}
}

func stageNames(res WorkflowResult) []string {
	out := make([]string, len(res.Stages))
	for i, s := range res.Stages {
		out[i] = s.Name
	}
	return out
}

func TestFullWorkflow_CleanRunPasses(t *testing.T) {
	f := newFixture(t, workflowDefs(), workflowModel())

	res, err := f.orch.FullWorkflow(context.Background(), WorkflowOptions{})
	require.NoError(t, err)
	assert.Equal(t, ir.StatusPass, res.Status)
	assert.Empty(t, res.AbortedAt)
	assert.Equal(t, []string{StageStatus, StageMigrate, StageValidate, StageVerify, StageRecheck}, stageNames(res))
	for _, s := range res.Stages {
		assert.False(t, s.Skipped, s.Name)
		assert.Equal(t, ir.StatusPass, s.Status, s.Name)
	}

	require.Len(t, res.Before, 3)
	for _, v := range res.Before {
		assert.Equal(t, ir.StatePending, v.State)
	}
	require.Len(t, res.After, 3)
	for _, v := range res.After {
		assert.Equal(t, ir.StateCompleted, v.State)
	}
	assert.Len(t, res.Migration.Results(), 3)
	require.NotNil(t, res.Validation)
	require.NotNil(t, res.Verification)
	assert.Equal(t, int64(3), testutil.CountRows(t, f.exec, "products", "sku = 'P' || id"))
	assert.Empty(t, f.alerter.issues)

	stages := 0
	for _, k := range f.events.Kinds() {
		if k == audit.KindWorkflowStage {
			stages++
		}
	}
	assert.Equal(t, 5, stages)
}

func TestFullWorkflow_AbortsOnFailedMigration(t *testing.T) {
	defs := workflowDefs()
	defs[0].Forward = []string{"INSERT INTO missing_table VALUES (1)"}
	f := newFixture(t, defs, workflowModel())

	res, err := f.orch.FullWorkflow(context.Background(), WorkflowOptions{})
	require.NoError(t, err)
	assert.Equal(t, ir.StatusFail, res.Status)
	assert.Equal(t, StageMigrate, res.AbortedAt)

	require.Len(t, res.Stages, 5)
	assert.Equal(t, ir.StatusFail, res.Stages[1].Status)
	for _, s := range res.Stages[2:] {
		assert.True(t, s.Skipped, s.Name)
	}
	assert.Nil(t, res.Validation)
	assert.Nil(t, res.Verification)
	assert.Empty(t, res.Migration.Tenants, "tenants wait for global migrations")
}

func TestFullWorkflow_ForceRunsEveryStage(t *testing.T) {
	defs := workflowDefs()
	defs[0].Forward = []string{"INSERT INTO missing_table VALUES (1)"}
	f := newFixture(t, defs, workflowModel())

	res, err := f.orch.FullWorkflow(context.Background(), WorkflowOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, ir.StatusFail, res.Status)
	assert.Empty(t, res.AbortedAt)
	for _, s := range res.Stages {
		assert.False(t, s.Skipped, s.Name)
	}

	// The failed row is a critical verify anomaly and is alerted.
	require.NotNil(t, res.Verification)
	assert.Equal(t, ir.StatusFail, res.Verification.Status)
	require.NotEmpty(t, f.alerter.issues)
	assert.Equal(t, "session-1", f.alerter.session)
	assert.Equal(t, ir.StatusFail, res.Stages[4].Status, "recheck sees the failed row")
}

func TestFullWorkflow_CrossTenantReferenceFailsAndAlerts(t *testing.T) {
	f := newFixture(t, workflowDefs(), workflowModel())
	testutil.MustExec(t, f.exec, "UPDATE products SET tenant_id = 'B' WHERE id = 11")

	res, err := f.orch.FullWorkflow(context.Background(), WorkflowOptions{})
	require.NoError(t, err)
	assert.Equal(t, ir.StatusFail, res.Status)
	assert.Equal(t, StageValidate, res.AbortedAt)

	require.NotNil(t, res.Validation)
	critical := res.Validation.Critical()
	require.Len(t, critical, 1)
	assert.Equal(t, ir.CategoryTenantConsistency, critical[0].Category)
	assert.Equal(t, critical, f.alerter.issues)
}

func TestFullWorkflow_FixIssuesConverges(t *testing.T) {
	f := newFixture(t, workflowDefs(), workflowModel())
	testutil.MustExec(t, f.exec, "UPDATE products SET tenant_id = 'B' WHERE id = 11")

	res, err := f.orch.FullWorkflow(context.Background(), WorkflowOptions{FixIssues: true})
	require.NoError(t, err)
	assert.Equal(t, ir.StatusPass, res.Status)

	require.Len(t, res.Remediations, 1)
	fix := res.Remediations[0]
	assert.Equal(t, validator.StrategyAlignTenant, fix.Plan.Strategy)
	assert.True(t, fix.Applied)
	assert.Equal(t, int64(1), fix.Before)
	assert.Equal(t, int64(0), fix.After)
	assert.Contains(t, res.Stages[2].Message, "1 of 1 remediations applied")

	assert.Equal(t, int64(1), testutil.CountRows(t, f.exec, "products", "id = 11 AND tenant_id = 'A'"))
	assert.Empty(t, f.alerter.issues)
}

func TestFullWorkflow_WithoutModelSkipsValidation(t *testing.T) {
	f := newFixture(t, workflowDefs(), nil)

	res, err := f.orch.FullWorkflow(context.Background(), WorkflowOptions{})
	require.NoError(t, err)
	assert.Equal(t, ir.StatusPass, res.Status)
	assert.True(t, res.Stages[2].Skipped)
	assert.Equal(t, "no tenancy model", res.Stages[2].Message)
	assert.Nil(t, res.Validation)
}

func TestFullWorkflow_ScopedMigration(t *testing.T) {
	f := newFixture(t, workflowDefs(), nil)
	ctx := context.Background()
	_, err := f.orch.RunPending(ctx, ir.Global, runner.Options{})
	require.NoError(t, err)

	scope := ir.TenantScope("A")
	res, err := f.orch.FullWorkflow(ctx, WorkflowOptions{Scope: &scope})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, ids(res.Migration.Results()))
	assert.Equal(t, int64(2), testutil.CountRows(t, f.exec, "products", "sku IS NOT NULL"))
	assert.Equal(t, ir.StatePending, f.state(t, "t1", ir.TenantScope("B")))
}
