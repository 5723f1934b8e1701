package audit

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tenantmig/internal/ir"
)

var reportTime = time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)

func sampleChecks() []ir.CheckResult {
	cross := ir.ValidationIssue{
		Category:    ir.CategoryTenantConsistency,
		Severity:    ir.SeverityCritical,
		Check:       "tenant-consistency:product_school",
		Description: "1 products rows reference a schools row of another tenant",
		Evidence: ir.Evidence{CrossTenant: &ir.CrossTenantEvidence{
			Relation: "product_school", Child: "products", Parent: "schools", Violations: 1, Sample: []string{"11"},
		}},
		Remediation: "align-tenant-with-parent",
	}
	skew := ir.ValidationIssue{
		Category:    ir.CategoryDistribution,
		Severity:    ir.SeverityWarning,
		Check:       "distribution:products",
		Description: "tenant A owns 95.0% of products",
		Evidence: ir.Evidence{Concentration: &ir.ConcentrationEvidence{
			Table: "products", TenantID: "A", Rows: 190, Total: 200, Share: 0.95, Threshold: 0.9,
		}},
	}
	policy := ir.NewCheckResult("policy:products", ir.CategoryPerformance, nil)
	policy.Note = "isolation policies not supported by sqlite"
	return []ir.CheckResult{
		ir.NewCheckResult("completeness:products", ir.CategoryCompleteness, nil),
		ir.NewCheckResult("tenant-consistency:product_school", ir.CategoryTenantConsistency, []ir.ValidationIssue{cross}),
		ir.NewCheckResult("distribution:products", ir.CategoryDistribution, []ir.ValidationIssue{skew}),
		policy,
		ir.FailedCheck("index:products.tenant_id", ir.CategoryPerformance, errString("no such table: products")),
	}
}

type errString string

func (e errString) Error() string { return string(e) }

func sampleStages() []ReportStage {
	return []ReportStage{
		{Name: "status", Status: ir.StatusPass},
		{Name: "migrate", Status: ir.StatusPass},
		{Name: "validate", Status: ir.StatusFail},
		{Name: "verify", Skipped: true, Message: "aborted after validate"},
		{Name: "recheck", Skipped: true, Message: "aborted after validate"},
	}
}

func TestBuildReport_Summary(t *testing.T) {
	r := BuildReport("Validation report", "session-1", reportTime, sampleChecks(), nil)

	assert.Equal(t, Summary{
		Status:        ir.StatusFail,
		TotalChecks:   5,
		PassedChecks:  2,
		FailedChecks:  2,
		WarningChecks: 1,
		SuccessRate:   40,
	}, r.Summary)
	assert.Len(t, r.Issues, 2)
	assert.Len(t, r.Recommendations, 3)
}

func TestBuildReport_EmptyPasses(t *testing.T) {
	r := BuildReport("Verify report", "s", reportTime, nil, nil)
	assert.Equal(t, ir.StatusPass, r.Summary.Status)
	assert.Equal(t, 100.0, r.Summary.SuccessRate)
	assert.NotNil(t, r.Checks)
	assert.NotNil(t, r.Issues)
	assert.Empty(t, r.Recommendations)
}

func TestBuildReport_FailedStageFails(t *testing.T) {
	r := BuildReport("Full workflow report", "s", reportTime,
		[]ir.CheckResult{ir.NewCheckResult("completeness:products", ir.CategoryCompleteness, nil)},
		[]ReportStage{{Name: "migrate", Status: ir.StatusFail}})
	assert.Equal(t, ir.StatusFail, r.Summary.Status)
	assert.Equal(t, 100.0, r.Summary.SuccessRate)
}

func TestRecommendations_OrderedByCategory(t *testing.T) {
	recs := Recommendations([]ir.ValidationIssue{
		{Category: ir.CategoryStructure, Severity: ir.SeverityWarning},
		{Category: ir.CategoryCompleteness, Severity: ir.SeverityWarning},
		{Category: ir.CategoryCompleteness, Severity: ir.SeverityWarning},
	})
	require.Len(t, recs, 2)
	assert.Equal(t, recommendations[ir.CategoryCompleteness], recs[0])
	assert.Equal(t, recommendations[ir.CategoryStructure], recs[1])
}

func TestReport_WriteJSONSchema(t *testing.T) {
	r := BuildReport("Validation report", "session-1", reportTime, sampleChecks(), nil)

	var buf bytes.Buffer
	require.NoError(t, r.WriteJSON(&buf))

	var doc map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	for _, key := range []string{"summary", "checks", "issues", "recommendations"} {
		assert.Contains(t, doc, key)
	}
	summary := doc["summary"].(map[string]any)
	assert.Equal(t, "FAIL", summary["status"])
	assert.Equal(t, 5.0, summary["totalChecks"])
	assert.Equal(t, 2.0, summary["passedChecks"])
	assert.Equal(t, 2.0, summary["failedChecks"])
	assert.Equal(t, 1.0, summary["warningChecks"])
	assert.Equal(t, 40.0, summary["successRate"])

	issues := doc["issues"].([]any)
	first := issues[0].(map[string]any)
	assert.Equal(t, "tenant-consistency", first["category"])
	assert.Contains(t, first["evidence"], "cross_tenant")
}

func TestReport_Export(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports", "run.json")
	r := BuildReport("Validation report", "session-1", reportTime, sampleChecks(), nil)
	require.NoError(t, r.Export(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var back Report
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, r.Summary, back.Summary)
	assert.Equal(t, r.Recommendations, back.Recommendations)
}

func TestReport_WriteTextGolden(t *testing.T) {
	r := BuildReport("Full workflow report", "session-1", reportTime, sampleChecks(), sampleStages())

	var buf bytes.Buffer
	require.NoError(t, r.WriteText(&buf, TextOptions{Detailed: true}))

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "full_report_detailed", buf.Bytes())
}

func TestReport_WriteTextBriefAndColor(t *testing.T) {
	r := BuildReport("Validation report", "session-1", reportTime, sampleChecks(), nil)

	var plain bytes.Buffer
	require.NoError(t, r.WriteText(&plain, TextOptions{}))
	assert.NotContains(t, plain.String(), "\nChecks:\n", "checks are listed only when detailed")
	assert.Contains(t, plain.String(), "Issues:")
	assert.NotContains(t, plain.String(), "\x1b[")

	var colored bytes.Buffer
	require.NoError(t, r.WriteText(&colored, TextOptions{Color: true}))
	assert.Contains(t, colored.String(), "\x1b[")
}
