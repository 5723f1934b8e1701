package ir

// IssueCategory classifies a validation issue.
type IssueCategory string

const (
	CategoryCompleteness      IssueCategory = "completeness"
	CategoryReferential       IssueCategory = "referential-integrity"
	CategoryTenantConsistency IssueCategory = "tenant-consistency"
	CategoryBusinessLogic     IssueCategory = "business-logic"
	CategoryDistribution      IssueCategory = "data-distribution"
	CategoryPerformance       IssueCategory = "performance"
	CategoryStructure         IssueCategory = "structure"
)

// Categories lists validator categories in reporting order.
var Categories = []IssueCategory{
	CategoryCompleteness,
	CategoryReferential,
	CategoryTenantConsistency,
	CategoryBusinessLogic,
	CategoryDistribution,
	CategoryPerformance,
}

// Severity of a validation issue.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

// ValidationIssue is produced fresh by every validation pass. It is never
// authoritative for control flow beyond the overall result.
type ValidationIssue struct {
	Category    IssueCategory `json:"category"`
	Severity    Severity      `json:"severity"`
	Check       string        `json:"check"`
	Description string        `json:"description"`
	Evidence    Evidence      `json:"evidence"`

	// Remediation names the strategy that can fix this issue, if any.
	Remediation string `json:"remediation,omitempty"`
}

// Evidence is a closed set of shapes, one per issue category. Exactly one
// pointer field is set. Extra carries forward-compatible, non-authoritative
// annotations only.
type Evidence struct {
	Completeness      *CompletenessEvidence      `json:"completeness,omitempty"`
	Referential       *ReferentialEvidence       `json:"referential,omitempty"`
	CrossTenant       *CrossTenantEvidence       `json:"cross_tenant,omitempty"`
	BusinessRule      *BusinessRuleEvidence      `json:"business_rule,omitempty"`
	Concentration     *ConcentrationEvidence     `json:"concentration,omitempty"`
	MissingDependents *MissingDependentsEvidence `json:"missing_dependents,omitempty"`
	Structure         *StructureEvidence         `json:"structure,omitempty"`
	Extra             map[string]string          `json:"extra,omitempty"`
}

// CompletenessEvidence reports tenant identifier coverage of a table.
type CompletenessEvidence struct {
	Table      string  `json:"table"`
	Total      int64   `json:"total"`
	WithTenant int64   `json:"with_tenant"`
	Percent    float64 `json:"percent"`
}

// ReferentialEvidence reports rows whose reference resolves to no parent.
type ReferentialEvidence struct {
	Relation string   `json:"relation"`
	Child    string   `json:"child"`
	Column   string   `json:"column"`
	Parent   string   `json:"parent"`
	Orphans  int64    `json:"orphans"`
	Sample   []string `json:"sample,omitempty"`
}

// CrossTenantEvidence reports child rows whose tenant differs from the
// tenant of the parent they reference.
type CrossTenantEvidence struct {
	Relation   string   `json:"relation"`
	Child      string   `json:"child"`
	Parent     string   `json:"parent"`
	Violations int64    `json:"violations"`
	Sample     []string `json:"sample,omitempty"`
}

// BusinessRuleEvidence reports rows violating a declared domain bound.
type BusinessRuleEvidence struct {
	Rule       string  `json:"rule"`
	Table      string  `json:"table"`
	Condition  string  `json:"condition"`
	Violations int64   `json:"violations"`
	Total      int64   `json:"total"`
	Fraction   float64 `json:"fraction"`
}

// ConcentrationEvidence reports a single tenant owning most of a table.
type ConcentrationEvidence struct {
	Table     string  `json:"table"`
	TenantID  string  `json:"tenant_id"`
	Rows      int64   `json:"rows"`
	Total     int64   `json:"total"`
	Share     float64 `json:"share"`
	Threshold float64 `json:"threshold"`
}

// MissingDependentsEvidence reports tenants owning parent rows but none of
// the dependent rows a relation expects.
type MissingDependentsEvidence struct {
	Relation string   `json:"relation"`
	Parent   string   `json:"parent"`
	Child    string   `json:"child"`
	Tenants  []string `json:"tenants"`
}

// StructureEvidence reports presence or absence of a schema object.
type StructureEvidence struct {
	MigrationID string           `json:"migration_id,omitempty"`
	Object      StructuralObject `json:"object"`
	Expected    string           `json:"expected"`
	Actual      string           `json:"actual"`
}

// Structural presence values.
const (
	Present      = "present"
	Absent       = "absent"
	NotSupported = "not_supported"
)

// CountBySeverity returns the number of critical and warning issues.
func CountBySeverity(issues []ValidationIssue) (critical, warning int) {
	for _, is := range issues {
		switch is.Severity {
		case SeverityCritical:
			critical++
		case SeverityWarning:
			warning++
		}
	}
	return critical, warning
}

// OverallStatus is the aggregate outcome of a validation or verify pass.
type OverallStatus string

const (
	StatusPass             OverallStatus = "PASS"
	StatusPassWithWarnings OverallStatus = "PASS_WITH_WARNINGS"
	StatusFail             OverallStatus = "FAIL"
)

// StatusOf derives the overall status from issues: any critical fails,
// any warning passes with warnings.
func StatusOf(issues []ValidationIssue) OverallStatus {
	critical, warning := CountBySeverity(issues)
	switch {
	case critical > 0:
		return StatusFail
	case warning > 0:
		return StatusPassWithWarnings
	}
	return StatusPass
}

// CheckResult is the outcome of one named check. A check that could not
// run carries Error and counts as failed.
type CheckResult struct {
	Name     string            `json:"name"`
	Category IssueCategory     `json:"category"`
	Status   OverallStatus     `json:"status"`
	Issues   []ValidationIssue `json:"issues,omitempty"`
	Note     string            `json:"note,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// NewCheckResult derives the check status from its issues.
func NewCheckResult(name string, category IssueCategory, issues []ValidationIssue) CheckResult {
	return CheckResult{Name: name, Category: category, Status: StatusOf(issues), Issues: issues}
}

// FailedCheck records a check that errored.
func FailedCheck(name string, category IssueCategory, err error) CheckResult {
	return CheckResult{Name: name, Category: category, Status: StatusFail, Error: err.Error()}
}

// OverallOf is the worst status across checks.
func OverallOf(checks []CheckResult) OverallStatus {
	status := StatusPass
	for _, c := range checks {
		switch c.Status {
		case StatusFail:
			return StatusFail
		case StatusPassWithWarnings:
			status = StatusPassWithWarnings
		}
	}
	return status
}

// IssuesOf flattens the issues of checks in order.
func IssuesOf(checks []CheckResult) []ValidationIssue {
	var out []ValidationIssue
	for _, c := range checks {
		out = append(out, c.Issues...)
	}
	return out
}
