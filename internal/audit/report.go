package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/roach88/tenantmig/internal/ir"
)

// Summary aggregates check outcomes.
type Summary struct {
	Status        ir.OverallStatus `json:"status"`
	TotalChecks   int              `json:"totalChecks"`
	PassedChecks  int              `json:"passedChecks"`
	FailedChecks  int              `json:"failedChecks"`
	WarningChecks int              `json:"warningChecks"`
	SuccessRate   float64          `json:"successRate"`
}

// ReportStage is a workflow stage line in a report.
type ReportStage struct {
	Name    string           `json:"name"`
	Status  ir.OverallStatus `json:"status,omitempty"`
	Skipped bool             `json:"skipped,omitempty"`
	Message string           `json:"message,omitempty"`
}

// Report is the exported summary of a validate, verify or full run.
type Report struct {
	Title           string               `json:"title"`
	Session         string               `json:"session"`
	GeneratedAt     time.Time            `json:"generatedAt"`
	Summary         Summary              `json:"summary"`
	Stages          []ReportStage        `json:"stages,omitempty"`
	Checks          []ir.CheckResult     `json:"checks"`
	Issues          []ir.ValidationIssue `json:"issues"`
	Recommendations []string             `json:"recommendations"`
}

// BuildReport summarises checks. The overall status is the worst check
// status, raised to FAIL when any stage failed.
func BuildReport(title, session string, at time.Time, checks []ir.CheckResult, stages []ReportStage) Report {
	r := Report{
		Title:       title,
		Session:     session,
		GeneratedAt: at.UTC(),
		Stages:      stages,
		Checks:      checks,
		Issues:      ir.IssuesOf(checks),
	}
	if r.Checks == nil {
		r.Checks = []ir.CheckResult{}
	}
	if r.Issues == nil {
		r.Issues = []ir.ValidationIssue{}
	}

	s := Summary{Status: ir.OverallOf(checks), TotalChecks: len(checks)}
	for _, c := range checks {
		switch c.Status {
		case ir.StatusPass:
			s.PassedChecks++
		case ir.StatusPassWithWarnings:
			s.WarningChecks++
		default:
			s.FailedChecks++
		}
	}
	s.SuccessRate = 100
	if s.TotalChecks > 0 {
		s.SuccessRate = math.Round(float64(s.PassedChecks)/float64(s.TotalChecks)*1000) / 10
	}
	for _, st := range stages {
		if st.Status == ir.StatusFail {
			s.Status = ir.StatusFail
		}
	}
	r.Summary = s
	r.Recommendations = Recommendations(r.Issues)
	return r
}

var recommendations = map[ir.IssueCategory]string{
	ir.CategoryCompleteness:      "Backfill missing tenant identifiers from their parent rows (fill-tenant-from-parent via --fix-issues) before enabling isolation policies.",
	ir.CategoryReferential:       "Remove or re-parent orphaned rows; the relation's orphan policy selects the automatic fix.",
	ir.CategoryTenantConsistency: "Align child tenant identifiers with their parents; cross-tenant references break isolation.",
	ir.CategoryBusinessLogic:     "Review rows violating business rules with the data owners before applying declared fixes.",
	ir.CategoryDistribution:      "Check recent migrations for defaults that assigned data to a single tenant.",
	ir.CategoryPerformance:       "Create the missing tenant-scoped indexes and isolation policies.",
	ir.CategoryStructure:         "Reconcile schema objects with migration state: recover failed migrations and re-run or roll back the affected ones.",
}

// Recommendations lists one recommendation per category with issues, in
// reporting order. Critical issues add a leading instruction.
func Recommendations(issues []ir.ValidationIssue) []string {
	present := map[ir.IssueCategory]bool{}
	critical := false
	for _, is := range issues {
		present[is.Category] = true
		if is.Severity == ir.SeverityCritical {
			critical = true
		}
	}
	out := []string{}
	if critical {
		out = append(out, "Resolve critical issues before the next migration; declared remediations run with --fix-issues.")
	}
	for _, c := range ir.Categories {
		if present[c] {
			out = append(out, recommendations[c])
		}
	}
	if present[ir.CategoryStructure] {
		out = append(out, recommendations[ir.CategoryStructure])
	}
	return out
}

// WriteJSON writes the report as indented JSON.
func (r Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// Export writes the report as JSON to path, creating parent directories.
func (r Report) Export(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("export report: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export report: %w", err)
	}
	if err := r.WriteJSON(f); err != nil {
		f.Close()
		return fmt.Errorf("export report: %w", err)
	}
	return f.Close()
}

// TextOptions tunes WriteText.
type TextOptions struct {
	// Detailed lists every check, not only issues.
	Detailed bool

	// Color forces ANSI colours on or off.
	Color bool
}

// WriteText renders the human-readable summary.
func (r Report) WriteText(w io.Writer, opts TextOptions) error {
	paint := func(s string, attrs ...color.Attribute) string {
		c := color.New(attrs...)
		if opts.Color {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
		return c.Sprint(s)
	}
	statusText := func(s ir.OverallStatus) string {
		switch s {
		case ir.StatusPass:
			return paint("✓ "+string(s), color.FgHiGreen)
		case ir.StatusPassWithWarnings:
			return paint("⚠ "+string(s), color.FgYellow)
		case "":
			return paint("- skipped", color.FgHiBlack)
		}
		return paint("✗ "+string(s), color.FgRed)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s (session %s, %s)\n", r.Title, r.Session, r.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Status: %s\n", statusText(r.Summary.Status))
	fmt.Fprintf(&b, "Checks: %d total, %d passed, %d warnings, %d failed (%.1f%% success)\n",
		r.Summary.TotalChecks, r.Summary.PassedChecks, r.Summary.WarningChecks, r.Summary.FailedChecks, r.Summary.SuccessRate)

	if len(r.Stages) > 0 {
		b.WriteString("\nStages:\n")
		for _, st := range r.Stages {
			status := st.Status
			if st.Skipped {
				status = ""
			}
			fmt.Fprintf(&b, "  %-9s %s", st.Name, statusText(status))
			if st.Message != "" {
				fmt.Fprintf(&b, "  %s", st.Message)
			}
			b.WriteString("\n")
		}
	}

	if len(r.Issues) > 0 {
		b.WriteString("\nIssues:\n")
		for _, is := range r.Issues {
			sev := paint(fmt.Sprintf("%-8s", is.Severity), color.FgYellow)
			if is.Severity == ir.SeverityCritical {
				sev = paint(fmt.Sprintf("%-8s", is.Severity), color.FgRed, color.Bold)
			}
			fmt.Fprintf(&b, "  %s %s: %s\n", sev, is.Check, is.Description)
			if is.Remediation != "" {
				fmt.Fprintf(&b, "           fix: %s\n", is.Remediation)
			}
		}
	}

	if opts.Detailed && len(r.Checks) > 0 {
		b.WriteString("\nChecks:\n")
		for _, c := range r.Checks {
			fmt.Fprintf(&b, "  %s %s", statusText(c.Status), c.Name)
			switch {
			case c.Error != "":
				fmt.Fprintf(&b, " (error: %s)", c.Error)
			case c.Note != "":
				fmt.Fprintf(&b, " (%s)", c.Note)
			}
			b.WriteString("\n")
		}
	}

	if len(r.Recommendations) > 0 {
		b.WriteString("\nRecommendations:\n")
		for _, rec := range r.Recommendations {
			fmt.Fprintf(&b, "  - %s\n", rec)
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}
