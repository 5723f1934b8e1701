// Package verifier checks that the database matches what the migration
// state claims: structural expectations of applied migrations, status
// anomalies and catalog drift.
package verifier

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/roach88/tenantmig/internal/audit"
	"github.com/roach88/tenantmig/internal/catalog"
	"github.com/roach88/tenantmig/internal/clock"
	"github.com/roach88/tenantmig/internal/executor"
	"github.com/roach88/tenantmig/internal/ir"
	"github.com/roach88/tenantmig/internal/querysql"
	"github.com/roach88/tenantmig/internal/store"
)

// Config holds the verifier's collaborators.
type Config struct {
	Executor       *executor.Executor
	Store          *store.Store
	Catalog        *catalog.Catalog
	RunningTimeout time.Duration
	Clock          clock.Clock
	Trail          *audit.Trail
	Logger         *slog.Logger
}

// Verifier runs the verify stage.
type Verifier struct {
	exec    *executor.Executor
	store   *store.Store
	catalog *catalog.Catalog
	sql     querysql.Builder
	timeout time.Duration
	clock   clock.Clock
	trail   *audit.Trail
	logger  *slog.Logger
}

// New creates a verifier.
func New(cfg Config) *Verifier {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.RunningTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Verifier{
		exec:    cfg.Executor,
		store:   cfg.Store,
		catalog: cfg.Catalog,
		sql:     querysql.New(cfg.Executor.Dialect(), ""),
		timeout: timeout,
		clock:   clock.OrSystem(cfg.Clock),
		trail:   cfg.Trail,
		logger:  logger,
	}
}

// Result is one verify pass.
type Result struct {
	Status ir.OverallStatus     `json:"status"`
	Checks []ir.CheckResult     `json:"checks"`
	Issues []ir.ValidationIssue `json:"issues"`
}

// Critical returns the critical issues.
func (r Result) Critical() []ir.ValidationIssue {
	var out []ir.ValidationIssue
	for _, is := range r.Issues {
		if is.Severity == ir.SeverityCritical {
			out = append(out, is)
		}
	}
	return out
}

// Verify checks every defined migration. When authored is non-nil the
// stored definitions are also compared against it for checksum drift.
func (v *Verifier) Verify(ctx context.Context, authored []ir.MigrationDefinition) (Result, error) {
	defs, err := v.catalog.OrderedAll(ctx)
	if err != nil {
		return Result{}, err
	}
	statuses, err := v.store.ListStatuses(ctx, store.StatusFilter{})
	if err != nil {
		return Result{}, err
	}
	byMigration := map[string][]ir.MigrationStatus{}
	for _, st := range statuses {
		byMigration[st.MigrationID] = append(byMigration[st.MigrationID], st)
	}

	var res Result
	for _, def := range defs {
		cr, err := v.structure(ctx, def, byMigration[def.ID])
		if err != nil {
			if executor.IsConnectivity(err) {
				return res, err
			}
			cr = ir.FailedCheck("structure:"+def.ID, ir.CategoryStructure, err)
		}
		res.Checks = append(res.Checks, cr)
	}
	res.Checks = append(res.Checks, v.statusAnomalies(defs, statuses))
	res.Checks = append(res.Checks, v.unknownRows(defs, statuses))
	if authored != nil {
		res.Checks = append(res.Checks, v.drift(defs, authored))
	}

	res.Issues = ir.IssuesOf(res.Checks)
	res.Status = ir.OverallOf(res.Checks)
	critical, warning := ir.CountBySeverity(res.Issues)
	v.trail.Record(ctx, audit.Event{
		Kind:    audit.KindValidationResult,
		Message: "verify " + string(res.Status),
		Fields: map[string]string{
			"stage":    "verify",
			"checks":   strconv.Itoa(len(res.Checks)),
			"critical": strconv.Itoa(critical),
			"warning":  strconv.Itoa(warning),
		},
	})
	v.logger.Info("verify finished", "status", res.Status, "checks", len(res.Checks))
	return res, nil
}

// completedAnywhere reports whether any scope has applied the migration.
func completedAnywhere(statuses []ir.MigrationStatus) bool {
	for _, st := range statuses {
		if st.State == ir.StateCompleted {
			return true
		}
	}
	return false
}

// structure compares each expected object's presence with the migration's
// state. Missing objects of an applied migration are critical; objects
// present while the migration is pending or rolled back are warnings.
func (v *Verifier) structure(ctx context.Context, def ir.MigrationDefinition, statuses []ir.MigrationStatus) (ir.CheckResult, error) {
	name := "structure:" + def.ID
	if len(def.Expect) == 0 {
		cr := ir.NewCheckResult(name, ir.CategoryStructure, nil)
		cr.Note = "no structural expectations"
		return cr, nil
	}

	want := ir.Absent
	if completedAnywhere(statuses) {
		want = ir.Present
	}
	var issues []ir.ValidationIssue
	for _, obj := range def.Expect {
		got, err := v.Presence(ctx, obj)
		if err != nil {
			return ir.CheckResult{}, fmt.Errorf("%s: %w", obj, err)
		}
		if got == want || got == ir.NotSupported {
			continue
		}
		sev := ir.SeverityCritical
		if want == ir.Absent {
			sev = ir.SeverityWarning
		}
		issues = append(issues, ir.ValidationIssue{
			Category:    ir.CategoryStructure,
			Severity:    sev,
			Check:       name,
			Description: fmt.Sprintf("%s: %s is %s, expected %s", def.ID, obj, got, want),
			Evidence: ir.Evidence{Structure: &ir.StructureEvidence{
				MigrationID: def.ID, Object: obj, Expected: want, Actual: got,
			}},
		})
	}
	return ir.NewCheckResult(name, ir.CategoryStructure, issues), nil
}

// Presence reports whether a schema object exists: Present, Absent, or
// NotSupported when the dialect cannot answer.
func (v *Verifier) Presence(ctx context.Context, obj ir.StructuralObject) (string, error) {
	var (
		q    string
		args []any
		err  error
	)
	switch obj.Kind {
	case ir.ObjectTable:
		q, args = v.sql.TableExists(obj.Table)
	case ir.ObjectColumn:
		q, args = v.sql.ColumnExists(obj.Table, obj.Name)
	case ir.ObjectIndex:
		q, args = v.sql.IndexExists(obj.Table, obj.Name)
	case ir.ObjectPolicy:
		q, args, err = v.sql.PolicyExists(obj.Table, obj.Name)
		if err == querysql.ErrUnsupported {
			return ir.NotSupported, nil
		}
		if err != nil {
			return "", err
		}
	default:
		return "", fmt.Errorf("unknown object kind %q", obj.Kind)
	}
	var n int64
	if err := v.exec.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return "", err
	}
	if n > 0 {
		return ir.Present, nil
	}
	return ir.Absent, nil
}

func statusIssue(sev ir.Severity, check, desc string, st ir.MigrationStatus) ir.ValidationIssue {
	return ir.ValidationIssue{
		Category:    ir.CategoryStructure,
		Severity:    sev,
		Check:       check,
		Description: desc,
		Evidence: ir.Evidence{Extra: map[string]string{
			"migration_id": st.MigrationID,
			"scope":        st.Scope.String(),
			"state":        string(st.State),
		}},
	}
}

// statusAnomalies flags failed rows (critical, they need recovery) and
// running rows older than the running timeout (warning, reconcile marks
// them failed).
func (v *Verifier) statusAnomalies(defs []ir.MigrationDefinition, statuses []ir.MigrationStatus) ir.CheckResult {
	const name = "status:anomalies"
	known := catalog.Index(defs)
	cutoff := v.clock.Now().Add(-v.timeout)
	var issues []ir.ValidationIssue
	for _, st := range statuses {
		if _, ok := known[st.MigrationID]; !ok {
			continue
		}
		switch {
		case st.State == ir.StateFailed:
			issues = append(issues, statusIssue(ir.SeverityCritical, name,
				fmt.Sprintf("%s failed in %s: %s", st.MigrationID, st.Scope, st.Error), st))
		case st.State == ir.StateRunning && st.StartedAt.Before(cutoff):
			issues = append(issues, statusIssue(ir.SeverityWarning, name,
				fmt.Sprintf("%s has been running in %s since %s", st.MigrationID, st.Scope, st.StartedAt.Format(time.RFC3339)), st))
		}
	}
	return ir.NewCheckResult(name, ir.CategoryStructure, issues)
}

// unknownRows flags status rows whose migration is not defined.
func (v *Verifier) unknownRows(defs []ir.MigrationDefinition, statuses []ir.MigrationStatus) ir.CheckResult {
	const name = "status:unknown"
	known := catalog.Index(defs)
	var issues []ir.ValidationIssue
	for _, st := range statuses {
		if _, ok := known[st.MigrationID]; ok {
			continue
		}
		issues = append(issues, statusIssue(ir.SeverityWarning, name,
			fmt.Sprintf("status row for undefined migration %s in %s", st.MigrationID, st.Scope), st))
	}
	return ir.NewCheckResult(name, ir.CategoryStructure, issues)
}

// drift flags stored definitions whose checksum differs from the authored
// source, and authored definitions that were never stored.
func (v *Verifier) drift(defs, authored []ir.MigrationDefinition) ir.CheckResult {
	const name = "catalog:drift"
	stored := catalog.Index(defs)
	var issues []ir.ValidationIssue
	for _, a := range authored {
		sum := a.Checksum
		if sum == "" {
			var err error
			if sum, err = ir.DefinitionChecksum(a); err != nil {
				return ir.FailedCheck(name, ir.CategoryStructure, err)
			}
		}
		s, ok := stored[a.ID]
		switch {
		case !ok:
			issues = append(issues, ir.ValidationIssue{
				Category: ir.CategoryStructure, Severity: ir.SeverityWarning, Check: name,
				Description: fmt.Sprintf("%s is authored but not defined", a.ID),
				Evidence:    ir.Evidence{Extra: map[string]string{"migration_id": a.ID, "authored": sum}},
			})
		case s.Checksum != sum:
			issues = append(issues, ir.ValidationIssue{
				Category: ir.CategoryStructure, Severity: ir.SeverityWarning, Check: name,
				Description: fmt.Sprintf("%s changed after it was defined; issue a new migration instead", a.ID),
				Evidence:    ir.Evidence{Extra: map[string]string{"migration_id": a.ID, "stored": s.Checksum, "authored": sum}},
			})
		}
	}
	return ir.NewCheckResult(name, ir.CategoryStructure, issues)
}
