package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/tenantmig/internal/audit"
	"github.com/roach88/tenantmig/internal/ir"
	"github.com/roach88/tenantmig/internal/validator"
)

// NewValidateCommand creates the validate command.
func NewValidateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check tenant isolation and referential integrity",
		Long: `Validate the business data against the tenancy model in the catalog.

Checks cover tenant identifier completeness, orphaned references,
cross-tenant references, declared business rules, tenant concentration,
required indexes and isolation policies. --fix-issues applies the
declared remediation for each fixable issue (snapshotting first) and
validates again; with --dry-run the remediations are rolled back.

Example:
  tenantmig validate --detailed
  tenantmig validate --fix-issues --export-report report.json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, needs{catalog: true}, runValidate)
		},
	}
}

func runValidate(ctx context.Context, a *app) error {
	if err := a.requireValidator(); err != nil {
		return err
	}
	res, err := a.validator.Validate(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "validation aborted", err)
	}

	var stages []audit.ReportStage
	if a.opts.FixIssues && len(res.Issues) > 0 {
		fixes, err := a.validator.FixIssues(ctx, res.Issues, validator.FixOptions{DryRun: a.opts.DryRun})
		if err != nil {
			return WrapExitError(ExitFailure, "remediation aborted", err)
		}
		stages = append(stages, remediationStage(fixes))
		writeRemediations(a, fixes)

		if !a.opts.DryRun {
			if res, err = a.validator.Validate(ctx); err != nil {
				return WrapExitError(ExitFailure, "revalidation aborted", err)
			}
		}
	}

	report, err := a.emitReport("Tenant isolation validation", res.Checks, stages)
	if err != nil {
		return err
	}
	return a.reportExit(report)
}

func remediationStage(fixes []validator.RemediationResult) audit.ReportStage {
	applied, failed := 0, 0
	for _, f := range fixes {
		switch {
		case f.Err != nil:
			failed++
		case f.Applied:
			applied++
		}
	}
	status := ir.StatusPass
	if failed > 0 {
		status = ir.StatusPassWithWarnings
	}
	return audit.ReportStage{
		Name:    "remediate",
		Status:  status,
		Message: fmt.Sprintf("%d of %d remediations applied, %d failed", applied, len(fixes), failed),
	}
}

// writeRemediations logs each plan with its before and after counts.
func writeRemediations(a *app, fixes []validator.RemediationResult) {
	for _, f := range fixes {
		attrs := []any{
			"plan", f.Plan.ID, "strategy", f.Plan.Strategy, "target", f.Plan.Target,
			"before", f.Before, "after", f.After, "applied", f.Applied,
		}
		if f.SnapshotID != "" {
			attrs = append(attrs, "snapshot", f.SnapshotID)
		}
		if f.Err != nil {
			a.logger.Error("remediation failed", append(attrs, "error", f.Err)...)
			continue
		}
		a.logger.Info("remediation", attrs...)
	}
}
