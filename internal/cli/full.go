package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/roach88/tenantmig/internal/audit"
	"github.com/roach88/tenantmig/internal/ir"
	"github.com/roach88/tenantmig/internal/orchestrator"
)

// NewFullCommand creates the full command.
func NewFullCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "full",
		Short: "Run status, migrate, validate, verify and a final status",
		Long: `Run the full workflow: status, migrate, validate, verify, recheck.

The first failing stage aborts the rest unless --force is set. Migrations
run for global scope and every active tenant, or for one tenant with
--tenant. Critical issues are alerted and listed with recommendations.

Example:
  tenantmig full --fix-issues --export-report report.json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, needs{catalog: true}, runFull)
		},
	}
}

func runFull(ctx context.Context, a *app) error {
	wopts := orchestrator.WorkflowOptions{
		Run:       a.runOptions(),
		Force:     a.opts.Force,
		FixIssues: a.opts.FixIssues,
		Authored:  a.source.Migrations,
	}
	if a.opts.Tenant != "" {
		s := a.scope()
		wopts.Scope = &s
	}

	res, err := a.orch.FullWorkflow(ctx, wopts)
	if err != nil {
		return WrapExitError(ExitFailure, "workflow aborted at "+res.AbortedAt, err)
	}

	var checks []ir.CheckResult
	if res.Validation != nil {
		checks = append(checks, res.Validation.Checks...)
	}
	if res.Verification != nil {
		checks = append(checks, res.Verification.Checks...)
	}
	stages := make([]audit.ReportStage, len(res.Stages))
	for i, s := range res.Stages {
		stages[i] = audit.ReportStage{Name: s.Name, Status: s.Status, Skipped: s.Skipped, Message: s.Message}
	}
	if !a.out.JSON() {
		writeResults(a.out.Writer, res.Migration.Results())
	}

	report, err := a.emitReport("Full migration workflow", checks, stages)
	if err != nil {
		return err
	}
	if res.Migration.Failed() {
		return NewExitError(ExitFailure, "one or more migrations did not complete")
	}
	return a.reportExit(report)
}
