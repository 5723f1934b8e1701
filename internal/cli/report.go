package cli

import (
	"fmt"

	"github.com/fatih/color"

	"github.com/roach88/tenantmig/internal/audit"
	"github.com/roach88/tenantmig/internal/ir"
)

// emitReport builds the report, writes it in the selected format and
// exports it when --export-report is set.
func (a *app) emitReport(title string, checks []ir.CheckResult, stages []audit.ReportStage) (audit.Report, error) {
	report := audit.BuildReport(title, a.session, a.clock.Now(), checks, stages)

	if a.opts.ExportReport != "" {
		if err := report.Export(a.opts.ExportReport); err != nil {
			return report, WrapExitError(ExitFailure, "failed to export report", err)
		}
		a.out.VerboseLog("report written to %s", a.opts.ExportReport)
	}

	return report, a.out.Report(report, audit.TextOptions{
		Detailed: a.opts.Detailed,
		Color:    !color.NoColor,
	})
}

// reportExit maps a report status to the command result. Critical issues
// fail the run unless --force.
func (a *app) reportExit(report audit.Report) error {
	if report.Summary.Status != ir.StatusFail {
		return nil
	}
	if a.opts.Force {
		a.logger.Warn("report failed; continuing because of --force")
		return nil
	}
	return NewExitError(ExitFailure, fmt.Sprintf("%s: %s", report.Title, report.Summary.Status))
}
