package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/tenantmig/internal/audit"
	"github.com/roach88/tenantmig/internal/ir"
	"github.com/roach88/tenantmig/internal/runner"
	"github.com/roach88/tenantmig/internal/validator"
	"github.com/roach88/tenantmig/internal/verifier"
)

// Workflow stage names, in execution order.
const (
	StageStatus   = "status"
	StageMigrate  = "migrate"
	StageValidate = "validate"
	StageVerify   = "verify"
	StageRecheck  = "recheck"
)

var stages = []string{StageStatus, StageMigrate, StageValidate, StageVerify, StageRecheck}

// WorkflowOptions tunes FullWorkflow.
type WorkflowOptions struct {
	Run runner.Options

	// Scope limits the migrate stage to one scope. Nil runs everything:
	// global migrations, then every active tenant.
	Scope *ir.Scope

	// Force continues past a failed stage.
	Force bool

	// FixIssues applies declared remediations for validation issues and
	// validates again.
	FixIssues bool

	// Authored, when set, is compared against stored definitions by the
	// verify stage.
	Authored []ir.MigrationDefinition
}

// StageResult is the outcome of one workflow stage.
type StageResult struct {
	Name     string           `json:"name"`
	Status   ir.OverallStatus `json:"status"`
	Skipped  bool             `json:"skipped,omitempty"`
	Message  string           `json:"message,omitempty"`
	Duration time.Duration    `json:"duration"`
}

// WorkflowResult collects every stage's output.
type WorkflowResult struct {
	Status       ir.OverallStatus              `json:"status"`
	AbortedAt    string                        `json:"aborted_at,omitempty"`
	Stages       []StageResult                 `json:"stages"`
	Before       []ir.StatusView               `json:"before"`
	After        []ir.StatusView               `json:"after,omitempty"`
	Migration    AllRun                        `json:"migration"`
	Validation   *validator.Result             `json:"validation,omitempty"`
	Remediations []validator.RemediationResult `json:"remediations,omitempty"`
	Verification *verifier.Result              `json:"verification,omitempty"`
}

// Critical returns critical issues from the validate and verify stages.
func (r WorkflowResult) Critical() []ir.ValidationIssue {
	var out []ir.ValidationIssue
	if r.Validation != nil {
		out = append(out, r.Validation.Critical()...)
	}
	if r.Verification != nil {
		out = append(out, r.Verification.Critical()...)
	}
	return out
}

// FullWorkflow runs status → migrate → validate → verify → recheck. The
// first stage that fails aborts the pipeline unless Force is set; the
// remaining stages are reported as skipped. Critical issues are sent to
// the alerter. A returned error is systemic (storage unreachable, context
// canceled) and leaves the result partial.
func (o *Orchestrator) FullWorkflow(ctx context.Context, opts WorkflowOptions) (WorkflowResult, error) {
	var res WorkflowResult
	defer func() { o.alert(ctx, res.Critical()) }()

	for _, name := range stages {
		if res.AbortedAt != "" {
			res.Stages = append(res.Stages, StageResult{Name: name, Skipped: true, Message: "aborted after " + res.AbortedAt})
			continue
		}

		start := o.clock.Now()
		stage, err := o.stage(ctx, name, opts, &res)
		stage.Name = name
		stage.Duration = o.clock.Now().Sub(start)
		if err != nil {
			stage.Status = ir.StatusFail
			stage.Message = err.Error()
			res.Stages = append(res.Stages, stage)
			res.Status = ir.StatusFail
			res.AbortedAt = name
			o.recordStage(ctx, stage)
			return res, err
		}
		res.Stages = append(res.Stages, stage)
		o.recordStage(ctx, stage)

		if stage.Status == ir.StatusFail && !opts.Force {
			res.AbortedAt = name
		}
	}

	res.Status = ir.StatusPass
	for _, s := range res.Stages {
		switch s.Status {
		case ir.StatusFail:
			res.Status = ir.StatusFail
		case ir.StatusPassWithWarnings:
			if res.Status == ir.StatusPass {
				res.Status = ir.StatusPassWithWarnings
			}
		}
	}
	return res, nil
}

func (o *Orchestrator) stage(ctx context.Context, name string, opts WorkflowOptions, res *WorkflowResult) (StageResult, error) {
	switch name {
	case StageStatus, StageRecheck:
		views, err := o.Status(ctx, nil)
		if err != nil {
			return StageResult{}, err
		}
		if name == StageStatus {
			res.Before = views
		} else {
			res.After = views
		}
		return StageResult{Status: statusOfViews(views)}, nil

	case StageMigrate:
		var (
			all AllRun
			err error
		)
		if opts.Scope != nil {
			all.Global, err = o.RunPending(ctx, *opts.Scope, opts.Run)
		} else {
			all, err = o.RunAll(ctx, opts.Run)
		}
		res.Migration = all
		if err != nil {
			return StageResult{}, err
		}
		return StageResult{Status: statusOfRuns(all.Results())}, nil

	case StageValidate:
		if o.validator == nil {
			return StageResult{Status: ir.StatusPass, Skipped: true, Message: "no tenancy model"}, nil
		}
		v, err := o.validator.Validate(ctx)
		if err != nil {
			return StageResult{}, err
		}
		var msg string
		if opts.FixIssues && fixable(v.Issues) {
			fixes, err := o.validator.FixIssues(ctx, v.Issues, validator.FixOptions{DryRun: opts.Run.DryRun})
			res.Remediations = fixes
			if err != nil {
				return StageResult{}, err
			}
			if !opts.Run.DryRun {
				if v, err = o.validator.Validate(ctx); err != nil {
					return StageResult{}, err
				}
			}
			msg = remediationSummary(fixes)
		}
		res.Validation = &v
		return StageResult{Status: v.Status, Message: msg}, nil

	case StageVerify:
		if o.verifier == nil {
			return StageResult{Status: ir.StatusPass, Skipped: true, Message: "no verifier"}, nil
		}
		v, err := o.verifier.Verify(ctx, opts.Authored)
		if err != nil {
			return StageResult{}, err
		}
		res.Verification = &v
		return StageResult{Status: v.Status}, nil
	}
	return StageResult{Status: ir.StatusPass, Skipped: true}, nil
}

// statusOfViews fails on any failed migration and warns on any still
// running.
func statusOfViews(views []ir.StatusView) ir.OverallStatus {
	status := ir.StatusPass
	for _, v := range views {
		switch v.State {
		case ir.StateFailed:
			return ir.StatusFail
		case ir.StateRunning:
			status = ir.StatusPassWithWarnings
		}
	}
	return status
}

func statusOfRuns(results []runner.Result) ir.OverallStatus {
	status := ir.StatusPass
	for _, r := range results {
		switch {
		case r.Outcome.Failure():
			return ir.StatusFail
		case r.Outcome.Warning():
			status = ir.StatusPassWithWarnings
		}
	}
	return status
}

func fixable(issues []ir.ValidationIssue) bool {
	for _, is := range issues {
		if is.Remediation != "" {
			return true
		}
	}
	return false
}

func remediationSummary(fixes []validator.RemediationResult) string {
	applied, failed := 0, 0
	for _, f := range fixes {
		switch {
		case f.Err != nil:
			failed++
		case f.Applied:
			applied++
		}
	}
	return fmt.Sprintf("%d of %d remediations applied, %d failed", applied, len(fixes), failed)
}

func (o *Orchestrator) recordStage(ctx context.Context, s StageResult) {
	level := audit.LevelInfo
	if s.Status == ir.StatusFail {
		level = audit.LevelError
	}
	fields := map[string]string{"stage": s.Name, "status": string(s.Status), "duration": s.Duration.String()}
	if s.Skipped {
		fields["skipped"] = "true"
	}
	o.trail.Record(ctx, audit.Event{Kind: audit.KindWorkflowStage, Level: level, Message: s.Message, Fields: fields})
	o.logger.Info("workflow stage finished", "stage", s.Name, "status", s.Status, "duration", s.Duration)
}

// alert dispatches critical issues. Delivery failures are logged and never
// change the workflow's outcome.
func (o *Orchestrator) alert(ctx context.Context, critical []ir.ValidationIssue) {
	if len(critical) == 0 {
		return
	}
	if err := o.alerter.Alert(ctx, o.trail.Session(), critical); err != nil {
		o.logger.Error("alert delivery failed", "critical", len(critical), "error", err)
	}
}
