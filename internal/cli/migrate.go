package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/tenantmig/internal/runner"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate [migration-id]",
		Short: "Apply pending migrations",
		Long: `Apply pending migrations in dependency order.

Without an id, every pending migration of the selected scope runs:
global migrations by default, one tenant with --tenant, or global then
every active tenant with --all-tenants. With an id, only that migration
runs. A migration whose prerequisite has not completed is skipped.

Example:
  tenantmig migrate --all-tenants
  tenantmig migrate 002_backfill_tenant --tenant acme --dry-run`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, needs{catalog: true}, func(ctx context.Context, a *app) error {
				if len(args) == 1 {
					return migrateOne(ctx, a, args[0])
				}
				return migratePending(ctx, a)
			})
		},
	}
}

func migratePending(ctx context.Context, a *app) error {
	var results []runner.Result
	if a.opts.AllTenants {
		all, err := a.orch.RunAll(ctx, a.runOptions())
		results = all.Results()
		if err != nil {
			return WrapExitError(ExitFailure, "migration run aborted", err)
		}
	} else {
		run, err := a.orch.RunPending(ctx, a.scope(), a.runOptions())
		results = run.Results
		if err != nil {
			return WrapExitError(ExitFailure, "migration run aborted", err)
		}
	}
	return a.emitResults(results)
}

func migrateOne(ctx context.Context, a *app, id string) error {
	scopes, err := a.scopesFor(ctx, id)
	if err != nil {
		return err
	}
	var results []runner.Result
	for _, scope := range scopes {
		res, err := a.orch.RunOne(ctx, id, scope, a.runOptions())
		if err != nil {
			return WrapExitError(ExitFailure, fmt.Sprintf("cannot run %s in %s", id, scope), err)
		}
		results = append(results, res)
	}
	return a.emitResults(results)
}

// emitResults prints runner results and fails when any result is a
// failure. Conflicts and no-ops are warnings.
func (a *app) emitResults(results []runner.Result) error {
	if results == nil {
		results = []runner.Result{}
	}
	if a.out.JSON() {
		if err := a.out.Success(results); err != nil {
			return err
		}
	} else {
		writeResults(a.out.Writer, results)
	}

	failed := 0
	for _, r := range results {
		if r.Outcome.Failure() {
			failed++
		}
	}
	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d migrations did not complete", failed, len(results)))
	}
	return nil
}

func writeResults(w io.Writer, results []runner.Result) {
	if len(results) == 0 {
		fmt.Fprintln(w, "Nothing to migrate.")
		return
	}
	for _, r := range results {
		fmt.Fprintf(w, "%-12s %-32s %-16s %6dms", r.Outcome, r.MigrationID, r.Scope, r.Duration.Milliseconds())
		if r.Message != "" {
			fmt.Fprintf(w, "  %s", r.Message)
		}
		if r.Err != nil {
			fmt.Fprintf(w, "  error: %v", r.Err)
		}
		fmt.Fprintln(w)
	}
}
