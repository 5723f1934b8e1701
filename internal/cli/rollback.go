package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/tenantmig/internal/ir"
	"github.com/roach88/tenantmig/internal/runner"
)

// NewRollbackCommand creates the rollback command.
func NewRollbackCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <migration-id>",
		Short: "Reverse a completed migration",
		Long: `Reverse a completed migration in one scope.

The tables the migration declares are snapshotted and verified before the
reverse procedure runs. --preserve-data skips destructive reverse
statements such as column drops. The snapshot id is printed so the data
can be brought back with "backup restore".

Example:
  tenantmig rollback 001_add_tenant_column
  tenantmig rollback 002_backfill_tenant --tenant acme --preserve-data`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, needs{catalog: true}, func(ctx context.Context, a *app) error {
				id := args[0]
				scopes, err := a.scopesFor(ctx, id)
				if err != nil {
					return err
				}
				var results []runner.Result
				for _, scope := range scopes {
					res, err := a.orch.Rollback(ctx, id, scope, a.runOptions())
					if err != nil {
						return WrapExitError(ExitFailure, fmt.Sprintf("cannot roll back %s in %s", id, scope), err)
					}
					results = append(results, res)
				}
				return a.emitResults(results)
			})
		},
	}
}

// NewRecoverCommand creates the recover command.
func NewRecoverCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recover <migration-id>",
		Short: "Reset a failed migration to pending",
		Long: `Reset a failed migration to pending so it can run again.

Only failed rows are reset. Fix the cause recorded in "status" first.

Example:
  tenantmig recover 002_backfill_tenant --tenant acme`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, needs{catalog: true}, func(ctx context.Context, a *app) error {
				id := args[0]
				scopes, err := a.scopesFor(ctx, id)
				if err != nil {
					return err
				}
				recovered := make([]string, 0, len(scopes))
				for _, scope := range scopes {
					if err := a.orch.Recover(ctx, id, scope); err != nil {
						return WrapExitError(ExitFailure, fmt.Sprintf("cannot recover %s in %s", id, scope), err)
					}
					recovered = append(recovered, scope.String())
				}
				if a.out.JSON() {
					return a.out.Success(map[string]any{"migration_id": id, "scopes": recovered, "state": ir.StatePending})
				}
				for _, s := range recovered {
					fmt.Fprintf(a.out.Writer, "%s in %s reset to %s\n", id, s, ir.StatePending)
				}
				return nil
			})
		},
	}
}
