package cli

import (
	"context"

	"github.com/spf13/cobra"
)

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check schema objects and migration state",
		Long: `Verify that the schema matches migration state.

Completed migrations must have created the objects they declare; pending
and rolled-back migrations should not have left them behind. Failed and
stale running rows, status rows for unknown migrations, and catalog
sources that drifted from their stored definitions are reported too.

Example:
  tenantmig verify --detailed`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, needs{catalog: true}, func(ctx context.Context, a *app) error {
				res, err := a.verifier.Verify(ctx, a.source.Migrations)
				if err != nil {
					return WrapExitError(ExitFailure, "verification aborted", err)
				}
				report, err := a.emitReport("Migration verification", res.Checks, nil)
				if err != nil {
					return err
				}
				return a.reportExit(report)
			})
		},
	}
}
