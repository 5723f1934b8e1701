package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tenantmig/internal/ir"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show migration state per scope",
		Long: `Show every migration with its state in each scope.

Global migrations are listed once; tenant-scoped migrations are listed
for every known tenant. --tenant limits the listing to one tenant.

Example:
  tenantmig status
  tenantmig status --tenant acme --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, needs{catalog: true}, func(ctx context.Context, a *app) error {
				var scope *ir.Scope
				if a.opts.Tenant != "" {
					s := a.scope()
					scope = &s
				}
				views, err := a.orch.Status(ctx, scope)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to read status", err)
				}
				if views == nil {
					views = []ir.StatusView{}
				}
				if a.out.JSON() {
					return a.out.Success(views)
				}
				writeStatus(a.out.Writer, views)
				return nil
			})
		},
	}
}

func writeStatus(out io.Writer, views []ir.StatusView) {
	if len(views) == 0 {
		fmt.Fprintln(out, "No migrations defined.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "MIGRATION\tSCOPE\tSTATE\tAPPLIED\tERROR")
	fmt.Fprintln(w, "---------\t-----\t-----\t-------\t-----")
	for _, v := range views {
		applied := "-"
		if !v.AppliedAt.IsZero() {
			applied = v.AppliedAt.UTC().Format(time.RFC3339)
		}
		errText := v.Error
		if len(errText) > 60 {
			errText = errText[:57] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", v.MigrationID, v.Scope, v.State, applied, errText)
	}
	w.Flush()
}
