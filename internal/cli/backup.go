package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tenantmig/internal/backup"
	"github.com/roach88/tenantmig/internal/ir"
)

// NewBackupCommand creates the backup command group.
func NewBackupCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Manage checksum-verified snapshots",
		Long: `Take, verify, restore and prune snapshots of tenant-owned rows, and
manage durable cron schedules that take them.

--tenant selects the tenant scope; without it the global scope captures
every row of the listed tables.`,
	}
	cmd.AddCommand(newBackupSnapshotCommand(opts))
	cmd.AddCommand(newBackupListCommand(opts))
	cmd.AddCommand(newBackupVerifyCommand(opts))
	cmd.AddCommand(newBackupRestoreCommand(opts))
	cmd.AddCommand(newBackupCleanupCommand(opts))
	cmd.AddCommand(newBackupScheduleCommand(opts))
	return cmd
}

func newBackupSnapshotCommand(opts *RootOptions) *cobra.Command {
	var tables []string
	var reason string
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Snapshot tables in one scope",
		Long: `Snapshot the rows a scope owns in the given tables.

Example:
  tenantmig backup snapshot --table products --table schools --tenant acme`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, needs{}, func(ctx context.Context, a *app) error {
				snap, err := a.backup.Snapshot(ctx, a.scope(), tables, reason)
				if err != nil {
					return WrapExitError(ExitFailure, "snapshot failed", err)
				}
				return a.emitSnapshots([]ir.BackupSnapshot{snap})
			})
		},
	}
	cmd.Flags().StringSliceVar(&tables, "table", nil, "table to capture (repeatable)")
	cmd.Flags().StringVar(&reason, "reason", "manual", "reason recorded with the snapshot")
	_ = cmd.MarkFlagRequired("table")
	return cmd
}

func newBackupListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List snapshots, newest first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, needs{}, func(ctx context.Context, a *app) error {
				var scope *ir.Scope
				if a.opts.Tenant != "" {
					s := a.scope()
					scope = &s
				}
				snaps, err := a.backup.List(ctx, scope)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to list snapshots", err)
				}
				return a.emitSnapshots(snaps)
			})
		},
	}
}

func newBackupVerifyCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "verify <snapshot-id>",
		Short:         "Recompute a snapshot's checksum",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, needs{}, func(ctx context.Context, a *app) error {
				snap, err := a.backup.Verify(ctx, args[0])
				if err != nil {
					return WrapExitError(ExitFailure, "snapshot verification failed", err)
				}
				return a.emitSnapshots([]ir.BackupSnapshot{snap})
			})
		},
	}
}

func newBackupRestoreCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <snapshot-id>",
		Short: "Replace a scope's rows with a snapshot",
		Long: `Re-verify a snapshot, then replace the rows its scope owns in the
captured tables with the captured rows, in one transaction.

Example:
  tenantmig backup restore 0192f0c4-7d1e-7a4b-9c55-3f1e2d4a6b70`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, needs{}, func(ctx context.Context, a *app) error {
				if a.opts.DryRun {
					snap, err := a.backup.Verify(ctx, args[0])
					if err != nil {
						return WrapExitError(ExitFailure, "snapshot verification failed", err)
					}
					a.out.VerboseLog("dry run: snapshot verified, nothing restored")
					return a.emitSnapshots([]ir.BackupSnapshot{snap})
				}
				res, err := a.backup.Restore(ctx, args[0])
				if err != nil {
					return WrapExitError(ExitFailure, "restore failed", err)
				}
				if a.out.JSON() {
					return a.out.Success(res)
				}
				fmt.Fprintf(a.out.Writer, "Restored snapshot %s into %s\n", res.Snapshot.ID, res.Snapshot.Scope)
				for _, t := range res.Tables {
					fmt.Fprintf(a.out.Writer, "  %-24s %d rows\n", t.Name, t.Rows)
				}
				return nil
			})
		},
	}
}

func newBackupCleanupCommand(opts *RootOptions) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete old snapshots",
		Long: `Delete snapshots older than --older-than. The newest completed snapshot
of each scope is always kept.

Example:
  tenantmig backup cleanup --older-than 720h`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, needs{}, func(ctx context.Context, a *app) error {
				var scope *ir.Scope
				if a.opts.Tenant != "" {
					s := a.scope()
					scope = &s
				}
				deleted, err := a.backup.Cleanup(ctx, olderThan, scope)
				if err != nil {
					return WrapExitError(ExitFailure, "cleanup failed", err)
				}
				if a.out.JSON() {
					return a.out.Success(deleted)
				}
				fmt.Fprintf(a.out.Writer, "Deleted %d snapshots.\n", len(deleted))
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "delete snapshots created before now minus this duration")
	return cmd
}

func newBackupScheduleCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage durable snapshot schedules",
	}
	cmd.AddCommand(newScheduleAddCommand(opts))
	cmd.AddCommand(newScheduleListCommand(opts))
	cmd.AddCommand(newScheduleRunCommand(opts))
	return cmd
}

func newScheduleAddCommand(opts *RootOptions) *cobra.Command {
	var (
		spec      string
		tables    []string
		retention time.Duration
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a cron snapshot schedule",
		Long: `Add a schedule that snapshots tables on a cron spec (five fields or a
descriptor such as @daily). Retention prunes the scope's snapshots after
each run.

Example:
  tenantmig backup schedule add --cron "0 2 * * *" --table products --retention 168h`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, needs{}, func(ctx context.Context, a *app) error {
				sch, err := backup.NewScheduler(a.backup).Add(ctx, a.scope(), tables, spec, retention)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to add schedule", err)
				}
				return a.emitSchedules([]ir.BackupSchedule{sch})
			})
		},
	}
	cmd.Flags().StringVar(&spec, "cron", "", "cron spec")
	cmd.Flags().StringSliceVar(&tables, "table", nil, "table to capture (repeatable)")
	cmd.Flags().DurationVar(&retention, "retention", 0, "delete this scope's snapshots older than this after each run (0 keeps all)")
	_ = cmd.MarkFlagRequired("cron")
	_ = cmd.MarkFlagRequired("table")
	return cmd
}

func newScheduleListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List snapshot schedules",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, needs{}, func(ctx context.Context, a *app) error {
				schedules, err := backup.NewScheduler(a.backup).List(ctx)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to list schedules", err)
				}
				return a.emitSchedules(schedules)
			})
		},
	}
}

func newScheduleRunCommand(opts *RootOptions) *cobra.Command {
	var serve bool
	cmd := &cobra.Command{
		Use:   "run [schedule-id]",
		Short: "Run schedules",
		Long: `Run one schedule now, or reconcile every schedule: recompute next-run
times and run each overdue schedule once. With --serve, keep running
schedules on their cron specs until interrupted.

Example:
  tenantmig backup schedule run
  tenantmig backup schedule run --serve`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, needs{}, func(ctx context.Context, a *app) error {
				sched := backup.NewScheduler(a.backup)
				switch {
				case len(args) == 1:
					snap, err := sched.RunNow(ctx, args[0])
					if err != nil {
						return WrapExitError(ExitFailure, "scheduled snapshot failed", err)
					}
					return a.emitSnapshots([]ir.BackupSnapshot{snap})
				case serve:
					fmt.Fprintln(a.out.GetErrWriter(), "Serving backup schedules. Press Ctrl-C to stop.")
					if err := sched.Serve(ctx); err != nil {
						return WrapExitError(ExitFailure, "scheduler stopped", err)
					}
					return nil
				}

				res, err := sched.Reconcile(ctx)
				if err != nil {
					return WrapExitError(ExitFailure, "reconciliation failed", err)
				}
				failed := make(map[string]string, len(res.Failed))
				for id, ferr := range res.Failed {
					failed[id] = ferr.Error()
				}
				if a.out.JSON() {
					if err := a.out.Success(map[string]any{
						"rescheduled": res.Rescheduled, "ran": res.Ran, "failed": failed,
					}); err != nil {
						return err
					}
				} else {
					fmt.Fprintf(a.out.Writer, "Rescheduled %d, ran %d, failed %d.\n", len(res.Rescheduled), len(res.Ran), len(failed))
					for id, msg := range failed {
						fmt.Fprintf(a.out.Writer, "  %s: %s\n", id, msg)
					}
				}
				if len(failed) > 0 {
					return NewExitError(ExitFailure, fmt.Sprintf("%d schedules failed", len(failed)))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&serve, "serve", false, "keep running schedules until interrupted")
	return cmd
}

func (a *app) emitSnapshots(snaps []ir.BackupSnapshot) error {
	if snaps == nil {
		snaps = []ir.BackupSnapshot{}
	}
	if a.out.JSON() {
		return a.out.Success(snaps)
	}
	writeSnapshots(a.out.Writer, snaps)
	return nil
}

func writeSnapshots(out io.Writer, snaps []ir.BackupSnapshot) {
	if len(snaps) == 0 {
		fmt.Fprintln(out, "No snapshots.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tSCOPE\tSTATUS\tCREATED\tTABLES\tBYTES\tCHECKSUM")
	fmt.Fprintln(w, "--\t-----\t------\t-------\t------\t-----\t--------")
	for _, s := range snaps {
		tables := make([]string, len(s.Tables))
		for i, t := range s.Tables {
			tables[i] = fmt.Sprintf("%s(%d)", t.Name, t.Rows)
		}
		sum := s.Checksum
		if len(sum) > 12 {
			sum = sum[:12]
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			s.ID, s.Scope, s.Status, s.CreatedAt.UTC().Format(time.RFC3339), strings.Join(tables, ","), s.SizeBytes, sum)
	}
	w.Flush()
}

func (a *app) emitSchedules(schedules []ir.BackupSchedule) error {
	if schedules == nil {
		schedules = []ir.BackupSchedule{}
	}
	if a.out.JSON() {
		return a.out.Success(schedules)
	}
	if len(schedules) == 0 {
		fmt.Fprintln(a.out.Writer, "No schedules.")
		return nil
	}
	w := tabwriter.NewWriter(a.out.Writer, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tSCOPE\tCRON\tTABLES\tRETENTION\tNEXT RUN\tLAST SNAPSHOT")
	fmt.Fprintln(w, "--\t-----\t----\t------\t---------\t--------\t-------------")
	for _, s := range schedules {
		next := "-"
		if !s.NextRunAt.IsZero() {
			next = s.NextRunAt.UTC().Format(time.RFC3339)
		}
		last := s.LastSnapshotID
		if last == "" {
			last = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.Scope, s.Spec, strings.Join(s.Tables, ","), s.Retention, next, last)
	}
	return w.Flush()
}
