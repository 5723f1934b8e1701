package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	CatalogDir string

	// Tenant limits a command to one tenant scope.
	Tenant string

	// AllTenants runs tenant-scoped work in every active tenant.
	AllTenants bool

	DryRun       bool
	Force        bool
	FixIssues    bool
	PreserveData bool
	Detailed     bool
	ExportReport string
	MetricsFile  string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the tenantmig CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "tenantmig",
		Short: "Tenant-aware schema and data migrations",
		Long: `tenantmig applies ordered schema and data migrations to a multi-tenant
database, one tenant scope at a time, and validates tenant isolation
and referential integrity afterwards.

Migrations and the tenancy model are authored in CUE under the catalog
directory. Database, snapshot storage and alert settings come from an
optional YAML file (--config) and the environment.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitFailure, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			if opts.Tenant != "" && opts.AllTenants {
				return NewExitError(ExitFailure, "--tenant and --all-tenants are mutually exclusive")
			}
			return nil
		},
	}

	f := cmd.PersistentFlags()
	f.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	f.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	f.StringVar(&opts.ConfigPath, "config", "", "path to YAML config file")
	f.StringVar(&opts.CatalogDir, "catalog", "", "CUE catalog directory (overrides TENANTMIG_CATALOG_DIR)")
	f.StringVar(&opts.Tenant, "tenant", "", "limit to one tenant scope")
	f.BoolVar(&opts.AllTenants, "all-tenants", false, "include every active tenant")
	f.BoolVar(&opts.DryRun, "dry-run", false, "simulate; roll back every write")
	f.BoolVar(&opts.Force, "force", false, "continue past failed stages and critical issues")
	f.BoolVar(&opts.FixIssues, "fix-issues", false, "apply declared remediations for validation issues")
	f.BoolVar(&opts.PreserveData, "preserve-data", false, "skip destructive reverse statements on rollback")
	f.BoolVar(&opts.Detailed, "detailed", false, "list every check in text reports")
	f.StringVar(&opts.ExportReport, "export-report", "", "write the JSON report to this path")
	f.StringVar(&opts.MetricsFile, "metrics-file", "", "write prometheus metrics in text format to this path")

	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewRollbackCommand(opts))
	cmd.AddCommand(NewRecoverCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewFullCommand(opts))
	cmd.AddCommand(NewBackupCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
