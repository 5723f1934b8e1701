package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/tenantmig/internal/audit"
	"github.com/roach88/tenantmig/internal/backup"
	"github.com/roach88/tenantmig/internal/blob"
	"github.com/roach88/tenantmig/internal/catalog"
	"github.com/roach88/tenantmig/internal/clock"
	"github.com/roach88/tenantmig/internal/config"
	"github.com/roach88/tenantmig/internal/executor"
	"github.com/roach88/tenantmig/internal/ir"
	"github.com/roach88/tenantmig/internal/orchestrator"
	"github.com/roach88/tenantmig/internal/runner"
	"github.com/roach88/tenantmig/internal/store"
	"github.com/roach88/tenantmig/internal/validator"
	"github.com/roach88/tenantmig/internal/verifier"
)

// app is the wired component graph for one command invocation.
type app struct {
	opts    *RootOptions
	cfg     config.Config
	session string
	logger  *slog.Logger
	out     *OutputFormatter
	clock   clock.Clock

	exec    *executor.Executor
	store   *store.Store
	trail   *audit.Trail
	metrics *audit.Metrics
	backup  *backup.Engine

	// Populated only when the catalog is loaded.
	source    *catalog.Source
	catalog   *catalog.Catalog
	runner    *runner.Runner
	validator *validator.Validator
	verifier  *verifier.Verifier
	orch      *orchestrator.Orchestrator
}

// needs selects what openApp wires beyond storage.
type needs struct {
	catalog bool
}

// openApp loads configuration, connects, and wires every component the
// command needs. Stale running rows are reconciled unless this is a dry
// run.
func openApp(ctx context.Context, cmd *cobra.Command, opts *RootOptions, n needs) (*app, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "invalid configuration", err)
	}
	if opts.CatalogDir != "" {
		cfg.CatalogDir = opts.CatalogDir
	}

	session := ir.UUIDv7Generator{}.Generate()
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(handler).With("session", session)

	a := &app{
		opts:    opts,
		cfg:     cfg,
		session: session,
		logger:  logger,
		clock:   clock.System{},
		out: &OutputFormatter{
			Format:    opts.Format,
			Writer:    cmd.OutOrStdout(),
			ErrWriter: cmd.ErrOrStderr(),
			Verbose:   opts.Verbose,
			Session:   session,
		},
		metrics: audit.NewMetrics(),
	}

	execCfg, err := cfg.ExecutorConfig()
	if err != nil {
		return nil, WrapExitError(ExitFailure, "invalid database configuration", err)
	}
	execCfg.Logger = logger
	logger.Debug("opening database", "driver", cfg.Database.Driver)
	if a.exec, err = executor.Open(ctx, execCfg); err != nil {
		return nil, WrapExitError(ExitFailure, "failed to connect to database", err)
	}
	if a.store, err = store.Open(ctx, a.exec); err != nil {
		a.Close()
		return nil, WrapExitError(ExitFailure, "failed to prepare state tables", err)
	}

	blobs, err := blob.Open(ctx, cfg.BlobConfig())
	if err != nil {
		a.Close()
		return nil, WrapExitError(ExitFailure, "failed to open snapshot storage", err)
	}

	a.trail = audit.NewTrail(audit.Multi{audit.NewStoreSink(a.store), audit.NewLogSink(logger)}, session, a.clock, logger)

	if n.catalog {
		if err := a.loadCatalog(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}

	tenantColumn := ""
	if a.source != nil && a.source.Tenancy != nil {
		tenantColumn = a.source.Tenancy.TenantColumn
	}
	a.backup = backup.New(backup.Config{
		Executor:     a.exec,
		Store:        a.store,
		Blobs:        blobs,
		TenantColumn: tenantColumn,
		Clock:        a.clock,
		Trail:        a.trail,
		Metrics:      a.metrics,
		Logger:       logger.With("component", "backup"),
	})

	if n.catalog {
		if err := a.wireMigrations(); err != nil {
			a.Close()
			return nil, err
		}
		if !opts.DryRun {
			if _, err := a.orch.Reconcile(ctx); err != nil {
				a.Close()
				return nil, WrapExitError(ExitFailure, "failed to reconcile interrupted migrations", err)
			}
		}
	}
	return a, nil
}

// loadCatalog reads the CUE catalog and defines new migrations. Drift is
// logged by the catalog and reported again by verify.
func (a *app) loadCatalog(ctx context.Context) error {
	a.logger.Debug("loading catalog", "dir", a.cfg.CatalogDir)
	src, err := catalog.LoadDir(a.cfg.CatalogDir)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to load catalog", err)
	}
	a.source = src
	a.catalog = catalog.New(a.store, a.clock, a.logger.With("component", "catalog"))

	res, err := a.catalog.Sync(ctx, src.Migrations)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to sync catalog", err)
	}
	a.logger.Info("catalog loaded",
		"files", len(src.Files), "added", len(res.Added), "unchanged", len(res.Unchanged), "drift", len(res.Drift))
	return nil
}

func (a *app) wireMigrations() error {
	a.runner = runner.New(runner.Config{
		Executor: a.exec,
		Store:    a.store,
		Catalog:  a.catalog,
		Backup:   a.backup,
		Clock:    a.clock,
		Trail:    a.trail,
		Metrics:  a.metrics,
		Logger:   a.logger.With("component", "runner"),
	})

	var tenants ir.TenantSource
	if model := a.source.Tenancy; model != nil {
		tenants = model.Tenants
		v, err := validator.New(validator.Config{
			Executor:   a.exec,
			Model:      *model,
			Thresholds: a.cfg.ValidatorThresholds(),
			Backup:     a.backup,
			Clock:      a.clock,
			Trail:      a.trail,
			Metrics:    a.metrics,
			Logger:     a.logger.With("component", "validator"),
		})
		if err != nil {
			return WrapExitError(ExitFailure, "invalid tenancy model", err)
		}
		a.validator = v
	}

	a.verifier = verifier.New(verifier.Config{
		Executor:       a.exec,
		Store:          a.store,
		Catalog:        a.catalog,
		RunningTimeout: a.cfg.RunningTimeout,
		Clock:          a.clock,
		Trail:          a.trail,
		Logger:         a.logger.With("component", "verifier"),
	})

	a.orch = orchestrator.New(orchestrator.Config{
		Executor:       a.exec,
		Store:          a.store,
		Catalog:        a.catalog,
		Runner:         a.runner,
		Validator:      a.validator,
		Verifier:       a.verifier,
		Tenants:        tenants,
		MaxConcurrency: a.cfg.MaxConcurrency,
		RunningTimeout: a.cfg.RunningTimeout,
		Clock:          a.clock,
		Trail:          a.trail,
		Alerter:        a.alerter(),
		Logger:         a.logger.With("component", "orchestrator"),
	})
	return nil
}

// alerter mails critical issues when SMTP and recipients are configured,
// and logs them otherwise.
func (a *app) alerter() audit.Alerter {
	mail := a.cfg.MailConfig()
	if mail.Host == "" || len(mail.To) == 0 {
		return audit.LogAlerter{Logger: a.logger.With("component", "alerts")}
	}
	return audit.NewMailAlerter(mail)
}

// requireValidator fails commands that need a tenancy model.
func (a *app) requireValidator() error {
	if a.validator == nil {
		return NewExitError(ExitFailure, "catalog declares no tenancy model; nothing to validate")
	}
	return nil
}

// scope resolves --tenant to a scope; the default is global.
func (a *app) scope() ir.Scope {
	if a.opts.Tenant != "" {
		return ir.TenantScope(a.opts.Tenant)
	}
	return ir.Global
}

// scopesFor returns the scopes a single-migration command acts on.
// --all-tenants expands a tenant-scoped migration to every active tenant.
func (a *app) scopesFor(ctx context.Context, id string) ([]ir.Scope, error) {
	if !a.opts.AllTenants {
		return []ir.Scope{a.scope()}, nil
	}
	def, err := a.catalog.Get(ctx, id)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "unknown migration", err)
	}
	if !def.TenantScoped {
		return []ir.Scope{ir.Global}, nil
	}
	tenants, err := a.orch.ActiveTenants(ctx)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "failed to list tenants", err)
	}
	scopes := make([]ir.Scope, len(tenants))
	for i, t := range tenants {
		scopes[i] = ir.TenantScope(t)
	}
	return scopes, nil
}

func (a *app) runOptions() runner.Options {
	return runner.Options{DryRun: a.opts.DryRun, PreserveData: a.opts.PreserveData}
}

// Close writes the metrics file, if requested, and releases the database.
func (a *app) Close() {
	if a.opts.MetricsFile != "" {
		if err := a.metrics.WriteTextfile(a.opts.MetricsFile); err != nil {
			a.logger.Error("failed to write metrics file", "path", a.opts.MetricsFile, "error", err)
		}
	}
	if a.exec != nil {
		if err := a.exec.Close(); err != nil {
			a.logger.Error("error closing database", "error", err)
		}
	}
}

// signalContext cancels on SIGINT or SIGTERM. The runner marks rows it was
// executing as failed before returning.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			slog.Warn("received signal, cancelling", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// withApp runs fn with a wired app and a signal-aware context.
func withApp(cmd *cobra.Command, opts *RootOptions, n needs, fn func(ctx context.Context, a *app) error) error {
	ctx, cancel := signalContext(cmd)
	defer cancel()

	a, err := openApp(ctx, cmd, opts, n)
	if err != nil {
		(&OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}).Fail(err)
		return err
	}
	defer a.Close()

	err = fn(ctx, a)
	if err != nil && errors.Is(err, context.Canceled) {
		err = WrapExitError(ExitFailure, "interrupted", err)
	}
	a.out.Fail(err)
	return err
}
