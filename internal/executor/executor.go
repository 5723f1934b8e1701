// Package executor is the boundary between tenantmig and the database.
//
// It hides the driver behind a small parameterized-statement/transaction
// surface, rewrites placeholders per dialect, binds the tenant isolation
// context on every scoped transaction, and classifies driver errors into
// the Kind taxonomy (see errors.go).
package executor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/tenantmig/internal/ir"
)

// DefaultIsolationSetting is the session setting isolation policies read
// the active tenant from.
const DefaultIsolationSetting = "app.current_tenant"

// sqlOpen is swappable in tests.
var sqlOpen = sql.Open

// Config configures Open.
type Config struct {
	Dialect Dialect
	DSN     string

	// MaxOpenConns bounds the pool. SQLite is always limited to one
	// connection (single writer).
	MaxOpenConns int

	// IsolationSetting is the setting set_config writes the tenant id to.
	IsolationSetting string

	Logger *slog.Logger
}

// Querier is the statement surface shared by the pool and transactions.
// Queries use ? placeholders; they are rebound for the dialect.
type Querier interface {
	Dialect() Dialect
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *Row
}

// Row wraps *sql.Row so scan errors are classified. sql.ErrNoRows passes
// through untouched.
type Row struct {
	row *sql.Row
}

// Scan copies the row's columns into dest.
func (r *Row) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	if err == nil || errors.Is(err, sql.ErrNoRows) {
		return err
	}
	return Classify("scan", err)
}

// Executor owns the connection pool.
type Executor struct {
	db        *sql.DB
	dialect   Dialect
	isolation string
	logger    *slog.Logger
}

// Open connects to the database described by cfg and verifies the
// connection. A failed ping is a KindConnectivity error.
func Open(ctx context.Context, cfg Config) (*Executor, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is empty")
	}

	dsn := cfg.DSN
	if cfg.Dialect == SQLite {
		dsn = sqliteDSN(dsn)
	}

	db, err := sqlOpen(cfg.Dialect.DriverName(), dsn)
	if err != nil {
		return nil, Classify("open", err)
	}

	if cfg.Dialect == SQLite {
		// SQLite only supports one writer at a time
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		cerr := Classify("ping", err)
		var ee *Error
		if errors.As(cerr, &ee) && ee.Kind == KindExecution {
			ee.Kind = KindConnectivity
		}
		return nil, cerr
	}

	if cfg.Dialect == SQLite {
		if err := applyPragmas(ctx, db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply pragmas: %w", err)
		}
	}

	return New(db, cfg.Dialect, cfg.IsolationSetting, cfg.Logger), nil
}

// New wraps an existing pool.
func New(db *sql.DB, dialect Dialect, isolationSetting string, logger *slog.Logger) *Executor {
	if isolationSetting == "" {
		isolationSetting = DefaultIsolationSetting
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{db: db, dialect: dialect, isolation: isolationSetting, logger: logger}
}

// sqliteDSN enables foreign keys and a busy timeout on every connection
// the pool opens.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_foreign_keys") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_foreign_keys=on&_busy_timeout=5000"
}

// applyPragmas sets SQLite configuration that cannot be expressed in the DSN.
func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// Dialect returns the connected dialect.
func (e *Executor) Dialect() Dialect {
	return e.dialect
}

// DB returns the underlying pool. Use with caution.
func (e *Executor) DB() *sql.DB {
	return e.db
}

// Close closes the pool.
func (e *Executor) Close() error {
	if e.db == nil {
		return nil
	}
	return e.db.Close()
}

// Ping verifies connectivity.
func (e *Executor) Ping(ctx context.Context) error {
	if err := e.db.PingContext(ctx); err != nil {
		return &Error{Kind: KindConnectivity, Op: "ping", Err: err}
	}
	return nil
}

// ExecContext executes a statement outside any transaction.
func (e *Executor) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := e.db.ExecContext(ctx, e.dialect.Rebind(query), args...)
	return res, Classify("exec", err)
}

// QueryContext runs a query outside any transaction.
func (e *Executor) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := e.db.QueryContext(ctx, e.dialect.Rebind(query), args...)
	return rows, Classify("query", err)
}

// QueryRowContext runs a single-row query outside any transaction.
func (e *Executor) QueryRowContext(ctx context.Context, query string, args ...any) *Row {
	return &Row{row: e.db.QueryRowContext(ctx, e.dialect.Rebind(query), args...)}
}

// InTx runs fn inside one transaction bound to scope's isolation context.
// The transaction commits when fn returns nil and rolls back otherwise;
// the error from fn is returned unchanged.
func (e *Executor) InTx(ctx context.Context, scope ir.Scope, fn func(tx *Tx) error) error {
	sqlTx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return Classify("begin", err)
	}

	committed := false
	defer func() {
		if !committed {
			if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				e.logger.Warn("rollback failed", "scope", scope.String(), "error", rbErr)
			}
		}
	}()

	tx := &Tx{tx: sqlTx, dialect: e.dialect, scope: scope}
	if !scope.IsGlobal() && e.dialect.SupportsPolicies() {
		// is_local=true: the setting dies with the transaction
		if _, err := tx.ExecContext(ctx, "SELECT set_config(?, ?, true)", e.isolation, scope.TenantID); err != nil {
			return fmt.Errorf("bind isolation context: %w", err)
		}
	}

	if err := fn(tx); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return Classify("commit", err)
	}
	committed = true
	return nil
}

// Tx is a transaction bound to one scope.
type Tx struct {
	tx      *sql.Tx
	dialect Dialect
	scope   ir.Scope
}

// Dialect returns the connected dialect.
func (t *Tx) Dialect() Dialect {
	return t.dialect
}

// Scope returns the scope the transaction's isolation context is bound to.
func (t *Tx) Scope() ir.Scope {
	return t.scope
}

// ExecContext executes a statement inside the transaction.
func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := t.tx.ExecContext(ctx, t.dialect.Rebind(query), args...)
	return res, Classify("exec", err)
}

// QueryContext runs a query inside the transaction.
func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := t.tx.QueryContext(ctx, t.dialect.Rebind(query), args...)
	return rows, Classify("query", err)
}

// QueryRowContext runs a single-row query inside the transaction.
func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *Row {
	return &Row{row: t.tx.QueryRowContext(ctx, t.dialect.Rebind(query), args...)}
}

// ExecProcedure executes one operator-authored statement verbatim, binding
// :tenant_id to the transaction's tenant. Placeholders are not rebound, so
// dialect-specific operators in the statement are preserved.
func (t *Tx) ExecProcedure(ctx context.Context, stmt string) (int64, error) {
	query, args := t.dialect.BindTenant(stmt, t.scope.TenantID)
	if len(args) > 0 && t.scope.IsGlobal() {
		return 0, &Error{Kind: KindExecution, Op: "procedure", Err: errors.New("statement binds :tenant_id but the scope is global")}
	}
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, Classify("procedure", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		// DDL on some drivers reports no row count
		return 0, nil
	}
	return n, nil
}

var (
	_ Querier = (*Executor)(nil)
	_ Querier = (*Tx)(nil)
)
