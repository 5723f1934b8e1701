package executor

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

// Kind is the error taxonomy every upstream component branches on.
// Driver errors are classified once, here, and never by message text.
type Kind string

const (
	// KindConnectivity: the database is unreachable. Fatal for the run.
	KindConnectivity Kind = "connectivity"

	// KindExecution: a statement failed. The transaction is discarded.
	KindExecution Kind = "execution"

	// KindConstraint: a statement violated a constraint.
	KindConstraint Kind = "constraint"

	// KindConflict: lock contention or serialization failure.
	KindConflict Kind = "conflict"

	// KindCanceled: the context was cancelled or timed out.
	KindCanceled Kind = "canceled"
)

// Error is a classified database error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Classify wraps err in an *Error carrying its Kind. Already classified
// errors are returned unchanged; nil stays nil.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ee *Error
	if errors.As(err, &ee) {
		return err
	}
	return &Error{Kind: kindOf(err), Op: op, Err: err}
}

// KindOf returns the Kind of a classified error, classifying it on the fly
// if needed.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return kindOf(err)
}

// IsConnectivity reports whether err means the database is unreachable.
func IsConnectivity(err error) bool {
	return err != nil && KindOf(err) == KindConnectivity
}

// IsConstraint reports whether err is a constraint violation.
func IsConstraint(err error) bool {
	return err != nil && KindOf(err) == KindConstraint
}

func kindOf(err error) Kind {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return KindConnectivity
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgKind(pgErr.Code)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return KindConnectivity
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return sqliteKind(liteErr)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindConnectivity
	}
	return KindExecution
}

// pgKind maps a SQLSTATE code to a Kind.
func pgKind(code string) Kind {
	switch {
	case strings.HasPrefix(code, "08"): // connection exception
		return KindConnectivity
	case code == "57P01" || code == "57P02" || code == "57P03": // shutdown / cannot connect now
		return KindConnectivity
	case strings.HasPrefix(code, "23"): // integrity constraint violation
		return KindConstraint
	case code == "40001" || code == "40P01" || code == "55P03": // serialization, deadlock, lock not available
		return KindConflict
	case code == "57014": // query_canceled
		return KindCanceled
	}
	return KindExecution
}

func sqliteKind(e sqlite3.Error) Kind {
	switch e.Code {
	case sqlite3.ErrCantOpen, sqlite3.ErrNotADB:
		return KindConnectivity
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		return KindConflict
	case sqlite3.ErrConstraint:
		return KindConstraint
	case sqlite3.ErrInterrupt:
		return KindCanceled
	}
	return KindExecution
}
