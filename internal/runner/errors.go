package runner

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/tenantmig/internal/ir"
)

// ErrScopeMismatch reports a tenant-scoped migration addressed to the
// global scope or the reverse.
var ErrScopeMismatch = errors.New("scope does not match migration")

// DependencyMissingError reports a prerequisite that has not completed in
// the scope the dependent needs it in. The dependent is skipped.
type DependencyMissingError struct {
	MigrationID string
	Requires    string
	Scope       ir.Scope
	State       ir.MigrationState
}

func (e *DependencyMissingError) Error() string {
	return fmt.Sprintf("migration %s requires %s in %s, which is %s", e.MigrationID, e.Requires, e.Scope, e.State)
}

// ConflictError reports that another process owns the (migration, scope)
// pair. It is a warning, not a failure.
type ConflictError struct {
	MigrationID string
	Scope       ir.Scope
	State       ir.MigrationState
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("migration %s in %s is %s in another process", e.MigrationID, e.Scope, e.State)
}

// ExecutionError is a procedure failure. The transaction was discarded and
// the status row records Err verbatim.
type ExecutionError struct {
	MigrationID string
	Scope       ir.Scope
	Statement   int
	Err         error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("migration %s in %s failed at statement %d: %v", e.MigrationID, e.Scope, e.Statement+1, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// StateError reports an operation attempted from the wrong state.
type StateError struct {
	Op          string
	MigrationID string
	Scope       ir.Scope
	State       ir.MigrationState
	Want        []ir.MigrationState
}

func (e *StateError) Error() string {
	want := make([]string, len(e.Want))
	for i, s := range e.Want {
		want[i] = string(s)
	}
	return fmt.Sprintf("cannot %s migration %s in %s: state is %s, want %s",
		e.Op, e.MigrationID, e.Scope, e.State, strings.Join(want, " or "))
}

// DependentsError refuses a rollback while completed dependents exist.
type DependentsError struct {
	MigrationID string
	Scope       ir.Scope
	Dependents  []string
}

func (e *DependentsError) Error() string {
	return fmt.Sprintf("cannot roll back %s in %s: completed dependents %s",
		e.MigrationID, e.Scope, strings.Join(e.Dependents, ", "))
}
