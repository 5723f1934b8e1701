package ir

import (
	"fmt"
	"time"
)

// Scope identifies where a migration runs: one tenant, or the shared
// (global) schema when TenantID is empty.
type Scope struct {
	TenantID string `json:"tenant_id,omitempty"`
}

// Global is the scope of migrations that act on the shared schema.
var Global = Scope{}

// TenantScope returns the scope for a single tenant.
func TenantScope(tenantID string) Scope {
	return Scope{TenantID: tenantID}
}

// IsGlobal reports whether the scope is the shared schema.
func (s Scope) IsGlobal() bool {
	return s.TenantID == ""
}

// Key returns the persisted scope key. The global scope is stored as the
// empty string so the (migration_id, scope_id) primary key stays unique
// without relying on NULL semantics.
func (s Scope) Key() string {
	return s.TenantID
}

// String renders the scope for logs and reports.
func (s Scope) String() string {
	if s.IsGlobal() {
		return "global"
	}
	return "tenant:" + s.TenantID
}

// ScopeFromKey is the inverse of Scope.Key.
func ScopeFromKey(key string) Scope {
	return Scope{TenantID: key}
}

// ObjectKind enumerates the structural objects a migration can create.
type ObjectKind string

const (
	ObjectTable  ObjectKind = "table"
	ObjectColumn ObjectKind = "column"
	ObjectIndex  ObjectKind = "index"
	ObjectPolicy ObjectKind = "policy"
)

// StructuralObject names a schema object whose presence the verifier checks.
// For columns Name is the column; for indexes and policies it is the object
// name; for tables it is empty.
type StructuralObject struct {
	Kind  ObjectKind `json:"kind"`
	Table string     `json:"table"`
	Name  string     `json:"name,omitempty"`
}

func (o StructuralObject) String() string {
	if o.Name == "" {
		return fmt.Sprintf("%s %s", o.Kind, o.Table)
	}
	return fmt.Sprintf("%s %s.%s", o.Kind, o.Table, o.Name)
}

// MigrationDefinition is an operator-authored schema/data transformation.
// Definitions are immutable once defined: a correction is a new definition.
type MigrationDefinition struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	TenantScoped bool     `json:"tenant_scoped"`
	Requires     []string `json:"requires"`

	// Tables lists the business tables a rollback snapshots before the
	// reverse procedure runs.
	Tables []string `json:"tables"`

	// Forward and Reverse are ordered SQL statements. The token :tenant_id
	// binds the scope's tenant identifier.
	Forward []string `json:"forward"`
	Reverse []string `json:"reverse"`

	// ReverseDestructive runs after Reverse unless data is preserved.
	// Column drops and data removal belong here.
	ReverseDestructive []string `json:"reverse_destructive"`

	Expect []StructuralObject `json:"expect"`

	Checksum  string    `json:"checksum"`
	CreatedAt time.Time `json:"created_at"`
}

// ScopeFor returns the scope a prerequisite is checked in when the
// dependent runs in scope s: tenant-scoped definitions share the tenant,
// global definitions are always global.
func (d MigrationDefinition) ScopeFor(s Scope) Scope {
	if d.TenantScoped {
		return s
	}
	return Global
}

// MigrationState is the lifecycle state of a (migration, scope) pair.
type MigrationState string

const (
	StatePending    MigrationState = "pending"
	StateRunning    MigrationState = "running"
	StateCompleted  MigrationState = "completed"
	StateFailed     MigrationState = "failed"
	StateRolledBack MigrationState = "rolled_back"
)

// Valid reports whether s is a known state.
func (s MigrationState) Valid() bool {
	switch s {
	case StatePending, StateRunning, StateCompleted, StateFailed, StateRolledBack:
		return true
	}
	return false
}

// Runnable reports whether a run may start from this state.
// A rolled-back migration may be applied again.
func (s MigrationState) Runnable() bool {
	return s == StatePending || s == StateRolledBack
}

// MigrationStatus is the persisted state for one (migration, scope) key.
type MigrationStatus struct {
	MigrationID     string         `json:"migration_id"`
	Scope           Scope          `json:"scope"`
	State           MigrationState `json:"state"`
	RunToken        string         `json:"-"`
	StartedAt       time.Time      `json:"started_at,omitzero"`
	AppliedAt       time.Time      `json:"applied_at,omitzero"`
	RolledBackAt    time.Time      `json:"rolled_back_at,omitzero"`
	Error           string         `json:"error,omitempty"`
	ExecutionTimeMs int64          `json:"execution_time_ms"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// StatusView joins a definition with its status in one scope. A definition
// without a status row is reported as pending.
type StatusView struct {
	MigrationID  string         `json:"migration_id"`
	Name         string         `json:"name"`
	TenantScoped bool           `json:"tenant_scoped"`
	Scope        Scope          `json:"scope"`
	State        MigrationState `json:"state"`
	AppliedAt    time.Time      `json:"applied_at,omitzero"`
	RolledBackAt time.Time      `json:"rolled_back_at,omitzero"`
	Error        string         `json:"error,omitempty"`
	ExecutionMs  int64          `json:"execution_time_ms"`
}
