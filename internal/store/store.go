package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/roach88/tenantmig/internal/executor"
)

//go:embed schema_sqlite.sql
var schemaSQLite string

//go:embed schema_postgres.sql
var schemaPostgres string

// Schema version tracking:
// 1 - Initial schema
const currentSchemaVersion = 1

// Sentinel errors.
var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

// Store provides durable storage for the tables tenantmig owns:
// definitions, per-scope status, snapshot metadata, backup schedules and
// audit events.
//
// A Store is bound to one Querier. In returns a copy bound to a
// transaction so state changes can commit atomically with a procedure.
type Store struct {
	q executor.Querier
}

// Open applies the embedded schema for the executor's dialect and returns
// a Store bound to the connection pool.
//
// This function is idempotent - safe to call on every start.
func Open(ctx context.Context, exec *executor.Executor) (*Store, error) {
	s := &Store{q: exec}
	if err := s.applySchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return s, nil
}

// In returns a Store that issues its statements through q, typically an
// open transaction.
func (s *Store) In(q executor.Querier) *Store {
	return &Store{q: q}
}

// Querier returns the querier the store is bound to.
func (s *Store) Querier() executor.Querier {
	return s.q
}

// applySchema creates tables if they don't exist and runs migrations.
func (s *Store) applySchema(ctx context.Context) error {
	schema := schemaSQLite
	if s.q.Dialect() == executor.Postgres {
		schema = schemaPostgres
	}
	if _, err := s.q.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return s.runMigrations(ctx)
}

// runMigrations applies incremental schema migrations based on the
// recorded schema version.
func (s *Store) runMigrations(ctx context.Context) error {
	var version int
	err := s.q.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM tm_schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	if version >= currentSchemaVersion {
		return nil
	}

	// Version 1 is the embedded schema itself; later versions add steps here.

	if version == 0 {
		_, err = s.q.ExecContext(ctx, "INSERT INTO tm_schema_version (version) VALUES (?)", currentSchemaVersion)
	} else {
		_, err = s.q.ExecContext(ctx, "UPDATE tm_schema_version SET version = ?", currentSchemaVersion)
	}
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

// SchemaVersion returns the recorded schema version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := s.q.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM tm_schema_version").Scan(&version)
	return version, err
}
