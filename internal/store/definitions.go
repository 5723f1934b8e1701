package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/tenantmig/internal/ir"
)

const definitionColumns = `id, name, description, tenant_scoped, requires, tables, forward, reverse,
	reverse_destructive, expect, checksum, created_at`

// InsertDefinition appends a definition to the catalog table.
// Returns ErrDuplicate if the identity already exists; definitions are
// never updated.
func (s *Store) InsertDefinition(ctx context.Context, def ir.MigrationDefinition) error {
	cols := make([]string, 0, 6)
	for _, v := range []any{def.Requires, def.Tables, def.Forward, def.Reverse, def.ReverseDestructive, def.Expect} {
		enc, err := marshalJSON(v)
		if err != nil {
			return fmt.Errorf("marshal definition %s: %w", def.ID, err)
		}
		cols = append(cols, enc)
	}

	res, err := s.q.ExecContext(ctx, `
		INSERT INTO tm_migrations (`+definitionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`, def.ID, def.Name, def.Description, boolToInt(def.TenantScoped),
		cols[0], cols[1], cols[2], cols[3], cols[4], cols[5],
		def.Checksum, formatTime(def.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert definition %s: %w", def.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert definition %s: %w", def.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("definition %s: %w", def.ID, ErrDuplicate)
	}
	return nil
}

// GetDefinition loads one definition. Returns ErrNotFound if absent.
func (s *Store) GetDefinition(ctx context.Context, id string) (ir.MigrationDefinition, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+definitionColumns+" FROM tm_migrations WHERE id = ?", id)
	def, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.MigrationDefinition{}, fmt.Errorf("definition %s: %w", id, ErrNotFound)
	}
	return def, err
}

// ListDefinitions returns every definition in insertion order.
// ORDER BY created_at, id keeps the result deterministic.
func (s *Store) ListDefinitions(ctx context.Context) ([]ir.MigrationDefinition, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT "+definitionColumns+" FROM tm_migrations ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	defer rows.Close()

	var defs []ir.MigrationDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDefinition(sc scanner) (ir.MigrationDefinition, error) {
	var (
		def                                                     ir.MigrationDefinition
		scoped                                                  int
		requires, tables, forward, reverse, destructive, expect string
		createdAt                                               string
	)
	err := sc.Scan(&def.ID, &def.Name, &def.Description, &scoped, &requires, &tables,
		&forward, &reverse, &destructive, &expect, &def.Checksum, &createdAt)
	if err != nil {
		return def, err
	}
	def.TenantScoped = scoped != 0

	targets := []struct {
		data string
		dst  any
	}{
		{requires, &def.Requires},
		{tables, &def.Tables},
		{forward, &def.Forward},
		{reverse, &def.Reverse},
		{destructive, &def.ReverseDestructive},
		{expect, &def.Expect},
	}
	for _, t := range targets {
		if err := unmarshalJSON(t.data, t.dst); err != nil {
			return def, fmt.Errorf("definition %s: %w", def.ID, err)
		}
	}

	def.CreatedAt, err = parseTime(createdAt)
	return def, err
}
