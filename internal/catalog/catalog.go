// Package catalog is the append-only registry of migration definitions.
//
// Definitions are authored as CUE (see loader.go), synced into the
// tm_migrations table, and never edited afterwards: a correction is a new
// definition. OrderedAll resolves prerequisites into a deterministic
// execution order.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/roach88/tenantmig/internal/clock"
	"github.com/roach88/tenantmig/internal/ir"
	"github.com/roach88/tenantmig/internal/store"
)

// Sentinel errors. They wrap the store's so either can be matched.
var (
	ErrDuplicate = store.ErrDuplicate
	ErrNotFound  = store.ErrNotFound
	ErrInvalid   = errors.New("invalid migration definition")
)

// Catalog reads and appends migration definitions.
type Catalog struct {
	store  *store.Store
	clock  clock.Clock
	logger *slog.Logger
}

// New creates a catalog over st.
func New(st *store.Store, clk clock.Clock, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{store: st, clock: clock.OrSystem(clk), logger: logger}
}

// Validate checks a definition's shape without touching storage.
func Validate(def ir.MigrationDefinition) error {
	if def.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalid)
	}
	if def.Name == "" {
		return fmt.Errorf("%w: %s: name is required", ErrInvalid, def.ID)
	}
	if len(def.Forward) == 0 {
		return fmt.Errorf("%w: %s: forward procedure is empty", ErrInvalid, def.ID)
	}
	if len(def.ReverseDestructive) > 0 && len(def.Tables) == 0 {
		return fmt.Errorf("%w: %s: reverseDestructive needs tables to snapshot", ErrInvalid, def.ID)
	}
	seen := make(map[string]bool, len(def.Requires))
	for _, req := range def.Requires {
		if req == def.ID {
			return fmt.Errorf("%w: %s: requires itself", ErrInvalid, def.ID)
		}
		if seen[req] {
			return fmt.Errorf("%w: %s: requirement %s listed twice", ErrInvalid, def.ID, req)
		}
		seen[req] = true
	}
	for _, o := range def.Expect {
		switch o.Kind {
		case ir.ObjectTable:
		case ir.ObjectColumn, ir.ObjectIndex, ir.ObjectPolicy:
			if o.Name == "" {
				return fmt.Errorf("%w: %s: %s expectation on %s needs a name", ErrInvalid, def.ID, o.Kind, o.Table)
			}
		default:
			return fmt.Errorf("%w: %s: unknown object kind %q", ErrInvalid, def.ID, o.Kind)
		}
	}
	return nil
}

// Define appends a definition. The checksum is computed from content and
// CreatedAt defaults to now. Returns ErrDuplicate if the id exists.
func (c *Catalog) Define(ctx context.Context, def ir.MigrationDefinition) (ir.MigrationDefinition, error) {
	if err := Validate(def); err != nil {
		return ir.MigrationDefinition{}, err
	}
	if !def.TenantScoped {
		for _, id := range def.Requires {
			req, err := c.store.GetDefinition(ctx, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return ir.MigrationDefinition{}, err
			}
			if err := checkRequirementScope(def, req); err != nil {
				return ir.MigrationDefinition{}, err
			}
		}
	}

	sum, err := ir.DefinitionChecksum(def)
	if err != nil {
		return ir.MigrationDefinition{}, err
	}
	def.Checksum = sum
	if def.CreatedAt.IsZero() {
		def.CreatedAt = c.clock.Now()
	}

	if err := c.store.InsertDefinition(ctx, def); err != nil {
		return ir.MigrationDefinition{}, err
	}
	c.logger.Debug("migration defined", "migration", def.ID, "checksum", def.Checksum[:12])
	return def, nil
}

// Get returns one definition or ErrNotFound.
func (c *Catalog) Get(ctx context.Context, id string) (ir.MigrationDefinition, error) {
	return c.store.GetDefinition(ctx, id)
}

// All returns every definition in insertion order.
func (c *Catalog) All(ctx context.Context) ([]ir.MigrationDefinition, error) {
	return c.store.ListDefinitions(ctx)
}

// OrderedAll returns every definition in dependency order.
func (c *Catalog) OrderedAll(ctx context.Context) ([]ir.MigrationDefinition, error) {
	defs, err := c.All(ctx)
	if err != nil {
		return nil, err
	}
	return Order(defs)
}

// Drift is a definition whose stored content differs from its source.
type Drift struct {
	ID       string `json:"id"`
	Stored   string `json:"stored_checksum"`
	Authored string `json:"authored_checksum"`
}

// SyncResult summarises a Sync call.
type SyncResult struct {
	Added     []string `json:"added"`
	Unchanged []string `json:"unchanged"`
	Drift     []Drift  `json:"drift"`
}

// Sync defines every authored definition that is not yet stored. A stored
// definition whose checksum differs from the authored one is reported as
// drift and left untouched.
func (c *Catalog) Sync(ctx context.Context, defs []ir.MigrationDefinition) (SyncResult, error) {
	var res SyncResult

	stored, err := c.All(ctx)
	if err != nil {
		return res, err
	}
	byID := make(map[string]ir.MigrationDefinition, len(stored))
	for _, d := range stored {
		byID[d.ID] = d
	}

	// Validate ordering of the combined set before writing anything.
	combined := slices.Clone(stored)
	for _, d := range defs {
		if _, ok := byID[d.ID]; !ok {
			combined = append(combined, d)
		}
	}
	if _, err := Order(combined); err != nil {
		return res, err
	}

	for _, d := range defs {
		existing, ok := byID[d.ID]
		if !ok {
			if _, err := c.Define(ctx, d); err != nil {
				return res, err
			}
			res.Added = append(res.Added, d.ID)
			continue
		}

		sum, err := ir.DefinitionChecksum(d)
		if err != nil {
			return res, err
		}
		if sum != existing.Checksum {
			c.logger.Warn("migration source drifted from stored definition",
				"migration", d.ID, "stored", existing.Checksum[:12], "authored", sum[:12])
			res.Drift = append(res.Drift, Drift{ID: d.ID, Stored: existing.Checksum, Authored: sum})
			continue
		}
		res.Unchanged = append(res.Unchanged, d.ID)
	}
	return res, nil
}

// Index maps definitions by id.
func Index(defs []ir.MigrationDefinition) map[string]ir.MigrationDefinition {
	m := make(map[string]ir.MigrationDefinition, len(defs))
	for _, d := range defs {
		m[d.ID] = d
	}
	return m
}

// Dependents returns the ids of definitions that directly require id,
// sorted.
func Dependents(defs []ir.MigrationDefinition, id string) []string {
	var out []string
	for _, d := range defs {
		if slices.Contains(d.Requires, id) {
			out = append(out, d.ID)
		}
	}
	slices.Sort(out)
	return out
}
