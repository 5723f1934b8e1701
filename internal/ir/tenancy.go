package ir

import (
	"fmt"
	"slices"
)

// OrphanPolicy declares how remediation treats rows whose reference
// resolves to no parent.
type OrphanPolicy string

const (
	OrphanNone    OrphanPolicy = "none"
	OrphanDelete  OrphanPolicy = "delete"
	OrphanNullify OrphanPolicy = "nullify"
)

// TenantSource locates the table listing tenants.
type TenantSource struct {
	Table        string `json:"table"`
	IDColumn     string `json:"idColumn"`
	ActiveColumn string `json:"activeColumn,omitempty"`
}

// TableSpec describes a tenant-scoped business table.
type TableSpec struct {
	Name       string `json:"name"`
	PrimaryKey string `json:"primaryKey"`
}

// Relation is a declared foreign-key relationship child.Column → parent.ParentKey.
type Relation struct {
	Name      string `json:"name"`
	Child     string `json:"child"`
	Column    string `json:"column"`
	Parent    string `json:"parent"`
	ParentKey string `json:"parentKey"`

	OrphanPolicy OrphanPolicy `json:"orphanPolicy"`

	// ExpectChildren flags tenants that own parent rows but no child rows.
	ExpectChildren bool `json:"expectChildren"`

	// TenantSource marks the parent as the trusted source of the child's
	// tenant identifier when it is missing.
	TenantSource bool `json:"tenantSource"`
}

// BusinessRule is a declared domain bound. Condition is a SQL predicate
// selecting violating rows. Fix, when declared, is a SET clause applied to
// those rows by remediation; rules without a Fix are reported only.
type BusinessRule struct {
	Name        string `json:"name"`
	Table       string `json:"table"`
	Condition   string `json:"condition"`
	Description string `json:"description"`
	Fix         string `json:"fix,omitempty"`
}

// RequiredIndex names an index that must exist for a table. When Name is
// empty any index leading with Column satisfies the requirement.
type RequiredIndex struct {
	Table  string `json:"table"`
	Column string `json:"column"`
	Name   string `json:"name,omitempty"`
}

// TenancyModel is the declared shape of the multi-tenant business schema
// the validator checks.
type TenancyModel struct {
	TenantColumn string          `json:"tenantColumn"`
	Tenants      TenantSource    `json:"tenants"`
	Tables       []TableSpec     `json:"tables"`
	Relations    []Relation      `json:"relations"`
	Rules        []BusinessRule  `json:"rules"`
	Indexes      []RequiredIndex `json:"indexes"`

	// Policies lists tables that must carry an isolation policy.
	Policies []string `json:"policies"`
}

// Table returns the spec of a tenant-scoped table.
func (m TenancyModel) Table(name string) (TableSpec, bool) {
	for _, t := range m.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableSpec{}, false
}

// IsTenantScoped reports whether the table carries a tenant identifier.
func (m TenancyModel) IsTenantScoped(table string) bool {
	_, ok := m.Table(table)
	return ok
}

// TenantSourceFor returns the relation that supplies a missing tenant
// identifier for table: an explicit tenantSource relation first, otherwise
// the first relation whose parent is tenant-scoped.
func (m TenancyModel) TenantSourceFor(table string) (Relation, bool) {
	var fallback *Relation
	for i, r := range m.Relations {
		if r.Child != table || !m.IsTenantScoped(r.Parent) {
			continue
		}
		if r.TenantSource {
			return r, true
		}
		if fallback == nil {
			fallback = &m.Relations[i]
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return Relation{}, false
}

// Validate checks internal consistency of the model.
func (m TenancyModel) Validate() error {
	if m.TenantColumn == "" {
		return fmt.Errorf("tenancy: tenantColumn is required")
	}
	names := make([]string, 0, len(m.Tables))
	for _, t := range m.Tables {
		if t.Name == "" {
			return fmt.Errorf("tenancy: table with empty name")
		}
		if slices.Contains(names, t.Name) {
			return fmt.Errorf("tenancy: duplicate table %q", t.Name)
		}
		names = append(names, t.Name)
	}
	for _, r := range m.Relations {
		if r.Child == "" || r.Column == "" || r.Parent == "" || r.ParentKey == "" {
			return fmt.Errorf("tenancy: relation %q is incomplete", r.Name)
		}
		switch r.OrphanPolicy {
		case "", OrphanNone, OrphanDelete, OrphanNullify:
		default:
			return fmt.Errorf("tenancy: relation %q: unknown orphanPolicy %q", r.Name, r.OrphanPolicy)
		}
	}
	for _, rule := range m.Rules {
		if rule.Table == "" || rule.Condition == "" {
			return fmt.Errorf("tenancy: rule %q needs table and condition", rule.Name)
		}
	}
	return nil
}
