package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/tenantmig/internal/ir"
)

//go:embed schema.cue
var schemaCUE string

// Load error codes.
const (
	ErrCodeNotFound    = "E001" // directory missing or not a directory
	ErrCodeNoFiles     = "E002" // no .cue files
	ErrCodeBuildFailed = "E003" // CUE syntax or schema violation
	ErrCodeInvalid     = "E004" // definition or tenancy model rejected
)

// LoadError is a catalog load failure with its CUE position when known.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Source is the content of a catalog directory.
type Source struct {
	Migrations []ir.MigrationDefinition
	Tenancy    *ir.TenancyModel
	Files      []string
}

// LoadDir reads every .cue file under dir, unifies them with the embedded
// schema and extracts migration definitions (sorted by id) and the tenancy
// model, if declared.
func LoadDir(dir string) (*Source, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("catalog directory: %v", err)}
	}
	if !info.IsDir() {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}
	}

	files, err := findCUEFiles(dir)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("scanning %s: %v", dir, err)}
	}
	if len(files) == 0 {
		return nil, &LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}
	}

	ctx := cuecontext.New()
	value := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := value.Err(); err != nil {
		return nil, cueError(ErrCodeBuildFailed, err)
	}

	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("reading %s: %v", f, err)}
		}
		fv := ctx.CompileBytes(data, cue.Filename(f))
		if err := fv.Err(); err != nil {
			return nil, cueError(ErrCodeBuildFailed, err)
		}
		value = value.Unify(fv)
	}
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return nil, cueError(ErrCodeBuildFailed, err)
	}

	src := &Source{Files: files}
	if src.Migrations, err = extractMigrations(value); err != nil {
		return nil, err
	}
	if src.Tenancy, err = extractTenancy(value); err != nil {
		return nil, err
	}
	return src, nil
}

type cueObject struct {
	Kind  string `json:"kind"`
	Table string `json:"table"`
	Name  string `json:"name"`
}

type cueMigration struct {
	Name               string      `json:"name"`
	Description        string      `json:"description"`
	TenantScoped       bool        `json:"tenantScoped"`
	Requires           []string    `json:"requires"`
	Tables             []string    `json:"tables"`
	Forward            []string    `json:"forward"`
	Reverse            []string    `json:"reverse"`
	ReverseDestructive []string    `json:"reverseDestructive"`
	Expect             []cueObject `json:"expect"`
}

func extractMigrations(v cue.Value) ([]ir.MigrationDefinition, error) {
	mv := v.LookupPath(cue.ParsePath("migration"))
	if !mv.Exists() {
		return nil, nil
	}
	iter, err := mv.Fields()
	if err != nil {
		return nil, cueError(ErrCodeBuildFailed, err)
	}

	var defs []ir.MigrationDefinition
	for iter.Next() {
		id := iter.Selector().Unquoted()
		var m cueMigration
		if err := iter.Value().Decode(&m); err != nil {
			return nil, cueError(ErrCodeBuildFailed, err)
		}

		def := ir.MigrationDefinition{
			ID:                 id,
			Name:               m.Name,
			Description:        m.Description,
			TenantScoped:       m.TenantScoped,
			Requires:           m.Requires,
			Tables:             m.Tables,
			Forward:            m.Forward,
			Reverse:            m.Reverse,
			ReverseDestructive: m.ReverseDestructive,
		}
		for _, o := range m.Expect {
			def.Expect = append(def.Expect, ir.StructuralObject{Kind: ir.ObjectKind(o.Kind), Table: o.Table, Name: o.Name})
		}
		if err := Validate(def); err != nil {
			return nil, &LoadError{Code: ErrCodeInvalid, Message: err.Error(), Pos: iter.Value().Pos()}
		}
		defs = append(defs, def)
	}

	slices.SortFunc(defs, func(a, b ir.MigrationDefinition) int {
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return defs, nil
}

func extractTenancy(v cue.Value) (*ir.TenancyModel, error) {
	tv := v.LookupPath(cue.ParsePath("tenancy"))
	if !tv.Exists() {
		return nil, nil
	}
	var m ir.TenancyModel
	if err := tv.Decode(&m); err != nil {
		return nil, cueError(ErrCodeBuildFailed, err)
	}
	applyTenancyDefaults(&m)
	if err := m.Validate(); err != nil {
		return nil, &LoadError{Code: ErrCodeInvalid, Message: err.Error(), Pos: tv.Pos()}
	}
	return &m, nil
}

// applyTenancyDefaults fills the conventional names a catalog may omit.
func applyTenancyDefaults(m *ir.TenancyModel) {
	if m.TenantColumn == "" {
		m.TenantColumn = "tenant_id"
	}
	if m.Tenants.IDColumn == "" {
		m.Tenants.IDColumn = "id"
	}
	for i := range m.Tables {
		if m.Tables[i].PrimaryKey == "" {
			m.Tables[i].PrimaryKey = "id"
		}
	}
	for i := range m.Relations {
		if m.Relations[i].ParentKey == "" {
			m.Relations[i].ParentKey = "id"
		}
		if m.Relations[i].OrphanPolicy == "" {
			m.Relations[i].OrphanPolicy = ir.OrphanNone
		}
	}
}

// findCUEFiles returns every .cue file under dir in lexical order.
func findCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// cueError converts a CUE error into a LoadError carrying the first
// position CUE reports.
func cueError(code string, err error) *LoadError {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return &LoadError{Code: code, Message: err.Error()}
	}
	first := errs[0]
	le := &LoadError{Code: code, Message: first.Error()}
	if positions := errors.Positions(first); len(positions) > 0 {
		le.Pos = positions[0]
	}
	return le
}
