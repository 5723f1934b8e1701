package executor

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Dialect selects the SQL flavour of the connected database.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// ParseDialect maps a configured driver name to a Dialect.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	}
	return "", fmt.Errorf("unsupported database driver %q (want postgres or sqlite)", name)
}

// DriverName returns the database/sql driver registered for the dialect.
func (d Dialect) DriverName() string {
	if d == Postgres {
		return "pgx"
	}
	return "sqlite3"
}

// SupportsPolicies reports whether the dialect has row-level isolation
// policies.
func (d Dialect) SupportsPolicies() bool {
	return d == Postgres
}

// Placeholder returns the bind parameter for the n-th (1-based) argument.
func (d Dialect) Placeholder(n int) string {
	if d == Postgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// Rebind rewrites ? placeholders into the dialect's form. Question marks
// inside quoted strings or identifiers are left alone.
func (d Dialect) Rebind(query string) string {
	if d != Postgres || !strings.Contains(query, "?") {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	var quote byte
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '?':
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdent reports whether name is a plain SQL identifier. Table and
// column names come from operator-authored configuration and are quoted
// into statements, so anything else is refused.
func ValidIdent(name string) bool {
	return identPattern.MatchString(name)
}

// QuoteIdent validates and double-quotes an identifier. Both supported
// dialects accept double-quoted identifiers.
func QuoteIdent(name string) (string, error) {
	if !ValidIdent(name) {
		return "", fmt.Errorf("invalid SQL identifier %q", name)
	}
	return `"` + name + `"`, nil
}

// MustQuoteIdent is QuoteIdent for identifiers already validated upstream.
func MustQuoteIdent(name string) string {
	q, err := QuoteIdent(name)
	if err != nil {
		panic(err)
	}
	return q
}

// tenantToken is the procedure placeholder bound to the scope's tenant id.
const tenantToken = ":tenant_id"

// BindTenant replaces each :tenant_id token in an operator-authored
// statement with a bind parameter and returns the matching arguments.
// A "::" cast prefix is not a token. Tokens inside quoted strings are left
// alone.
func (d Dialect) BindTenant(stmt, tenantID string) (string, []any) {
	if !strings.Contains(stmt, tenantToken) {
		return stmt, nil
	}

	var (
		b     strings.Builder
		args  []any
		quote byte
	)
	for i := 0; i < len(stmt); i++ {
		c := stmt[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			b.WriteByte(c)
			continue
		}
		if c == '\'' || c == '"' {
			quote = c
			b.WriteByte(c)
			continue
		}
		if c == ':' && strings.HasPrefix(stmt[i:], tenantToken) &&
			(i == 0 || stmt[i-1] != ':') &&
			(i+len(tenantToken) == len(stmt) || !isIdentByte(stmt[i+len(tenantToken)])) {
			args = append(args, tenantID)
			b.WriteString(d.Placeholder(len(args)))
			i += len(tenantToken) - 1
			continue
		}
		b.WriteByte(c)
	}
	return b.String(), args
}

// UsesTenant reports whether a statement references the :tenant_id token.
func UsesTenant(stmt string) bool {
	_, args := SQLite.BindTenant(stmt, "")
	return len(args) > 0
}

func isIdentByte(c byte) bool {
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}
