// Package credentials implements the Credential Resolver: turning a
// connection-string expression into a concrete one at config-load time.
package credentials

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Table is the small auxiliary credentials schema resolved by @name
// references: a named entry maps directly to a concrete connection string.
type Table map[string]string

// LoadTableFile reads a YAML document of name: value pairs from path,
// the source an operator points --credentials-file at to populate @name
// references. A missing path is not an error; it yields an empty table so
// @name references simply fail to resolve with a clear error instead of
// the daemon refusing to start.
func LoadTableFile(path string) (Table, error) {
	if path == "" {
		return Table{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Table{}, nil
		}
		return nil, fmt.Errorf("credentials: read table file %s: %w", path, err)
	}
	var table Table
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("credentials: parse table file %s: %w", path, err)
	}
	if table == nil {
		table = Table{}
	}
	return table, nil
}

// Resolver resolves literal / ${ENV_VAR} / @name expressions exactly once,
// at load time; resolved values live only in memory and are never logged.
type Resolver struct {
	table Table
}

// NewResolver loads dotEnvPath (if non-empty) into the process environment
// via joho/godotenv before constructing, so ${VAR} substitutions can draw
// from a .env file placed next to the config.
func NewResolver(dotEnvPath string, table Table) *Resolver {
	if dotEnvPath != "" {
		if err := godotenv.Load(dotEnvPath); err != nil && !os.IsNotExist(err) {
			// Non-fatal: the resolver only fails when a reference it actually
			// needs is missing, not because the optional .env file itself
			// couldn't be read.
			_ = err
		}
	}
	return &Resolver{table: table}
}

// Resolve transforms one scalar reference:
//   - a literal connection string (scheme://...) is used as-is
//   - ${ENV_VAR} is resolved from the process environment
//   - @name is resolved against the credentials table
func (r *Resolver) Resolve(expr string) (string, error) {
	expr = strings.TrimSpace(expr)

	switch {
	case strings.HasPrefix(expr, "@"):
		name := strings.TrimPrefix(expr, "@")
		val, ok := r.table[name]
		if !ok {
			return "", &ErrCredential{Reference: expr, Reason: "no credentials table entry named " + name}
		}
		return r.Resolve(val) // the table entry may itself contain ${VAR} substitutions

	case strings.Contains(expr, "${"):
		return substituteEnv(expr)

	default:
		return expr, nil
	}
}

// ErrCredential is a CONFIG_ERROR variant that surfaces the
// missing/empty reference by name, never its value.
type ErrCredential struct {
	Reference string
	Reason    string
}

func (e *ErrCredential) Error() string {
	return fmt.Sprintf("credentials: unresolved reference %q: %s", e.Reference, e.Reason)
}

func substituteEnv(expr string) (string, error) {
	var b strings.Builder
	rest := expr
	for {
		start := strings.Index(rest, "${")
		if start == -1 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "}")
		if end == -1 {
			return "", &ErrCredential{Reference: expr, Reason: "unterminated ${...} substitution"}
		}
		end += start

		b.WriteString(rest[:start])
		varName := rest[start+2 : end]
		val, ok := os.LookupEnv(varName)
		if !ok {
			return "", &ErrCredential{Reference: expr, Reason: "environment variable " + varName + " is not set"}
		}
		b.WriteString(val)
		rest = rest[end+1:]
	}
	return b.String(), nil
}
