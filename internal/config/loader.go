package config

import (
	"fmt"
	"os"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/opsql/sqlalertd/internal/alertdef"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// LoadResult is Load's return shape: the valid definitions plus one error
// per alert that failed validation. A single invalid alert never
// invalidates the rest of the set.
type LoadResult struct {
	Definitions []alertdef.Definition
	Databases   map[string]string // ref -> resolved connection string
	Errors      []AlertError
}

// AlertError names the alert that failed (or "" for document-level errors)
// and the underlying reason.
type AlertError struct {
	AlertName string
	Err       error
}

func (e AlertError) Error() string {
	if e.AlertName == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("alert %q: %v", e.AlertName, e.Err)
}

// Loader parses a YAML source, resolves credentials, and validates each
// alert independently.
type Loader struct {
	resolver credentialResolver
}

func NewLoader(resolver credentialResolver) *Loader {
	return &Loader{resolver: resolver}
}

// Load reads and parses path, returning every valid definition and a
// per-alert error for everything that wasn't.
func (l *Loader) Load(path string) (LoadResult, error) {
	text, err := os.ReadFile(path)
	if err != nil {
		return LoadResult{}, fmt.Errorf("config.Load: read %s: %w", path, err)
	}

	doc, err := parseDocument(text)
	if err != nil {
		return LoadResult{}, err
	}

	databases := make(map[string]string, len(doc.Database))
	for ref, expr := range doc.Database {
		resolved, err := l.resolver.Resolve(expr)
		if err != nil {
			return LoadResult{}, fmt.Errorf("config.Load: database %q: %w", ref, err)
		}
		databases[ref] = resolved
	}

	result := LoadResult{Databases: databases}
	seen := make(map[string]bool, len(doc.Alerts))

	for _, raw := range doc.Alerts {
		def, err := raw.toDefinition(l.resolver)
		if err != nil {
			result.Errors = append(result.Errors, AlertError{AlertName: raw.Name, Err: err})
			continue
		}

		if err := validate(def, databases, seen); err != nil {
			result.Errors = append(result.Errors, AlertError{AlertName: def.Name, Err: err})
			continue
		}

		seen[def.Name] = true
		result.Definitions = append(result.Definitions, def)
	}

	for _, e := range result.Errors {
		log.Warn().Err(e.Err).Str("alert", e.AlertName).Msg("config: dropping invalid alert definition")
	}

	return result, nil
}

// validate checks what Definition.Validate can't see on its own: name
// uniqueness within this load and that database_ref actually resolves.
func validate(def alertdef.Definition, databases map[string]string, seen map[string]bool) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if seen[def.Name] {
		return fmt.Errorf("duplicate alert name %q", def.Name)
	}
	if _, ok := databases[def.DatabaseRef]; !ok {
		return fmt.Errorf("database_ref %q does not resolve", def.DatabaseRef)
	}
	if _, err := cronParser.Parse(def.Schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", def.Schedule, err)
	}
	if def.Enabled && len(def.Notify) == 0 {
		return fmt.Errorf("enabled alert has no notification targets")
	}
	return nil
}
