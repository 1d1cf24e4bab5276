// Package config implements the Config Loader / Watcher: parsing the
// declarative YAML alert document, resolving credentials, validating each
// alert independently, and watching the source file for changes with a
// debounce.
package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opsql/sqlalertd/internal/alertdef"
)

// document mirrors the external YAML grammar exactly; it is an
// unresolved, unvalidated representation — Load turns it into
// []alertdef.Definition.
type document struct {
	Database map[string]string   `yaml:"database"`
	Alerts   []alertDoc          `yaml:"alerts"`
}

type alertDoc struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Enabled     *bool       `yaml:"enabled"`
	Query       string      `yaml:"query"`
	Schedule    string      `yaml:"schedule"`
	Timezone    string      `yaml:"timezone"`
	DatabaseRef string      `yaml:"database_ref"`
	Notify      []targetDoc `yaml:"notify"`
}

type targetDoc struct {
	Channel         string            `yaml:"channel"`
	Recipients      []string          `yaml:"recipients"`
	SubjectTemplate string            `yaml:"subject_template"`
	WebhookURL      string            `yaml:"webhook_url"`
	ChannelName     string            `yaml:"channel_name"`
	Username        string            `yaml:"username"`
	URL             string            `yaml:"url"`
	Method          string            `yaml:"method"`
	Headers         map[string]string `yaml:"headers"`
}

func parseDocument(text []byte) (document, error) {
	var doc document
	if err := yaml.Unmarshal(text, &doc); err != nil {
		return document{}, fmt.Errorf("config: parse yaml: %w", err)
	}
	return doc, nil
}

// credentialResolver is satisfied by *credentials.Resolver; kept as a local
// interface so this package doesn't import credentials for more than this
// one seam, and so tests can stub it trivially.
type credentialResolver interface {
	Resolve(expr string) (string, error)
}

func (a alertDoc) toDefinition(resolver credentialResolver) (alertdef.Definition, error) {
	enabled := true
	if a.Enabled != nil {
		enabled = *a.Enabled
	}

	def := alertdef.Definition{
		Name:        a.Name,
		Description: a.Description,
		Enabled:     enabled,
		Query:       a.Query,
		Schedule:    a.Schedule,
		Timezone:    a.Timezone,
		DatabaseRef: a.DatabaseRef,
	}

	for i, t := range a.Notify {
		target, err := t.toTarget(resolver)
		if err != nil {
			return alertdef.Definition{}, fmt.Errorf("notify[%d]: %w", i, err)
		}
		def.Notify = append(def.Notify, target)
	}

	return def, nil
}

func (t targetDoc) toTarget(resolver credentialResolver) (alertdef.NotificationTarget, error) {
	channel := alertdef.Channel(strings.ToLower(t.Channel))
	target := alertdef.NotificationTarget{
		Channel:         channel,
		Recipients:      t.Recipients,
		SubjectTemplate: t.SubjectTemplate,
		ChannelName:     t.ChannelName,
		Username:        t.Username,
		Headers:         cloneHeaders(t.Headers),
	}

	switch channel {
	case alertdef.ChannelSlack:
		resolved, err := resolver.Resolve(t.WebhookURL)
		if err != nil {
			return alertdef.NotificationTarget{}, err
		}
		target.WebhookURL = resolved

	case alertdef.ChannelWebhook:
		resolved, err := resolver.Resolve(t.URL)
		if err != nil {
			return alertdef.NotificationTarget{}, err
		}
		target.URL = resolved
		if t.Method != "" {
			if target.Headers == nil {
				target.Headers = make(map[string]string)
			}
			target.Headers["method"] = strings.ToUpper(t.Method)
		}

	case alertdef.ChannelEmail:
		// recipients are plain addresses, not credential expressions.
	}

	return target, nil
}

func cloneHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// DefaultDebounceInterval is the quiet interval required before a
// coalesced file-change event fires onChange.
var DefaultDebounceInterval = 2 * time.Second
