// Package hostconfig implements the declarative Project sync described in
// spec.md §3 ("Created/removed by declarative host configuration sync on
// startup"). The host config file format and its own validation/tooling
// are explicitly out of scope (spec.md §1); this package only consumes it.
package hostconfig

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/kennel-paas/kennel/internal/store"
)

// Document is the declarative registry of projects Kennel should serve.
// Grounded directly on the teacher's LoadProject (internal/deploy/engine.go),
// which decodes a YAML document into a project struct the same way.
type Document struct {
	Projects []ProjectSpec `yaml:"projects"`
}

type ProjectSpec struct {
	Name             string `yaml:"name"`
	CloneURL         string `yaml:"clone_url"`
	Platform         string `yaml:"platform"`
	WebhookSecret    string `yaml:"webhook_secret"`
	DefaultBranch    string `yaml:"default_branch"`
	ExpiryWindowSecs int    `yaml:"expiry_window_secs"`
}

// Load reads and parses the host config file. A missing file is not an
// error: it means no declarative project list is configured, and Kennel
// relies solely on whatever is already in the store.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading host config %s: %w", path, err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing host config %s: %w", path, err)
	}
	return &doc, nil
}

// Sync upserts every declared project into the store and removes any
// store project absent from the document, per spec.md §3's project
// lifecycle note. It writes only Project rows; removing a project cascades
// to its Service, Build and Deployment rows (see store.DeleteProject).
func Sync(st *store.Store, doc *Document, log zerolog.Logger) error {
	declared := make(map[string]bool, len(doc.Projects))
	for _, p := range doc.Projects {
		declared[p.Name] = true
		if err := st.UpsertProject(&store.Project{
			Name:             p.Name,
			CloneURL:         p.CloneURL,
			Platform:         store.Platform(p.Platform),
			WebhookSecret:    p.WebhookSecret,
			DefaultBranch:    defaultBranch(p.DefaultBranch),
			ExpiryWindowSecs: p.ExpiryWindowSecs,
		}); err != nil {
			return fmt.Errorf("syncing project %s: %w", p.Name, err)
		}
		log.Info().Str("project", p.Name).Msg("synced project from host config")
	}

	existing, err := st.ListProjects()
	if err != nil {
		return fmt.Errorf("listing existing projects: %w", err)
	}
	for _, p := range existing {
		if !declared[p.Name] {
			log.Warn().Str("project", p.Name).Msg("project no longer declared in host config, removing")
			if err := st.DeleteProject(p.Name); err != nil {
				return fmt.Errorf("removing project %s: %w", p.Name, err)
			}
		}
	}
	return nil
}

func defaultBranch(b string) string {
	if b == "" {
		return "main"
	}
	return b
}
