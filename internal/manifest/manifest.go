// Package manifest parses a project's kennel.toml (spec.md §6).
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// Manifest is the parsed contents of kennel.toml.
type Manifest struct {
	Cachix      *Cachix                `toml:"cachix"`
	Services    map[string]ServiceSpec `toml:"services"`
	StaticSites map[string]StaticSpec  `toml:"static_sites"`
}

type Cachix struct {
	CacheName     string `toml:"cache_name"`
	AuthTokenFile string `toml:"auth_token_file"`
}

type ServiceSpec struct {
	FlakeOutput            string            `toml:"flake_output"`
	PreviewDatabase        bool              `toml:"preview_database"`
	HealthCheck            string            `toml:"health_check"`
	HealthCheckTimeoutSecs int               `toml:"health_check_timeout_secs"`
	CustomDomain           string            `toml:"custom_domain"`
	Secrets                []string          `toml:"secrets"`
	Env                    map[string]string `toml:"env"`
	DrainSecs              int               `toml:"drain_secs"`
}

type StaticSpec struct {
	FlakeOutput  string `toml:"flake_output"`
	SPA          bool   `toml:"spa"`
	CustomDomain string `toml:"custom_domain"`
}

const (
	defaultHealthCheck   = "/health"
	defaultHealthTimeout = 30
	defaultDrainSecs     = 30
)

// Parse reads and decodes kennel.toml, applying the defaults spec.md §6
// documents, and filling each service/site's FlakeOutput with its map key
// when left blank.
func Parse(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}
	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	m.applyDefaults()
	return &m, nil
}

// ParseRepo parses kennel.toml at the root of the given repository working copy.
func ParseRepo(repoDir string) (*Manifest, error) {
	return Parse(filepath.Join(repoDir, "kennel.toml"))
}

func (m *Manifest) applyDefaults() {
	for name, svc := range m.Services {
		if svc.FlakeOutput == "" {
			svc.FlakeOutput = name
		}
		if svc.HealthCheck == "" {
			svc.HealthCheck = defaultHealthCheck
		}
		if svc.HealthCheckTimeoutSecs == 0 {
			svc.HealthCheckTimeoutSecs = defaultHealthTimeout
		}
		if svc.DrainSecs == 0 {
			svc.DrainSecs = defaultDrainSecs
		}
		m.Services[name] = svc
	}
	for name, site := range m.StaticSites {
		if site.FlakeOutput == "" {
			site.FlakeOutput = name
		}
		m.StaticSites[name] = site
	}
}

// Items enumerates every declared build target (service or static site)
// by name, for the Builder's per-item build loop (spec.md §4.2 step 4).
type Item struct {
	Name        string
	FlakeOutput string
	IsStatic    bool
}

func (m *Manifest) Items() []Item {
	items := make([]Item, 0, len(m.Services)+len(m.StaticSites))
	for name, svc := range m.Services {
		items = append(items, Item{Name: name, FlakeOutput: svc.FlakeOutput})
	}
	for name, site := range m.StaticSites {
		items = append(items, Item{Name: name, FlakeOutput: site.FlakeOutput, IsStatic: true})
	}
	return items
}
