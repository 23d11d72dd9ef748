// Package config loads Kennel's process configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the daemon's full runtime configuration, loaded once at
// startup and passed by pointer to every component constructor.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL" envDefault:"file:/var/lib/kennel/kennel.db?_pragma=foreign_keys(1)"`

	RouterAddr string `env:"ROUTER_ADDR" envDefault:"0.0.0.0:80"`
	BaseDomain string `env:"BASE_DOMAIN,required"`

	APIHost string `env:"API_HOST" envDefault:"0.0.0.0"`
	APIPort int    `env:"API_PORT" envDefault:"3000"`

	MaxConcurrentBuilds int    `env:"MAX_CONCURRENT_BUILDS" envDefault:"2"`
	WorkDir             string `env:"WORK_DIR" envDefault:"/var/lib/kennel/builds"`
	SitesDir            string `env:"SITES_DIR" envDefault:"/var/lib/kennel/sites"`
	ServicesDir         string `env:"SERVICES_DIR" envDefault:"/var/lib/kennel/services"`
	LogsDir             string `env:"LOGS_DIR" envDefault:"/var/lib/kennel/logs"`
	SecretsDir          string `env:"SECRETS_DIR" envDefault:"/run/kennel/secrets"`
	SecretSourceDir     string `env:"SECRET_SOURCE_DIR" envDefault:"/etc/kennel/secrets"`
	AcmeCacheDir        string `env:"ACME_CACHE_DIR" envDefault:"/var/lib/kennel/acme"`
	UnitDir             string `env:"UNIT_DIR" envDefault:"/etc/systemd/system"`

	AutoExpiryCheckIntervalSecs int           `env:"AUTO_EXPIRY_CHECK_INTERVAL_SECS" envDefault:"600"`
	DefaultExpiryWindow         time.Duration `env:"DEFAULT_EXPIRY_WINDOW" envDefault:"168h"`
	BuildRetention              time.Duration `env:"BUILD_RETENTION" envDefault:"720h"`

	HealthGateDeadline time.Duration `env:"HEALTH_GATE_DEADLINE" envDefault:"30s"`
	DrainDelay         time.Duration `env:"DRAIN_DELAY" envDefault:"30s"`

	AcmeEmail   string `env:"ACME_EMAIL"`
	AcmeStaging bool   `env:"ACME_STAGING" envDefault:"false"`
	TLSEnabled  bool   `env:"TLS_ENABLED" envDefault:"false"`

	CachixCacheName string `env:"CACHIX_CACHE_NAME"`

	DNSEnabled         bool   `env:"DNS_ENABLED" envDefault:"false"`
	CloudflareAPIToken string `env:"CLOUDFLARE_API_TOKEN"`
	CloudflareZoneID   string `env:"CLOUDFLARE_ZONE_ID"`

	HostConfigPath string `env:"HOST_CONFIG_PATH" envDefault:"/etc/kennel/hosts.yaml"`

	LogFormat string `env:"KENNEL_LOG_FORMAT" envDefault:"console"`
	LogLevel  string `env:"KENNEL_LOG_LEVEL" envDefault:"info"`

	ShutdownDeadline time.Duration `env:"SHUTDOWN_DEADLINE" envDefault:"300s"`
}

// Load parses environment variables into a Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from environment: %w", err)
	}
	return cfg, nil
}
