package router

import (
	"context"
	"crypto/tls"
	"strings"

	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"

	"github.com/kennel-paas/kennel/internal/config"
)

// autocertManager builds an autocert.Manager that issues a per-host
// certificate for any host under the base domain plus any custom domain
// present in the routing table at the time of the handshake (spec.md §4.4 TLS:
// HTTP-01 challenge on port 80, 30-day-before-expiry renewal).
func autocertManager(cfg *config.Config, table *Table) *autocert.Manager {
	m := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		Cache:      autocert.DirCache(cfg.AcmeCacheDir),
		Email:      cfg.AcmeEmail,
		HostPolicy: hostPolicy(cfg.BaseDomain, table),
	}
	if cfg.AcmeStaging {
		m.Client = &acme.Client{DirectoryURL: "https://acme-staging-v02.api.letsencrypt.org/directory"}
	}
	return m
}

// hostPolicy accepts any host that currently resolves in the routing
// table, or that is the base domain or any subdomain of it, at any depth (covers the
// auto-generated preview hosts that may not yet be installed at the
// instant the TLS handshake races the RouterEvent that creates them).
func hostPolicy(baseDomain string, table *Table) autocert.HostPolicy {
	return func(ctx context.Context, host string) error {
		if strings.HasSuffix(host, "."+baseDomain) || host == baseDomain {
			return nil
		}
		if _, ok := table.Lookup(host); ok {
			return nil
		}
		return errUntrustedHost(host)
	}
}

func errUntrustedHost(host string) error {
	return &untrustedHostError{host: host}
}

type untrustedHostError struct{ host string }

func (e *untrustedHostError) Error() string {
	return "router: host " + e.host + " not recognized for TLS issuance"
}

// tlsConfig returns the *tls.Config the HTTPS listener should use, wired
// to the autocert manager's GetCertificate.
func tlsConfig(m *autocert.Manager) *tls.Config {
	return m.TLSConfig()
}
