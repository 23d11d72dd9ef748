package deployer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kennel-paas/kennel/internal/bus"
	"github.com/kennel-paas/kennel/internal/config"
	"github.com/kennel-paas/kennel/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	base := t.TempDir()
	return &config.Config{
		BaseDomain:          "kennel.test",
		WorkDir:             filepath.Join(base, "builds"),
		SitesDir:            filepath.Join(base, "sites"),
		ServicesDir:         filepath.Join(base, "services"),
		LogsDir:             filepath.Join(base, "logs"),
		SecretsDir:          filepath.Join(base, "secrets"),
		SecretSourceDir:     filepath.Join(base, "secret-source"),
		HealthGateDeadline:  2 * time.Second,
		DrainDelay:          10 * time.Millisecond,
		DefaultExpiryWindow: 168 * time.Hour,
		BuildRetention:      720 * time.Hour,
	}
}

func newTestDeployer(t *testing.T) (*Deployer, *store.Store, *fakeSupervisor) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.SecretsDir, 0o755))
	require.NoError(t, os.MkdirAll(cfg.SitesDir, 0o755))

	sup := newFakeSupervisor()
	d := New(st, bus.NewQueues(4, 4, 4), bus.NewRouterBus(), sup, cfg, zerolog.Nop())
	return d, st, sup
}

func TestSlugify(t *testing.T) {
	require.Equal(t, "feature-foo", slugify("feature/Foo"))
	require.Equal(t, "main", slugify("main"))
	require.Equal(t, "a-b", slugify("a___b"))
	require.Equal(t, "branch", slugify("///"))
}

func TestDeployStaticThenTeardown(t *testing.T) {
	d, st, _ := newTestDeployer(t)

	require.NoError(t, st.UpsertProject(&store.Project{Name: "demo", CloneURL: "https://example.com/demo.git", WebhookSecret: "s", DefaultBranch: "main"}))
	require.NoError(t, st.UpsertService(&store.Service{Project: "demo", ServiceName: "docs", Kind: store.ServiceKindStatic, FlakeOutput: "docs"}))

	build, _, err := st.CreateBuildIfNotExists("demo", "main", "abc123", "alice")
	require.NoError(t, err)

	storePath := t.TempDir()
	require.NoError(t, d.Deploy(context.Background(), "demo", "main", "docs", storePath, build.ID))

	deps, err := st.ListActiveDeployments()
	require.NoError(t, err)
	require.Len(t, deps, 1)
	require.Equal(t, store.DeploymentActive, deps[0].Status)
	require.Equal(t, "docs-main.demo.kennel.test", deps[0].Domain)

	_, err = os.Lstat(deps[0].StaticPath)
	require.NoError(t, err)

	require.NoError(t, d.Teardown(context.Background(), deps[0].ID))

	after, err := st.GetDeployment(deps[0].ID)
	require.NoError(t, err)
	require.Equal(t, store.DeploymentTornDown, after.Status)

	_, err = os.Lstat(deps[0].StaticPath)
	require.Error(t, err)
}

func TestDeployServiceHealthGateAndTeardown(t *testing.T) {
	d, st, sup := newTestDeployer(t)

	require.NoError(t, st.UpsertProject(&store.Project{Name: "demo", CloneURL: "https://example.com/demo.git", WebhookSecret: "s", DefaultBranch: "main"}))
	require.NoError(t, st.UpsertService(&store.Service{
		Project: "demo", ServiceName: "web", Kind: store.ServiceKindService,
		HealthCheck: "/health", HealthCheckTimeoutSecs: 2, FlakeOutput: "web",
	}))

	build, _, err := st.CreateBuildIfNotExists("demo", "main", "abc123", "alice")
	require.NoError(t, err)

	// The health gate always probes a fixed 127.0.0.1:<port> URL; redirect
	// it to an httptest server we control instead of binding a real port.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	d.httpClient = srv.Client()
	d.httpClient.Transport = redirectTransport{target: srv.URL}

	err = d.Deploy(context.Background(), "demo", "main", "web", t.TempDir(), build.ID)
	require.NoError(t, err)

	deps, err := st.ListActiveDeployments()
	require.NoError(t, err)
	require.Len(t, deps, 1)
	require.NotNil(t, deps[0].Port)
	require.True(t, sup.started[unitNameFor("demo", "main", "web")])

	require.NoError(t, d.Teardown(context.Background(), deps[0].ID))
	require.False(t, sup.started[unitNameFor("demo", "main", "web")])

	allocs, err := st.ListPortAllocations()
	require.NoError(t, err)
	require.Empty(t, allocs)
}

// redirectTransport rewrites every request to target, letting the test
// point the health gate's fixed 127.0.0.1:<port> URL at an httptest server.
type redirectTransport struct {
	target string
}

func (r redirectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	target, err := url.Parse(r.target)
	if err != nil {
		return nil, err
	}
	clone.URL.Scheme = target.Scheme
	clone.URL.Host = target.Host
	return http.DefaultTransport.RoundTrip(clone)
}
