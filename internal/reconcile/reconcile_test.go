package reconcile

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kennel-paas/kennel/internal/deployer"
	"github.com/kennel-paas/kennel/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestReconcileDeploymentsMarksFailedWhenStorePathMissing(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.UpsertProject(&store.Project{Name: "demo", CloneURL: "https://example.com/demo.git", WebhookSecret: "s", DefaultBranch: "main"}))
	require.NoError(t, st.UpsertService(&store.Service{Project: "demo", ServiceName: "docs", Kind: store.ServiceKindStatic}))

	build, _, err := st.CreateBuildIfNotExists("demo", "main", "abc", "alice")
	require.NoError(t, err)
	dep, _, err := st.UpsertLiveDeployment("demo", "docs", "main", "main", "main", build.ID)
	require.NoError(t, err)
	require.NoError(t, st.SetDeploymentActive(dep.ID, "/nix/store/does-not-exist", nil, "docs-main.demo.test", "", "/nix/store/does-not-exist-site"))

	require.NoError(t, Run(context.Background(), st, newNoopSupervisor(), zerolog.Nop()))

	after, err := st.GetDeployment(dep.ID)
	require.NoError(t, err)
	require.Equal(t, store.DeploymentFailed, after.Status)
}

func TestReconcilePortsReleasesStrandedAllocation(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.UpsertProject(&store.Project{Name: "demo", CloneURL: "https://example.com/demo.git", WebhookSecret: "s", DefaultBranch: "main"}))
	require.NoError(t, st.UpsertService(&store.Service{Project: "demo", ServiceName: "web", Kind: store.ServiceKindService}))

	build, _, err := st.CreateBuildIfNotExists("demo", "main", "abc", "alice")
	require.NoError(t, err)
	dep, _, err := st.UpsertLiveDeployment("demo", "web", "main", "main", "main", build.ID)
	require.NoError(t, err)
	_, err = st.AllocatePort(dep.ID)
	require.NoError(t, err)
	// Deployment never reaches active: simulates a crash mid-deploy.

	require.NoError(t, Run(context.Background(), st, newNoopSupervisor(), zerolog.Nop()))

	allocs, err := st.ListPortAllocations()
	require.NoError(t, err)
	require.Empty(t, allocs)
}

func TestReconcileBuildsFailsStuckBuilding(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.UpsertProject(&store.Project{Name: "demo", CloneURL: "https://example.com/demo.git", WebhookSecret: "s", DefaultBranch: "main"}))

	build, _, err := st.CreateBuildIfNotExists("demo", "main", "abc", "alice")
	require.NoError(t, err)
	require.NoError(t, st.SetBuildStarted(build.ID))

	require.NoError(t, Run(context.Background(), st, newNoopSupervisor(), zerolog.Nop()))

	status, err := st.GetBuildStatus(build.ID)
	require.NoError(t, err)
	require.Equal(t, store.BuildFailed, status)
}

func TestReconcileOrphanUnitsStopsUnmatchedUnit(t *testing.T) {
	st := newTestStore(t)
	sup := newNoopSupervisor()
	sup.units = append(sup.units, "kennel-ghost-main-web")

	require.NoError(t, Run(context.Background(), st, sup, zerolog.Nop()))

	require.False(t, sup.started["kennel-ghost-main-web"])
	require.True(t, sup.removed["kennel-ghost-main-web"])
}

// noopSupervisor is a minimal deployer.Supervisor fake local to this
// package's tests (deployer's own fake is unexported to that package).
type noopSupervisor struct {
	units   []string
	started map[string]bool
	removed map[string]bool
}

func newNoopSupervisor() *noopSupervisor {
	return &noopSupervisor{started: map[string]bool{}, removed: map[string]bool{}}
}

func (n *noopSupervisor) EnsureUser(name string) (int, int, error) { return 0, 0, nil }
func (n *noopSupervisor) WriteUnit(u deployer.Unit) error          { return nil }
func (n *noopSupervisor) RemoveUnit(name string) error {
	n.removed[name] = true
	return nil
}
func (n *noopSupervisor) StartEnable(name string) error {
	n.started[name] = true
	return nil
}
func (n *noopSupervisor) StopDisable(name string) error {
	n.started[name] = false
	return nil
}
func (n *noopSupervisor) Reload() error { return nil }
func (n *noopSupervisor) ListUnits() ([]string, error) {
	return n.units, nil
}
