package builder

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kennel-paas/kennel/internal/bus"
	"github.com/kennel-paas/kennel/internal/manifest"
	"github.com/kennel-paas/kennel/internal/store"
)

func testManifest() *manifest.Manifest {
	m := &manifest.Manifest{
		Services: map[string]manifest.ServiceSpec{
			"myapp": {FlakeOutput: "myapp", HealthCheck: "/health", HealthCheckTimeoutSecs: 30, DrainSecs: 30},
		},
	}
	return m
}

func manifestWithCachix() *manifest.Manifest {
	return &manifest.Manifest{Cachix: &manifest.Cachix{CacheName: "demo-cache"}}
}

type fakeBuildTool struct {
	storePath string
	err       error
	calls     int
}

func (f *fakeBuildTool) Build(ctx context.Context, repoDir, flakeOutput string, logWriter *os.File) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.storePath, nil
}

type fakeCachePusher struct {
	pushed []string
}

func (f *fakeCachePusher) Push(ctx context.Context, storePath string) error {
	f.pushed = append(f.pushed, storePath)
	return nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestBuildItemRecordsResultAndCachesService(t *testing.T) {
	st := newTestStore(t)
	tool := &fakeBuildTool{storePath: "/nix/store/abc-myapp"}
	b := New(st, bus.NewQueues(1, 1, 1), tool, 2, t.TempDir(), t.TempDir(), zerolog.Nop())

	require.NoError(t, st.UpsertProject(&store.Project{Name: "demo", CloneURL: "https://example.com/demo.git", WebhookSecret: "s"}))

	build, _, err := st.CreateBuildIfNotExists("demo", "main", "deadbeef", "alice")
	require.NoError(t, err)

	logDir := filepath.Join(t.TempDir(), "logs")
	require.NoError(t, os.MkdirAll(logDir, 0o755))

	manifestObj := testManifest()
	item := manifestObj.Items()[0]

	ok := b.buildItem(context.Background(), build, t.TempDir(), logDir, item, manifestObj, zerolog.Nop())
	require.True(t, ok)
	require.Equal(t, 1, tool.calls)

	results, err := st.ListBuildResults(build.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, store.ResultSuccess, results[0].Status)
	require.Equal(t, "/nix/store/abc-myapp", results[0].StorePath)

	svc, err := st.GetService("demo", item.Name)
	require.NoError(t, err)
	require.Equal(t, "myapp", svc.FlakeOutput)
	require.Equal(t, "/health", svc.HealthCheck)
}

func TestBuildItemFailurePropagates(t *testing.T) {
	st := newTestStore(t)
	tool := &fakeBuildTool{err: context.DeadlineExceeded}
	b := New(st, bus.NewQueues(1, 1, 1), tool, 2, t.TempDir(), t.TempDir(), zerolog.Nop())

	require.NoError(t, st.UpsertProject(&store.Project{Name: "demo", CloneURL: "https://example.com/demo.git", WebhookSecret: "s"}))
	build, _, err := st.CreateBuildIfNotExists("demo", "main", "deadbeef", "alice")
	require.NoError(t, err)

	manifestObj := testManifest()
	item := manifestObj.Items()[0]
	logDir := filepath.Join(t.TempDir(), "logs")
	require.NoError(t, os.MkdirAll(logDir, 0o755))

	ok := b.buildItem(context.Background(), build, t.TempDir(), logDir, item, manifestObj, zerolog.Nop())
	require.False(t, ok)
}

func TestPushToCacheSkipsUnchanged(t *testing.T) {
	st := newTestStore(t)
	pusher := &fakeCachePusher{}
	b := New(st, bus.NewQueues(1, 1, 1), &fakeBuildTool{}, 2, t.TempDir(), t.TempDir(), zerolog.Nop()).WithCachePusher(pusher)

	require.NoError(t, st.UpsertProject(&store.Project{Name: "demo", CloneURL: "https://example.com/demo.git", WebhookSecret: "s"}))
	build, _, err := st.CreateBuildIfNotExists("demo", "main", "deadbeef", "alice")
	require.NoError(t, err)

	require.NoError(t, st.CreateBuildResult(&store.BuildResult{
		BuildID: build.ID, ServiceName: "myapp", Status: store.ResultSuccess, StorePath: "/nix/store/changed", Changed: true,
	}))
	require.NoError(t, st.CreateBuildResult(&store.BuildResult{
		BuildID: build.ID, ServiceName: "other", Status: store.ResultSuccess, StorePath: "/nix/store/unchanged", Changed: false,
	}))

	b.pushToCache(context.Background(), build.ID, manifestWithCachix(), zerolog.Nop())

	require.Equal(t, []string{"/nix/store/changed"}, pusher.pushed)
}
