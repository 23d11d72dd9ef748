package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kennel-paas/kennel/internal/bus"
)

func TestTableSetLookupDelete(t *testing.T) {
	table := NewTable()
	table.Set("web.demo.kennel.test", Route{DeploymentID: "d1", Port: 4100})

	route, ok := table.Lookup("web.demo.kennel.test")
	require.True(t, ok)
	require.Equal(t, 4100, route.Port)

	table.Delete("web.demo.kennel.test")
	_, ok = table.Lookup("web.demo.kennel.test")
	require.False(t, ok)
}

func TestHandlerMissingHost(t *testing.T) {
	h := NewHandler(NewTable(), newQuarantine(), zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = ""
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlerNoRoute(t *testing.T) {
	h := NewHandler(NewTable(), newQuarantine(), zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "unknown.kennel.test"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlerProxiesToBackend(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "web.demo.kennel.test", r.Header.Get("X-Forwarded-Host"))
		w.Write([]byte("hello from backend"))
	}))
	defer backend.Close()

	port := portFromURL(t, backend.URL)
	table := NewTable()
	table.Set("web.demo.kennel.test", Route{DeploymentID: "d1", Port: port})

	h := NewHandler(table, newQuarantine(), zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "web.demo.kennel.test"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "hello from backend", w.Body.String())
}

func TestHandlerQuarantinedServiceReturns503(t *testing.T) {
	table := NewTable()
	table.Set("web.demo.kennel.test", Route{DeploymentID: "d1", Port: 59999})

	q := newQuarantine()
	q.unhealth[59999] = true

	h := NewHandler(table, q, zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "web.demo.kennel.test"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandlerServesStaticFileAndBlocksTraversal(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>ok</html>"), 0o644))

	secretDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(secretDir, "secret.txt"), []byte("nope"), 0o644))

	table := NewTable()
	table.Set("docs.demo.kennel.test", Route{DeploymentID: "d1", IsStatic: true, StaticPath: dir})

	h := NewHandler(table, newQuarantine(), zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "docs.demo.kennel.test"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "ok")

	req = httptest.NewRequest(http.MethodGet, "/../../../etc/passwd", nil)
	req.Host = "docs.demo.kennel.test"
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.NotEqual(t, http.StatusOK, w.Code)
}

func TestHandlerStaticSPAFallback(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>app</html>"), 0o644))

	table := NewTable()
	table.Set("app.demo.kennel.test", Route{DeploymentID: "d1", IsStatic: true, StaticPath: dir, SPAFallback: true})

	h := NewHandler(table, newQuarantine(), zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "/some/deep/route", nil)
	req.Host = "app.demo.kennel.test"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "app")
}

func TestQuarantineFlipsAfterThreeFailures(t *testing.T) {
	q := newQuarantine()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	port := portFromURL(t, srv.URL)

	ctx := context.Background()
	q.probe(ctx, port, "/health")
	require.True(t, q.isHealthy(port))
	q.probe(ctx, port, "/health")
	require.True(t, q.isHealthy(port))
	q.probe(ctx, port, "/health")
	require.False(t, q.isHealthy(port))
}

func TestQuarantineResetsOnSuccess(t *testing.T) {
	q := newQuarantine()
	q.failures[8080] = 2
	q.unhealth[8080] = false

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	port := portFromURL(t, srv.URL)

	q.failures[port] = 2
	q.probe(context.Background(), port, "")
	require.True(t, q.isHealthy(port))
	require.Equal(t, 0, q.failures[port])
}

func TestRouterApplyAndRemove(t *testing.T) {
	r := &Router{table: NewTable(), quar: newQuarantine(), log: zerolog.Nop()}

	r.apply(bus.RouterEvent{Kind: bus.RouterEventActive, DeploymentID: "d1", Domain: "web.demo.kennel.test", Port: 4100})
	route, ok := r.table.Lookup("web.demo.kennel.test")
	require.True(t, ok)
	require.Equal(t, 4100, route.Port)

	r.apply(bus.RouterEvent{Kind: bus.RouterEventRemoved, DeploymentID: "d1", Domain: "web.demo.kennel.test"})
	_, ok = r.table.Lookup("web.demo.kennel.test")
	require.False(t, ok)
}

func TestRouterApplyRemoveIgnoresStaleDeployment(t *testing.T) {
	r := &Router{table: NewTable(), quar: newQuarantine(), log: zerolog.Nop()}

	r.apply(bus.RouterEvent{Kind: bus.RouterEventActive, DeploymentID: "d2", Domain: "web.demo.kennel.test", Port: 4200})
	// A stale removal event for a superseded deployment must not evict the
	// currently active route (blue-green cutover already replaced it).
	r.apply(bus.RouterEvent{Kind: bus.RouterEventRemoved, DeploymentID: "d1", Domain: "web.demo.kennel.test"})

	route, ok := r.table.Lookup("web.demo.kennel.test")
	require.True(t, ok)
	require.Equal(t, "d2", route.DeploymentID)
}

func portFromURL(t *testing.T, rawURL string) int {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port
}
