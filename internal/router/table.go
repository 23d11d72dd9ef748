// Package router implements spec.md §4.4: Host-header dispatch, service
// proxying, static serving, health quarantine, and TLS.
package router

import (
	"sync"

	"github.com/kennel-paas/kennel/internal/bus"
)

// Route is one entry of the routing table: either a service backend or a
// static site.
type Route struct {
	DeploymentID string
	IsStatic     bool

	Port        int
	HealthCheck string

	StaticPath  string
	SPAFallback bool
}

// Table is the in-memory host -> Route map, held behind a read-write lock
// (spec.md §5: "reads take the read side; updates take the write side
// briefly").
type Table struct {
	mu     sync.RWMutex
	routes map[string]Route
}

func NewTable() *Table {
	return &Table{routes: make(map[string]Route)}
}

func (t *Table) Lookup(host string) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.routes[host]
	return r, ok
}

// Set installs or overwrites the route for host. Duplicate hosts are
// resolved last-writer-wins (spec.md §4.4); the overwrite is silent, and
// neither Set nor its callers log a warning for it.
func (t *Table) Set(host string, r Route) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[host] = r
}

func (t *Table) Delete(host string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.routes, host)
}

// Replace atomically swaps the entire table, used by the 60s full reload.
func (t *Table) Replace(routes map[string]Route) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes = routes
}

// Snapshot returns a copy of the current routes, safe for the quarantine
// poller to range over without holding the table lock mid-probe.
func (t *Table) Snapshot() []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Route, 0, len(t.routes))
	for _, r := range t.routes {
		out = append(out, r)
	}
	return out
}

// routeFromEvent converts the Deployer's broadcast event into a routing
// table entry. The caller installs the same entry under the event's Domain
// (the auto-generated subdomain) and, when set, under its CustomDomain too.
func routeFromEvent(ev bus.RouterEvent) Route {
	if ev.IsStatic {
		return Route{DeploymentID: ev.DeploymentID, IsStatic: true, StaticPath: ev.StaticPath, SPAFallback: ev.SPA}
	}
	return Route{DeploymentID: ev.DeploymentID, Port: ev.Port, HealthCheck: ev.HealthCheck}
}
