package router

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/acme/autocert"

	"github.com/kennel-paas/kennel/internal/bus"
	"github.com/kennel-paas/kennel/internal/config"
	"github.com/kennel-paas/kennel/internal/store"
)

// Router owns the routing table, the HTTP(S) listener, and the health
// quarantine poller (spec.md §4.4).
type Router struct {
	store     *store.Store
	routerBus *bus.RouterBus
	cfg       *config.Config
	log       zerolog.Logger

	table *Table
	quar  *quarantine

	httpSrv  *http.Server
	httpsSrv *http.Server

	wg sync.WaitGroup
}

func New(st *store.Store, routerBus *bus.RouterBus, cfg *config.Config, log zerolog.Logger) *Router {
	return &Router{
		store:     st,
		routerBus: routerBus,
		cfg:       cfg,
		log:       log.With().Str("component", "router").Logger(),
		table:     NewTable(),
		quar:      newQuarantine(),
	}
}

// Run loads the routing table from the store, starts the event-subscription
// loop, the 60s full-reload safety net, the health quarantine poller, and
// the HTTP(S) listener(s). It blocks until ctx is cancelled, then shuts the
// listeners down gracefully.
func (r *Router) Run(ctx context.Context) error {
	if err := r.reload(); err != nil {
		return fmt.Errorf("initial routing table load: %w", err)
	}

	events := r.routerBus.Subscribe(64)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.subscriptionLoop(ctx, events)
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.reloadLoop(ctx)
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.quar.run(ctx, r.table)
	}()

	handler := NewHandler(r.table, r.quar, r.log)

	var acmeManager *autocert.Manager
	if r.cfg.TLSEnabled {
		acmeManager = autocertManager(r.cfg, r.table)
		r.httpsSrv = &http.Server{
			Addr:      ":443",
			Handler:   handler,
			TLSConfig: tlsConfig(acmeManager),
		}
		r.httpSrv = &http.Server{Addr: r.cfg.RouterAddr, Handler: acmeManager.HTTPHandler(handler)}
	} else {
		r.httpSrv = &http.Server{Addr: r.cfg.RouterAddr, Handler: handler}
	}

	var srvErr error
	var srvWg sync.WaitGroup
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		r.log.Info().Str("addr", r.httpSrv.Addr).Msg("router listening")
		if err := r.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr = err
		}
	}()
	if r.httpsSrv != nil {
		srvWg.Add(1)
		go func() {
			defer srvWg.Done()
			r.log.Info().Str("addr", r.httpsSrv.Addr).Msg("router TLS listening")
			if err := r.httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				srvErr = err
			}
		}()
	}

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r.httpSrv.Shutdown(shutdownCtx)
	if r.httpsSrv != nil {
		r.httpsSrv.Shutdown(shutdownCtx)
	}
	srvWg.Wait()
	r.wg.Wait()
	return srvErr
}

func (r *Router) subscriptionLoop(ctx context.Context, events <-chan bus.RouterEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			r.apply(ev)
		}
	}
}

// apply installs or removes the route(s) a Deployment contributes: its
// auto-generated subdomain, plus its custom domain if any (spec.md §4.4
// "Each active Deployment contributes at least one host key... plus its
// custom domain if any").
func (r *Router) apply(ev bus.RouterEvent) {
	hosts := []string{ev.Domain}
	if ev.CustomDomain != "" {
		hosts = append(hosts, ev.CustomDomain)
	}

	switch ev.Kind {
	case bus.RouterEventActive:
		route := routeFromEvent(ev)
		for _, host := range hosts {
			r.table.Set(host, route)
		}
		r.log.Info().Strs("hosts", hosts).Str("deployment_id", ev.DeploymentID).Msg("route installed")
	case bus.RouterEventRemoved:
		for _, host := range hosts {
			if route, ok := r.table.Lookup(host); ok && route.DeploymentID == ev.DeploymentID {
				r.table.Delete(host)
				if !route.IsStatic {
					r.quar.forget(route.Port)
				}
			}
		}
		r.log.Info().Strs("hosts", hosts).Str("deployment_id", ev.DeploymentID).Msg("route removed")
	}
}

// reloadLoop rebuilds the table from the store every 60s, healing any gap
// left by a dropped RouterEvent (spec.md §4.4 "safety net").
func (r *Router) reloadLoop(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.reload(); err != nil {
				r.log.Warn().Err(err).Msg("routing table reload failed")
			}
		}
	}
}

func (r *Router) reload() error {
	deps, err := r.store.ListActiveDeployments()
	if err != nil {
		return fmt.Errorf("listing active deployments: %w", err)
	}

	routes := make(map[string]Route, len(deps))
	for _, dep := range deps {
		svc, err := r.store.GetService(dep.Project, dep.ServiceName)
		if err != nil {
			r.log.Warn().Err(err).Str("deployment_id", dep.ID).Msg("reload: service lookup failed")
			svc = nil
		}

		var route Route
		if dep.StaticPath != "" {
			spa := svc != nil && svc.SPA
			route = Route{DeploymentID: dep.ID, IsStatic: true, StaticPath: dep.StaticPath, SPAFallback: spa}
		} else if dep.Port != nil {
			healthPath := strings.TrimPrefix(dep.HealthURL, fmt.Sprintf("http://127.0.0.1:%d", *dep.Port))
			route = Route{DeploymentID: dep.ID, Port: *dep.Port, HealthCheck: healthPath}
		} else {
			continue
		}

		routes[dep.Domain] = route
		if svc != nil && svc.CustomDomain != "" {
			routes[svc.CustomDomain] = route
		}
	}

	r.table.Replace(routes)
	return nil
}
