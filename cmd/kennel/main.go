// Command kennel runs the full push-to-deploy pipeline described in
// spec.md: Ingress, Builder, Deployer, and Router inside one long-lived
// process, coordinated through the in-process bus and the SQLite store.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/kennel-paas/kennel/internal/builder"
	"github.com/kennel-paas/kennel/internal/bus"
	"github.com/kennel-paas/kennel/internal/config"
	"github.com/kennel-paas/kennel/internal/deployer"
	"github.com/kennel-paas/kennel/internal/dns"
	"github.com/kennel-paas/kennel/internal/hostconfig"
	"github.com/kennel-paas/kennel/internal/ingress"
	"github.com/kennel-paas/kennel/internal/logging"
	"github.com/kennel-paas/kennel/internal/reconcile"
	"github.com/kennel-paas/kennel/internal/router"
	"github.com/kennel-paas/kennel/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "kennel:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log := logging.New(cfg.LogFormat, cfg.LogLevel)

	for _, dir := range []string{cfg.WorkDir, cfg.SitesDir, cfg.ServicesDir, cfg.LogsDir, cfg.SecretsDir, cfg.AcmeCacheDir, cfg.UnitDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	doc, err := hostconfig.Load(cfg.HostConfigPath)
	if err != nil {
		return fmt.Errorf("loading host config: %w", err)
	}
	if err := hostconfig.Sync(st, doc, log); err != nil {
		return fmt.Errorf("syncing host config: %w", err)
	}

	supervisor := deployer.NewSystemdSupervisor(cfg.UnitDir)

	sigCtx, stopSignal := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignal()

	// workCtx bounds in-flight IO (clone, health gate, systemctl); it is
	// only cancelled if a component fails to drain within its shutdown
	// deadline, forcing an abort rather than hanging indefinitely.
	workCtx, forceAbort := context.WithCancel(context.Background())
	defer forceAbort()

	if err := reconcile.Run(workCtx, st, supervisor, log); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	queues := bus.NewQueues(64, 64, 64)
	routerBus := bus.NewRouterBus()

	ingressSrv := ingress.New(st, queues, log)
	httpSrv := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort), Handler: ingressSrv.Router()}

	buildTool := builder.NewNixBuildTool()
	b := builder.New(st, queues, buildTool, cfg.MaxConcurrentBuilds, cfg.WorkDir, cfg.LogsDir, log)
	if cfg.CachixCacheName != "" {
		b = b.WithCachePusher(builder.NewCachixPusher(cfg.CachixCacheName))
	}

	d := deployer.New(st, queues, routerBus, supervisor, cfg, log)
	if cfg.DNSEnabled {
		d = d.WithDNSProvider(dns.NewCloudflareProvider(cfg.CloudflareAPIToken, cfg.CloudflareZoneID))
	}

	rt := router.New(st, routerBus, cfg, log)
	sweepers := d.StartSweepers(workCtx)
	defer sweepers.Stop()

	builderDone := make(chan struct{})
	go func() {
		defer close(builderDone)
		b.Run(workCtx)
	}()

	deployerDone := make(chan struct{})
	go func() {
		defer close(deployerDone)
		d.Run(workCtx)
	}()

	routerDone := make(chan struct{})
	go func() {
		defer close(routerDone)
		if err := rt.Run(workCtx); err != nil {
			log.Error().Err(err).Msg("router server error")
		}
	}()

	go func() {
		log.Info().Str("addr", httpSrv.Addr).Msg("ingress listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("ingress server error")
		}
	}()

	<-sigCtx.Done()
	log.Info().Msg("shutdown signal received, draining pipeline")

	// Close producers in order (spec.md §5): Ingress first so no new
	// webhook deliveries enqueue builds, then the build queue so Builder
	// drains and stops, then the deploy/teardown queues so Deployer
	// drains and stops. Each step is awaited up to the shutdown deadline
	// before forceAbort cancels workCtx and the remaining components
	// are left to unwind on their own ctx.Done() check.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDeadline)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("ingress shutdown error")
	}

	// Stop the cron sweepers before closing any queue: autoExpirySweep
	// sends on queues.Teardowns and only checks ctx.Done(), so a tick
	// racing the close below would panic on a closed channel. Stop's
	// context is awaited so a job already running finishes first.
	<-sweepers.Stop().Done()

	close(queues.BuildIDs)
	awaitOrAbort(builderDone, cfg.ShutdownDeadline, forceAbort, log, "builder")

	close(queues.Deploys)
	close(queues.Teardowns)
	awaitOrAbort(deployerDone, cfg.ShutdownDeadline, forceAbort, log, "deployer")

	forceAbort()
	awaitOrAbort(routerDone, cfg.ShutdownDeadline, forceAbort, log, "router")

	log.Info().Msg("shutdown complete")
	return nil
}

// awaitOrAbort waits for component to signal done, forcing workCtx's
// cancellation if it runs past deadline (spec.md §5: "awaits each
// component with a 300-second deadline before forcing exit").
func awaitOrAbort(done <-chan struct{}, deadline time.Duration, forceAbort context.CancelFunc, log zerolog.Logger, name string) {
	select {
	case <-done:
	case <-time.After(deadline):
		log.Warn().Str("component", name).Msg("shutdown deadline exceeded, forcing abort")
		forceAbort()
		<-done
	}
}
