package deployer

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kennel-paas/kennel/internal/bus"
)

// StartSweepers schedules the two periodic jobs of spec.md §4.3.3 and
// returns the running *cron.Cron so the caller can Stop() it on shutdown.
func (d *Deployer) StartSweepers(ctx context.Context) *cron.Cron {
	c := cron.New()

	everySecs := d.cfg.AutoExpiryCheckIntervalSecs
	if everySecs <= 0 {
		everySecs = 600
	}
	c.AddFunc(cronEverySeconds(everySecs), func() { d.autoExpirySweep(ctx) })
	c.AddFunc("@every 24h", func() { d.logRetentionSweep() })

	c.Start()
	return c
}

func cronEverySeconds(secs int) string {
	return "@every " + time.Duration(secs*int(time.Second)).String()
}

// autoExpirySweep enqueues teardowns for active, non-default-branch
// deployments idle past the project's expiry window (a project's own
// expiry_window_secs overrides the daemon-wide default).
func (d *Deployer) autoExpirySweep(ctx context.Context) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	expired, err := d.store.ListExpired(now, int(d.cfg.DefaultExpiryWindow.Seconds()))
	if err != nil {
		d.log.Error().Err(err).Msg("auto-expiry sweep: listing expired deployments")
		return
	}
	for _, dep := range expired {
		select {
		case <-ctx.Done():
			return
		case d.queues.Teardowns <- bus.TeardownRequest{DeploymentID: dep.ID}:
			d.log.Info().Str("deployment_id", dep.ID).Str("project", dep.Project).Str("branch", dep.Branch).Msg("auto-expiry enqueued teardown")
		}
	}
}

// logRetentionSweep deletes builds (and their log directories) older than
// the retention window (spec.md §4.3.3).
func (d *Deployer) logRetentionSweep() {
	cutoff := time.Now().UTC().Add(-d.cfg.BuildRetention).Format(time.RFC3339Nano)
	ids, err := d.store.DeleteBuildsOlderThan(cutoff)
	if err != nil {
		d.log.Error().Err(err).Msg("log retention sweep: deleting old builds")
		return
	}
	for _, id := range ids {
		logDir := filepath.Join(d.cfg.LogsDir, id)
		if err := os.RemoveAll(logDir); err != nil {
			d.log.Warn().Err(err).Str("build_id", id).Msg("could not remove build log directory")
		}
	}
	if len(ids) > 0 {
		d.log.Info().Int("count", len(ids)).Msg("log retention sweep removed old builds")
	}
}
