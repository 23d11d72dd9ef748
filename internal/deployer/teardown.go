package deployer

import (
	"context"
	"os"

	"github.com/kennel-paas/kennel/internal/bus"
	"github.com/kennel-paas/kennel/internal/store"
)

// Teardown implements spec.md §4.3.2 for one deployment id, invoked both
// from a direct TeardownRequest and from the auto-expiry sweeper and
// blue-green retirement.
func (d *Deployer) Teardown(ctx context.Context, deploymentID string) error {
	dep, err := d.store.GetDeployment(deploymentID)
	if err != nil {
		return err
	}

	key := dep.Project + "/" + dep.Branch + "/" + dep.ServiceName
	unlock := d.keyLocks.Lock(key)
	defer unlock()

	svc, err := d.store.GetService(dep.Project, dep.ServiceName)
	if err != nil {
		return err
	}

	if svc.Kind == store.ServiceKindStatic {
		d.teardownStatic(dep)
	} else {
		d.teardownService(dep)
	}

	if dep.Port != nil {
		if err := d.store.ReleasePortForDeployment(dep.ID); err != nil {
			d.log.Warn().Err(err).Str("deployment_id", dep.ID).Msg("could not release port")
		}
	}

	if svc.PreviewDatabase {
		n, err := d.store.CountLiveDeploymentsForBranch(dep.Project, dep.Branch)
		if dep.Status == store.DeploymentPending || dep.Status == store.DeploymentBuilding || dep.Status == store.DeploymentActive {
			n-- // the row being torn down is itself still counted as live
		}
		if err != nil {
			d.log.Warn().Err(err).Str("deployment_id", dep.ID).Msg("could not count live deployments for branch")
		} else if n == 0 {
			if err := d.store.ReleasePreviewDatabase(dep.Project, dep.Branch); err != nil {
				d.log.Warn().Err(err).Str("deployment_id", dep.ID).Msg("could not release preview database")
			}
		}
	}

	d.teardownDNS(dep)

	d.routerBus.Publish(bus.RouterEvent{
		Kind: bus.RouterEventRemoved, DeploymentID: dep.ID, Project: dep.Project,
		ServiceName: dep.ServiceName, Branch: dep.Branch, BranchSlug: dep.BranchSlug,
		Domain: dep.Domain, CustomDomain: svc.CustomDomain,
	})

	if err := d.store.SetDeploymentTornDown(dep.ID); err != nil {
		return err
	}
	d.log.Info().Str("deployment_id", dep.ID).Str("project", dep.Project).Str("service", dep.ServiceName).Msg("deployment torn down")
	return nil
}

// teardownService implements spec.md §4.3.2 steps 1-2: stop/disable the
// unit, remove its file, delete its secret file. A missing unit is a
// warning, not an error, since reconciliation may retry a partial teardown.
func (d *Deployer) teardownService(dep *store.Deployment) {
	unitName := unitNameFor(dep.Project, dep.Branch, dep.ServiceName)
	if err := d.supervisor.StopDisable(unitName); err != nil {
		d.log.Warn().Err(err).Str("unit", unitName).Msg("stopping unit during teardown")
	}
	if err := d.supervisor.RemoveUnit(unitName); err != nil {
		d.log.Warn().Err(err).Str("unit", unitName).Msg("removing unit file during teardown")
	}
	if err := d.supervisor.Reload(); err != nil {
		d.log.Warn().Err(err).Msg("reloading supervisor during teardown")
	}

	secretPath := secretFilePath(d.cfg.SecretsDir, dep.Project, dep.Branch, dep.ServiceName)
	if err := os.Remove(secretPath); err != nil && !os.IsNotExist(err) {
		d.log.Warn().Err(err).Str("path", secretPath).Msg("removing secret file during teardown")
	}
}

// teardownStatic implements spec.md §4.3.2 step 5: remove the symlink and
// any now-empty parent directories.
func (d *Deployer) teardownStatic(dep *store.Deployment) {
	if dep.StaticPath == "" {
		return
	}
	if err := os.Remove(dep.StaticPath); err != nil && !os.IsNotExist(err) {
		d.log.Warn().Err(err).Str("path", dep.StaticPath).Msg("removing static symlink during teardown")
		return
	}
	os.Remove(d.cfg.SitesDir + "/" + dep.Project) // best-effort; fails silently if non-empty
}

// teardownDNS implements spec.md §4.3.2 step 6.
func (d *Deployer) teardownDNS(dep *store.Deployment) {
	if d.dnsProv == nil {
		return
	}
	records, err := d.store.ListDNSRecordsForDeployment(dep.ID)
	if err != nil {
		d.log.Warn().Err(err).Str("deployment_id", dep.ID).Msg("could not list dns records for teardown")
		return
	}
	for _, rec := range records {
		if err := d.dnsProv.DeleteRecord(rec.ProviderRecordID); err != nil {
			d.log.Warn().Err(err).Str("fqdn", rec.FQDN).Msg("dns record deletion failed")
			continue
		}
		if err := d.store.DeleteDNSRecord(rec.FQDN); err != nil {
			d.log.Warn().Err(err).Str("fqdn", rec.FQDN).Msg("could not delete dns record row")
		}
	}
}
