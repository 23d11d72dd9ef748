// Package deployer implements spec.md §4.3: the deploy and teardown flows,
// blue-green cutover, and the periodic sweepers.
package deployer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kennel-paas/kennel/internal/bus"
	"github.com/kennel-paas/kennel/internal/config"
	"github.com/kennel-paas/kennel/internal/dns"
	"github.com/kennel-paas/kennel/internal/kerrors"
	"github.com/kennel-paas/kennel/internal/store"
)

// Deployer drains the deploy and teardown queues and runs the sweepers.
type Deployer struct {
	store      *store.Store
	queues     *bus.Queues
	routerBus  *bus.RouterBus
	supervisor Supervisor
	dnsProv    dns.Provider // nil disables DNS side effects
	cfg        *config.Config
	log        zerolog.Logger
	httpClient *http.Client

	keyLocks keyedMutex
	wg       sync.WaitGroup
}

func New(st *store.Store, queues *bus.Queues, routerBus *bus.RouterBus, supervisor Supervisor, cfg *config.Config, log zerolog.Logger) *Deployer {
	return &Deployer{
		store:      st,
		queues:     queues,
		routerBus:  routerBus,
		supervisor: supervisor,
		cfg:        cfg,
		log:        log.With().Str("component", "deployer").Logger(),
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// WithDNSProvider attaches the optional DNS collaborator (spec.md §9).
func (d *Deployer) WithDNSProvider(p dns.Provider) *Deployer {
	d.dnsProv = p
	return d
}

// Run drains both queues until ctx is cancelled or both close. A closed
// channel is nilled out of its own select case (a nil channel blocks
// forever) so the loop keeps draining whichever queue still has buffered
// work instead of returning the instant either one closes.
func (d *Deployer) Run(ctx context.Context) {
	deploys := d.queues.Deploys
	teardowns := d.queues.Teardowns

	for deploys != nil || teardowns != nil {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return
		case req, ok := <-deploys:
			if !ok {
				deploys = nil
				continue
			}
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				d.handleDeployRequest(ctx, req)
			}()
		case req, ok := <-teardowns:
			if !ok {
				teardowns = nil
				continue
			}
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				if err := d.Teardown(ctx, req.DeploymentID); err != nil {
					d.log.Error().Err(err).Str("deployment_id", req.DeploymentID).Msg("teardown failed")
				}
			}()
		}
	}
	d.wg.Wait()
}

func (d *Deployer) Wait() { d.wg.Wait() }

// handleDeployRequest fans a successful Build out into one deploy
// operation per successful BuildResult (spec.md §4.3.1: "For each
// successful BuildResult in the incoming build").
func (d *Deployer) handleDeployRequest(ctx context.Context, req bus.DeploymentRequest) {
	results, err := d.store.ListBuildResults(req.BuildID)
	if err != nil {
		d.log.Error().Err(err).Str("build_id", req.BuildID).Msg("could not list build results")
		return
	}
	for _, r := range results {
		if r.Status != store.ResultSuccess {
			continue
		}
		if err := d.Deploy(ctx, req.Project, req.GitRef, r.ServiceName, r.StorePath, r.BuildID); err != nil {
			d.log.Error().Err(err).Str("project", req.Project).Str("service", r.ServiceName).Msg("deploy failed")
		}
	}
}

// Deploy runs the full deploy flow for one (project, branch, service)
// (spec.md §4.3.1). gitRef doubles as the branch name for push-triggered
// deploys and as the synthetic "pr-<n>" ref for pull requests.
func (d *Deployer) Deploy(ctx context.Context, project, gitRef, serviceName, storePath, buildID string) error {
	branch := gitRef
	slug := slugify(branch)
	key := project + "/" + branch + "/" + serviceName

	unlock := d.keyLocks.Lock(key)
	defer unlock()

	svc, err := d.store.GetService(project, serviceName)
	if err != nil {
		return fmt.Errorf("loading service metadata for %s: %w", key, err)
	}

	dep, previousActiveID, err := d.store.UpsertLiveDeployment(project, serviceName, branch, slug, gitRef, buildID)
	if err != nil {
		return fmt.Errorf("upserting deployment for %s: %w", key, err)
	}

	if err := d.store.SetDeploymentBuilding(dep.ID); err != nil {
		return fmt.Errorf("marking deployment building %s: %w", dep.ID, err)
	}

	var deployErr error
	if svc.Kind == store.ServiceKindStatic {
		deployErr = d.deployStatic(ctx, project, branch, slug, serviceName, storePath, dep, svc)
	} else {
		deployErr = d.deployService(ctx, project, branch, slug, serviceName, storePath, dep, svc)
	}
	if deployErr != nil {
		if err := d.store.SetDeploymentFailed(dep.ID); err != nil {
			d.log.Error().Err(err).Str("deployment_id", dep.ID).Msg("could not mark deployment failed")
		}
		return deployErr
	}

	if previousActiveID != "" {
		d.scheduleRetire(project, branch, serviceName, previousActiveID, svc.DrainSecs)
	}
	return nil
}

// deployService implements spec.md §4.3.1 steps a-j for the service kind.
func (d *Deployer) deployService(ctx context.Context, project, branch, slug, serviceName, storePath string, dep *store.Deployment, svc *store.Service) error {
	port, err := d.store.AllocatePort(dep.ID)
	if err != nil {
		return fmt.Errorf("allocating port: %w", err)
	}

	var dbName string
	if svc.PreviewDatabase {
		dbName = fmt.Sprintf("%s_%s_%s", project, branch, serviceName)
		if _, err := d.store.AllocatePreviewDatabase(project, branch, dbName, dep.ID); err != nil {
			d.store.ReleasePort(port)
			return fmt.Errorf("allocating preview database: %w", err)
		}
		if err := provisionDatabase(ctx, dbName); err != nil {
			d.log.Warn().Err(err).Str("database", dbName).Msg("preview database provisioning failed")
		}
	}

	unitName := unitNameFor(project, branch, serviceName)
	systemUser := unitName
	uid, gid, err := d.supervisor.EnsureUser(systemUser)
	if err != nil {
		d.releaseAllocations(port, project, branch)
		return fmt.Errorf("ensuring system user %s: %w", systemUser, err)
	}

	secretValues, err := readSecretValues(d.cfg.SecretSourceDir, svc.Secrets)
	if err != nil {
		d.releaseAllocations(port, project, branch)
		return fmt.Errorf("reading declared secrets: %w", err)
	}
	env := map[string]string{"PORT": fmt.Sprintf("%d", port)}
	if dbName != "" {
		env["DATABASE_URL"] = fmt.Sprintf("postgres:///%s", dbName)
		env["VALKEY_URL"] = fmt.Sprintf("unix:///run/kennel/valkey/%s.sock", dbName)
	}
	for k, v := range svc.Env {
		env[k] = v
	}

	secretPath := secretFilePath(d.cfg.SecretsDir, project, branch, serviceName)
	if err := writeSecretFile(secretPath, env, secretValues, uid, gid); err != nil {
		d.releaseAllocations(port, project, branch)
		return err
	}

	workDir := filepath.Join(d.cfg.ServicesDir, project, branch, serviceName)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		d.releaseAllocations(port, project, branch)
		return fmt.Errorf("creating service working directory: %w", err)
	}

	unit := Unit{
		Name:       unitName,
		Exec:       filepath.Join(storePath, "bin", serviceName),
		EnvFile:    secretPath,
		WorkingDir: workDir,
		User:       systemUser,
	}
	if err := d.supervisor.WriteUnit(unit); err != nil {
		d.releaseAllocations(port, project, branch)
		return err
	}
	if err := d.supervisor.Reload(); err != nil {
		d.releaseAllocations(port, project, branch)
		return err
	}
	if err := d.supervisor.StartEnable(unitName); err != nil {
		d.releaseAllocations(port, project, branch)
		return fmt.Errorf("starting unit %s: %w", unitName, err)
	}

	healthPath := svc.HealthCheck
	if healthPath == "" {
		healthPath = "/health"
	}
	healthURL := fmt.Sprintf("http://127.0.0.1:%d%s", port, healthPath)
	deadline := d.cfg.HealthGateDeadline
	if svc.HealthCheckTimeoutSecs > 0 {
		deadline = time.Duration(svc.HealthCheckTimeoutSecs) * time.Second
	}
	if err := healthGate(ctx, healthURL, deadline, d.httpClient); err != nil {
		d.supervisor.StopDisable(unitName)
		d.releaseAllocations(port, project, branch)
		return kerrors.Wrap(kerrors.KindServiceUnavailable, "health gate deadline exceeded", err)
	}

	domain := fmt.Sprintf("%s-%s.%s.%s", serviceName, slug, project, d.cfg.BaseDomain)
	if err := d.store.SetDeploymentActive(dep.ID, storePath, &port, domain, healthURL, ""); err != nil {
		return fmt.Errorf("committing active deployment: %w", err)
	}

	d.routerBus.Publish(bus.RouterEvent{
		Kind: bus.RouterEventActive, DeploymentID: dep.ID, Project: project, ServiceName: serviceName,
		Branch: branch, BranchSlug: slug, GitRef: dep.GitRef, Port: port, Domain: domain,
		CustomDomain: svc.CustomDomain, HealthCheck: healthPath,
	})

	d.applyDNS(dep.ID, domain)
	if svc.CustomDomain != "" {
		d.applyDNS(dep.ID, svc.CustomDomain)
	}
	return nil
}

// deployStatic implements spec.md §4.3.1's static-kind branch.
func (d *Deployer) deployStatic(ctx context.Context, project, branch, slug, serviceName, storePath string, dep *store.Deployment, svc *store.Service) error {
	siteDir := filepath.Join(d.cfg.SitesDir, project, slug)
	if err := os.MkdirAll(filepath.Dir(siteDir), 0o755); err != nil {
		return fmt.Errorf("creating sites parent directory: %w", err)
	}

	tmpLink := siteDir + ".tmp"
	os.Remove(tmpLink)
	if err := os.Symlink(storePath, tmpLink); err != nil {
		return fmt.Errorf("creating static symlink: %w", err)
	}
	if err := os.Rename(tmpLink, siteDir); err != nil {
		return fmt.Errorf("installing static symlink: %w", err)
	}

	domain := fmt.Sprintf("%s-%s.%s.%s", serviceName, slug, project, d.cfg.BaseDomain)
	if err := d.store.SetDeploymentActive(dep.ID, storePath, nil, domain, "", siteDir); err != nil {
		return fmt.Errorf("committing active static deployment: %w", err)
	}

	d.routerBus.Publish(bus.RouterEvent{
		Kind: bus.RouterEventActive, DeploymentID: dep.ID, Project: project, ServiceName: serviceName,
		Branch: branch, BranchSlug: slug, GitRef: dep.GitRef, Domain: domain, CustomDomain: svc.CustomDomain,
		StaticPath: siteDir, IsStatic: true, SPA: svc.SPA,
	})

	d.applyDNS(dep.ID, domain)
	if svc.CustomDomain != "" {
		d.applyDNS(dep.ID, svc.CustomDomain)
	}
	return nil
}

func (d *Deployer) releaseAllocations(port int, project, branch string) {
	d.store.ReleasePort(port)
	d.store.ReleasePreviewDatabase(project, branch)
}

// scheduleRetire implements spec.md §4.3.1 step j: tear down the
// previously-active deployment after a drain delay. drainSecs is the
// service's manifest-declared override (drain_secs); when zero it falls
// back to the daemon-wide cfg.DrainDelay.
func (d *Deployer) scheduleRetire(project, branch, serviceName, previousActiveID string, drainSecs int) {
	delay := d.cfg.DrainDelay
	if drainSecs > 0 {
		delay = time.Duration(drainSecs) * time.Second
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		time.Sleep(delay)
		if err := d.Teardown(context.Background(), previousActiveID); err != nil {
			d.log.Error().Err(err).Str("deployment_id", previousActiveID).Msg("blue-green retirement teardown failed")
		}
	}()
}

// applyDNS requests A/AAAA records for domain (spec.md §4.3.1 step 3).
// Best-effort: failures are logged and surfaced as dns_status=failed. The
// A record drives dns_status; the AAAA record is attempted alongside it
// but a missing IPv6 address on the host does not by itself fail the
// deployment's DNS status.
func (d *Deployer) applyDNS(deploymentID, domain string) {
	if d.dnsProv == nil {
		return
	}
	addr, err := publicAddress()
	if err != nil {
		d.log.Warn().Err(err).Msg("could not determine public address for dns record")
		d.store.SetDeploymentDNSStatus(deploymentID, store.DNSFailed)
		return
	}
	id, err := d.dnsProv.CreateRecord(dns.Record{FQDN: domain, Type: "A", Address: addr})
	if err != nil {
		d.log.Error().Err(err).Str("domain", domain).Msg("dns record creation failed")
		d.store.SetDeploymentDNSStatus(deploymentID, store.DNSFailed)
		return
	}
	if err := d.store.UpsertDNSRecord(&store.DNSRecord{FQDN: domain, DeploymentID: deploymentID, ProviderRecordID: id, RecordType: store.DNSRecordA, Address: addr}); err != nil {
		d.log.Error().Err(err).Str("domain", domain).Msg("could not persist dns record")
		return
	}
	d.store.SetDeploymentDNSStatus(deploymentID, store.DNSActive)

	addr6, err := publicAddressV6()
	if err != nil {
		d.log.Debug().Err(err).Msg("no public ipv6 address, skipping aaaa record")
		return
	}
	id6, err := d.dnsProv.CreateRecord(dns.Record{FQDN: domain, Type: "AAAA", Address: addr6})
	if err != nil {
		d.log.Error().Err(err).Str("domain", domain).Msg("aaaa dns record creation failed")
		return
	}
	if err := d.store.UpsertDNSRecord(&store.DNSRecord{FQDN: domain, DeploymentID: deploymentID, ProviderRecordID: id6, RecordType: store.DNSRecordAAAA, Address: addr6}); err != nil {
		d.log.Error().Err(err).Str("domain", domain).Msg("could not persist aaaa dns record")
	}
}

// UnitNameFor derives the systemd unit name for a (project, branch,
// service) triple. Exported so the reconciler can compute the expected
// unit set for every live Deployment without duplicating the naming
// scheme (spec.md §7: "orphaned units without active Deployment rows").
func UnitNameFor(project, branch, service string) string {
	return fmt.Sprintf("kennel-%s-%s-%s", project, slugify(branch), service)
}

func unitNameFor(project, branch, service string) string {
	return UnitNameFor(project, branch, service)
}

// provisionDatabase creates the named preview database idempotently.
func provisionDatabase(ctx context.Context, name string) error {
	cmd := exec.CommandContext(ctx, "createdb", name)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("createdb %s: %w: %s", name, err, out)
	}
	return nil
}

// publicAddress resolves the address DNS records should point at.
func publicAddress() (string, error) {
	resp, err := http.Get("https://api.ipify.org?format=text")
	if err != nil {
		return "", fmt.Errorf("detecting public address: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading public address response: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func publicAddressV6() (string, error) {
	resp, err := http.Get("https://api6.ipify.org?format=text")
	if err != nil {
		return "", fmt.Errorf("detecting public ipv6 address: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading public ipv6 address response: %w", err)
	}
	addr := strings.TrimSpace(string(data))
	if !strings.Contains(addr, ":") {
		return "", fmt.Errorf("host has no public ipv6 address")
	}
	return addr, nil
}

// keyedMutex serialises operations per (project, branch, service) key
// (spec.md §5: "a per-key async mutex acquired at the start of deploy/
// teardown"), while letting different keys run fully in parallel.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
