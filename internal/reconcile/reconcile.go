// Package reconcile implements spec.md §7's startup reconciliation pass:
// a crash may have left units running with no matching Deployment row, a
// Deployment marked active with no matching unit, a PortAllocation with
// nothing using it, or a Build stuck in "building" forever. Run walks the
// store once at boot and heals each of these before the pipeline starts
// accepting work.
package reconcile

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/kennel-paas/kennel/internal/deployer"
	"github.com/kennel-paas/kennel/internal/store"
)

// Run performs the reconciliation pass described in spec.md §7.
func Run(ctx context.Context, st *store.Store, supervisor deployer.Supervisor, log zerolog.Logger) error {
	log = log.With().Str("component", "reconcile").Logger()

	if err := reconcileOrphanUnits(st, supervisor, log); err != nil {
		return fmt.Errorf("reconciling orphaned units: %w", err)
	}
	if err := reconcileDeployments(st, supervisor, log); err != nil {
		return fmt.Errorf("reconciling deployments: %w", err)
	}
	if err := reconcilePorts(st, log); err != nil {
		return fmt.Errorf("reconciling port allocations: %w", err)
	}
	if err := reconcileBuilds(st, log); err != nil {
		return fmt.Errorf("reconciling stuck builds: %w", err)
	}
	return nil
}

// reconcileOrphanUnits stops any kennel-managed unit with no matching
// active Deployment row (spec.md §7).
func reconcileOrphanUnits(st *store.Store, supervisor deployer.Supervisor, log zerolog.Logger) error {
	installed, err := supervisor.ListUnits()
	if err != nil {
		return err
	}
	if len(installed) == 0 {
		return nil
	}

	active, err := st.ListActiveDeployments()
	if err != nil {
		return err
	}
	expected := make(map[string]bool, len(active))
	for _, dep := range active {
		if dep.Port != nil {
			expected[deployer.UnitNameFor(dep.Project, dep.Branch, dep.ServiceName)] = true
		}
	}

	for _, name := range installed {
		if expected[name] {
			continue
		}
		log.Warn().Str("unit", name).Msg("stopping orphaned unit with no active deployment")
		if err := supervisor.StopDisable(name); err != nil {
			log.Error().Err(err).Str("unit", name).Msg("could not stop orphaned unit")
		}
		if err := supervisor.RemoveUnit(name); err != nil {
			log.Error().Err(err).Str("unit", name).Msg("could not remove orphaned unit file")
		}
	}
	return supervisor.Reload()
}

// reconcileDeployments marks a Deployment `failed` if it claims to be
// active but its artifact store-path, its unit (service kind) or its
// static symlink no longer exists (spec.md §7: "crash recovery" for
// mid-flight deploys).
func reconcileDeployments(st *store.Store, supervisor deployer.Supervisor, log zerolog.Logger) error {
	deps, err := st.ListActiveDeployments()
	if err != nil {
		return err
	}
	units, err := supervisor.ListUnits()
	if err != nil {
		return err
	}
	installed := make(map[string]bool, len(units))
	for _, name := range units {
		installed[name] = true
	}
	for _, dep := range deps {
		if _, err := os.Stat(dep.StorePath); err != nil {
			log.Warn().Str("deployment_id", dep.ID).Str("store_path", dep.StorePath).Msg("active deployment's store path is missing, marking failed")
			if err := st.SetDeploymentFailed(dep.ID); err != nil {
				return fmt.Errorf("marking deployment %s failed: %w", dep.ID, err)
			}
			continue
		}
		if dep.Port != nil && !installed[deployer.UnitNameFor(dep.Project, dep.Branch, dep.ServiceName)] {
			log.Warn().Str("deployment_id", dep.ID).Msg("active service deployment's unit is missing, marking failed")
			if err := st.SetDeploymentFailed(dep.ID); err != nil {
				return fmt.Errorf("marking deployment %s failed: %w", dep.ID, err)
			}
			continue
		}
		if dep.StaticPath != "" {
			if _, err := os.Lstat(dep.StaticPath); err != nil {
				log.Warn().Str("deployment_id", dep.ID).Str("static_path", dep.StaticPath).Msg("active static deployment's symlink is missing, marking failed")
				if err := st.SetDeploymentFailed(dep.ID); err != nil {
					return fmt.Errorf("marking deployment %s failed: %w", dep.ID, err)
				}
			}
		}
	}
	return nil
}

// reconcilePorts releases any PortAllocation whose Deployment no longer
// exists in an active state (spec.md §7: "release stranded allocations").
func reconcilePorts(st *store.Store, log zerolog.Logger) error {
	allocs, err := st.ListPortAllocations()
	if err != nil {
		return err
	}
	active, err := st.ListActiveDeployments()
	if err != nil {
		return err
	}
	liveDeployments := make(map[string]bool, len(active))
	for _, dep := range active {
		liveDeployments[dep.ID] = true
	}

	for _, alloc := range allocs {
		if alloc.DeploymentID == "" {
			continue
		}
		if !liveDeployments[alloc.DeploymentID] {
			log.Warn().Int("port", alloc.Port).Str("deployment_id", alloc.DeploymentID).Msg("releasing stranded port allocation")
			if err := st.ReleasePort(alloc.Port); err != nil {
				return fmt.Errorf("releasing port %d: %w", alloc.Port, err)
			}
		}
	}
	return nil
}

// reconcileBuilds marks any Build still `building` from before the crash
// as `failed` (spec.md §7: "mark stuck builds failed").
func reconcileBuilds(st *store.Store, log zerolog.Logger) error {
	stale, err := st.StaleBuilding()
	if err != nil {
		return err
	}
	for _, b := range stale {
		log.Warn().Str("build_id", b.ID).Msg("marking build stuck in building state failed")
		if err := st.SetBuildFinished(b.ID, store.BuildFailed); err != nil {
			return fmt.Errorf("failing build %s: %w", b.ID, err)
		}
	}
	return nil
}
