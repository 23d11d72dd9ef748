// Package builder implements spec.md §4.2: a bounded worker pool that
// clones, parses the manifest, and builds each declared item of a Build.
package builder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/kennel-paas/kennel/internal/bus"
	"github.com/kennel-paas/kennel/internal/manifest"
	"github.com/kennel-paas/kennel/internal/store"
)

// Builder drains the build queue with a pool of workers capped by a
// counting semaphore (spec.md §4.2: "implemented as a counting
// semaphore... strictly non-blocking on worker progress").
type Builder struct {
	store       *store.Store
	queues      *bus.Queues
	buildTool   BuildTool
	cachePusher CachePusher // nil disables the optional cache-push step
	sem         *semaphore.Weighted
	workDir     string
	logsDir     string
	log         zerolog.Logger

	wg sync.WaitGroup
}

func New(st *store.Store, queues *bus.Queues, buildTool BuildTool, maxConcurrent int, workDir, logsDir string, log zerolog.Logger) *Builder {
	return &Builder{
		store:     st,
		queues:    queues,
		buildTool: buildTool,
		sem:       semaphore.NewWeighted(int64(maxConcurrent)),
		workDir:   workDir,
		logsDir:   logsDir,
		log:       log.With().Str("component", "builder").Logger(),
	}
}

// WithCachePusher sets the optional cache-push collaborator (spec.md
// §4.2 step 6); nil disables it without branching code elsewhere.
func (b *Builder) WithCachePusher(p CachePusher) *Builder {
	b.cachePusher = p
	return b
}

// Run drains the build queue until ctx is cancelled or the queue is
// closed. The dispatch loop never blocks on an in-flight build: it waits
// on both queue availability and a semaphore permit.
func (b *Builder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			b.wg.Wait()
			return
		case buildID, ok := <-b.queues.BuildIDs:
			if !ok {
				b.wg.Wait()
				return
			}
			if err := b.sem.Acquire(ctx, 1); err != nil {
				b.wg.Wait()
				return
			}
			b.wg.Add(1)
			go func(id string) {
				defer b.wg.Done()
				defer b.sem.Release(1)
				b.processBuild(ctx, id)
			}(buildID)
		}
	}
}

// Wait blocks until all in-flight builds finish (used by graceful shutdown).
func (b *Builder) Wait() { b.wg.Wait() }

func (b *Builder) processBuild(ctx context.Context, buildID string) {
	log := b.log.With().Str("build_id", buildID).Logger()

	build, err := b.store.GetBuild(buildID)
	if err != nil {
		log.Error().Err(err).Msg("build not found")
		return
	}
	if build.Status == store.BuildCancelled {
		return
	}

	if err := b.store.SetBuildStarted(buildID); err != nil {
		log.Error().Err(err).Msg("could not transition build to building")
		return
	}

	if b.cancelled(buildID) {
		return
	}

	project, err := b.store.GetProject(build.Project)
	if err != nil {
		log.Error().Err(err).Msg("project not found")
		b.fail(buildID)
		return
	}

	repoDir := filepath.Join(b.workDir, buildID, "repo")
	if err := os.MkdirAll(repoDir, 0o755); err != nil {
		log.Error().Err(err).Msg("could not create build workspace")
		b.fail(buildID)
		return
	}

	if err := cloneAt(project.CloneURL, repoDir, build.CommitHash); err != nil {
		log.Error().Err(err).Msg("clone failed")
		b.fail(buildID)
		return
	}

	if b.cancelled(buildID) {
		return
	}

	m, err := manifest.ParseRepo(repoDir)
	if err != nil {
		log.Error().Err(err).Msg("manifest parse failed")
		b.fail(buildID)
		return
	}

	items := m.Items()
	logDir := filepath.Join(b.logsDir, buildID)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		log.Error().Err(err).Msg("could not create log directory")
		b.fail(buildID)
		return
	}

	allSucceeded := true
	for _, item := range items {
		if b.cancelled(buildID) {
			return
		}
		ok := b.buildItem(ctx, build, repoDir, logDir, item, m, log)
		if !ok {
			allSucceeded = false
		}
	}

	if b.cancelled(buildID) {
		return
	}

	if allSucceeded {
		b.pushToCache(ctx, buildID, m, log)
		if err := b.store.SetBuildFinished(buildID, store.BuildSuccess); err != nil {
			log.Error().Err(err).Msg("could not mark build success")
			return
		}
		log.Info().Msg("build succeeded")
		b.queues.Deploys <- bus.DeploymentRequest{BuildID: buildID, Project: build.Project, GitRef: build.GitRef}
	} else {
		b.fail(buildID)
	}
}

func (b *Builder) cancelled(buildID string) bool {
	status, err := b.store.GetBuildStatus(buildID)
	if err != nil {
		return false
	}
	return status == store.BuildCancelled
}

func (b *Builder) fail(buildID string) {
	if err := b.store.SetBuildFinished(buildID, store.BuildFailed); err != nil {
		b.log.Error().Err(err).Str("build_id", buildID).Msg("could not mark build failed")
	}
}

// buildItem builds one manifest item, recording a BuildResult, per spec.md
// §4.2 steps 3-5. It reports whether the item succeeded.
func (b *Builder) buildItem(ctx context.Context, build *store.Build, repoDir, logDir string, item manifest.Item, m *manifest.Manifest, log zerolog.Logger) bool {
	logPath := filepath.Join(logDir, item.Name+".log")
	logFile, err := os.Create(logPath)
	if err != nil {
		log.Error().Err(err).Str("item", item.Name).Msg("could not create item log file")
		return false
	}
	defer logFile.Close()

	result := &store.BuildResult{
		BuildID:     build.ID,
		ServiceName: item.Name,
		Status:      store.ResultBuilding,
		LogPath:     logPath,
		Changed:     true,
	}
	if err := retryOnce(func() error { return b.store.CreateBuildResult(result) }); err != nil {
		log.Error().Err(err).Str("item", item.Name).Msg("could not record build result")
		return false
	}

	storePath, buildErr := b.buildTool.Build(ctx, repoDir, item.FlakeOutput, logFile)
	if buildErr != nil {
		fmt.Fprintf(logFile, "\nbuild failed: %v\n", buildErr)
		result.Status = store.ResultFailed
		if err := retryOnce(func() error { return b.store.UpdateBuildResult(result) }); err != nil {
			log.Error().Err(err).Str("item", item.Name).Msg("could not record item failure")
		}
		log.Error().Err(buildErr).Str("item", item.Name).Msg("item build failed")
		return false
	}

	recent, err := b.store.RecentSuccessfulStorePaths(build.Project, build.GitRef, item.Name)
	if err != nil {
		log.Warn().Err(err).Str("item", item.Name).Msg("could not look up recent store paths")
	}
	changed := true
	for _, p := range recent {
		if p == storePath {
			changed = false
			break
		}
	}

	result.Status = store.ResultSuccess
	result.StorePath = storePath
	result.Changed = changed
	if err := retryOnce(func() error { return b.store.UpdateBuildResult(result) }); err != nil {
		log.Error().Err(err).Str("item", item.Name).Msg("could not update build result")
		return false
	}

	if err := b.cacheService(build.Project, item, m); err != nil {
		log.Error().Err(err).Str("item", item.Name).Msg("could not cache service metadata")
	}

	log.Info().Str("item", item.Name).Str("store_path", storePath).Bool("changed", changed).Msg("item built")
	return true
}

// retryOnce runs fn, and on failure runs it a second time, returning the
// second attempt's error. Transient store failures are retried once per
// step; a failure that survives the retry is persistent and propagates to
// the caller to fail the item (spec.md §4.2).
func retryOnce(fn func() error) error {
	if err := fn(); err == nil {
		return nil
	}
	return fn()
}

// cacheService writes the spec.md §3 Service row for item, caching the
// relevant manifest fields on each successful build.
func (b *Builder) cacheService(project string, item manifest.Item, m *manifest.Manifest) error {
	svc := &store.Service{Project: project, ServiceName: item.Name}
	if item.IsStatic {
		site := m.StaticSites[item.Name]
		svc.Kind = store.ServiceKindStatic
		svc.CustomDomain = site.CustomDomain
		svc.SPA = site.SPA
		svc.FlakeOutput = site.FlakeOutput
		svc.HealthCheck = "/health"
		svc.HealthCheckTimeoutSecs = 30
		svc.DrainSecs = 30
	} else {
		spec := m.Services[item.Name]
		svc.Kind = store.ServiceKindService
		svc.CustomDomain = spec.CustomDomain
		svc.HealthCheck = spec.HealthCheck
		svc.HealthCheckTimeoutSecs = spec.HealthCheckTimeoutSecs
		svc.PreviewDatabase = spec.PreviewDatabase
		svc.FlakeOutput = spec.FlakeOutput
		svc.DrainSecs = spec.DrainSecs
		svc.Secrets = spec.Secrets
		svc.Env = spec.Env
	}
	return b.store.UpsertService(svc)
}

// pushToCache pushes every changed store path to the optional build
// artifact cache (spec.md §4.2 step 6). Best-effort: failures are logged
// and never affect Build status, and unchanged items are skipped.
func (b *Builder) pushToCache(ctx context.Context, buildID string, m *manifest.Manifest, log zerolog.Logger) {
	if b.cachePusher == nil || m.Cachix == nil {
		return
	}
	results, err := b.store.ListBuildResults(buildID)
	if err != nil {
		log.Warn().Err(err).Msg("could not list build results for cache push")
		return
	}
	for _, r := range results {
		if r.Status != store.ResultSuccess || !r.Changed {
			continue
		}
		if err := b.cachePusher.Push(ctx, r.StorePath); err != nil {
			log.Error().Err(err).Str("item", r.ServiceName).Str("store_path", r.StorePath).Msg("cache push failed")
		}
	}
}
