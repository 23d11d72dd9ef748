package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kennel-paas/kennel/internal/kerrors"
)

// CreateBuildIfNotExists implements the idempotency contract of spec.md
// §4.1 step 4: if a Build already exists for (project, git_ref,
// commit_hash) it is returned unchanged with created=false; otherwise a
// new Build row is inserted in status `queued`.
func (s *Store) CreateBuildIfNotExists(project, gitRef, commitHash, triggeredBy string) (b *Build, created bool, err error) {
	existing, err := s.GetBuildByCommit(project, gitRef, commitHash)
	if err == nil {
		return existing, false, nil
	}
	if !kerrors.Is(err, kerrors.KindNotFound) {
		return nil, false, err
	}

	id := uuid.NewString()
	ts := now()
	_, execErr := s.db.Exec(`
		INSERT INTO builds (id, project, git_ref, commit_hash, status, triggered_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, project, gitRef, commitHash, string(BuildQueued), triggeredBy, ts)
	if execErr != nil {
		// Lost the race against a concurrent identical delivery: fetch
		// and return the winner rather than erroring the webhook.
		if existing, getErr := s.GetBuildByCommit(project, gitRef, commitHash); getErr == nil {
			return existing, false, nil
		}
		return nil, false, kerrors.Wrap(kerrors.KindInternal, "insert build", execErr)
	}

	created, getErr := true, error(nil)
	b, getErr = s.GetBuild(id)
	if getErr != nil {
		return nil, false, getErr
	}
	return b, created, nil
}

func (s *Store) GetBuildByCommit(project, gitRef, commitHash string) (*Build, error) {
	row := s.db.QueryRow(`SELECT id, project, git_ref, commit_hash, status, triggered_by, created_at, started_at, finished_at FROM builds WHERE project = ? AND git_ref = ? AND commit_hash = ?`, project, gitRef, commitHash)
	return scanBuild(row)
}

func (s *Store) GetBuild(id string) (*Build, error) {
	row := s.db.QueryRow(`SELECT id, project, git_ref, commit_hash, status, triggered_by, created_at, started_at, finished_at FROM builds WHERE id = ?`, id)
	return scanBuild(row)
}

func scanBuild(row scanner) (*Build, error) {
	b := &Build{}
	var createdAt string
	var startedAt, finishedAt, triggeredBy sql.NullString
	var status string
	if err := row.Scan(&b.ID, &b.Project, &b.GitRef, &b.CommitHash, &status, &triggeredBy, &createdAt, &startedAt, &finishedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, kerrors.New(kerrors.KindNotFound, "build not found")
		}
		return nil, kerrors.Wrap(kerrors.KindInternal, "scan build", err)
	}
	b.Status = BuildStatus(status)
	b.TriggeredBy = triggeredBy.String
	b.CreatedAt = parseTime(createdAt)
	b.StartedAt = parseTimePtr(startedAt)
	b.FinishedAt = parseTimePtr(finishedAt)
	return b, nil
}

// SetBuildStarted transitions queued -> building and stamps started_at.
func (s *Store) SetBuildStarted(id string) error {
	res, err := s.db.Exec(`UPDATE builds SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		string(BuildBuilding), now(), id, string(BuildQueued))
	if err != nil {
		return kerrors.Wrap(kerrors.KindInternal, "set build started", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return kerrors.New(kerrors.KindValidation, fmt.Sprintf("build %s not in queued state", id))
	}
	return nil
}

// SetBuildFinished stamps finished_at and the terminal status.
func (s *Store) SetBuildFinished(id string, status BuildStatus) error {
	_, err := s.db.Exec(`UPDATE builds SET status = ?, finished_at = ? WHERE id = ?`, string(status), now(), id)
	if err != nil {
		return kerrors.Wrap(kerrors.KindInternal, "set build finished", err)
	}
	return nil
}

// CancelBuild marks a build cancelled; the worker checks this at each
// stage boundary (spec.md §4.2).
func (s *Store) CancelBuild(id string) error {
	_, err := s.db.Exec(`UPDATE builds SET status = ? WHERE id = ? AND status IN (?, ?)`,
		string(BuildCancelled), id, string(BuildQueued), string(BuildBuilding))
	if err != nil {
		return kerrors.Wrap(kerrors.KindInternal, "cancel build", err)
	}
	return nil
}

func (s *Store) GetBuildStatus(id string) (BuildStatus, error) {
	var status string
	err := s.db.QueryRow(`SELECT status FROM builds WHERE id = ?`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", kerrors.New(kerrors.KindNotFound, "build not found")
		}
		return "", kerrors.Wrap(kerrors.KindInternal, "get build status", err)
	}
	return BuildStatus(status), nil
}

// StaleBuilding returns builds stuck in `building` (for startup
// reconciliation; spec.md §7).
func (s *Store) StaleBuilding() ([]*Build, error) {
	rows, err := s.db.Query(`SELECT id, project, git_ref, commit_hash, status, triggered_by, created_at, started_at, finished_at FROM builds WHERE status = ?`, string(BuildBuilding))
	if err != nil {
		return nil, kerrors.Wrap(kerrors.KindInternal, "query stale builds", err)
	}
	defer rows.Close()
	var out []*Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// DeleteBuildsOlderThan deletes builds (cascading to build_results)
// created before cutoff, for the log-retention sweeper. Returns deleted ids.
func (s *Store) DeleteBuildsOlderThan(cutoffRFC3339 string) ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM builds WHERE created_at < ?`, cutoffRFC3339)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.KindInternal, "select old builds", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, kerrors.Wrap(kerrors.KindInternal, "scan old build id", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if _, err := s.db.Exec(`DELETE FROM builds WHERE id = ?`, id); err != nil {
			return nil, kerrors.Wrap(kerrors.KindInternal, "delete old build", err)
		}
	}
	return ids, nil
}

// --- Build results ---

func (s *Store) CreateBuildResult(br *BuildResult) error {
	if br.ID == "" {
		br.ID = uuid.NewString()
	}
	ts := now()
	_, err := s.db.Exec(`
		INSERT INTO build_results (id, build_id, service_name, status, store_path, changed, log_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		br.ID, br.BuildID, br.ServiceName, string(br.Status), nullable(br.StorePath), boolInt(br.Changed), nullable(br.LogPath), ts, ts)
	if err != nil {
		return kerrors.Wrap(kerrors.KindInternal, "create build result", err)
	}
	return nil
}

func (s *Store) UpdateBuildResult(br *BuildResult) error {
	_, err := s.db.Exec(`UPDATE build_results SET status = ?, store_path = ?, changed = ?, log_path = ?, updated_at = ? WHERE id = ?`,
		string(br.Status), nullable(br.StorePath), boolInt(br.Changed), nullable(br.LogPath), now(), br.ID)
	if err != nil {
		return kerrors.Wrap(kerrors.KindInternal, "update build result", err)
	}
	return nil
}

func (s *Store) ListBuildResults(buildID string) ([]*BuildResult, error) {
	rows, err := s.db.Query(`SELECT id, build_id, service_name, status, store_path, changed, log_path, created_at, updated_at FROM build_results WHERE build_id = ?`, buildID)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.KindInternal, "list build results", err)
	}
	defer rows.Close()
	var out []*BuildResult
	for rows.Next() {
		br, err := scanBuildResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, br)
	}
	return out, rows.Err()
}

func scanBuildResult(row scanner) (*BuildResult, error) {
	br := &BuildResult{}
	var status string
	var storePath, logPath sql.NullString
	var changed int
	var createdAt, updatedAt string
	if err := row.Scan(&br.ID, &br.BuildID, &br.ServiceName, &status, &storePath, &changed, &logPath, &createdAt, &updatedAt); err != nil {
		return nil, kerrors.Wrap(kerrors.KindInternal, "scan build result", err)
	}
	br.Status = BuildResultStatus(status)
	br.StorePath = storePath.String
	br.Changed = changed != 0
	br.LogPath = logPath.String
	br.CreatedAt = parseTime(createdAt)
	br.UpdatedAt = parseTime(updatedAt)
	return br, nil
}

// RecentSuccessfulStorePaths returns up to 5 most-recent successful store
// paths for (project, git_ref, service), for the unchanged-detection step
// (spec.md §4.2 step 5). It joins through builds for the project filter.
func (s *Store) RecentSuccessfulStorePaths(project, gitRef, serviceName string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT br.store_path FROM build_results br
		JOIN builds b ON b.id = br.build_id
		WHERE b.project = ? AND b.git_ref = ? AND br.service_name = ? AND br.status = ? AND br.store_path IS NOT NULL
		ORDER BY br.created_at DESC LIMIT 5`,
		project, gitRef, serviceName, string(ResultSuccess))
	if err != nil {
		return nil, kerrors.Wrap(kerrors.KindInternal, "query recent store paths", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, kerrors.Wrap(kerrors.KindInternal, "scan store path", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
