package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kennel-paas/kennel/internal/kerrors"
)

// UpsertProject creates or updates a Project row. Called only by the
// host-config declarative sync at startup (spec.md §3: "never mutated by
// the pipeline").
func (s *Store) UpsertProject(p *Project) error {
	ts := now()
	_, err := s.db.Exec(`
		INSERT INTO projects (name, clone_url, platform, webhook_secret, default_branch, expiry_window_secs, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			clone_url=excluded.clone_url,
			platform=excluded.platform,
			webhook_secret=excluded.webhook_secret,
			default_branch=excluded.default_branch,
			expiry_window_secs=excluded.expiry_window_secs,
			updated_at=excluded.updated_at`,
		p.Name, p.CloneURL, string(p.Platform), p.WebhookSecret, p.DefaultBranch, p.ExpiryWindowSecs, ts, ts)
	if err != nil {
		return kerrors.Wrap(kerrors.KindInternal, "upsert project", err)
	}
	return nil
}

// DeleteProject removes a project. With foreign keys enforced, ON DELETE
// CASCADE also removes its services and builds (with their results) and,
// through the services, its deployments; no unit, secret file or symlink
// is torn down here.
func (s *Store) DeleteProject(name string) error {
	_, err := s.db.Exec(`DELETE FROM projects WHERE name = ?`, name)
	if err != nil {
		return kerrors.Wrap(kerrors.KindInternal, "delete project", err)
	}
	return nil
}

func (s *Store) GetProject(name string) (*Project, error) {
	row := s.db.QueryRow(`SELECT name, clone_url, platform, webhook_secret, default_branch, expiry_window_secs, created_at, updated_at FROM projects WHERE name = ?`, name)
	p := &Project{}
	var createdAt, updatedAt string
	var platform string
	if err := row.Scan(&p.Name, &p.CloneURL, &platform, &p.WebhookSecret, &p.DefaultBranch, &p.ExpiryWindowSecs, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, kerrors.New(kerrors.KindNotFound, fmt.Sprintf("project %q not found", name))
		}
		return nil, kerrors.Wrap(kerrors.KindInternal, "get project", err)
	}
	p.Platform = Platform(platform)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return p, nil
}

func (s *Store) ListProjects() ([]*Project, error) {
	rows, err := s.db.Query(`SELECT name, clone_url, platform, webhook_secret, default_branch, expiry_window_secs, created_at, updated_at FROM projects`)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.KindInternal, "list projects", err)
	}
	defer rows.Close()

	var out []*Project
	for rows.Next() {
		p := &Project{}
		var createdAt, updatedAt, platform string
		if err := rows.Scan(&p.Name, &p.CloneURL, &platform, &p.WebhookSecret, &p.DefaultBranch, &p.ExpiryWindowSecs, &createdAt, &updatedAt); err != nil {
			return nil, kerrors.Wrap(kerrors.KindInternal, "scan project", err)
		}
		p.Platform = Platform(platform)
		p.CreatedAt = parseTime(createdAt)
		p.UpdatedAt = parseTime(updatedAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertService caches a manifest-declared service/site on each
// successful build (spec.md §3).
func (s *Store) UpsertService(svc *Service) error {
	ts := now()
	secretsJSON, err := json.Marshal(svc.Secrets)
	if err != nil {
		return kerrors.Wrap(kerrors.KindInternal, "encode service secrets", err)
	}
	envJSON, err := json.Marshal(svc.Env)
	if err != nil {
		return kerrors.Wrap(kerrors.KindInternal, "encode service env", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO services (project, service_name, kind, custom_domain, health_check, health_check_timeout_secs, spa, preview_database, flake_output, drain_secs, secrets_json, env_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project, service_name) DO UPDATE SET
			kind=excluded.kind,
			custom_domain=excluded.custom_domain,
			health_check=excluded.health_check,
			health_check_timeout_secs=excluded.health_check_timeout_secs,
			spa=excluded.spa,
			preview_database=excluded.preview_database,
			flake_output=excluded.flake_output,
			drain_secs=excluded.drain_secs,
			secrets_json=excluded.secrets_json,
			env_json=excluded.env_json,
			updated_at=excluded.updated_at`,
		svc.Project, svc.ServiceName, string(svc.Kind), nullable(svc.CustomDomain), svc.HealthCheck,
		svc.HealthCheckTimeoutSecs, boolInt(svc.SPA), boolInt(svc.PreviewDatabase), nullable(svc.FlakeOutput), svc.DrainSecs,
		string(secretsJSON), string(envJSON), ts)
	if err != nil {
		return kerrors.Wrap(kerrors.KindInternal, "upsert service", err)
	}
	return nil
}

const serviceSelect = `SELECT project, service_name, kind, custom_domain, health_check, health_check_timeout_secs, spa, preview_database, flake_output, drain_secs, secrets_json, env_json, updated_at FROM services`

func (s *Store) GetService(project, name string) (*Service, error) {
	row := s.db.QueryRow(serviceSelect+` WHERE project = ? AND service_name = ?`, project, name)
	return scanService(row)
}

func (s *Store) ListServicesByProject(project string) ([]*Service, error) {
	rows, err := s.db.Query(serviceSelect+` WHERE project = ?`, project)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.KindInternal, "list services", err)
	}
	defer rows.Close()
	var out []*Service
	for rows.Next() {
		svc, err := scanServiceRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanService(row scanner) (*Service, error) {
	svc := &Service{}
	var kind string
	var customDomain, flakeOutput sql.NullString
	var spa, previewDB int
	var secretsJSON, envJSON, updatedAt string
	if err := row.Scan(&svc.Project, &svc.ServiceName, &kind, &customDomain, &svc.HealthCheck, &svc.HealthCheckTimeoutSecs,
		&spa, &previewDB, &flakeOutput, &svc.DrainSecs, &secretsJSON, &envJSON, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, kerrors.New(kerrors.KindNotFound, "service not found")
		}
		return nil, kerrors.Wrap(kerrors.KindInternal, "scan service", err)
	}
	svc.Kind = ServiceKind(kind)
	svc.CustomDomain = customDomain.String
	svc.FlakeOutput = flakeOutput.String
	svc.SPA = spa != 0
	svc.PreviewDatabase = previewDB != 0
	_ = json.Unmarshal([]byte(secretsJSON), &svc.Secrets)
	_ = json.Unmarshal([]byte(envJSON), &svc.Env)
	svc.UpdatedAt = parseTime(updatedAt)
	return svc, nil
}

func scanServiceRows(rows *sql.Rows) (*Service, error) { return scanService(rows) }

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
