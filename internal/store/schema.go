package store

// schema is applied with CREATE TABLE IF NOT EXISTS on every startup, so
// it doubles as the (only) migration: Kennel ships one additive schema and
// has no migration runner, matching the teacher's own "no ORM, no
// migration framework" posture.
const schema = `
CREATE TABLE IF NOT EXISTS projects (
	name          TEXT PRIMARY KEY,
	clone_url     TEXT NOT NULL,
	platform      TEXT NOT NULL,
	webhook_secret TEXT NOT NULL,
	default_branch TEXT NOT NULL DEFAULT 'main',
	expiry_window_secs INTEGER NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS services (
	project        TEXT NOT NULL REFERENCES projects(name) ON DELETE CASCADE,
	service_name   TEXT NOT NULL,
	kind           TEXT NOT NULL,
	custom_domain  TEXT,
	health_check   TEXT NOT NULL DEFAULT '/health',
	health_check_timeout_secs INTEGER NOT NULL DEFAULT 30,
	spa            INTEGER NOT NULL DEFAULT 0,
	preview_database INTEGER NOT NULL DEFAULT 0,
	flake_output   TEXT,
	drain_secs     INTEGER NOT NULL DEFAULT 30,
	secrets_json   TEXT NOT NULL DEFAULT '[]',
	env_json       TEXT NOT NULL DEFAULT '{}',
	updated_at     TEXT NOT NULL,
	PRIMARY KEY (project, service_name)
);

CREATE TABLE IF NOT EXISTS builds (
	id          TEXT PRIMARY KEY,
	project     TEXT NOT NULL REFERENCES projects(name) ON DELETE CASCADE,
	git_ref     TEXT NOT NULL,
	commit_hash TEXT NOT NULL,
	status      TEXT NOT NULL,
	triggered_by TEXT,
	created_at  TEXT NOT NULL,
	started_at  TEXT,
	finished_at TEXT,
	UNIQUE(project, git_ref, commit_hash)
);
CREATE INDEX IF NOT EXISTS idx_builds_status ON builds(status);

CREATE TABLE IF NOT EXISTS build_results (
	id            TEXT PRIMARY KEY,
	build_id      TEXT NOT NULL REFERENCES builds(id) ON DELETE CASCADE,
	service_name  TEXT NOT NULL,
	status        TEXT NOT NULL,
	store_path    TEXT,
	changed       INTEGER NOT NULL DEFAULT 1,
	log_path      TEXT,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_build_results_build ON build_results(build_id);

CREATE TABLE IF NOT EXISTS deployments (
	id             TEXT PRIMARY KEY,
	project        TEXT NOT NULL,
	service_name   TEXT NOT NULL,
	branch         TEXT NOT NULL,
	branch_slug    TEXT NOT NULL,
	git_ref        TEXT NOT NULL,
	store_path     TEXT,
	port           INTEGER,
	domain         TEXT,
	static_path    TEXT,
	status         TEXT NOT NULL,
	dns_status     TEXT NOT NULL DEFAULT 'pending',
	build_id       TEXT,
	health_url     TEXT,
	last_check_at  TEXT,
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL,
	last_activity  TEXT NOT NULL,
	FOREIGN KEY(project, service_name) REFERENCES services(project, service_name) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_deployments_lookup ON deployments(project, service_name, branch);
-- Invariant: at most one deployment in {pending,building,active} per
-- (project, service, branch). SQLite supports partial unique indexes
-- directly, so this is a real constraint, not an app-level check.
CREATE UNIQUE INDEX IF NOT EXISTS uq_deployments_live
	ON deployments(project, service_name, branch)
	WHERE status IN ('pending', 'building', 'active');

CREATE TABLE IF NOT EXISTS port_allocations (
	port       INTEGER PRIMARY KEY,
	deployment_id TEXT REFERENCES deployments(id) ON DELETE SET NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS preview_databases (
	name       TEXT PRIMARY KEY,
	project    TEXT NOT NULL,
	branch     TEXT NOT NULL,
	slot       INTEGER NOT NULL,
	deployment_id TEXT REFERENCES deployments(id) ON DELETE SET NULL,
	created_at TEXT NOT NULL,
	UNIQUE(project, branch),
	UNIQUE(slot)
);

CREATE TABLE IF NOT EXISTS dns_records (
	fqdn          TEXT PRIMARY KEY,
	deployment_id TEXT REFERENCES deployments(id) ON DELETE SET NULL,
	provider_record_id TEXT NOT NULL,
	record_type   TEXT NOT NULL,
	address       TEXT NOT NULL,
	created_at    TEXT NOT NULL
);
`
