package store

import (
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/kennel-paas/kennel/internal/kerrors"
)

// UpsertLiveDeployment implements spec.md §4.3.1 step 1: reuse the
// (project, service, branch) row currently in {pending,building,active} if
// one exists (attaching the new build id), otherwise insert a fresh
// `pending` row. It returns the deployment and whether an existing active
// row was replaced (the caller schedules that row's blue-green retirement).
func (s *Store) UpsertLiveDeployment(project, serviceName, branch, branchSlug, gitRef, buildID string) (dep *Deployment, previousActiveID string, err error) {
	existing, getErr := s.liveDeployment(project, serviceName, branch)
	if getErr != nil && !kerrors.Is(getErr, kerrors.KindNotFound) {
		return nil, "", getErr
	}

	if existing != nil {
		if existing.Status == DeploymentActive {
			previousActiveID = existing.ID
		}
		existing.GitRef = gitRef
		existing.BuildID = buildID
		if _, err := s.db.Exec(`UPDATE deployments SET git_ref = ?, build_id = ?, last_activity = ?, updated_at = ? WHERE id = ?`,
			gitRef, buildID, now(), now(), existing.ID); err != nil {
			return nil, "", kerrors.Wrap(kerrors.KindInternal, "update deployment", err)
		}
		if previousActiveID != "" {
			// Move the old active row (keeping its id) to tearing_down so
			// the new build gets a fresh pending row and blue-green
			// retirement has something concrete to tear down.
			if err := s.renameToRetiring(existing.ID, previousActiveID); err != nil {
				return nil, "", err
			}
			dep, err = s.insertPendingDeployment(project, serviceName, branch, branchSlug, gitRef, buildID)
			return dep, previousActiveID, err
		}
		dep, err = s.GetDeployment(existing.ID)
		return dep, "", err
	}

	dep, err = s.insertPendingDeployment(project, serviceName, branch, branchSlug, gitRef, buildID)
	return dep, "", err
}

// renameToRetiring sets row id to newID and status tearing_down, so a new
// pending row can occupy the live-uniqueness slot. UpsertLiveDeployment
// passes the row's own id as newID, so the id and its dependents are
// unchanged and only the status moves.
func (s *Store) renameToRetiring(id, newID string) error {
	_, err := s.db.Exec(`UPDATE deployments SET id = ?, status = ? WHERE id = ?`, newID, string(DeploymentTearingDown), id)
	if err != nil {
		return kerrors.Wrap(kerrors.KindInternal, "retire old deployment", err)
	}
	// Repoint dependents so releasing the old allocation still works.
	s.db.Exec(`UPDATE port_allocations SET deployment_id = ? WHERE deployment_id = ?`, newID, id)
	s.db.Exec(`UPDATE preview_databases SET deployment_id = ? WHERE deployment_id = ?`, newID, id)
	s.db.Exec(`UPDATE dns_records SET deployment_id = ? WHERE deployment_id = ?`, newID, id)
	return nil
}

func (s *Store) insertPendingDeployment(project, serviceName, branch, branchSlug, gitRef, buildID string) (*Deployment, error) {
	id := uuid.NewString()
	ts := now()
	_, err := s.db.Exec(`
		INSERT INTO deployments (id, project, service_name, branch, branch_slug, git_ref, status, dns_status, build_id, created_at, updated_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, project, serviceName, branch, branchSlug, gitRef, string(DeploymentPending), string(DNSPending), buildID, ts, ts, ts)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.KindInternal, "insert deployment", err)
	}
	return s.GetDeployment(id)
}

func (s *Store) liveDeployment(project, serviceName, branch string) (*Deployment, error) {
	row := s.db.QueryRow(deploymentSelect+` WHERE project = ? AND service_name = ? AND branch = ? AND status IN (?, ?, ?)`,
		project, serviceName, branch, string(DeploymentPending), string(DeploymentBuilding), string(DeploymentActive))
	return scanDeployment(row)
}

const deploymentSelect = `SELECT id, project, service_name, branch, branch_slug, git_ref, store_path, port, domain, static_path, status, dns_status, build_id, health_url, last_check_at, created_at, updated_at, last_activity FROM deployments`

func (s *Store) GetDeployment(id string) (*Deployment, error) {
	row := s.db.QueryRow(deploymentSelect+` WHERE id = ?`, id)
	return scanDeployment(row)
}

func scanDeployment(row scanner) (*Deployment, error) {
	d := &Deployment{}
	var storePath, domain, staticPath, buildID, healthURL sql.NullString
	var port sql.NullInt64
	var status, dnsStatus string
	var lastCheckAt sql.NullString
	var createdAt, updatedAt, lastActivity string
	if err := row.Scan(&d.ID, &d.Project, &d.ServiceName, &d.Branch, &d.BranchSlug, &d.GitRef, &storePath, &port, &domain, &staticPath,
		&status, &dnsStatus, &buildID, &healthURL, &lastCheckAt, &createdAt, &updatedAt, &lastActivity); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, kerrors.New(kerrors.KindNotFound, "deployment not found")
		}
		return nil, kerrors.Wrap(kerrors.KindInternal, "scan deployment", err)
	}
	d.StorePath = storePath.String
	d.Domain = domain.String
	d.StaticPath = staticPath.String
	d.Status = DeploymentStatus(status)
	d.DNSStatus = DNSStatus(dnsStatus)
	d.BuildID = buildID.String
	d.HealthURL = healthURL.String
	if port.Valid {
		p := int(port.Int64)
		d.Port = &p
	}
	d.LastCheckAt = parseTimePtr(lastCheckAt)
	d.CreatedAt = parseTime(createdAt)
	d.UpdatedAt = parseTime(updatedAt)
	d.LastActivity = parseTime(lastActivity)
	return d, nil
}

func (s *Store) SetDeploymentBuilding(id string) error {
	_, err := s.db.Exec(`UPDATE deployments SET status = ?, updated_at = ? WHERE id = ?`, string(DeploymentBuilding), now(), id)
	if err != nil {
		return kerrors.Wrap(kerrors.KindInternal, "set deployment building", err)
	}
	return nil
}

func (s *Store) SetDeploymentActive(id, storePath string, port *int, domain, healthURL, staticPath string) error {
	_, err := s.db.Exec(`UPDATE deployments SET status = ?, store_path = ?, port = ?, domain = ?, health_url = ?, static_path = ?, last_check_at = ?, updated_at = ? WHERE id = ?`,
		string(DeploymentActive), storePath, port, nullable(domain), nullable(healthURL), nullable(staticPath), now(), now(), id)
	if err != nil {
		return kerrors.Wrap(kerrors.KindInternal, "set deployment active", err)
	}
	return nil
}

func (s *Store) SetDeploymentFailed(id string) error {
	_, err := s.db.Exec(`UPDATE deployments SET status = ?, updated_at = ? WHERE id = ?`, string(DeploymentFailed), now(), id)
	if err != nil {
		return kerrors.Wrap(kerrors.KindInternal, "set deployment failed", err)
	}
	return nil
}

func (s *Store) SetDeploymentDNSStatus(id string, status DNSStatus) error {
	_, err := s.db.Exec(`UPDATE deployments SET dns_status = ?, updated_at = ? WHERE id = ?`, string(status), now(), id)
	if err != nil {
		return kerrors.Wrap(kerrors.KindInternal, "set deployment dns status", err)
	}
	return nil
}

func (s *Store) TouchLastActivity(id, gitRef string) error {
	_, err := s.db.Exec(`UPDATE deployments SET git_ref = ?, last_activity = ?, updated_at = ? WHERE id = ?`, gitRef, now(), now(), id)
	if err != nil {
		return kerrors.Wrap(kerrors.KindInternal, "touch last activity", err)
	}
	return nil
}

// MarkBranchTearingDown marks every non-terminal deployment for
// (project, branch) as tearing_down, returning their ids (spec.md §4.1
// step 3, branch deletion / PR close).
func (s *Store) MarkBranchTearingDown(project, branch string) ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM deployments WHERE project = ? AND branch = ? AND status IN (?, ?, ?)`,
		project, branch, string(DeploymentPending), string(DeploymentBuilding), string(DeploymentActive))
	if err != nil {
		return nil, kerrors.Wrap(kerrors.KindInternal, "select branch deployments", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, kerrors.Wrap(kerrors.KindInternal, "scan deployment id", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if _, err := s.db.Exec(`UPDATE deployments SET status = ?, updated_at = ? WHERE id = ?`, string(DeploymentTearingDown), now(), id); err != nil {
			return nil, kerrors.Wrap(kerrors.KindInternal, "mark tearing down", err)
		}
	}
	return ids, nil
}

func (s *Store) SetDeploymentTornDown(id string) error {
	_, err := s.db.Exec(`UPDATE deployments SET status = ?, updated_at = ? WHERE id = ?`, string(DeploymentTornDown), now(), id)
	if err != nil {
		return kerrors.Wrap(kerrors.KindInternal, "set deployment torn down", err)
	}
	return nil
}

// ListActiveDeployments is used by the Router to build its routing table.
func (s *Store) ListActiveDeployments() ([]*Deployment, error) {
	rows, err := s.db.Query(deploymentSelect+` WHERE status = ?`, string(DeploymentActive))
	if err != nil {
		return nil, kerrors.Wrap(kerrors.KindInternal, "list active deployments", err)
	}
	defer rows.Close()
	var out []*Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListExpired returns active, non-default-branch deployments whose
// last_activity predates the project's configured expiry window (spec.md
// §4.3.3 auto-expiry): the project's own expiry_window_secs if set, else
// defaultWindowSecs.
func (s *Store) ListExpired(nowRFC3339 string, defaultWindowSecs int) ([]*Deployment, error) {
	rows, err := s.db.Query(`
		SELECT d.id, d.project, d.service_name, d.branch, d.branch_slug, d.git_ref, d.store_path, d.port, d.domain, d.static_path,
		       d.status, d.dns_status, d.build_id, d.health_url, d.last_check_at, d.created_at, d.updated_at, d.last_activity
		FROM deployments d
		JOIN projects p ON p.name = d.project
		WHERE d.status = ?
		  AND d.branch != p.default_branch
		  AND d.last_activity < datetime(?, '-' || (CASE WHEN p.expiry_window_secs > 0 THEN p.expiry_window_secs ELSE ? END) || ' seconds')`,
		string(DeploymentActive), nowRFC3339, defaultWindowSecs)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.KindInternal, "list expired deployments", err)
	}
	defer rows.Close()
	var out []*Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeleteTornDownOlderThan hard-deletes torn_down deployments past
// retention (spec.md §3 "survive 30 days before hard delete").
func (s *Store) DeleteTornDownOlderThan(cutoffRFC3339 string) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM deployments WHERE status = ? AND updated_at < ?`, string(DeploymentTornDown), cutoffRFC3339)
	if err != nil {
		return 0, kerrors.Wrap(kerrors.KindInternal, "delete old torn-down deployments", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// --- Port allocation ---

// AllocatePort selects the least free port in [18000, 19999] and binds it
// to deploymentID inside a transaction, retrying once on a unique-
// constraint conflict per spec.md §5 (optimistic allocate-with-retry).
func (s *Store) AllocatePort(deploymentID string) (int, error) {
	const low, high = 18000, 19999
	for attempt := 0; attempt < 2; attempt++ {
		tx, err := s.db.Begin()
		if err != nil {
			return 0, kerrors.Wrap(kerrors.KindInternal, "begin port allocation", err)
		}

		rows, err := tx.Query(`SELECT port FROM port_allocations WHERE port BETWEEN ? AND ? ORDER BY port`, low, high)
		if err != nil {
			tx.Rollback()
			return 0, kerrors.Wrap(kerrors.KindInternal, "query ports", err)
		}
		used := map[int]bool{}
		for rows.Next() {
			var p int
			if err := rows.Scan(&p); err != nil {
				rows.Close()
				tx.Rollback()
				return 0, kerrors.Wrap(kerrors.KindInternal, "scan port", err)
			}
			used[p] = true
		}
		rows.Close()

		candidate := -1
		for p := low; p <= high; p++ {
			if !used[p] {
				candidate = p
				break
			}
		}
		if candidate == -1 {
			tx.Rollback()
			return 0, kerrors.New(kerrors.KindResourcesExhausted, "port range exhausted")
		}

		_, err = tx.Exec(`INSERT INTO port_allocations (port, deployment_id, created_at) VALUES (?, ?, ?)`, candidate, deploymentID, now())
		if err != nil {
			tx.Rollback()
			continue // conflict: retry once
		}
		if err := tx.Commit(); err != nil {
			return 0, kerrors.Wrap(kerrors.KindInternal, "commit port allocation", err)
		}
		return candidate, nil
	}
	return 0, kerrors.New(kerrors.KindResourcesExhausted, "port allocation conflict after retry")
}

func (s *Store) ReleasePort(port int) error {
	_, err := s.db.Exec(`DELETE FROM port_allocations WHERE port = ?`, port)
	if err != nil {
		return kerrors.Wrap(kerrors.KindInternal, "release port", err)
	}
	return nil
}

func (s *Store) ReleasePortForDeployment(deploymentID string) error {
	_, err := s.db.Exec(`DELETE FROM port_allocations WHERE deployment_id = ?`, deploymentID)
	if err != nil {
		return kerrors.Wrap(kerrors.KindInternal, "release port for deployment", err)
	}
	return nil
}

func (s *Store) ListPortAllocations() ([]*PortAllocation, error) {
	rows, err := s.db.Query(`SELECT port, deployment_id, created_at FROM port_allocations`)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.KindInternal, "list port allocations", err)
	}
	defer rows.Close()
	var out []*PortAllocation
	for rows.Next() {
		pa := &PortAllocation{}
		var depID sql.NullString
		var createdAt string
		if err := rows.Scan(&pa.Port, &depID, &createdAt); err != nil {
			return nil, kerrors.Wrap(kerrors.KindInternal, "scan port allocation", err)
		}
		pa.DeploymentID = depID.String
		pa.CreatedAt = parseTime(createdAt)
		out = append(out, pa)
	}
	return out, rows.Err()
}

// --- Preview databases ---

// AllocatePreviewDatabase picks the least unused slot in [0,15] for
// (project, branch) and inserts a row (spec.md §4.3.1 step 2b).
func (s *Store) AllocatePreviewDatabase(project, branch, name, deploymentID string) (int, error) {
	for attempt := 0; attempt < 2; attempt++ {
		tx, err := s.db.Begin()
		if err != nil {
			return 0, kerrors.Wrap(kerrors.KindInternal, "begin preview db allocation", err)
		}
		rows, err := tx.Query(`SELECT slot FROM preview_databases`)
		if err != nil {
			tx.Rollback()
			return 0, kerrors.Wrap(kerrors.KindInternal, "query preview db slots", err)
		}
		used := map[int]bool{}
		for rows.Next() {
			var slot int
			if err := rows.Scan(&slot); err != nil {
				rows.Close()
				tx.Rollback()
				return 0, kerrors.Wrap(kerrors.KindInternal, "scan preview db slot", err)
			}
			used[slot] = true
		}
		rows.Close()

		slot := -1
		for i := 0; i <= 15; i++ {
			if !used[i] {
				slot = i
				break
			}
		}
		if slot == -1 {
			tx.Rollback()
			return 0, kerrors.New(kerrors.KindResourcesExhausted, "preview database pool exhausted")
		}

		_, err = tx.Exec(`INSERT INTO preview_databases (name, project, branch, slot, deployment_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			name, project, branch, slot, deploymentID, now())
		if err != nil {
			tx.Rollback()
			continue
		}
		if err := tx.Commit(); err != nil {
			return 0, kerrors.Wrap(kerrors.KindInternal, "commit preview db allocation", err)
		}
		return slot, nil
	}
	return 0, kerrors.New(kerrors.KindResourcesExhausted, "preview database allocation conflict after retry")
}

func (s *Store) GetPreviewDatabase(project, branch string) (*PreviewDatabase, error) {
	row := s.db.QueryRow(`SELECT name, project, branch, slot, deployment_id, created_at FROM preview_databases WHERE project = ? AND branch = ?`, project, branch)
	pd := &PreviewDatabase{}
	var depID sql.NullString
	var createdAt string
	if err := row.Scan(&pd.Name, &pd.Project, &pd.Branch, &pd.Slot, &depID, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, kerrors.New(kerrors.KindNotFound, "preview database not found")
		}
		return nil, kerrors.Wrap(kerrors.KindInternal, "get preview database", err)
	}
	pd.DeploymentID = depID.String
	pd.CreatedAt = parseTime(createdAt)
	return pd, nil
}

// CountLiveDeploymentsForBranch counts non-terminal deployments on
// (project, branch), used to decide whether a teardown is the last one
// (releasing the preview database; spec.md §4.3.2 step 4). The count
// includes the deployment being torn down if it is itself still live.
func (s *Store) CountLiveDeploymentsForBranch(project, branch string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM deployments WHERE project = ? AND branch = ? AND status IN (?, ?, ?)`,
		project, branch, string(DeploymentPending), string(DeploymentBuilding), string(DeploymentActive)).Scan(&n)
	if err != nil {
		return 0, kerrors.Wrap(kerrors.KindInternal, "count live deployments", err)
	}
	return n, nil
}

func (s *Store) ReleasePreviewDatabase(project, branch string) error {
	_, err := s.db.Exec(`DELETE FROM preview_databases WHERE project = ? AND branch = ?`, project, branch)
	if err != nil {
		return kerrors.Wrap(kerrors.KindInternal, "release preview database", err)
	}
	return nil
}

// --- DNS records ---

func (s *Store) UpsertDNSRecord(rec *DNSRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO dns_records (fqdn, deployment_id, provider_record_id, record_type, address, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(fqdn) DO UPDATE SET deployment_id=excluded.deployment_id, provider_record_id=excluded.provider_record_id, address=excluded.address`,
		rec.FQDN, nullable(rec.DeploymentID), rec.ProviderRecordID, string(rec.RecordType), rec.Address, now())
	if err != nil {
		return kerrors.Wrap(kerrors.KindInternal, "upsert dns record", err)
	}
	return nil
}

func (s *Store) ListDNSRecordsForDeployment(deploymentID string) ([]*DNSRecord, error) {
	rows, err := s.db.Query(`SELECT fqdn, deployment_id, provider_record_id, record_type, address, created_at FROM dns_records WHERE deployment_id = ?`, deploymentID)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.KindInternal, "list dns records", err)
	}
	defer rows.Close()
	var out []*DNSRecord
	for rows.Next() {
		rec := &DNSRecord{}
		var depID sql.NullString
		var createdAt string
		if err := rows.Scan(&rec.FQDN, &depID, &rec.ProviderRecordID, &rec.RecordType, &rec.Address, &createdAt); err != nil {
			return nil, kerrors.Wrap(kerrors.KindInternal, "scan dns record", err)
		}
		rec.DeploymentID = depID.String
		rec.CreatedAt = parseTime(createdAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) DeleteDNSRecord(fqdn string) error {
	_, err := s.db.Exec(`DELETE FROM dns_records WHERE fqdn = ?`, fqdn)
	if err != nil {
		return kerrors.Wrap(kerrors.KindInternal, "delete dns record", err)
	}
	return nil
}
