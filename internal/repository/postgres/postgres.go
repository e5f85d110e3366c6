package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetforge/fleetforge/internal/domain"
	"github.com/fleetforge/fleetforge/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ProjectRepository    = (*Repository)(nil)
	_ repository.BuildRepository      = (*Repository)(nil)
	_ repository.DeviceRepository     = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.AuditRepository      = (*Repository)(nil)
	_ repository.TelemetryRepository  = (*Repository)(nil)
)

// CreateProject inserts a project with its file set.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	files, err := json.Marshal(project.Files)
	if err != nil {
		return fmt.Errorf("encode project files: %w", err)
	}
	const query = `INSERT INTO projects (id, name, board_type, owner_id, template, files, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = r.pool.Exec(ctx, query, project.ID, project.Name, project.BoardType, project.OwnerID, project.Template, files, project.CreatedAt, project.UpdatedAt)
	return err
}

// GetProjectByID fetches a project by identifier.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	const query = `SELECT id, name, board_type, owner_id, template, files, created_at, updated_at
		FROM projects WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, projectID)
	var p domain.Project
	var files []byte
	if err := row.Scan(&p.ID, &p.Name, &p.BoardType, &p.OwnerID, &p.Template, &files, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(files, &p.Files); err != nil {
		return nil, fmt.Errorf("decode project files: %w", err)
	}
	return &p, nil
}

// ListProjects returns projects, optionally filtered by owner.
func (r *Repository) ListProjects(ctx context.Context, ownerID string) ([]domain.Project, error) {
	const query = `SELECT id, name, board_type, owner_id, template, files, created_at, updated_at
		FROM projects WHERE ($1 = '' OR owner_id = $1) ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Project
	for rows.Next() {
		var p domain.Project
		var files []byte
		if err := rows.Scan(&p.ID, &p.Name, &p.BoardType, &p.OwnerID, &p.Template, &files, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(files, &p.Files); err != nil {
			return nil, fmt.Errorf("decode project files: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateProjectFiles replaces the file set of a project.
func (r *Repository) UpdateProjectFiles(ctx context.Context, projectID string, files []domain.ProjectFile) error {
	payload, err := json.Marshal(files)
	if err != nil {
		return fmt.Errorf("encode project files: %w", err)
	}
	const query = `UPDATE projects SET files = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, projectID, payload)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteProject removes a project.
func (r *Repository) DeleteProject(ctx context.Context, projectID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM projects WHERE id = $1`, projectID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CreateBuild inserts a build record.
func (r *Repository) CreateBuild(ctx context.Context, build *domain.Build) error {
	logs, err := json.Marshal(build.Logs)
	if err != nil {
		return fmt.Errorf("encode build logs: %w", err)
	}
	const query = `INSERT INTO builds (id, project_id, project_name, owner_id, board_type, version, status, logs, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = r.pool.Exec(ctx, query, build.ID, build.ProjectID, build.ProjectName, build.OwnerID, build.BoardType, build.Version, build.Status, logs, build.StartedAt)
	return err
}

// GetBuildByID returns a build with its latest committed snapshot.
func (r *Repository) GetBuildByID(ctx context.Context, buildID string) (*domain.Build, error) {
	const query = `SELECT id, project_id, project_name, owner_id, board_type, version, status, logs,
		artifact_hash, artifact_size, artifact_file, manifest_file, manifest, ram_usage, flash_usage,
		error, started_at, completed_at
		FROM builds WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, buildID)
	b, err := scanBuild(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return b, nil
}

// ListBuilds returns builds newest first, optionally filtered by owner.
func (r *Repository) ListBuilds(ctx context.Context, ownerID string, limit int) ([]domain.Build, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT id, project_id, project_name, owner_id, board_type, version, status, logs,
		artifact_hash, artifact_size, artifact_file, manifest_file, manifest, ram_usage, flash_usage,
		error, started_at, completed_at
		FROM builds WHERE ($1 = '' OR owner_id = $1) ORDER BY started_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// UpdateBuildLogs commits an in-progress log snapshot.
func (r *Repository) UpdateBuildLogs(ctx context.Context, buildID string, logs []string) error {
	payload, err := json.Marshal(logs)
	if err != nil {
		return fmt.Errorf("encode build logs: %w", err)
	}
	const query = `UPDATE builds SET status = $2, logs = $3 WHERE id = $1 AND status NOT IN ($4, $5)`
	tag, err := r.pool.Exec(ctx, query, buildID, domain.BuildBuilding, payload, domain.BuildSuccess, domain.BuildFailed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.buildWriteConflict(ctx, buildID)
	}
	return nil
}

// FailBuild transitions a build to its failed terminal state.
func (r *Repository) FailBuild(ctx context.Context, buildID string, logs []string, reason string, completedAt time.Time) error {
	payload, err := json.Marshal(logs)
	if err != nil {
		return fmt.Errorf("encode build logs: %w", err)
	}
	const query = `UPDATE builds SET status = $2, logs = $3, error = $4, completed_at = $5
		WHERE id = $1 AND status NOT IN ($6, $7)`
	tag, err := r.pool.Exec(ctx, query, buildID, domain.BuildFailed, payload, reason, completedAt, domain.BuildSuccess, domain.BuildFailed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.buildWriteConflict(ctx, buildID)
	}
	return nil
}

// SucceedBuild transitions a build to success with all artifact fields in one
// statement so pollers never see a half-attached result.
func (r *Repository) SucceedBuild(ctx context.Context, buildID string, logs []string, result domain.BuildResult, completedAt time.Time) error {
	payload, err := json.Marshal(logs)
	if err != nil {
		return fmt.Errorf("encode build logs: %w", err)
	}
	manifest, err := json.Marshal(result.Manifest)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	const query = `UPDATE builds SET status = $2, logs = $3, artifact_hash = $4, artifact_size = $5,
		artifact_file = $6, manifest_file = $7, manifest = $8, ram_usage = $9, flash_usage = $10, completed_at = $11
		WHERE id = $1 AND status NOT IN ($12, $13)`
	tag, err := r.pool.Exec(ctx, query, buildID, domain.BuildSuccess, payload, result.ArtifactHash, result.ArtifactSize,
		result.ArtifactFile, result.ManifestFile, manifest, result.RAMUsage, result.FlashUsage, completedAt,
		domain.BuildSuccess, domain.BuildFailed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.buildWriteConflict(ctx, buildID)
	}
	return nil
}

func (r *Repository) buildWriteConflict(ctx context.Context, buildID string) error {
	var status string
	err := r.pool.QueryRow(ctx, `SELECT status FROM builds WHERE id = $1`, buildID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}
	if err != nil {
		return err
	}
	return repository.ErrTerminal
}

// CreateDevice inserts a device.
func (r *Repository) CreateDevice(ctx context.Context, device *domain.Device) error {
	const query = `INSERT INTO devices (id, name, board_type, mac_address, claim_code, owner_id, status,
		firmware_version, last_seen, rssi, free_heap, last_ota_status, pending_deployment_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err := r.pool.Exec(ctx, query, device.ID, device.Name, device.BoardType, device.MACAddress, device.ClaimCode,
		device.OwnerID, device.Status, device.FirmwareVersion, device.LastSeen, device.RSSI, device.FreeHeap,
		device.LastOTAStatus, device.PendingDeploymentID, device.CreatedAt)
	return err
}

const deviceColumns = `id, name, board_type, mac_address, claim_code, owner_id, status,
	firmware_version, last_seen, rssi, free_heap, last_ota_status, pending_deployment_id, created_at`

// GetDeviceByID fetches a device by identifier.
func (r *Repository) GetDeviceByID(ctx context.Context, deviceID string) (*domain.Device, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = $1`, deviceID)
	return scanDevice(row)
}

// GetDeviceByClaimCode locates an unclaimed device by claim code.
func (r *Repository) GetDeviceByClaimCode(ctx context.Context, claimCode string) (*domain.Device, error) {
	if claimCode == "" {
		return nil, repository.ErrNotFound
	}
	row := r.pool.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE claim_code = $1`, claimCode)
	return scanDevice(row)
}

// ListDevices returns devices, optionally filtered by owner.
func (r *Repository) ListDevices(ctx context.Context, ownerID string) ([]domain.Device, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+deviceColumns+` FROM devices WHERE ($1 = '' OR owner_id = $1) ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// UpdateDevice applies the non-nil fields of the update.
func (r *Repository) UpdateDevice(ctx context.Context, update domain.DeviceUpdate) error {
	const query = `UPDATE devices SET
		status = COALESCE($2, status),
		firmware_version = COALESCE($3, firmware_version),
		last_seen = COALESCE($4, last_seen),
		rssi = COALESCE($5, rssi),
		free_heap = COALESCE($6, free_heap),
		last_ota_status = COALESCE($7, last_ota_status),
		pending_deployment_id = COALESCE($8, pending_deployment_id),
		owner_id = COALESCE($9, owner_id),
		claim_code = COALESCE($10, claim_code)
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, update.DeviceID, update.Status, update.FirmwareVersion, update.LastSeen,
		update.RSSI, update.FreeHeap, update.LastOTAStatus, update.PendingDeploymentID, update.OwnerID, update.ClaimCode)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteDevice removes a device.
func (r *Repository) DeleteDevice(ctx context.Context, deviceID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM devices WHERE id = $1`, deviceID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CreateDeployment inserts a deployment with its device status map.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	targets, err := json.Marshal(deployment.TargetDeviceIDs)
	if err != nil {
		return fmt.Errorf("encode target devices: %w", err)
	}
	statuses, err := json.Marshal(deployment.DeviceStatuses)
	if err != nil {
		return fmt.Errorf("encode device statuses: %w", err)
	}
	const query = `INSERT INTO deployments (id, build_id, version, project_name, owner_id, target_device_ids,
		device_statuses, rollout_percent, rollout_strategy, status, artifact_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err = r.pool.Exec(ctx, query, deployment.ID, deployment.BuildID, deployment.Version, deployment.ProjectName,
		deployment.OwnerID, targets, statuses, deployment.RolloutPercent, deployment.RolloutStrategy,
		deployment.Status, deployment.ArtifactHash, deployment.CreatedAt)
	return err
}

const deploymentColumns = `id, build_id, version, project_name, owner_id, target_device_ids, device_statuses,
	rollout_percent, rollout_strategy, status, artifact_hash, rollback_reason, rolled_back_at, created_at`

// GetDeploymentByID fetches a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE id = $1`, deploymentID)
	return scanDeployment(row)
}

// ListDeployments returns deployments newest first, optionally by owner.
func (r *Repository) ListDeployments(ctx context.Context, ownerID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE ($1 = '' OR owner_id = $1) ORDER BY created_at DESC LIMIT $2`, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// UpdateDeploymentStatus sets the aggregate deployment status.
func (r *Repository) UpdateDeploymentStatus(ctx context.Context, deploymentID, status, reason string, rolledBackAt *time.Time) error {
	const query = `UPDATE deployments SET status = $2,
		rollback_reason = CASE WHEN $3 <> '' THEN $3 ELSE rollback_reason END,
		rolled_back_at = COALESCE($4, rolled_back_at)
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, deploymentID, status, reason, rolledBackAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateRolloutPercent sets the staged rollout percentage.
func (r *Repository) UpdateRolloutPercent(ctx context.Context, deploymentID string, percent int) error {
	tag, err := r.pool.Exec(ctx, `UPDATE deployments SET rollout_percent = $2 WHERE id = $1`, deploymentID, percent)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// SetDeviceStatus updates one device entry inside the status map.
func (r *Repository) SetDeviceStatus(ctx context.Context, deploymentID, deviceID, status string) error {
	const query = `UPDATE deployments SET device_statuses = jsonb_set(device_statuses, ARRAY[$2], to_jsonb($3::text), true)
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, deploymentID, deviceID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListActiveDeploymentsTargeting returns active deployments whose target set
// contains the device.
func (r *Repository) ListActiveDeploymentsTargeting(ctx context.Context, deviceID string) ([]domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE status = $1 AND target_device_ids @> to_jsonb($2::text)`
	rows, err := r.pool.Query(ctx, query, domain.DeploymentActive, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// AppendAudit inserts an audit entry.
func (r *Repository) AppendAudit(ctx context.Context, entry *domain.AuditEntry) error {
	const query = `INSERT INTO audit_logs (id, user_id, user_email, action, resource_type, resource_id, details, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.pool.Exec(ctx, query, entry.ID, entry.UserID, entry.UserEmail, entry.Action, entry.ResourceType,
		entry.ResourceID, entry.Details, entry.Timestamp)
	return err
}

// ListAudits returns audit entries newest first, optionally by user.
func (r *Repository) ListAudits(ctx context.Context, userID string, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT id, user_id, user_email, action, resource_type, resource_id, details, timestamp
		FROM audit_logs WHERE ($1 = '' OR user_id = $1) ORDER BY timestamp DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.UserEmail, &e.Action, &e.ResourceType, &e.ResourceID, &e.Details, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// InsertSample stores a telemetry heartbeat sample.
func (r *Repository) InsertSample(ctx context.Context, sample *domain.TelemetrySample) error {
	const query = `INSERT INTO telemetry (id, device_id, rssi, free_heap, uptime, firmware_version, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.pool.Exec(ctx, query, sample.ID, sample.DeviceID, sample.RSSI, sample.FreeHeap, sample.Uptime,
		sample.FirmwareVersion, sample.Timestamp)
	return err
}

// ListSamplesByDevice returns recent telemetry samples, newest first.
func (r *Repository) ListSamplesByDevice(ctx context.Context, deviceID string, limit int) ([]domain.TelemetrySample, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT id, device_id, rssi, free_heap, uptime, firmware_version, timestamp
		FROM telemetry WHERE device_id = $1 ORDER BY timestamp DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.TelemetrySample
	for rows.Next() {
		var s domain.TelemetrySample
		if err := rows.Scan(&s.ID, &s.DeviceID, &s.RSSI, &s.FreeHeap, &s.Uptime, &s.FirmwareVersion, &s.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBuild(row rowScanner) (*domain.Build, error) {
	var b domain.Build
	var logs, manifest []byte
	if err := row.Scan(&b.ID, &b.ProjectID, &b.ProjectName, &b.OwnerID, &b.BoardType, &b.Version, &b.Status, &logs,
		&b.ArtifactHash, &b.ArtifactSize, &b.ArtifactFile, &b.ManifestFile, &manifest, &b.RAMUsage, &b.FlashUsage,
		&b.Error, &b.StartedAt, &b.CompletedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(logs, &b.Logs); err != nil {
		return nil, fmt.Errorf("decode build logs: %w", err)
	}
	if len(manifest) > 0 && string(manifest) != "null" {
		b.Manifest = &domain.Manifest{}
		if err := json.Unmarshal(manifest, b.Manifest); err != nil {
			return nil, fmt.Errorf("decode manifest: %w", err)
		}
	}
	return &b, nil
}

func scanDevice(row rowScanner) (*domain.Device, error) {
	var d domain.Device
	if err := row.Scan(&d.ID, &d.Name, &d.BoardType, &d.MACAddress, &d.ClaimCode, &d.OwnerID, &d.Status,
		&d.FirmwareVersion, &d.LastSeen, &d.RSSI, &d.FreeHeap, &d.LastOTAStatus, &d.PendingDeploymentID, &d.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

func scanDeployment(row rowScanner) (*domain.Deployment, error) {
	var d domain.Deployment
	var targets, statuses []byte
	if err := row.Scan(&d.ID, &d.BuildID, &d.Version, &d.ProjectName, &d.OwnerID, &targets, &statuses,
		&d.RolloutPercent, &d.RolloutStrategy, &d.Status, &d.ArtifactHash, &d.RollbackReason, &d.RolledBackAt, &d.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(targets, &d.TargetDeviceIDs); err != nil {
		return nil, fmt.Errorf("decode target devices: %w", err)
	}
	if err := json.Unmarshal(statuses, &d.DeviceStatuses); err != nil {
		return nil, fmt.Errorf("decode device statuses: %w", err)
	}
	return &d, nil
}
