package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fleetforge/fleetforge/internal/domain"
	"github.com/fleetforge/fleetforge/internal/repository"
)

// Repository implements all persistence interfaces in process memory.
// It is the default backend when no DATABASE_URL is configured and the
// backend used by tests. Reads return deep copies so concurrent pollers
// never observe a record mid-mutation.
type Repository struct {
	mu          sync.RWMutex
	projects    map[string]*domain.Project
	builds      map[string]*domain.Build
	devices     map[string]*domain.Device
	deployments map[string]*domain.Deployment
	audits      []domain.AuditEntry
	telemetry   map[string][]domain.TelemetrySample
}

// New constructs an empty Repository.
func New() *Repository {
	return &Repository{
		projects:    make(map[string]*domain.Project),
		builds:      make(map[string]*domain.Build),
		devices:     make(map[string]*domain.Device),
		deployments: make(map[string]*domain.Deployment),
		telemetry:   make(map[string][]domain.TelemetrySample),
	}
}

var (
	_ repository.ProjectRepository    = (*Repository)(nil)
	_ repository.BuildRepository      = (*Repository)(nil)
	_ repository.DeviceRepository     = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.AuditRepository      = (*Repository)(nil)
	_ repository.TelemetryRepository  = (*Repository)(nil)
)

// CreateProject stores a project.
func (r *Repository) CreateProject(_ context.Context, project *domain.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := copyProject(project)
	r.projects[project.ID] = &p
	return nil
}

// GetProjectByID fetches a project.
func (r *Repository) GetProjectByID(_ context.Context, projectID string) (*domain.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.projects[projectID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := copyProject(p)
	return &cp, nil
}

// ListProjects returns projects, optionally filtered by owner.
func (r *Repository) ListProjects(_ context.Context, ownerID string) ([]domain.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Project, 0, len(r.projects))
	for _, p := range r.projects {
		if ownerID != "" && p.OwnerID != ownerID {
			continue
		}
		out = append(out, copyProject(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// UpdateProjectFiles replaces a project's file set.
func (r *Repository) UpdateProjectFiles(_ context.Context, projectID string, files []domain.ProjectFile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.projects[projectID]
	if !ok {
		return repository.ErrNotFound
	}
	p.Files = append([]domain.ProjectFile(nil), files...)
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteProject removes a project.
func (r *Repository) DeleteProject(_ context.Context, projectID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.projects[projectID]; !ok {
		return repository.ErrNotFound
	}
	delete(r.projects, projectID)
	return nil
}

// CreateBuild registers a new build record.
func (r *Repository) CreateBuild(_ context.Context, build *domain.Build) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := copyBuild(build)
	r.builds[build.ID] = &b
	return nil
}

// GetBuildByID returns the latest committed snapshot of a build.
func (r *Repository) GetBuildByID(_ context.Context, buildID string) (*domain.Build, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.builds[buildID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cb := copyBuild(b)
	return &cb, nil
}

// ListBuilds returns builds newest first, optionally filtered by owner.
func (r *Repository) ListBuilds(_ context.Context, ownerID string, limit int) ([]domain.Build, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Build, 0, len(r.builds))
	for _, b := range r.builds {
		if ownerID != "" && b.OwnerID != ownerID {
			continue
		}
		out = append(out, copyBuild(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateBuildLogs commits an in-progress log snapshot.
func (r *Repository) UpdateBuildLogs(_ context.Context, buildID string, logs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.builds[buildID]
	if !ok {
		return repository.ErrNotFound
	}
	if b.Terminal() {
		return repository.ErrTerminal
	}
	b.Status = domain.BuildBuilding
	b.Logs = append([]string(nil), logs...)
	return nil
}

// FailBuild marks a build failed. No-op error when already terminal.
func (r *Repository) FailBuild(_ context.Context, buildID string, logs []string, reason string, completedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.builds[buildID]
	if !ok {
		return repository.ErrNotFound
	}
	if b.Terminal() {
		return repository.ErrTerminal
	}
	b.Status = domain.BuildFailed
	b.Logs = append([]string(nil), logs...)
	b.Error = reason
	b.CompletedAt = &completedAt
	return nil
}

// SucceedBuild marks a build successful, attaching all artifact fields in the
// same committed write.
func (r *Repository) SucceedBuild(_ context.Context, buildID string, logs []string, result domain.BuildResult, completedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.builds[buildID]
	if !ok {
		return repository.ErrNotFound
	}
	if b.Terminal() {
		return repository.ErrTerminal
	}
	b.Status = domain.BuildSuccess
	b.Logs = append([]string(nil), logs...)
	b.ArtifactHash = result.ArtifactHash
	b.ArtifactSize = result.ArtifactSize
	b.ArtifactFile = result.ArtifactFile
	b.ManifestFile = result.ManifestFile
	if result.Manifest != nil {
		m := *result.Manifest
		b.Manifest = &m
	}
	b.RAMUsage = result.RAMUsage
	b.FlashUsage = result.FlashUsage
	b.CompletedAt = &completedAt
	return nil
}

// CreateDevice stores a device.
func (r *Repository) CreateDevice(_ context.Context, device *domain.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := *device
	r.devices[device.ID] = &d
	return nil
}

// GetDeviceByID fetches a device.
func (r *Repository) GetDeviceByID(_ context.Context, deviceID string) (*domain.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cd := *d
	return &cd, nil
}

// GetDeviceByClaimCode locates a device by its claim code.
func (r *Repository) GetDeviceByClaimCode(_ context.Context, claimCode string) (*domain.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if claimCode == "" {
		return nil, repository.ErrNotFound
	}
	for _, d := range r.devices {
		if d.ClaimCode == claimCode {
			cd := *d
			return &cd, nil
		}
	}
	return nil, repository.ErrNotFound
}

// ListDevices returns devices, optionally filtered by owner.
func (r *Repository) ListDevices(_ context.Context, ownerID string) ([]domain.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Device, 0, len(r.devices))
	for _, d := range r.devices {
		if ownerID != "" && d.OwnerID != ownerID {
			continue
		}
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// UpdateDevice applies the non-nil fields of the update.
func (r *Repository) UpdateDevice(_ context.Context, update domain.DeviceUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[update.DeviceID]
	if !ok {
		return repository.ErrNotFound
	}
	if update.Status != nil {
		d.Status = *update.Status
	}
	if update.FirmwareVersion != nil {
		d.FirmwareVersion = *update.FirmwareVersion
	}
	if update.LastSeen != nil {
		t := *update.LastSeen
		d.LastSeen = &t
	}
	if update.RSSI != nil {
		d.RSSI = *update.RSSI
	}
	if update.FreeHeap != nil {
		d.FreeHeap = *update.FreeHeap
	}
	if update.LastOTAStatus != nil {
		d.LastOTAStatus = *update.LastOTAStatus
	}
	if update.PendingDeploymentID != nil {
		d.PendingDeploymentID = *update.PendingDeploymentID
	}
	if update.OwnerID != nil {
		d.OwnerID = *update.OwnerID
	}
	if update.ClaimCode != nil {
		d.ClaimCode = *update.ClaimCode
	}
	return nil
}

// DeleteDevice removes a device.
func (r *Repository) DeleteDevice(_ context.Context, deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[deviceID]; !ok {
		return repository.ErrNotFound
	}
	delete(r.devices, deviceID)
	return nil
}

// CreateDeployment stores a deployment.
func (r *Repository) CreateDeployment(_ context.Context, deployment *domain.Deployment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := copyDeployment(deployment)
	r.deployments[deployment.ID] = &d
	return nil
}

// GetDeploymentByID fetches a deployment.
func (r *Repository) GetDeploymentByID(_ context.Context, deploymentID string) (*domain.Deployment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.deployments[deploymentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cd := copyDeployment(d)
	return &cd, nil
}

// ListDeployments returns deployments newest first, optionally by owner.
func (r *Repository) ListDeployments(_ context.Context, ownerID string, limit int) ([]domain.Deployment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Deployment, 0, len(r.deployments))
	for _, d := range r.deployments {
		if ownerID != "" && d.OwnerID != ownerID {
			continue
		}
		out = append(out, copyDeployment(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateDeploymentStatus sets the aggregate rollout status.
func (r *Repository) UpdateDeploymentStatus(_ context.Context, deploymentID, status, reason string, rolledBackAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deployments[deploymentID]
	if !ok {
		return repository.ErrNotFound
	}
	d.Status = status
	if reason != "" {
		d.RollbackReason = reason
	}
	if rolledBackAt != nil {
		t := *rolledBackAt
		d.RolledBackAt = &t
	}
	return nil
}

// UpdateRolloutPercent sets the staged rollout percentage.
func (r *Repository) UpdateRolloutPercent(_ context.Context, deploymentID string, percent int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deployments[deploymentID]
	if !ok {
		return repository.ErrNotFound
	}
	d.RolloutPercent = percent
	return nil
}

// SetDeviceStatus updates one device's delivery status within a deployment.
func (r *Repository) SetDeviceStatus(_ context.Context, deploymentID, deviceID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deployments[deploymentID]
	if !ok {
		return repository.ErrNotFound
	}
	if d.DeviceStatuses == nil {
		d.DeviceStatuses = make(map[string]string)
	}
	d.DeviceStatuses[deviceID] = status
	return nil
}

// ListActiveDeploymentsTargeting returns active deployments including the device.
func (r *Repository) ListActiveDeploymentsTargeting(_ context.Context, deviceID string) ([]domain.Deployment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Deployment
	for _, d := range r.deployments {
		if d.Status != domain.DeploymentActive {
			continue
		}
		if d.Targets(deviceID) {
			out = append(out, copyDeployment(d))
		}
	}
	return out, nil
}

// AppendAudit records an audit entry.
func (r *Repository) AppendAudit(_ context.Context, entry *domain.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audits = append(r.audits, *entry)
	return nil
}

// ListAudits returns audit entries newest first, optionally by user.
func (r *Repository) ListAudits(_ context.Context, userID string, limit int) ([]domain.AuditEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.AuditEntry, 0, len(r.audits))
	for i := len(r.audits) - 1; i >= 0; i-- {
		if userID != "" && r.audits[i].UserID != userID {
			continue
		}
		out = append(out, r.audits[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// InsertSample stores a telemetry heartbeat sample.
func (r *Repository) InsertSample(_ context.Context, sample *domain.TelemetrySample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.telemetry[sample.DeviceID] = append(r.telemetry[sample.DeviceID], *sample)
	return nil
}

// ListSamplesByDevice returns the most recent samples, newest first.
func (r *Repository) ListSamplesByDevice(_ context.Context, deviceID string, limit int) ([]domain.TelemetrySample, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	samples := r.telemetry[deviceID]
	out := make([]domain.TelemetrySample, 0, len(samples))
	for i := len(samples) - 1; i >= 0; i-- {
		out = append(out, samples[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func copyProject(p *domain.Project) domain.Project {
	cp := *p
	cp.Files = append([]domain.ProjectFile(nil), p.Files...)
	return cp
}

func copyBuild(b *domain.Build) domain.Build {
	cb := *b
	cb.Logs = append([]string(nil), b.Logs...)
	if b.Manifest != nil {
		m := *b.Manifest
		cb.Manifest = &m
	}
	if b.CompletedAt != nil {
		t := *b.CompletedAt
		cb.CompletedAt = &t
	}
	return cb
}

func copyDeployment(d *domain.Deployment) domain.Deployment {
	cd := *d
	cd.TargetDeviceIDs = append([]string(nil), d.TargetDeviceIDs...)
	cd.DeviceStatuses = make(map[string]string, len(d.DeviceStatuses))
	for k, v := range d.DeviceStatuses {
		cd.DeviceStatuses[k] = v
	}
	if d.RolledBackAt != nil {
		t := *d.RolledBackAt
		cd.RolledBackAt = &t
	}
	return cd
}
