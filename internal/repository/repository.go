package repository

import (
	"context"
	"time"

	"github.com/fleetforge/fleetforge/internal/domain"
)

// ProjectRepository persists firmware projects and their source files.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	ListProjects(ctx context.Context, ownerID string) ([]domain.Project, error)
	UpdateProjectFiles(ctx context.Context, projectID string, files []domain.ProjectFile) error
	DeleteProject(ctx context.Context, projectID string) error
}

// BuildRepository is the build registry. Readers polling a build mid-execution
// must observe a consistent snapshot of its last committed log/status pair;
// terminal states are final.
type BuildRepository interface {
	CreateBuild(ctx context.Context, build *domain.Build) error
	GetBuildByID(ctx context.Context, buildID string) (*domain.Build, error)
	ListBuilds(ctx context.Context, ownerID string, limit int) ([]domain.Build, error)
	// UpdateBuildLogs commits the current log snapshot while the build is in
	// progress, moving it to the building state.
	UpdateBuildLogs(ctx context.Context, buildID string, logs []string) error
	// FailBuild transitions the build to its failed terminal state.
	FailBuild(ctx context.Context, buildID string, logs []string, reason string, completedAt time.Time) error
	// SucceedBuild transitions the build to success, attaching artifact fields
	// and the signed manifest atomically.
	SucceedBuild(ctx context.Context, buildID string, logs []string, result domain.BuildResult, completedAt time.Time) error
}

// DeviceRepository persists fleet devices.
type DeviceRepository interface {
	CreateDevice(ctx context.Context, device *domain.Device) error
	GetDeviceByID(ctx context.Context, deviceID string) (*domain.Device, error)
	GetDeviceByClaimCode(ctx context.Context, claimCode string) (*domain.Device, error)
	ListDevices(ctx context.Context, ownerID string) ([]domain.Device, error)
	UpdateDevice(ctx context.Context, update domain.DeviceUpdate) error
	DeleteDevice(ctx context.Context, deviceID string) error
}

// DeploymentRepository persists rollouts and their per-device statuses.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	ListDeployments(ctx context.Context, ownerID string, limit int) ([]domain.Deployment, error)
	UpdateDeploymentStatus(ctx context.Context, deploymentID, status, reason string, rolledBackAt *time.Time) error
	UpdateRolloutPercent(ctx context.Context, deploymentID string, percent int) error
	SetDeviceStatus(ctx context.Context, deploymentID, deviceID, status string) error
	// ListActiveDeploymentsTargeting returns all active deployments whose
	// target set contains the device.
	ListActiveDeploymentsTargeting(ctx context.Context, deviceID string) ([]domain.Deployment, error)
}

// AuditRepository is the append-only audit sink.
type AuditRepository interface {
	AppendAudit(ctx context.Context, entry *domain.AuditEntry) error
	ListAudits(ctx context.Context, userID string, limit int) ([]domain.AuditEntry, error)
}

// TelemetryRepository stores device heartbeat samples.
type TelemetryRepository interface {
	InsertSample(ctx context.Context, sample *domain.TelemetrySample) error
	ListSamplesByDevice(ctx context.Context, deviceID string, limit int) ([]domain.TelemetrySample, error)
}
