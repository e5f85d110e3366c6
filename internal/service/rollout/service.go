package rollout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fleetforge/fleetforge/internal/domain"
	"github.com/fleetforge/fleetforge/internal/repository"
)

// Validation and precondition failures surfaced to the transport layer.
var (
	ErrBuildNotSuccessful    = errors.New("build has not completed successfully")
	ErrNoTargets             = errors.New("deployment requires at least one target device")
	ErrInvalidRolloutPercent = errors.New("rollout percent must be one of 5, 20, 50, 100")
	ErrInvalidStrategy       = errors.New("rollout strategy must be immediate or canary")
	ErrRolledBack            = errors.New("deployment has been rolled back")
	ErrNotPaused             = errors.New("deployment is not paused")
	ErrInvalidReportStatus   = errors.New("unknown device report status")
)

var allowedRolloutPercents = map[int]bool{5: true, 20: true, 50: true, 100: true}

const defaultListLimit = 50

// Service owns the deployment lifecycle: creation against a successful
// build, the pause/resume/rollback controls, staged rollout bookkeeping,
// and ingestion of device delivery reports.
type Service struct {
	builds      repository.BuildRepository
	devices     repository.DeviceRepository
	deployments repository.DeploymentRepository
	logger      *slog.Logger
}

// NewService wires the deployment API.
func NewService(builds repository.BuildRepository, devices repository.DeviceRepository, deployments repository.DeploymentRepository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{builds: builds, devices: devices, deployments: deployments, logger: logger}
}

// Create starts a rollout of a successful build's artifact to the given
// devices. Every target starts pending and has its pending deployment
// pointer repointed here; a device already offered an older deployment
// simply gets superseded, there is no per-device queue.
func (s *Service) Create(ctx context.Context, user domain.User, buildID string, targetDeviceIDs []string, percent int, strategy string) (*domain.Deployment, error) {
	if len(targetDeviceIDs) == 0 {
		return nil, ErrNoTargets
	}
	if percent == 0 {
		percent = 100
	}
	if !allowedRolloutPercents[percent] {
		return nil, ErrInvalidRolloutPercent
	}
	if strategy == "" {
		strategy = domain.RolloutImmediate
	}
	if strategy != domain.RolloutImmediate && strategy != domain.RolloutCanary {
		return nil, ErrInvalidStrategy
	}

	build, err := s.builds.GetBuildByID(ctx, buildID)
	if err != nil {
		return nil, err
	}
	if build.Status != domain.BuildSuccess {
		return nil, ErrBuildNotSuccessful
	}
	for _, deviceID := range targetDeviceIDs {
		if _, err := s.devices.GetDeviceByID(ctx, deviceID); err != nil {
			return nil, fmt.Errorf("target device %s: %w", deviceID, err)
		}
	}

	statuses := make(map[string]string, len(targetDeviceIDs))
	for _, deviceID := range targetDeviceIDs {
		statuses[deviceID] = domain.DeviceStatusPending
	}
	deployment := &domain.Deployment{
		ID:              uuid.NewString(),
		BuildID:         build.ID,
		Version:         build.Version,
		ProjectName:     build.ProjectName,
		OwnerID:         user.ID,
		TargetDeviceIDs: append([]string(nil), targetDeviceIDs...),
		DeviceStatuses:  statuses,
		RolloutPercent:  percent,
		RolloutStrategy: strategy,
		Status:          domain.DeploymentActive,
		ArtifactHash:    build.ArtifactHash,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.deployments.CreateDeployment(ctx, deployment); err != nil {
		return nil, fmt.Errorf("create deployment: %w", err)
	}

	pendingStatus := domain.DeviceStatusPending
	for _, deviceID := range targetDeviceIDs {
		pendingID := deployment.ID
		update := domain.DeviceUpdate{
			DeviceID:            deviceID,
			PendingDeploymentID: &pendingID,
			LastOTAStatus:       &pendingStatus,
		}
		if err := s.devices.UpdateDevice(ctx, update); err != nil {
			s.logger.Warn("assign pending deployment", "device_id", deviceID, "deployment_id", deployment.ID, "error", err)
		}
	}

	s.logger.Info("deployment created",
		"deployment_id", deployment.ID, "build_id", build.ID,
		"targets", len(targetDeviceIDs), "rollout_percent", percent)
	return deployment, nil
}

// Get returns one deployment.
func (s *Service) Get(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	return s.deployments.GetDeploymentByID(ctx, deploymentID)
}

// List returns the caller's deployments, newest first.
func (s *Service) List(ctx context.Context, user domain.User, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.deployments.ListDeployments(ctx, user.ID, limit)
}

// Pause stops devices from being offered this deployment. Pausing an
// already paused deployment is a no-op; a rolled back one cannot change.
func (s *Service) Pause(ctx context.Context, deploymentID string) error {
	deployment, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return err
	}
	switch deployment.Status {
	case domain.DeploymentRolledBack:
		return ErrRolledBack
	case domain.DeploymentPaused:
		return nil
	}
	return s.deployments.UpdateDeploymentStatus(ctx, deploymentID, domain.DeploymentPaused, "", nil)
}

// Resume reactivates a paused deployment.
func (s *Service) Resume(ctx context.Context, deploymentID string) error {
	deployment, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return err
	}
	switch deployment.Status {
	case domain.DeploymentRolledBack:
		return ErrRolledBack
	case domain.DeploymentActive:
		return nil
	case domain.DeploymentPaused:
		return s.deployments.UpdateDeploymentStatus(ctx, deploymentID, domain.DeploymentActive, "", nil)
	default:
		return ErrNotPaused
	}
}

// Rollback permanently withdraws the deployment and clears the pending
// pointer on every target device, whatever state its delivery reached.
// Rolling back twice is a no-op.
func (s *Service) Rollback(ctx context.Context, deploymentID, reason string) error {
	deployment, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return err
	}
	if deployment.Status == domain.DeploymentRolledBack {
		return nil
	}

	now := time.Now().UTC()
	if err := s.deployments.UpdateDeploymentStatus(ctx, deploymentID, domain.DeploymentRolledBack, reason, &now); err != nil {
		return fmt.Errorf("mark rolled back: %w", err)
	}

	rolledBack := domain.DeviceStatusRolledBack
	cleared := ""
	for _, deviceID := range deployment.TargetDeviceIDs {
		if err := s.deployments.SetDeviceStatus(ctx, deploymentID, deviceID, rolledBack); err != nil {
			s.logger.Warn("mark device rolled back", "deployment_id", deploymentID, "device_id", deviceID, "error", err)
		}
		update := domain.DeviceUpdate{
			DeviceID:            deviceID,
			PendingDeploymentID: &cleared,
			LastOTAStatus:       &rolledBack,
		}
		if err := s.devices.UpdateDevice(ctx, update); err != nil {
			s.logger.Warn("clear pending deployment", "device_id", deviceID, "error", err)
		}
	}

	s.logger.Info("deployment rolled back", "deployment_id", deploymentID, "reason", reason)
	return nil
}

// UpdateRolloutPercent widens or narrows the advertised rollout stage. The
// percent is informational for operators; eligibility stays per-device via
// the pending pointer. Invalid values leave the deployment untouched.
func (s *Service) UpdateRolloutPercent(ctx context.Context, deploymentID string, percent int) error {
	if !allowedRolloutPercents[percent] {
		return ErrInvalidRolloutPercent
	}
	deployment, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return err
	}
	if deployment.Status == domain.DeploymentRolledBack {
		return ErrRolledBack
	}
	return s.deployments.UpdateRolloutPercent(ctx, deploymentID, percent)
}

// RecordDeviceReport ingests a device's delivery progress. The device's own
// record is updated first, then the status is mirrored into every active
// deployment targeting the device. Reports never change deployment
// aggregate state.
func (s *Service) RecordDeviceReport(ctx context.Context, deviceID, status, firmwareVersion string) error {
	switch status {
	case domain.DeviceStatusDownloading, domain.DeviceStatusApplied,
		domain.DeviceStatusSuccess, domain.DeviceStatusFailed:
	default:
		return ErrInvalidReportStatus
	}

	if _, err := s.devices.GetDeviceByID(ctx, deviceID); err != nil {
		return err
	}

	update := domain.DeviceUpdate{DeviceID: deviceID, LastOTAStatus: &status}
	cleared := ""
	switch status {
	case domain.DeviceStatusSuccess:
		if firmwareVersion != "" {
			update.FirmwareVersion = &firmwareVersion
		}
		update.PendingDeploymentID = &cleared
	case domain.DeviceStatusFailed:
		update.PendingDeploymentID = &cleared
	}
	if err := s.devices.UpdateDevice(ctx, update); err != nil {
		return fmt.Errorf("update device: %w", err)
	}

	deployments, err := s.deployments.ListActiveDeploymentsTargeting(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("find deployments for device: %w", err)
	}
	for _, d := range deployments {
		if err := s.deployments.SetDeviceStatus(ctx, d.ID, deviceID, status); err != nil {
			s.logger.Warn("mirror device status", "deployment_id", d.ID, "device_id", deviceID, "error", err)
		}
	}
	return nil
}
