package ota

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fleetforge/fleetforge/internal/artifact"
	"github.com/fleetforge/fleetforge/internal/domain"
	"github.com/fleetforge/fleetforge/internal/repository"
	"github.com/fleetforge/fleetforge/internal/signing"
)

// Reporter ingests device delivery reports. Satisfied by the rollout
// service.
type Reporter interface {
	RecordDeviceReport(ctx context.Context, deviceID, status, firmwareVersion string) error
}

// CheckResult answers a device's update poll. When no update is on offer
// only UpdateAvailable is set.
type CheckResult struct {
	UpdateAvailable bool   `json:"update_available"`
	DeploymentID    string `json:"deployment_id,omitempty"`
	Version         string `json:"version,omitempty"`
	ArtifactSize    int64  `json:"artifact_size,omitempty"`
	ArtifactHash    string `json:"artifact_hash,omitempty"`
	DownloadURL     string `json:"download_url,omitempty"`
	ManifestURL     string `json:"manifest_url,omitempty"`
}

// Download hands a firmware image stream plus the metadata the transport
// layer exposes as headers. Callers own closing File.
type Download struct {
	File    *os.File
	Size    int64
	Hash    string
	Version string
	Name    string
}

// Service implements the device pull protocol: update checks, artifact and
// manifest downloads, public key distribution, and report passthrough.
// Devices authenticate by possession of their id only; nothing here trusts
// the caller further than that.
type Service struct {
	devices     repository.DeviceRepository
	deployments repository.DeploymentRepository
	builds      repository.BuildRepository
	artifacts   *artifact.Store
	signer      *signing.Signer
	reporter    Reporter
	logger      *slog.Logger
}

// NewService wires the device-facing API.
func NewService(devices repository.DeviceRepository, deployments repository.DeploymentRepository, builds repository.BuildRepository, artifacts *artifact.Store, signer *signing.Signer, reporter Reporter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		devices:     devices,
		deployments: deployments,
		builds:      builds,
		artifacts:   artifacts,
		signer:      signer,
		reporter:    reporter,
		logger:      logger,
	}
}

// CheckUpdate reports whether the device has an update on offer. An offer
// exists only while the device's pending pointer names a deployment that is
// still active; paused and rolled back deployments hide their offers. The
// poll doubles as a liveness signal and refreshes last seen.
func (s *Service) CheckUpdate(ctx context.Context, deviceID, currentVersion string) (CheckResult, error) {
	device, err := s.devices.GetDeviceByID(ctx, deviceID)
	if err != nil {
		return CheckResult{}, err
	}

	now := time.Now().UTC()
	online := "online"
	seen := domain.DeviceUpdate{DeviceID: deviceID, LastSeen: &now, Status: &online}
	if currentVersion != "" {
		seen.FirmwareVersion = &currentVersion
	}
	if err := s.devices.UpdateDevice(ctx, seen); err != nil {
		s.logger.Warn("refresh device last seen", "device_id", deviceID, "error", err)
	}

	if device.PendingDeploymentID == "" {
		return CheckResult{}, nil
	}
	deployment, err := s.deployments.GetDeploymentByID(ctx, device.PendingDeploymentID)
	if err != nil || deployment.Status != domain.DeploymentActive {
		return CheckResult{}, nil
	}
	build, err := s.builds.GetBuildByID(ctx, deployment.BuildID)
	if err != nil {
		s.logger.Warn("deployment references missing build", "deployment_id", deployment.ID, "build_id", deployment.BuildID)
		return CheckResult{}, nil
	}

	return CheckResult{
		UpdateAvailable: true,
		DeploymentID:    deployment.ID,
		Version:         deployment.Version,
		ArtifactSize:    build.ArtifactSize,
		ArtifactHash:    build.ArtifactHash,
		DownloadURL:     "/api/ota/download/" + deployment.ID,
		ManifestURL:     "/api/ota/manifest/" + build.ID,
	}, nil
}

// FetchArtifact resolves a deployment to its stored firmware image. Any
// broken link in the chain surfaces as not found.
func (s *Service) FetchArtifact(ctx context.Context, deploymentID string) (*Download, error) {
	deployment, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	build, err := s.builds.GetBuildByID(ctx, deployment.BuildID)
	if err != nil {
		return nil, err
	}
	f, info, err := s.artifacts.OpenBinary(build.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: artifact for build %s", repository.ErrNotFound, build.ID)
	}
	return &Download{
		File:    f,
		Size:    info.Size(),
		Hash:    build.ArtifactHash,
		Version: deployment.Version,
		Name:    artifact.BinaryName(build.ID),
	}, nil
}

// Manifest returns the signed manifest for a build.
func (s *Service) Manifest(ctx context.Context, buildID string) (*domain.Manifest, error) {
	build, err := s.builds.GetBuildByID(ctx, buildID)
	if err != nil {
		return nil, err
	}
	if build.Manifest != nil {
		return build.Manifest, nil
	}
	m, err := s.artifacts.ReadManifest(buildID)
	if err != nil {
		return nil, fmt.Errorf("%w: manifest for build %s", repository.ErrNotFound, buildID)
	}
	return m, nil
}

// PublicKeyPEM returns the verification key, or empty when signing is
// disabled.
func (s *Service) PublicKeyPEM() string {
	return s.signer.PublicKeyPEM()
}

// Report forwards a device delivery report to the rollout bookkeeping.
func (s *Service) Report(ctx context.Context, deviceID, status, firmwareVersion string) error {
	return s.reporter.RecordDeviceReport(ctx, deviceID, status, firmwareVersion)
}
