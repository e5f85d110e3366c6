package fleet

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fleetforge/fleetforge/internal/domain"
	"github.com/fleetforge/fleetforge/internal/repository"
)

const (
	defaultListLimit = 50
	// A device counts as online while its last heartbeat or update poll is
	// this recent.
	onlineWindow = 2 * time.Minute
)

// DashboardSummary is the fleet overview served to operators. Averages
// cover online devices only.
type DashboardSummary struct {
	TotalDevices      int             `json:"total_devices"`
	OnlineDevices     int             `json:"online_devices"`
	UpdatesPending    int             `json:"updates_pending"`
	ActiveDeployments int             `json:"active_deployments"`
	FirmwareVersions  map[string]int  `json:"firmware_versions"`
	AvgRSSI           float64         `json:"avg_rssi"`
	AvgFreeHeap       float64         `json:"avg_free_heap"`
	Devices           []domain.Device `json:"devices"`
}

// Service manages the device registry: registration with claim codes,
// claiming, heartbeat telemetry, and the fleet dashboard.
type Service struct {
	devices     repository.DeviceRepository
	deployments repository.DeploymentRepository
	telemetry   repository.TelemetryRepository
	logger      *slog.Logger
}

// NewService wires the fleet API.
func NewService(devices repository.DeviceRepository, deployments repository.DeploymentRepository, telemetry repository.TelemetryRepository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{devices: devices, deployments: deployments, telemetry: telemetry, logger: logger}
}

// Register creates a device record with a fresh claim code. The device
// stays unowned until someone claims it with the code.
func (s *Service) Register(ctx context.Context, user domain.User, name, boardType, macAddress string) (*domain.Device, error) {
	device := &domain.Device{
		ID:              uuid.NewString(),
		Name:            name,
		BoardType:       boardType,
		MACAddress:      macAddress,
		ClaimCode:       newClaimCode(),
		OwnerID:         user.ID,
		Status:          "offline",
		FirmwareVersion: "0.0.0",
		LastOTAStatus:   "none",
		CreatedAt:       time.Now().UTC(),
	}
	if device.BoardType == "" {
		device.BoardType = "ESP32-C3"
	}
	if err := s.devices.CreateDevice(ctx, device); err != nil {
		return nil, err
	}
	s.logger.Info("device registered", "device_id", device.ID, "name", name)
	return device, nil
}

// Claim transfers a device to the caller by claim code.
func (s *Service) Claim(ctx context.Context, user domain.User, claimCode string) (*domain.Device, error) {
	device, err := s.devices.GetDeviceByClaimCode(ctx, strings.ToUpper(strings.TrimSpace(claimCode)))
	if err != nil {
		return nil, err
	}
	ownerID := user.ID
	update := domain.DeviceUpdate{DeviceID: device.ID, OwnerID: &ownerID}
	if err := s.devices.UpdateDevice(ctx, update); err != nil {
		return nil, err
	}
	device.OwnerID = ownerID
	s.logger.Info("device claimed", "device_id", device.ID, "owner_id", ownerID)
	return device, nil
}

// Get returns one device.
func (s *Service) Get(ctx context.Context, deviceID string) (*domain.Device, error) {
	return s.devices.GetDeviceByID(ctx, deviceID)
}

// List returns the caller's devices.
func (s *Service) List(ctx context.Context, user domain.User) ([]domain.Device, error) {
	return s.devices.ListDevices(ctx, user.ID)
}

// Delete removes a device from the fleet.
func (s *Service) Delete(ctx context.Context, deviceID string) error {
	return s.devices.DeleteDevice(ctx, deviceID)
}

// Heartbeat ingests a device's periodic vitals and stores a telemetry
// sample.
func (s *Service) Heartbeat(ctx context.Context, deviceID string, rssi, freeHeap int, uptime int64, firmwareVersion string) error {
	if _, err := s.devices.GetDeviceByID(ctx, deviceID); err != nil {
		return err
	}

	now := time.Now().UTC()
	online := "online"
	update := domain.DeviceUpdate{
		DeviceID: deviceID,
		Status:   &online,
		LastSeen: &now,
		RSSI:     &rssi,
		FreeHeap: &freeHeap,
	}
	if firmwareVersion != "" {
		update.FirmwareVersion = &firmwareVersion
	}
	if err := s.devices.UpdateDevice(ctx, update); err != nil {
		return err
	}

	sample := &domain.TelemetrySample{
		ID:              uuid.NewString(),
		DeviceID:        deviceID,
		RSSI:            rssi,
		FreeHeap:        freeHeap,
		Uptime:          uptime,
		FirmwareVersion: firmwareVersion,
		Timestamp:       now,
	}
	if err := s.telemetry.InsertSample(ctx, sample); err != nil {
		s.logger.Warn("store telemetry sample", "device_id", deviceID, "error", err)
	}
	return nil
}

// Telemetry returns recent samples for a device, newest first.
func (s *Service) Telemetry(ctx context.Context, deviceID string, limit int) ([]domain.TelemetrySample, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.telemetry.ListSamplesByDevice(ctx, deviceID, limit)
}

// Dashboard summarizes the caller's fleet.
func (s *Service) Dashboard(ctx context.Context, user domain.User) (DashboardSummary, error) {
	devices, err := s.devices.ListDevices(ctx, user.ID)
	if err != nil {
		return DashboardSummary{}, err
	}
	summary := DashboardSummary{
		TotalDevices:     len(devices),
		FirmwareVersions: make(map[string]int),
		Devices:          devices,
	}

	cutoff := time.Now().UTC().Add(-onlineWindow)
	var rssiSum, heapSum int
	for _, d := range devices {
		if d.FirmwareVersion != "" {
			summary.FirmwareVersions[d.FirmwareVersion]++
		}
		if d.LastSeen != nil && d.LastSeen.After(cutoff) {
			summary.OnlineDevices++
			rssiSum += d.RSSI
			heapSum += d.FreeHeap
		}
		if d.PendingDeploymentID != "" {
			summary.UpdatesPending++
		}
	}
	if summary.OnlineDevices > 0 {
		summary.AvgRSSI = float64(rssiSum) / float64(summary.OnlineDevices)
		summary.AvgFreeHeap = float64(heapSum) / float64(summary.OnlineDevices)
	}

	deployments, err := s.deployments.ListDeployments(ctx, user.ID, 200)
	if err != nil {
		return DashboardSummary{}, err
	}
	for _, d := range deployments {
		if d.Status == domain.DeploymentActive {
			summary.ActiveDeployments++
		}
	}
	return summary, nil
}

func newClaimCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}
