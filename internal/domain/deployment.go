package domain

import "time"

// Deployment aggregate states. Device reports never change these; only
// operator actions (pause/resume/rollback) do.
const (
	DeploymentActive     = "active"
	DeploymentPaused     = "paused"
	DeploymentRolledBack = "rolled_back"
)

// Per-device delivery states tracked inside a deployment.
const (
	DeviceStatusPending     = "pending"
	DeviceStatusDownloading = "downloading"
	DeviceStatusApplied     = "applied"
	DeviceStatusSuccess     = "success"
	DeviceStatusFailed      = "failed"
	DeviceStatusRolledBack  = "rolled_back"
)

// Rollout strategies.
const (
	RolloutImmediate = "immediate"
	RolloutCanary    = "canary"
)

// Deployment is a rollout of one build's artifact to a fixed set of devices.
// TargetDeviceIDs is immutable after creation; DeviceStatuses entries are
// mutated only by device reports or rollback side effects.
type Deployment struct {
	ID              string            `json:"id"`
	BuildID         string            `json:"build_id"`
	Version         string            `json:"version"`
	ProjectName     string            `json:"project_name"`
	OwnerID         string            `json:"owner_id"`
	TargetDeviceIDs []string          `json:"target_device_ids"`
	DeviceStatuses  map[string]string `json:"device_statuses"`
	RolloutPercent  int               `json:"rollout_percent"`
	RolloutStrategy string            `json:"rollout_strategy"`
	Status          string            `json:"status"`
	ArtifactHash    string            `json:"artifact_hash"`
	RollbackReason  string            `json:"rollback_reason,omitempty"`
	RolledBackAt    *time.Time        `json:"rolled_back_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// Targets reports whether the deployment includes the given device.
func (d *Deployment) Targets(deviceID string) bool {
	for _, id := range d.TargetDeviceIDs {
		if id == deviceID {
			return true
		}
	}
	return false
}
