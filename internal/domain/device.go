package domain

import "time"

// Device is one unit of the fleet. PendingDeploymentID holds the single
// outstanding update offer for the device; assigning a new deployment
// supersedes any prior offer (last writer wins, no queue).
type Device struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	BoardType           string     `json:"board_type"`
	MACAddress          string     `json:"mac_address"`
	ClaimCode           string     `json:"claim_code"`
	OwnerID             string     `json:"owner_id"`
	Status              string     `json:"status"`
	FirmwareVersion     string     `json:"firmware_version"`
	LastSeen            *time.Time `json:"last_seen"`
	RSSI                int        `json:"rssi"`
	FreeHeap            int        `json:"free_heap"`
	LastOTAStatus       string     `json:"last_ota_status"`
	PendingDeploymentID string     `json:"pending_deployment_id"`
	CreatedAt           time.Time  `json:"created_at"`
}

// DeviceUpdate carries the mutable device fields a single write may touch.
// Nil pointers leave the corresponding field unchanged.
type DeviceUpdate struct {
	DeviceID            string
	Status              *string
	FirmwareVersion     *string
	LastSeen            *time.Time
	RSSI                *int
	FreeHeap            *int
	LastOTAStatus       *string
	PendingDeploymentID *string
	OwnerID             *string
	ClaimCode           *string
}

// TelemetrySample is one heartbeat datapoint reported by a device.
type TelemetrySample struct {
	ID              string    `json:"id"`
	DeviceID        string    `json:"device_id"`
	RSSI            int       `json:"rssi"`
	FreeHeap        int       `json:"free_heap"`
	Uptime          int64     `json:"uptime"`
	FirmwareVersion string    `json:"firmware_version"`
	Timestamp       time.Time `json:"timestamp"`
}
