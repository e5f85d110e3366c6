package domain

import "time"

// Build lifecycle states. A build is terminal once it reaches
// BuildSuccess or BuildFailed and no further transition is permitted.
const (
	BuildQueued   = "queued"
	BuildBuilding = "building"
	BuildSuccess  = "success"
	BuildFailed   = "failed"
)

// Build captures one compilation attempt of a project's source files for a
// specific board and version.
type Build struct {
	ID           string    `json:"id"`
	ProjectID    string    `json:"project_id"`
	ProjectName  string    `json:"project_name"`
	OwnerID      string    `json:"owner_id"`
	BoardType    string    `json:"board_type"`
	Version      string    `json:"version"`
	Status       string    `json:"status"`
	Logs         []string  `json:"logs"`
	ArtifactHash string    `json:"artifact_hash"`
	ArtifactSize int64     `json:"artifact_size"`
	ArtifactFile string    `json:"artifact_file"`
	ManifestFile string    `json:"manifest_file"`
	Manifest     *Manifest `json:"manifest"`
	RAMUsage     string    `json:"ram_usage"`
	FlashUsage   string    `json:"flash_usage"`
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at"`
}

// Terminal reports whether the build has reached a final state.
func (b *Build) Terminal() bool {
	return b.Status == BuildSuccess || b.Status == BuildFailed
}

// BuildResult carries everything attached to the build record on the
// success transition. All fields are committed atomically.
type BuildResult struct {
	ArtifactHash string
	ArtifactSize int64
	ArtifactFile string
	ManifestFile string
	Manifest     *Manifest
	RAMUsage     string
	FlashUsage   string
}
