package domain

// Manifest is the signed metadata describing a firmware artifact. Devices
// verify the signature against the published public key before applying an
// update. Every field except Signature participates in the signed payload.
type Manifest struct {
	BuildID            string `json:"build_id"`
	Version            string `json:"version"`
	BoardType          string `json:"board_type"`
	ArtifactFile       string `json:"artifact_file"`
	ArtifactSize       int64  `json:"artifact_size"`
	ArtifactHashSHA256 string `json:"artifact_hash_sha256"`
	BuiltAt            string `json:"built_at"`
	Signature          string `json:"signature"`
}
