package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fleetforge/fleetforge/internal/domain"
)

// Store keeps build artifacts in a single flat directory. Artifact names are
// derived from the build id, which is unique, so every entry is write-once:
// no build ever overwrites another build's binary or manifest.
type Store struct {
	dir string
}

// NewStore ensures the artifact directory exists.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("artifact directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// BinaryName returns the stored filename for a build's firmware image.
func BinaryName(buildID string) string {
	return buildID + ".bin"
}

// ManifestName returns the stored filename for a build's manifest.
func ManifestName(buildID string) string {
	return buildID + "_manifest.json"
}

// ImportBinary copies the compiled firmware image from the build workspace
// into the store and returns its stored filename and size.
func (s *Store) ImportBinary(buildID, srcPath string) (string, int64, error) {
	name := BinaryName(buildID)
	dst := filepath.Join(s.dir, name)
	if _, err := os.Stat(dst); err == nil {
		return "", 0, fmt.Errorf("artifact %s already exists", name)
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return "", 0, fmt.Errorf("open firmware image: %w", err)
	}
	defer src.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", 0, fmt.Errorf("create artifact: %w", err)
	}
	size, err := io.Copy(out, src)
	if err != nil {
		out.Close()
		os.Remove(dst)
		return "", 0, fmt.Errorf("copy artifact: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return "", 0, fmt.Errorf("close artifact: %w", err)
	}
	return name, size, nil
}

// WriteManifest stores the signed manifest next to the binary and returns
// its stored filename.
func (s *Store) WriteManifest(buildID string, manifest *domain.Manifest) (string, error) {
	name := ManifestName(buildID)
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}
	return name, nil
}

// OpenBinary opens a stored firmware image for streaming to a device.
func (s *Store) OpenBinary(buildID string) (*os.File, os.FileInfo, error) {
	f, err := os.Open(filepath.Join(s.dir, BinaryName(buildID)))
	if err != nil {
		return nil, nil, fmt.Errorf("open artifact: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("stat artifact: %w", err)
	}
	return f, info, nil
}

// ReadManifest loads a stored manifest.
func (s *Store) ReadManifest(buildID string) (*domain.Manifest, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, ManifestName(buildID)))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m domain.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

// HashFile computes the hex SHA-256 of a file, streaming it in small chunks
// so large images never load fully into memory.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open for hashing: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, 8192)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read for hashing: %w", err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
