package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Manager owns build-specific scratch directories under a common root.
type Manager struct {
	root string
}

// New ensures the workspace root exists and is accessible.
func New(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: root}, nil
}

// Prepare creates an isolated directory for the provided build. The directory
// name embeds a build id prefix so operators can map stray directories back
// to their builds.
func (m *Manager) Prepare(buildID string) (string, error) {
	if buildID == "" {
		return "", fmt.Errorf("workspace identifier cannot be empty")
	}
	prefix := buildID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	dir, err := os.MkdirTemp(m.root, fmt.Sprintf("fw_%s_", prefix))
	if err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// Cleanup removes the workspace directory.
func (m *Manager) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	// Ensure we only remove directories within the configured root.
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to cleanup path outside workspace root")
	}
	return os.RemoveAll(path)
}
