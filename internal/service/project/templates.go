package project

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/fleetforge/fleetforge/internal/domain"
	"github.com/fleetforge/fleetforge/internal/repository"
)

//go:embed templates/esp32c3_fleet_agent
var templateFS embed.FS

const (
	TemplateBlank      = "blank"
	TemplateFleetAgent = "fleet_agent"
)

// Template describes one starter project available at creation time.
type Template struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	FilesCount  int    `json:"files_count"`
}

// templateSourceExts limits what gets served out of a template directory.
var templateSourceExts = map[string]bool{
	".c": true, ".h": true, ".ini": true, ".txt": true, ".cmake": true, ".cfg": true,
}

// Templates lists the available starter templates.
func Templates() []Template {
	agentFiles, _ := fleetAgentFiles()
	return []Template{
		{
			ID:          TemplateBlank,
			Name:        "Blank Project",
			Description: "Empty ESP-IDF project with a minimal app_main()",
			FilesCount:  1,
		},
		{
			ID:          TemplateFleetAgent,
			Name:        "Fleet Agent (Full)",
			Description: "Complete fleet agent with Wi-Fi provisioning, AP captive portal, OTA updates, telemetry heartbeat, and device claim flow",
			FilesCount:  len(agentFiles),
		},
	}
}

// TemplateFiles returns the source files a template starts a project with.
func TemplateFiles(templateID string) ([]domain.ProjectFile, error) {
	switch templateID {
	case "", TemplateBlank:
		return []domain.ProjectFile{{Name: "main.c", Content: defaultMainC}}, nil
	case TemplateFleetAgent:
		return fleetAgentFiles()
	default:
		return nil, fmt.Errorf("%w: template %s", repository.ErrNotFound, templateID)
	}
}

func fleetAgentFiles() ([]domain.ProjectFile, error) {
	const dir = "templates/esp32c3_fleet_agent"
	entries, err := fs.ReadDir(templateFS, dir)
	if err != nil {
		return nil, fmt.Errorf("read template dir: %w", err)
	}
	var files []domain.ProjectFile
	for _, e := range entries {
		if e.IsDir() || !templateSourceExts[strings.ToLower(path.Ext(e.Name()))] {
			continue
		}
		content, err := templateFS.ReadFile(path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read template file %s: %w", e.Name(), err)
		}
		files = append(files, domain.ProjectFile{Name: e.Name(), Content: string(content)})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}
