package project

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fleetforge/fleetforge/internal/domain"
	"github.com/fleetforge/fleetforge/internal/repository"
)

// ErrNoFiles rejects a file replacement that would leave the project empty.
var ErrNoFiles = errors.New("project requires at least one source file")

// ErrEmptyName rejects unnamed projects.
var ErrEmptyName = errors.New("project name is required")

const defaultMainC = `#include <stdio.h>
#include "freertos/FreeRTOS.h"
#include "freertos/task.h"

void app_main(void)
{
    while (1) {
        printf("hello from fleetforge\n");
        vTaskDelay(pdMS_TO_TICKS(1000));
    }
}
`

// Service manages firmware projects and their source files.
type Service struct {
	projects repository.ProjectRepository
	logger   *slog.Logger
}

// NewService wires the project API.
func NewService(projects repository.ProjectRepository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{projects: projects, logger: logger}
}

// Create registers a project seeded from the chosen template. The blank
// template ships a minimal main.c so the first build succeeds out of the
// box; fleet_agent ships the full embedded agent sources.
func (s *Service) Create(ctx context.Context, user domain.User, name, boardType, template string) (*domain.Project, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	if boardType == "" {
		boardType = "ESP32-C3"
	}
	if template == "" {
		template = TemplateBlank
	}
	files, err := TemplateFiles(template)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	p := &domain.Project{
		ID:        uuid.NewString(),
		Name:      name,
		BoardType: boardType,
		OwnerID:   user.ID,
		Template:  template,
		Files:     files,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.projects.CreateProject(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info("project created", "project_id", p.ID, "name", name, "board_type", boardType, "template", template)
	return p, nil
}

// Get returns one project.
func (s *Service) Get(ctx context.Context, projectID string) (*domain.Project, error) {
	return s.projects.GetProjectByID(ctx, projectID)
}

// List returns the caller's projects.
func (s *Service) List(ctx context.Context, user domain.User) ([]domain.Project, error) {
	return s.projects.ListProjects(ctx, user.ID)
}

// ReplaceFiles swaps the project's source files wholesale.
func (s *Service) ReplaceFiles(ctx context.Context, projectID string, files []domain.ProjectFile) error {
	if len(files) == 0 {
		return ErrNoFiles
	}
	for _, f := range files {
		if f.Name == "" {
			return errors.New("source file with empty name")
		}
	}
	if _, err := s.projects.GetProjectByID(ctx, projectID); err != nil {
		return err
	}
	return s.projects.UpdateProjectFiles(ctx, projectID, files)
}

// Delete removes a project. Builds already taken from it remain.
func (s *Service) Delete(ctx context.Context, projectID string) error {
	return s.projects.DeleteProject(ctx, projectID)
}
