package build

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fleetforge/fleetforge/internal/domain"
	"github.com/fleetforge/fleetforge/internal/repository"
	"github.com/fleetforge/fleetforge/internal/toolchain"
)

const defaultListLimit = 50

// Service is the operator-facing build API. Triggering returns as soon as
// the queued record is committed; the orchestrator runs the pipeline on its
// own goroutine and callers poll or stream the record for progress.
type Service struct {
	projects repository.ProjectRepository
	builds   repository.BuildRepository
	orch     *Orchestrator
	logger   *slog.Logger
}

// NewService wires the build API.
func NewService(projects repository.ProjectRepository, builds repository.BuildRepository, orch *Orchestrator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{projects: projects, builds: builds, orch: orch, logger: logger}
}

// Trigger queues a build of the project's current source files and starts
// the pipeline asynchronously.
func (s *Service) Trigger(ctx context.Context, user domain.User, projectID, version string) (*domain.Build, error) {
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if version == "" {
		version = "1.0.0"
	}
	boardType, _ := toolchain.ProfileFor(project.BoardType)

	now := time.Now().UTC()
	b := &domain.Build{
		ID:          uuid.NewString(),
		ProjectID:   project.ID,
		ProjectName: project.Name,
		OwnerID:     user.ID,
		BoardType:   boardType,
		Version:     version,
		Status:      domain.BuildQueued,
		Logs: []string{
			fmt.Sprintf("[%s] [INFO] Build queued for %s v%s", now.Format("15:04:05"), project.Name, version),
		},
		StartedAt: now,
	}
	if err := s.builds.CreateBuild(ctx, b); err != nil {
		return nil, fmt.Errorf("create build: %w", err)
	}

	files := append([]domain.ProjectFile(nil), project.Files...)
	go s.orch.Run(context.Background(), b, files)

	s.logger.Info("build queued", "build_id", b.ID, "project_id", project.ID, "version", version)
	return b, nil
}

// Get returns the build's last committed snapshot.
func (s *Service) Get(ctx context.Context, buildID string) (*domain.Build, error) {
	return s.builds.GetBuildByID(ctx, buildID)
}

// List returns the caller's builds, newest first.
func (s *Service) List(ctx context.Context, user domain.User, limit int) ([]domain.Build, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.builds.ListBuilds(ctx, user.ID, limit)
}
