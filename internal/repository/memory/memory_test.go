package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fleetforge/fleetforge/internal/domain"
	"github.com/fleetforge/fleetforge/internal/repository"
)

func newBuild(t *testing.T, r *Repository) *domain.Build {
	t.Helper()
	b := &domain.Build{
		ID:        uuid.NewString(),
		OwnerID:   "user-1",
		Status:    domain.BuildQueued,
		StartedAt: time.Now().UTC(),
	}
	if err := r.CreateBuild(context.Background(), b); err != nil {
		t.Fatalf("CreateBuild: %v", err)
	}
	return b
}

func TestUpdateBuildLogsMovesToBuilding(t *testing.T) {
	r := New()
	ctx := context.Background()
	b := newBuild(t, r)

	if err := r.UpdateBuildLogs(ctx, b.ID, []string{"line-1"}); err != nil {
		t.Fatalf("UpdateBuildLogs: %v", err)
	}
	got, err := r.GetBuildByID(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBuildByID: %v", err)
	}
	if got.Status != domain.BuildBuilding {
		t.Fatalf("expected building, got %s", got.Status)
	}
	if len(got.Logs) != 1 || got.Logs[0] != "line-1" {
		t.Fatalf("unexpected logs %v", got.Logs)
	}
}

func TestTerminalBuildStatesAreFinal(t *testing.T) {
	r := New()
	ctx := context.Background()
	now := time.Now().UTC()

	failed := newBuild(t, r)
	if err := r.FailBuild(ctx, failed.ID, []string{"boom"}, "boom", now); err != nil {
		t.Fatalf("FailBuild: %v", err)
	}
	if err := r.UpdateBuildLogs(ctx, failed.ID, []string{"late"}); !errors.Is(err, repository.ErrTerminal) {
		t.Fatalf("expected ErrTerminal on log write, got %v", err)
	}
	if err := r.SucceedBuild(ctx, failed.ID, nil, domain.BuildResult{}, now); !errors.Is(err, repository.ErrTerminal) {
		t.Fatalf("expected ErrTerminal on succeed after fail, got %v", err)
	}

	succeeded := newBuild(t, r)
	if err := r.SucceedBuild(ctx, succeeded.ID, nil, domain.BuildResult{ArtifactHash: "h"}, now); err != nil {
		t.Fatalf("SucceedBuild: %v", err)
	}
	if err := r.FailBuild(ctx, succeeded.ID, nil, "late failure", now); !errors.Is(err, repository.ErrTerminal) {
		t.Fatalf("expected ErrTerminal on fail after succeed, got %v", err)
	}
	got, err := r.GetBuildByID(ctx, succeeded.ID)
	if err != nil {
		t.Fatalf("GetBuildByID: %v", err)
	}
	if got.Status != domain.BuildSuccess {
		t.Fatalf("terminal state changed to %s", got.Status)
	}
}

func TestGetBuildReturnsIsolatedSnapshot(t *testing.T) {
	r := New()
	ctx := context.Background()
	b := newBuild(t, r)
	if err := r.UpdateBuildLogs(ctx, b.ID, []string{"line-1"}); err != nil {
		t.Fatalf("UpdateBuildLogs: %v", err)
	}

	first, err := r.GetBuildByID(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBuildByID: %v", err)
	}
	first.Logs[0] = "tampered"
	first.Status = "tampered"

	second, err := r.GetBuildByID(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBuildByID: %v", err)
	}
	if second.Logs[0] != "line-1" || second.Status != domain.BuildBuilding {
		t.Fatalf("stored build mutated through snapshot: %+v", second)
	}
}

func TestDeviceUpdateTouchesOnlyProvidedFields(t *testing.T) {
	r := New()
	ctx := context.Background()
	d := &domain.Device{
		ID:              uuid.NewString(),
		Name:            "sensor",
		FirmwareVersion: "1.0.0",
		Status:          "offline",
		CreatedAt:       time.Now().UTC(),
	}
	if err := r.CreateDevice(ctx, d); err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}

	online := "online"
	if err := r.UpdateDevice(ctx, domain.DeviceUpdate{DeviceID: d.ID, Status: &online}); err != nil {
		t.Fatalf("UpdateDevice: %v", err)
	}
	got, err := r.GetDeviceByID(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDeviceByID: %v", err)
	}
	if got.Status != "online" {
		t.Fatalf("status not updated: %q", got.Status)
	}
	if got.FirmwareVersion != "1.0.0" {
		t.Fatalf("untouched field changed: %q", got.FirmwareVersion)
	}
}

func TestListActiveDeploymentsTargeting(t *testing.T) {
	r := New()
	ctx := context.Background()
	active := &domain.Deployment{
		ID:              uuid.NewString(),
		Status:          domain.DeploymentActive,
		TargetDeviceIDs: []string{"d1", "d2"},
		DeviceStatuses:  map[string]string{"d1": "pending", "d2": "pending"},
		CreatedAt:       time.Now().UTC(),
	}
	paused := &domain.Deployment{
		ID:              uuid.NewString(),
		Status:          domain.DeploymentPaused,
		TargetDeviceIDs: []string{"d1"},
		DeviceStatuses:  map[string]string{"d1": "pending"},
		CreatedAt:       time.Now().UTC(),
	}
	other := &domain.Deployment{
		ID:              uuid.NewString(),
		Status:          domain.DeploymentActive,
		TargetDeviceIDs: []string{"d9"},
		DeviceStatuses:  map[string]string{"d9": "pending"},
		CreatedAt:       time.Now().UTC(),
	}
	for _, dep := range []*domain.Deployment{active, paused, other} {
		if err := r.CreateDeployment(ctx, dep); err != nil {
			t.Fatalf("CreateDeployment: %v", err)
		}
	}

	got, err := r.ListActiveDeploymentsTargeting(ctx, "d1")
	if err != nil {
		t.Fatalf("ListActiveDeploymentsTargeting: %v", err)
	}
	if len(got) != 1 || got[0].ID != active.ID {
		t.Fatalf("expected only the active deployment targeting d1, got %v", got)
	}
}

func TestGetUnknownEntitiesReturnNotFound(t *testing.T) {
	r := New()
	ctx := context.Background()
	if _, err := r.GetBuildByID(ctx, "ghost"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("build: expected ErrNotFound, got %v", err)
	}
	if _, err := r.GetDeviceByID(ctx, "ghost"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("device: expected ErrNotFound, got %v", err)
	}
	if _, err := r.GetDeploymentByID(ctx, "ghost"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("deployment: expected ErrNotFound, got %v", err)
	}
	if _, err := r.GetProjectByID(ctx, "ghost"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("project: expected ErrNotFound, got %v", err)
	}
}
