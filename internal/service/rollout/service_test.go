package rollout

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fleetforge/fleetforge/internal/domain"
	"github.com/fleetforge/fleetforge/internal/repository"
	"github.com/fleetforge/fleetforge/internal/repository/memory"
)

type fixture struct {
	svc  *Service
	repo *memory.Repository
}

var testUser = domain.User{ID: "user-1", Email: "dev@example.com", Role: domain.RoleDeveloper}

func newFixture(t *testing.T) fixture {
	t.Helper()
	repo := memory.New()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return fixture{svc: NewService(repo, repo, repo, log), repo: repo}
}

func (f fixture) successfulBuild(t *testing.T) *domain.Build {
	t.Helper()
	ctx := context.Background()
	b := &domain.Build{
		ID:          uuid.NewString(),
		ProjectID:   uuid.NewString(),
		ProjectName: "blinky",
		OwnerID:     testUser.ID,
		BoardType:   "ESP32-C3",
		Version:     "1.1.0",
		Status:      domain.BuildQueued,
		StartedAt:   time.Now().UTC(),
	}
	if err := f.repo.CreateBuild(ctx, b); err != nil {
		t.Fatalf("CreateBuild: %v", err)
	}
	result := domain.BuildResult{
		ArtifactHash: "hash-" + b.ID,
		ArtifactSize: 1024,
		ArtifactFile: b.ID + ".bin",
	}
	if err := f.repo.SucceedBuild(ctx, b.ID, []string{"Build SUCCESS"}, result, time.Now().UTC()); err != nil {
		t.Fatalf("SucceedBuild: %v", err)
	}
	got, err := f.repo.GetBuildByID(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBuildByID: %v", err)
	}
	return got
}

func (f fixture) failedBuild(t *testing.T) *domain.Build {
	t.Helper()
	ctx := context.Background()
	b := &domain.Build{
		ID:        uuid.NewString(),
		Status:    domain.BuildQueued,
		OwnerID:   testUser.ID,
		StartedAt: time.Now().UTC(),
	}
	if err := f.repo.CreateBuild(ctx, b); err != nil {
		t.Fatalf("CreateBuild: %v", err)
	}
	if err := f.repo.FailBuild(ctx, b.ID, nil, "boom", time.Now().UTC()); err != nil {
		t.Fatalf("FailBuild: %v", err)
	}
	return b
}

func (f fixture) device(t *testing.T, name string) *domain.Device {
	t.Helper()
	d := &domain.Device{
		ID:        uuid.NewString(),
		Name:      name,
		BoardType: "ESP32-C3",
		OwnerID:   testUser.ID,
		Status:    "online",
		CreatedAt: time.Now().UTC(),
	}
	if err := f.repo.CreateDevice(context.Background(), d); err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	return d
}

func TestCreateRequiresSuccessfulBuild(t *testing.T) {
	f := newFixture(t)
	failed := f.failedBuild(t)
	device := f.device(t, "d1")

	_, err := f.svc.Create(context.Background(), testUser, failed.ID, []string{device.ID}, 100, "")
	if !errors.Is(err, ErrBuildNotSuccessful) {
		t.Fatalf("expected ErrBuildNotSuccessful, got %v", err)
	}
}

func TestCreateAssignsPendingToTargets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	build := f.successfulBuild(t)
	d1 := f.device(t, "d1")
	d2 := f.device(t, "d2")

	deployment, err := f.svc.Create(ctx, testUser, build.ID, []string{d1.ID, d2.ID}, 5, domain.RolloutCanary)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if deployment.Status != domain.DeploymentActive {
		t.Fatalf("expected active, got %s", deployment.Status)
	}
	if deployment.ArtifactHash != build.ArtifactHash {
		t.Fatal("artifact hash not carried onto deployment")
	}
	for _, id := range []string{d1.ID, d2.ID} {
		if deployment.DeviceStatuses[id] != domain.DeviceStatusPending {
			t.Fatalf("device %s not pending: %q", id, deployment.DeviceStatuses[id])
		}
		device, err := f.repo.GetDeviceByID(ctx, id)
		if err != nil {
			t.Fatalf("GetDeviceByID: %v", err)
		}
		if device.PendingDeploymentID != deployment.ID {
			t.Fatalf("device %s pending pointer %q, want %q", id, device.PendingDeploymentID, deployment.ID)
		}
	}
}

func TestCreateSupersedesEarlierOffer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	build := f.successfulBuild(t)
	device := f.device(t, "d1")

	first, err := f.svc.Create(ctx, testUser, build.ID, []string{device.ID}, 100, "")
	if err != nil {
		t.Fatalf("first Create: %v", err)
	}
	second, err := f.svc.Create(ctx, testUser, build.ID, []string{device.ID}, 100, "")
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}

	got, err := f.repo.GetDeviceByID(ctx, device.ID)
	if err != nil {
		t.Fatalf("GetDeviceByID: %v", err)
	}
	if got.PendingDeploymentID != second.ID {
		t.Fatalf("expected pointer to newest deployment %s, got %s", second.ID, got.PendingDeploymentID)
	}
	if got.PendingDeploymentID == first.ID {
		t.Fatal("old offer survived")
	}
}

func TestCreateRejectsUnknownDevice(t *testing.T) {
	f := newFixture(t)
	build := f.successfulBuild(t)

	_, err := f.svc.Create(context.Background(), testUser, build.ID, []string{"ghost"}, 100, "")
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateRolloutPercentValidatesStage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	build := f.successfulBuild(t)
	device := f.device(t, "d1")
	deployment, err := f.svc.Create(ctx, testUser, build.ID, []string{device.ID}, 5, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := f.svc.UpdateRolloutPercent(ctx, deployment.ID, 7); !errors.Is(err, ErrInvalidRolloutPercent) {
		t.Fatalf("expected ErrInvalidRolloutPercent, got %v", err)
	}
	unchanged, err := f.repo.GetDeploymentByID(ctx, deployment.ID)
	if err != nil {
		t.Fatalf("GetDeploymentByID: %v", err)
	}
	if unchanged.RolloutPercent != 5 {
		t.Fatalf("invalid update mutated percent: %d", unchanged.RolloutPercent)
	}
	if unchanged.DeviceStatuses[device.ID] != domain.DeviceStatusPending {
		t.Fatal("invalid update touched device statuses")
	}

	if err := f.svc.UpdateRolloutPercent(ctx, deployment.ID, 20); err != nil {
		t.Fatalf("valid update: %v", err)
	}
	widened, err := f.repo.GetDeploymentByID(ctx, deployment.ID)
	if err != nil {
		t.Fatalf("GetDeploymentByID: %v", err)
	}
	if widened.RolloutPercent != 20 {
		t.Fatalf("percent not updated: %d", widened.RolloutPercent)
	}
}

func TestPauseAndResumeToggleStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	build := f.successfulBuild(t)
	device := f.device(t, "d1")
	deployment, err := f.svc.Create(ctx, testUser, build.ID, []string{device.ID}, 100, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := f.svc.Pause(ctx, deployment.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	paused, _ := f.repo.GetDeploymentByID(ctx, deployment.ID)
	if paused.Status != domain.DeploymentPaused {
		t.Fatalf("expected paused, got %s", paused.Status)
	}
	// pausing again is a no-op
	if err := f.svc.Pause(ctx, deployment.ID); err != nil {
		t.Fatalf("second Pause: %v", err)
	}

	if err := f.svc.Resume(ctx, deployment.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	resumed, _ := f.repo.GetDeploymentByID(ctx, deployment.ID)
	if resumed.Status != domain.DeploymentActive {
		t.Fatalf("expected active, got %s", resumed.Status)
	}
}

func TestPauseAfterRollbackFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	build := f.successfulBuild(t)
	device := f.device(t, "d1")
	deployment, err := f.svc.Create(ctx, testUser, build.ID, []string{device.ID}, 100, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := f.svc.Rollback(ctx, deployment.ID, "bad firmware"); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	if err := f.svc.Pause(ctx, deployment.ID); !errors.Is(err, ErrRolledBack) {
		t.Fatalf("expected ErrRolledBack, got %v", err)
	}
	if err := f.svc.Resume(ctx, deployment.ID); !errors.Is(err, ErrRolledBack) {
		t.Fatalf("expected ErrRolledBack, got %v", err)
	}
}

func TestRollbackClearsPointersEvenAfterSuccessReport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	build := f.successfulBuild(t)
	d1 := f.device(t, "d1")
	d2 := f.device(t, "d2")
	deployment, err := f.svc.Create(ctx, testUser, build.ID, []string{d1.ID, d2.ID}, 100, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// d1 already finished its update before the operator pulls the plug.
	if err := f.svc.RecordDeviceReport(ctx, d1.ID, domain.DeviceStatusSuccess, "1.1.0"); err != nil {
		t.Fatalf("RecordDeviceReport: %v", err)
	}

	if err := f.svc.Rollback(ctx, deployment.ID, "field failures"); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	rolled, err := f.repo.GetDeploymentByID(ctx, deployment.ID)
	if err != nil {
		t.Fatalf("GetDeploymentByID: %v", err)
	}
	if rolled.Status != domain.DeploymentRolledBack {
		t.Fatalf("expected rolled_back, got %s", rolled.Status)
	}
	if rolled.RollbackReason != "field failures" {
		t.Fatalf("reason not recorded: %q", rolled.RollbackReason)
	}
	if rolled.RolledBackAt == nil {
		t.Fatal("rolled back timestamp missing")
	}
	for _, id := range []string{d1.ID, d2.ID} {
		if rolled.DeviceStatuses[id] != domain.DeviceStatusRolledBack {
			t.Fatalf("device %s status %q, want rolled_back", id, rolled.DeviceStatuses[id])
		}
		device, err := f.repo.GetDeviceByID(ctx, id)
		if err != nil {
			t.Fatalf("GetDeviceByID: %v", err)
		}
		if device.PendingDeploymentID != "" {
			t.Fatalf("device %s pointer not cleared: %q", id, device.PendingDeploymentID)
		}
		if device.LastOTAStatus != domain.DeviceStatusRolledBack {
			t.Fatalf("device %s ota status %q", id, device.LastOTAStatus)
		}
	}

	// rollback is idempotent
	if err := f.svc.Rollback(ctx, deployment.ID, "again"); err != nil {
		t.Fatalf("second Rollback: %v", err)
	}
	again, _ := f.repo.GetDeploymentByID(ctx, deployment.ID)
	if again.RollbackReason != "field failures" {
		t.Fatalf("second rollback overwrote reason: %q", again.RollbackReason)
	}
}

func TestRecordDeviceReportMirrorsIntoDeployment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	build := f.successfulBuild(t)
	device := f.device(t, "d1")
	deployment, err := f.svc.Create(ctx, testUser, build.ID, []string{device.ID}, 100, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := f.svc.RecordDeviceReport(ctx, device.ID, domain.DeviceStatusDownloading, ""); err != nil {
		t.Fatalf("downloading report: %v", err)
	}
	mid, _ := f.repo.GetDeploymentByID(ctx, deployment.ID)
	if mid.DeviceStatuses[device.ID] != domain.DeviceStatusDownloading {
		t.Fatalf("status not mirrored: %q", mid.DeviceStatuses[device.ID])
	}
	midDevice, _ := f.repo.GetDeviceByID(ctx, device.ID)
	if midDevice.PendingDeploymentID != deployment.ID {
		t.Fatal("downloading report should not clear the pending pointer")
	}

	if err := f.svc.RecordDeviceReport(ctx, device.ID, domain.DeviceStatusSuccess, "1.1.0"); err != nil {
		t.Fatalf("success report: %v", err)
	}
	done, _ := f.repo.GetDeploymentByID(ctx, deployment.ID)
	if done.DeviceStatuses[device.ID] != domain.DeviceStatusSuccess {
		t.Fatalf("success not mirrored: %q", done.DeviceStatuses[device.ID])
	}
	if done.Status != domain.DeploymentActive {
		t.Fatal("device report changed deployment aggregate status")
	}
	doneDevice, _ := f.repo.GetDeviceByID(ctx, device.ID)
	if doneDevice.FirmwareVersion != "1.1.0" {
		t.Fatalf("firmware version not recorded: %q", doneDevice.FirmwareVersion)
	}
	if doneDevice.PendingDeploymentID != "" {
		t.Fatal("success report should clear the pending pointer")
	}
}

func TestRecordDeviceReportFailureClearsPointer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	build := f.successfulBuild(t)
	device := f.device(t, "d1")
	if _, err := f.svc.Create(ctx, testUser, build.ID, []string{device.ID}, 100, ""); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := f.svc.RecordDeviceReport(ctx, device.ID, domain.DeviceStatusFailed, ""); err != nil {
		t.Fatalf("failed report: %v", err)
	}
	got, _ := f.repo.GetDeviceByID(ctx, device.ID)
	if got.PendingDeploymentID != "" {
		t.Fatal("failed report should clear the pending pointer")
	}
	if got.FirmwareVersion == "1.1.0" {
		t.Fatal("failed report must not bump firmware version")
	}
}

func TestRecordDeviceReportRejectsUnknownStatus(t *testing.T) {
	f := newFixture(t)
	device := f.device(t, "d1")
	err := f.svc.RecordDeviceReport(context.Background(), device.ID, "exploded", "")
	if !errors.Is(err, ErrInvalidReportStatus) {
		t.Fatalf("expected ErrInvalidReportStatus, got %v", err)
	}
}
