package build

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fleetforge/fleetforge/internal/artifact"
	"github.com/fleetforge/fleetforge/internal/domain"
	"github.com/fleetforge/fleetforge/internal/repository/memory"
	"github.com/fleetforge/fleetforge/internal/signing"
	"github.com/fleetforge/fleetforge/internal/toolchain"
	"github.com/fleetforge/fleetforge/internal/workspace"
)

type orchestratorFixture struct {
	orch          *Orchestrator
	repo          *memory.Repository
	workspaceRoot string
	artifactsDir  string
}

// fakeToolchain writes a shell script that stands in for the real compiler.
// The runner invokes it with "run -e <env>" which the script ignores.
func fakeToolchain(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-pio")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake toolchain: %v", err)
	}
	return path
}

func newOrchestratorFixture(t *testing.T, scriptBody string, timeout time.Duration) orchestratorFixture {
	t.Helper()
	repo := memory.New()
	artifactsDir := t.TempDir()
	store, err := artifact.NewStore(artifactsDir)
	if err != nil {
		t.Fatalf("artifact store: %v", err)
	}
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := signing.NewWithKey(key)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	workspaceRoot := t.TempDir()
	workspaces, err := workspace.New(workspaceRoot)
	if err != nil {
		t.Fatalf("workspace manager: %v", err)
	}
	orch, err := NewOrchestrator(OrchestratorDeps{
		Builds:     repo,
		Artifacts:  store,
		Signer:     signer,
		Workspaces: workspaces,
		Runner:     toolchain.NewRunner(fakeToolchain(t, scriptBody)),
		Timeout:    timeout,
		MaxLines:   100,
		Logger:     slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	return orchestratorFixture{orch: orch, repo: repo, workspaceRoot: workspaceRoot, artifactsDir: artifactsDir}
}

func queueBuild(t *testing.T, fx orchestratorFixture) *domain.Build {
	t.Helper()
	b := &domain.Build{
		ID:          uuid.NewString(),
		ProjectID:   uuid.NewString(),
		ProjectName: "blinky",
		OwnerID:     "user-1",
		BoardType:   "ESP32-C3",
		Version:     "1.0.0",
		Status:      domain.BuildQueued,
		StartedAt:   time.Now().UTC(),
	}
	if err := fx.repo.CreateBuild(context.Background(), b); err != nil {
		t.Fatalf("CreateBuild: %v", err)
	}
	return b
}

func workspaceEmpty(t *testing.T, root string) bool {
	t.Helper()
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("read workspace root: %v", err)
	}
	return len(entries) == 0
}

var testFiles = []domain.ProjectFile{{Name: "main.c", Content: "int main(void) { return 0; }\n"}}

const successScript = `mkdir -p .pio/build/esp32c3
printf 'FWDATA-V1' > .pio/build/esp32c3/firmware.bin
echo "Compiling .pio/build/esp32c3/src/main.o"
echo "Linking .pio/build/esp32c3/firmware.elf"
echo "RAM:   [=         ]  12.3% (used 40280 bytes from 327680 bytes)"
echo "Flash: [==        ]  21.0% (used 220100 bytes from 1048576 bytes)"
echo "Building .pio/build/esp32c3/firmware.bin"
exit 0`

func TestRunSuccessProducesSignedArtifact(t *testing.T) {
	fx := newOrchestratorFixture(t, successScript, 30*time.Second)
	b := queueBuild(t, fx)

	fx.orch.Run(context.Background(), b, testFiles)

	got, err := fx.repo.GetBuildByID(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("GetBuildByID: %v", err)
	}
	if got.Status != domain.BuildSuccess {
		t.Fatalf("expected success, got %s (error %q, logs %v)", got.Status, got.Error, got.Logs)
	}
	sum := sha256.Sum256([]byte("FWDATA-V1"))
	if want := hex.EncodeToString(sum[:]); got.ArtifactHash != want {
		t.Fatalf("hash mismatch: got %s want %s", got.ArtifactHash, want)
	}
	if got.ArtifactSize != int64(len("FWDATA-V1")) {
		t.Fatalf("unexpected artifact size %d", got.ArtifactSize)
	}
	if got.ArtifactFile != b.ID+".bin" {
		t.Fatalf("unexpected artifact file %q", got.ArtifactFile)
	}
	if got.Manifest == nil || got.Manifest.Signature == "" {
		t.Fatalf("expected signed manifest, got %+v", got.Manifest)
	}
	if got.Manifest.ArtifactHashSHA256 != got.ArtifactHash {
		t.Fatal("manifest hash does not match build hash")
	}
	if !strings.HasPrefix(got.RAMUsage, "RAM:") || !strings.HasPrefix(got.FlashUsage, "Flash:") {
		t.Fatalf("memory usage not captured: ram=%q flash=%q", got.RAMUsage, got.FlashUsage)
	}
	if got.CompletedAt == nil {
		t.Fatal("expected completed timestamp")
	}
	if _, err := os.Stat(filepath.Join(fx.artifactsDir, b.ID+".bin")); err != nil {
		t.Fatalf("artifact not stored: %v", err)
	}
	if _, err := os.Stat(filepath.Join(fx.artifactsDir, b.ID+"_manifest.json")); err != nil {
		t.Fatalf("manifest not stored: %v", err)
	}
	if !workspaceEmpty(t, fx.workspaceRoot) {
		t.Fatal("workspace not cleaned up after success")
	}

	var sawToolchainLine, sawSuccessLine bool
	for _, line := range got.Logs {
		if strings.Contains(line, "Compiling") {
			sawToolchainLine = true
		}
		if strings.Contains(line, "Build SUCCESS") {
			sawSuccessLine = true
		}
	}
	if !sawToolchainLine || !sawSuccessLine {
		t.Fatalf("expected toolchain and success lines in logs: %v", got.Logs)
	}
}

func TestRunNonZeroExitFailsWithExitCode(t *testing.T) {
	fx := newOrchestratorFixture(t, `echo "src/main.c:1:1: error: expected declaration"
exit 3`, 30*time.Second)
	b := queueBuild(t, fx)

	fx.orch.Run(context.Background(), b, testFiles)

	got, err := fx.repo.GetBuildByID(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("GetBuildByID: %v", err)
	}
	if got.Status != domain.BuildFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if !strings.Contains(got.Error, "exited with code 3") {
		t.Fatalf("expected exit code in error, got %q", got.Error)
	}
	if !workspaceEmpty(t, fx.workspaceRoot) {
		t.Fatal("workspace not cleaned up after failure")
	}
}

func TestRunCleanExitWithoutImageFails(t *testing.T) {
	fx := newOrchestratorFixture(t, `echo "Building nothing"
exit 0`, 30*time.Second)
	b := queueBuild(t, fx)

	fx.orch.Run(context.Background(), b, testFiles)

	got, err := fx.repo.GetBuildByID(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("GetBuildByID: %v", err)
	}
	if got.Status != domain.BuildFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if !strings.Contains(got.Error, ErrArtifactMissing.Error()) {
		t.Fatalf("expected missing image error, got %q", got.Error)
	}
}

func TestRunKillsToolchainOnTimeout(t *testing.T) {
	fx := newOrchestratorFixture(t, `echo "Compiling forever"
sleep 30`, 300*time.Millisecond)
	b := queueBuild(t, fx)

	start := time.Now()
	fx.orch.Run(context.Background(), b, testFiles)
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("run did not terminate promptly: %s", elapsed)
	}

	got, err := fx.repo.GetBuildByID(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("GetBuildByID: %v", err)
	}
	if got.Status != domain.BuildFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if !strings.Contains(got.Error, "timed out") {
		t.Fatalf("expected timeout error, got %q", got.Error)
	}
	if !workspaceEmpty(t, fx.workspaceRoot) {
		t.Fatal("workspace not cleaned up after timeout")
	}
}

func TestCancelStopsRunningBuild(t *testing.T) {
	fx := newOrchestratorFixture(t, `sleep 30`, time.Minute)
	b := queueBuild(t, fx)

	done := make(chan struct{})
	go func() {
		fx.orch.Run(context.Background(), b, testFiles)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !fx.orch.Cancel(b.ID) {
		if time.Now().After(deadline) {
			t.Fatal("build never registered a cancel func")
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop after cancel")
	}

	got, err := fx.repo.GetBuildByID(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("GetBuildByID: %v", err)
	}
	if got.Status != domain.BuildFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.Error != "build cancelled" {
		t.Fatalf("unexpected error %q", got.Error)
	}
}

func TestStageSourcesConfinesFileNames(t *testing.T) {
	dir := t.TempDir()
	files := []domain.ProjectFile{
		{Name: "../evil.c", Content: "int x;"},
		{Name: "sub/dir/util.h", Content: "#define X 1"},
	}
	if err := stageSources(dir, "ESP32-C3", files); err != nil {
		t.Fatalf("stageSources: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "src", "evil.c")); err != nil {
		t.Fatalf("traversal name not reduced to base name: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "include", "util.h")); err != nil {
		t.Fatalf("header not staged under include: %v", err)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(dir), "evil.c")); !os.IsNotExist(err) {
		t.Fatal("file escaped the workspace")
	}
}
