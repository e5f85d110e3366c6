package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fleetforge/fleetforge/internal/artifact"
	"github.com/fleetforge/fleetforge/internal/domain"
	"github.com/fleetforge/fleetforge/internal/repository"
	"github.com/fleetforge/fleetforge/internal/signing"
	"github.com/fleetforge/fleetforge/internal/toolchain"
	"github.com/fleetforge/fleetforge/internal/workspace"
)

var (
	// ErrBuildTimeout marks builds killed for exceeding the compile deadline.
	ErrBuildTimeout = errors.New("build timed out")
	// ErrArtifactMissing marks builds whose toolchain exited cleanly without
	// producing a firmware image.
	ErrArtifactMissing = errors.New("firmware image not produced")
)

// OrchestratorDeps wires the collaborators a build run needs.
type OrchestratorDeps struct {
	Builds     repository.BuildRepository
	Artifacts  *artifact.Store
	Signer     *signing.Signer
	Workspaces *workspace.Manager
	Runner     toolchain.Runner
	Filter     FilterFunc
	Timeout    time.Duration
	MaxLines   int
	Logger     *slog.Logger
	// OnLog receives every committed log line, for live streaming.
	OnLog func(buildID, line string)
}

// Orchestrator drives a build from queued through its terminal state:
// workspace staging, toolchain execution with log capture, artifact import,
// manifest signing. One run per build; the cancel func registered for the
// run is the single termination path shared by the timeout and any future
// explicit cancel.
type Orchestrator struct {
	builds     repository.BuildRepository
	artifacts  *artifact.Store
	signer     *signing.Signer
	workspaces *workspace.Manager
	runner     toolchain.Runner
	filter     FilterFunc
	timeout    time.Duration
	maxLines   int
	logger     *slog.Logger
	onLog      func(buildID, line string)

	cancels sync.Map
}

// NewOrchestrator validates deps and applies defaults.
func NewOrchestrator(deps OrchestratorDeps) (*Orchestrator, error) {
	if deps.Builds == nil {
		return nil, errors.New("nil build repository")
	}
	if deps.Artifacts == nil {
		return nil, errors.New("nil artifact store")
	}
	if deps.Signer == nil {
		return nil, errors.New("nil signer")
	}
	if deps.Workspaces == nil {
		return nil, errors.New("nil workspace manager")
	}
	if deps.Filter == nil {
		deps.Filter = DefaultFilter
	}
	if deps.Timeout <= 0 {
		deps.Timeout = 180 * time.Second
	}
	if deps.MaxLines <= 0 {
		deps.MaxLines = 500
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Orchestrator{
		builds:     deps.Builds,
		artifacts:  deps.Artifacts,
		signer:     deps.Signer,
		workspaces: deps.Workspaces,
		runner:     deps.Runner,
		filter:     deps.Filter,
		timeout:    deps.Timeout,
		maxLines:   deps.MaxLines,
		logger:     deps.Logger,
		onLog:      deps.OnLog,
	}, nil
}

// Cancel signals a running build to stop. It reports whether a run was
// found; the build then fails through the same path a timeout takes.
func (o *Orchestrator) Cancel(buildID string) bool {
	value, ok := o.cancels.Load(buildID)
	if !ok {
		return false
	}
	value.(context.CancelFunc)()
	return true
}

// Run executes the full pipeline for one build. It is intended to run on
// its own goroutine; all outcomes, including panics, land in the build
// record as a terminal state.
func (o *Orchestrator) Run(parent context.Context, b *domain.Build, files []domain.ProjectFile) {
	runCtx, cancel := context.WithCancel(parent)
	o.cancels.Store(b.ID, cancel)
	defer func() {
		cancel()
		o.cancels.Delete(b.ID)
	}()

	buf := newLogBuffer(o.maxLines)
	for _, line := range b.Logs {
		buf.Append(line)
	}
	logf := func(level, format string, args ...any) {
		line := fmt.Sprintf("[%s] [%s] %s",
			time.Now().UTC().Format("15:04:05"), level, fmt.Sprintf(format, args...))
		buf.Append(line)
		o.publish(b.ID, line)
	}
	persist := func() {
		if err := o.builds.UpdateBuildLogs(context.Background(), b.ID, buf.Snapshot()); err != nil {
			o.logger.Warn("persist build logs", "build_id", b.ID, "error", err)
		}
	}

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("build run panicked", "build_id", b.ID, "panic", r)
			logf("ERROR", "internal error: %v", r)
			o.fail(b.ID, buf, fmt.Sprintf("internal error: %v", r))
		}
	}()

	boardType, _ := toolchain.ProfileFor(b.BoardType)
	envName := toolchain.EnvName(boardType)

	logf("INFO", "Starting build for %s v%s (%s)", b.ProjectName, b.Version, boardType)
	persist()

	dir, err := o.workspaces.Prepare(b.ID)
	if err != nil {
		logf("ERROR", "Workspace setup failed: %v", err)
		o.fail(b.ID, buf, "workspace setup failed")
		return
	}
	defer func() {
		if err := o.workspaces.Cleanup(dir); err != nil {
			o.logger.Warn("workspace cleanup", "build_id", b.ID, "dir", dir, "error", err)
		}
	}()

	if err := stageSources(dir, boardType, files); err != nil {
		logf("ERROR", "Staging sources failed: %v", err)
		o.fail(b.ID, buf, err.Error())
		return
	}

	logf("INFO", "Workspace ready, invoking toolchain (env %s)", envName)
	persist()

	// The deadline covers the whole compile, however the toolchain paces
	// its output.
	toolCtx, toolCancel := context.WithTimeout(runCtx, o.timeout)
	defer toolCancel()

	var ramUsage, flashUsage string
	runErr := o.runner.Run(toolCtx, dir, envName, func(line string) {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "RAM:") {
			ramUsage = trimmed
		} else if strings.HasPrefix(trimmed, "Flash:") {
			flashUsage = trimmed
		}
		if !o.filter(line) {
			return
		}
		buf.Append(line)
		o.publish(b.ID, line)
		persist()
	})
	if runErr != nil {
		switch {
		case errors.Is(runErr, context.DeadlineExceeded):
			logf("ERROR", "Build timed out after %s", o.timeout)
			o.fail(b.ID, buf, ErrBuildTimeout.Error())
		case errors.Is(runErr, context.Canceled):
			logf("ERROR", "Build cancelled")
			o.fail(b.ID, buf, "build cancelled")
		default:
			reason := fmt.Sprintf("toolchain failed: %v", runErr)
			var exitErr *exec.ExitError
			if errors.As(runErr, &exitErr) {
				reason = fmt.Sprintf("toolchain exited with code %d", exitErr.ExitCode())
			}
			logf("ERROR", "%s", reason)
			o.fail(b.ID, buf, reason)
		}
		return
	}

	fwPath := toolchain.FirmwarePath(dir, envName)
	if _, err := os.Stat(fwPath); err != nil {
		logf("ERROR", "%s", ErrArtifactMissing.Error())
		o.fail(b.ID, buf, ErrArtifactMissing.Error())
		return
	}

	hash, err := artifact.HashFile(fwPath)
	if err != nil {
		logf("ERROR", "Hashing firmware failed: %v", err)
		o.fail(b.ID, buf, "hashing firmware failed")
		return
	}
	artifactFile, size, err := o.artifacts.ImportBinary(b.ID, fwPath)
	if err != nil {
		logf("ERROR", "Storing firmware failed: %v", err)
		o.fail(b.ID, buf, "storing firmware failed")
		return
	}

	manifest := &domain.Manifest{
		BuildID:            b.ID,
		Version:            b.Version,
		BoardType:          boardType,
		ArtifactFile:       artifactFile,
		ArtifactSize:       size,
		ArtifactHashSHA256: hash,
		BuiltAt:            time.Now().UTC().Format(time.RFC3339),
	}
	sig, err := o.signer.Sign(*manifest)
	if err != nil {
		logf("ERROR", "Signing manifest failed: %v", err)
		o.fail(b.ID, buf, "signing manifest failed")
		return
	}
	manifest.Signature = sig
	manifestFile, err := o.artifacts.WriteManifest(b.ID, manifest)
	if err != nil {
		logf("ERROR", "Storing manifest failed: %v", err)
		o.fail(b.ID, buf, "storing manifest failed")
		return
	}

	logf("INFO", "Firmware image %s (%d bytes, sha256 %s)", artifactFile, size, shortHash(hash))
	if !o.signer.Enabled() {
		logf("WARN", "No signing key configured, manifest is unsigned")
	}
	logf("INFO", "Build SUCCESS")

	result := domain.BuildResult{
		ArtifactHash: hash,
		ArtifactSize: size,
		ArtifactFile: artifactFile,
		ManifestFile: manifestFile,
		Manifest:     manifest,
		RAMUsage:     ramUsage,
		FlashUsage:   flashUsage,
	}
	if err := o.builds.SucceedBuild(context.Background(), b.ID, buf.Snapshot(), result, time.Now().UTC()); err != nil {
		o.logger.Error("record build success", "build_id", b.ID, "error", err)
	}
}

func (o *Orchestrator) fail(buildID string, buf *logBuffer, reason string) {
	if err := o.builds.FailBuild(context.Background(), buildID, buf.Snapshot(), reason, time.Now().UTC()); err != nil {
		o.logger.Error("record build failure", "build_id", buildID, "error", err)
	}
}

func (o *Orchestrator) publish(buildID, line string) {
	if o.onLog != nil {
		o.onLog(buildID, line)
	}
}

// stageSources writes the project configuration and source files into the
// workspace. Headers land in include/, everything else in src/, the layout
// the toolchain expects. File names are reduced to their base name so a
// crafted path cannot escape the workspace.
func stageSources(dir, boardType string, files []domain.ProjectFile) error {
	config := toolchain.ProjectConfig(boardType)
	if err := os.WriteFile(filepath.Join(dir, "platformio.ini"), []byte(config), 0o644); err != nil {
		return fmt.Errorf("write project config: %w", err)
	}

	srcDir := filepath.Join(dir, "src")
	includeDir := filepath.Join(dir, "include")
	for _, d := range []string{srcDir, includeDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create %s dir: %w", filepath.Base(d), err)
		}
	}
	for _, f := range files {
		name := filepath.Base(filepath.Clean(f.Name))
		if name == "" || name == "." || name == ".." || name == string(filepath.Separator) {
			return fmt.Errorf("source file with unusable name %q", f.Name)
		}
		target := srcDir
		if strings.HasSuffix(name, ".h") {
			target = includeDir
		}
		if err := os.WriteFile(filepath.Join(target, name), []byte(f.Content), 0o644); err != nil {
			return fmt.Errorf("write source %s: %w", name, err)
		}
	}
	return nil
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
