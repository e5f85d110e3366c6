package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetforge/fleetforge/internal/app/migrate"
	"github.com/fleetforge/fleetforge/internal/artifact"
	"github.com/fleetforge/fleetforge/internal/audit"
	httpx "github.com/fleetforge/fleetforge/internal/http"
	"github.com/fleetforge/fleetforge/internal/identity"
	"github.com/fleetforge/fleetforge/internal/repository"
	"github.com/fleetforge/fleetforge/internal/repository/memory"
	"github.com/fleetforge/fleetforge/internal/repository/postgres"
	"github.com/fleetforge/fleetforge/internal/service/build"
	"github.com/fleetforge/fleetforge/internal/service/fleet"
	"github.com/fleetforge/fleetforge/internal/service/ota"
	"github.com/fleetforge/fleetforge/internal/service/project"
	"github.com/fleetforge/fleetforge/internal/service/rollout"
	"github.com/fleetforge/fleetforge/internal/signing"
	"github.com/fleetforge/fleetforge/internal/toolchain"
	"github.com/fleetforge/fleetforge/internal/workspace"
	"github.com/fleetforge/fleetforge/internal/ws"
	"github.com/fleetforge/fleetforge/pkg/config"
	"github.com/fleetforge/fleetforge/pkg/logger"
)

// repositories groups the persistence interfaces so the wiring below works
// the same for the in-memory and postgres backends.
type repositories struct {
	projects    repository.ProjectRepository
	builds      repository.BuildRepository
	devices     repository.DeviceRepository
	deployments repository.DeploymentRepository
	audits      repository.AuditRepository
	telemetry   repository.TelemetryRepository
}

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var repos repositories
	var dbHealth func(context.Context) error
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
		if err != nil {
			log.Error("failed to configure migrations", "error", err)
			os.Exit(1)
		}
		defer runner.Close()
		if err := runner.Ping(ctx); err != nil {
			log.Error("database ping failed", "error", err)
			os.Exit(1)
		}
		if err := runner.Ensure(ctx); err != nil {
			log.Error("migrations failed", "error", err)
			os.Exit(1)
		}
		repo := postgres.New(pool)
		repos = repositories{repo, repo, repo, repo, repo, repo}
		dbHealth = pool.Ping
	} else {
		log.Warn("no DATABASE_URL configured, using in-memory storage")
		repo := memory.New()
		repos = repositories{repo, repo, repo, repo, repo, repo}
	}

	store, err := artifact.NewStore(cfg.ArtifactsDir)
	if err != nil {
		log.Error("failed to open artifact store", "error", err)
		os.Exit(1)
	}
	signer, err := signing.NewFromFiles(cfg.SigningKeyPath, cfg.SigningPubKeyPath)
	if err != nil {
		log.Error("failed to load signing key", "error", err)
		os.Exit(1)
	}
	if !signer.Enabled() {
		log.Warn("no signing key configured, manifests will be unsigned")
	}
	workspaces, err := workspace.New(cfg.WorkspaceRoot)
	if err != nil {
		log.Error("failed to prepare build workspace root", "error", err)
		os.Exit(1)
	}

	verifier, err := identity.NewVerifier(cfg.JWTSecret)
	if err != nil {
		log.Error("failed to configure token verifier", "error", err)
		os.Exit(1)
	}

	hub := ws.NewHub()
	auditSink := audit.NewSink(repos.audits, log)

	orch, err := build.NewOrchestrator(build.OrchestratorDeps{
		Builds:     repos.builds,
		Artifacts:  store,
		Signer:     signer,
		Workspaces: workspaces,
		Runner:     toolchain.NewRunner(cfg.ToolchainCommand),
		Timeout:    cfg.BuildTimeout,
		MaxLines:   cfg.MaxLogLines,
		Logger:     log,
		OnLog: func(buildID, line string) {
			payload, err := json.Marshal(map[string]string{"build_id": buildID, "line": line})
			if err != nil {
				return
			}
			hub.Broadcast(buildID, payload)
		},
	})
	if err != nil {
		log.Error("failed to configure build orchestrator", "error", err)
		os.Exit(1)
	}

	projectSvc := project.NewService(repos.projects, log)
	buildSvc := build.NewService(repos.projects, repos.builds, orch, log)
	rolloutSvc := rollout.NewService(repos.builds, repos.devices, repos.deployments, log)
	fleetSvc := fleet.NewService(repos.devices, repos.deployments, repos.telemetry, log)
	otaSvc := ota.NewService(repos.devices, repos.deployments, repos.builds, store, signer, rolloutSvc, log)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, verifier, projectSvc, buildSvc, rolloutSvc, otaSvc, fleetSvc, auditSink, hub, limiter, dbHealth)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
