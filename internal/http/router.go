package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetforge/fleetforge/internal/audit"
	"github.com/fleetforge/fleetforge/internal/domain"
	"github.com/fleetforge/fleetforge/internal/identity"
	"github.com/fleetforge/fleetforge/internal/repository"
	"github.com/fleetforge/fleetforge/internal/service/build"
	"github.com/fleetforge/fleetforge/internal/service/fleet"
	"github.com/fleetforge/fleetforge/internal/service/ota"
	"github.com/fleetforge/fleetforge/internal/service/project"
	"github.com/fleetforge/fleetforge/internal/service/rollout"
	"github.com/fleetforge/fleetforge/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	verifier  *identity.Verifier
	projects  *project.Service
	builds    *build.Service
	rollouts  *rollout.Service
	ota       *ota.Service
	fleet     *fleet.Service
	auditSink *audit.Sink
	hub       *ws.Hub
	upgrader  websocket.Upgrader
	limiter   RateLimiter
	dbHealth  func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const healthCheckTimeout = 2 * time.Second

// Request budgets per route class. Device-facing endpoints get the widest
// allowance because every fleet member hits them on a timer.
var (
	quotaOperatorWrite = quota{limit: 60, window: time.Minute}
	quotaOperatorRead  = quota{limit: 120, window: time.Minute}
	quotaRealtime      = quota{limit: 30, window: 30 * time.Second}
	quotaDevice        = quota{limit: 240, window: time.Minute}
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, verifier *identity.Verifier, projectSvc *project.Service, buildSvc *build.Service, rolloutSvc *rollout.Service, otaSvc *ota.Service, fleetSvc *fleet.Service, auditSink *audit.Sink, hub *ws.Hub, limiter RateLimiter, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger,
		verifier:  verifier,
		projects:  projectSvc,
		builds:    buildSvc,
		rollouts:  rolloutSvc,
		ota:       otaSvc,
		fleet:     fleetSvc,
		auditSink: auditSink,
		hub:       hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:  limiter,
		dbHealth: dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.observe("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())

	r.mux.HandleFunc("/api/templates", r.observe("/api/templates", r.withRateLimit("/api/templates", quotaOperatorRead, deviceKey, r.handleTemplates)))
	r.mux.HandleFunc("/api/templates/", r.observe("/api/templates/{id}", r.withRateLimit("/api/templates/{id}", quotaOperatorRead, deviceKey, r.handleTemplateByID)))
	r.mux.HandleFunc("/api/projects", r.observe("/api/projects", r.handlerAuthRate("/api/projects", quotaOperatorWrite, r.handleProjects)))
	r.mux.HandleFunc("/api/projects/", r.observe("/api/projects/{id}", r.handlerAuthRate("/api/projects/{id}", quotaOperatorWrite, r.handleProjectByID)))
	r.mux.HandleFunc("/api/builds", r.observe("/api/builds", r.handlerAuthRate("/api/builds", quotaOperatorWrite, r.handleBuilds)))
	r.mux.HandleFunc("/api/builds/", r.observe("/api/builds/{id}", r.handlerAuthRate("/api/builds/{id}", quotaOperatorRead, r.handleBuildByID)))
	r.mux.HandleFunc("/api/devices", r.observe("/api/devices", r.handlerAuthRate("/api/devices", quotaOperatorWrite, r.handleDevices)))
	r.mux.HandleFunc("/api/devices/claim", r.observe("/api/devices/claim", r.handlerAuthRate("/api/devices/claim", quotaOperatorWrite, r.handleDeviceClaim)))
	r.mux.HandleFunc("/api/devices/", r.observe("/api/devices/{id}", r.handlerAuthRate("/api/devices/{id}", quotaOperatorWrite, r.handleDeviceByID)))
	r.mux.HandleFunc("/api/deployments", r.observe("/api/deployments", r.handlerAuthRate("/api/deployments", quotaOperatorWrite, r.handleDeployments)))
	r.mux.HandleFunc("/api/deployments/", r.observe("/api/deployments/{id}", r.handlerAuthRate("/api/deployments/{id}", quotaOperatorWrite, r.handleDeploymentSubroutes)))
	r.mux.HandleFunc("/api/audit-logs", r.observe("/api/audit-logs", r.handlerAuthRate("/api/audit-logs", quotaOperatorRead, r.handleAuditLogs)))

	r.mux.HandleFunc("/api/telemetry/heartbeat", r.observe("/api/telemetry/heartbeat", r.withRateLimit("/api/telemetry/heartbeat", quotaDevice, deviceKey, r.handleHeartbeat)))
	r.mux.HandleFunc("/api/telemetry/dashboard", r.observe("/api/telemetry/dashboard", r.handlerAuthRate("/api/telemetry/dashboard", quotaOperatorRead, r.handleDashboard)))
	r.mux.HandleFunc("/api/telemetry/", r.observe("/api/telemetry/{device}", r.handlerAuthRate("/api/telemetry/{device}", quotaOperatorRead, r.handleDeviceTelemetry)))

	r.mux.HandleFunc("/api/ota/check", r.observe("/api/ota/check", r.withRateLimit("/api/ota/check", quotaDevice, deviceKey, r.handleOTACheck)))
	r.mux.HandleFunc("/api/ota/download/", r.observe("/api/ota/download/{id}", r.withRateLimit("/api/ota/download/{id}", quotaDevice, deviceKey, r.handleOTADownload)))
	r.mux.HandleFunc("/api/ota/manifest/", r.observe("/api/ota/manifest/{id}", r.withRateLimit("/api/ota/manifest/{id}", quotaDevice, deviceKey, r.handleOTAManifest)))
	r.mux.HandleFunc("/api/ota/public-key", r.observe("/api/ota/public-key", r.withRateLimit("/api/ota/public-key", quotaDevice, deviceKey, r.handleOTAPublicKey)))
	r.mux.HandleFunc("/api/ota/report", r.observe("/api/ota/report", r.withRateLimit("/api/ota/report", quotaDevice, deviceKey, r.handleOTAReport)))

	r.mux.HandleFunc("/ws/builds", r.observe("/ws/builds", r.handlerAuthRate("/ws/builds", quotaRealtime, r.handleBuildLogsWS)))
}

func (r *Router) handleTemplates(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, project.Templates())
}

func (r *Router) handleTemplateByID(w http.ResponseWriter, req *http.Request) {
	templateID := strings.TrimPrefix(req.URL.Path, "/api/templates/")
	if templateID == "" || strings.Contains(templateID, "/") {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	files, err := project.TemplateFiles(templateID)
	if err != nil {
		r.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": templateID, "files": files})
}

func (r *Router) handleProjects(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		user, ok := r.requireMutator(w, req)
		if !ok {
			return
		}
		var payload struct {
			Name      string `json:"name"`
			BoardType string `json:"board_type"`
			Template  string `json:"template"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		created, err := r.projects.Create(req.Context(), user, payload.Name, payload.BoardType, payload.Template)
		if err != nil {
			r.serviceError(w, err)
			return
		}
		r.auditSink.Record(req.Context(), user, "project.create", "project", created.ID, created.Name)
		writeJSON(w, http.StatusCreated, created)
	case http.MethodGet:
		user, _ := userFromContext(req.Context())
		projects, err := r.projects.List(req.Context(), user)
		if err != nil {
			r.serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, projects)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleProjectByID(w http.ResponseWriter, req *http.Request) {
	projectID := strings.TrimPrefix(req.URL.Path, "/api/projects/")
	if projectID == "" || strings.Contains(projectID, "/") {
		r.notFound(w)
		return
	}
	switch req.Method {
	case http.MethodGet:
		p, err := r.projects.Get(req.Context(), projectID)
		if err != nil {
			r.serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	case http.MethodPut:
		user, ok := r.requireMutator(w, req)
		if !ok {
			return
		}
		var payload struct {
			Files []domain.ProjectFile `json:"files"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := r.projects.ReplaceFiles(req.Context(), projectID, payload.Files); err != nil {
			r.serviceError(w, err)
			return
		}
		r.auditSink.Record(req.Context(), user, "project.update_files", "project", projectID, fmt.Sprintf("%d files", len(payload.Files)))
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	case http.MethodDelete:
		user, ok := r.requireMutator(w, req)
		if !ok {
			return
		}
		if err := r.projects.Delete(req.Context(), projectID); err != nil {
			r.serviceError(w, err)
			return
		}
		r.auditSink.Record(req.Context(), user, "project.delete", "project", projectID, "")
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleBuilds(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		user, ok := r.requireMutator(w, req)
		if !ok {
			return
		}
		var payload struct {
			ProjectID string `json:"project_id"`
			Version   string `json:"version"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if payload.ProjectID == "" {
			writeError(w, http.StatusBadRequest, "project_id is required")
			return
		}
		b, err := r.builds.Trigger(req.Context(), user, payload.ProjectID, payload.Version)
		if err != nil {
			r.serviceError(w, err)
			return
		}
		r.auditSink.Record(req.Context(), user, "build.trigger", "build", b.ID, fmt.Sprintf("project %s v%s", payload.ProjectID, b.Version))
		writeJSON(w, http.StatusAccepted, b)
	case http.MethodGet:
		user, _ := userFromContext(req.Context())
		limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
		builds, err := r.builds.List(req.Context(), user, limit)
		if err != nil {
			r.serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, builds)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleBuildByID(w http.ResponseWriter, req *http.Request) {
	buildID := strings.TrimPrefix(req.URL.Path, "/api/builds/")
	if buildID == "" || strings.Contains(buildID, "/") {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	b, err := r.builds.Get(req.Context(), buildID)
	if err != nil {
		r.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (r *Router) handleDevices(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		user, ok := r.requireMutator(w, req)
		if !ok {
			return
		}
		var payload struct {
			Name       string `json:"name"`
			BoardType  string `json:"board_type"`
			MACAddress string `json:"mac_address"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if payload.Name == "" {
			writeError(w, http.StatusBadRequest, "name is required")
			return
		}
		device, err := r.fleet.Register(req.Context(), user, payload.Name, payload.BoardType, payload.MACAddress)
		if err != nil {
			r.serviceError(w, err)
			return
		}
		r.auditSink.Record(req.Context(), user, "device.register", "device", device.ID, device.Name)
		writeJSON(w, http.StatusCreated, device)
	case http.MethodGet:
		user, _ := userFromContext(req.Context())
		devices, err := r.fleet.List(req.Context(), user)
		if err != nil {
			r.serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, devices)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleDeviceClaim(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	user, ok := r.requireMutator(w, req)
	if !ok {
		return
	}
	var payload struct {
		ClaimCode string `json:"claim_code"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.ClaimCode == "" {
		writeError(w, http.StatusBadRequest, "claim_code is required")
		return
	}
	device, err := r.fleet.Claim(req.Context(), user, payload.ClaimCode)
	if err != nil {
		r.serviceError(w, err)
		return
	}
	r.auditSink.Record(req.Context(), user, "device.claim", "device", device.ID, "")
	writeJSON(w, http.StatusOK, device)
}

func (r *Router) handleDeviceByID(w http.ResponseWriter, req *http.Request) {
	deviceID := strings.TrimPrefix(req.URL.Path, "/api/devices/")
	if deviceID == "" || strings.Contains(deviceID, "/") {
		r.notFound(w)
		return
	}
	switch req.Method {
	case http.MethodGet:
		device, err := r.fleet.Get(req.Context(), deviceID)
		if err != nil {
			r.serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, device)
	case http.MethodDelete:
		user, ok := r.requireMutator(w, req)
		if !ok {
			return
		}
		if err := r.fleet.Delete(req.Context(), deviceID); err != nil {
			r.serviceError(w, err)
			return
		}
		r.auditSink.Record(req.Context(), user, "device.delete", "device", deviceID, "")
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		user, ok := r.requireMutator(w, req)
		if !ok {
			return
		}
		var payload struct {
			BuildID         string   `json:"build_id"`
			TargetDeviceIDs []string `json:"target_device_ids"`
			RolloutPercent  int      `json:"rollout_percent"`
			RolloutStrategy string   `json:"rollout_strategy"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if payload.BuildID == "" {
			writeError(w, http.StatusBadRequest, "build_id is required")
			return
		}
		deployment, err := r.rollouts.Create(req.Context(), user, payload.BuildID, payload.TargetDeviceIDs, payload.RolloutPercent, payload.RolloutStrategy)
		if err != nil {
			r.serviceError(w, err)
			return
		}
		r.auditSink.Record(req.Context(), user, "deployment.create", "deployment", deployment.ID, fmt.Sprintf("build %s to %d devices", payload.BuildID, len(payload.TargetDeviceIDs)))
		writeJSON(w, http.StatusCreated, deployment)
	case http.MethodGet:
		user, _ := userFromContext(req.Context())
		limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
		deployments, err := r.rollouts.List(req.Context(), user, limit)
		if err != nil {
			r.serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, deployments)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleDeploymentSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/api/deployments/")
	parts := strings.Split(trimmed, "/")
	deploymentID := parts[0]
	if deploymentID == "" {
		r.notFound(w)
		return
	}
	if len(parts) == 1 {
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		deployment, err := r.rollouts.Get(req.Context(), deploymentID)
		if err != nil {
			r.serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, deployment)
		return
	}
	if len(parts) != 2 {
		r.notFound(w)
		return
	}

	switch parts[1] {
	case "pause":
		r.handleDeploymentAction(w, req, deploymentID, "deployment.pause", func(ctx context.Context) error {
			return r.rollouts.Pause(ctx, deploymentID)
		})
	case "resume":
		r.handleDeploymentAction(w, req, deploymentID, "deployment.resume", func(ctx context.Context) error {
			return r.rollouts.Resume(ctx, deploymentID)
		})
	case "rollback":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		user, ok := r.requireMutator(w, req)
		if !ok {
			return
		}
		var payload struct {
			Reason string `json:"reason"`
		}
		_ = json.NewDecoder(req.Body).Decode(&payload)
		if err := r.rollouts.Rollback(req.Context(), deploymentID, payload.Reason); err != nil {
			r.serviceError(w, err)
			return
		}
		r.auditSink.Record(req.Context(), user, "deployment.rollback", "deployment", deploymentID, payload.Reason)
		writeJSON(w, http.StatusOK, map[string]string{"status": domain.DeploymentRolledBack})
	case "rollout":
		if req.Method != http.MethodPut {
			r.methodNotAllowed(w)
			return
		}
		user, ok := r.requireMutator(w, req)
		if !ok {
			return
		}
		var payload struct {
			Percent int `json:"percent"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := r.rollouts.UpdateRolloutPercent(req.Context(), deploymentID, payload.Percent); err != nil {
			r.serviceError(w, err)
			return
		}
		r.auditSink.Record(req.Context(), user, "deployment.rollout_percent", "deployment", deploymentID, strconv.Itoa(payload.Percent))
		writeJSON(w, http.StatusOK, map[string]any{"status": "updated", "rollout_percent": payload.Percent})
	default:
		r.notFound(w)
	}
}

func (r *Router) handleDeploymentAction(w http.ResponseWriter, req *http.Request, deploymentID, action string, fn func(context.Context) error) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	user, ok := r.requireMutator(w, req)
	if !ok {
		return
	}
	if err := fn(req.Context()); err != nil {
		r.serviceError(w, err)
		return
	}
	r.auditSink.Record(req.Context(), user, action, "deployment", deploymentID, "")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) handleAuditLogs(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	user, _ := userFromContext(req.Context())
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	scope := user.ID
	if user.Role == domain.RoleAdmin {
		scope = ""
	}
	entries, err := r.auditSink.List(req.Context(), scope, limit)
	if err != nil {
		r.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (r *Router) handleHeartbeat(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		DeviceID        string `json:"device_id"`
		RSSI            int    `json:"rssi"`
		FreeHeap        int    `json:"free_heap"`
		Uptime          int64  `json:"uptime"`
		FirmwareVersion string `json:"firmware_version"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	if err := r.fleet.Heartbeat(req.Context(), payload.DeviceID, payload.RSSI, payload.FreeHeap, payload.Uptime, payload.FirmwareVersion); err != nil {
		r.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) handleDashboard(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	user, _ := userFromContext(req.Context())
	summary, err := r.fleet.Dashboard(req.Context(), user)
	if err != nil {
		r.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (r *Router) handleDeviceTelemetry(w http.ResponseWriter, req *http.Request) {
	deviceID := strings.TrimPrefix(req.URL.Path, "/api/telemetry/")
	if deviceID == "" || strings.Contains(deviceID, "/") {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	samples, err := r.fleet.Telemetry(req.Context(), deviceID, limit)
	if err != nil {
		r.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

func (r *Router) handleOTACheck(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		DeviceID        string `json:"device_id"`
		FirmwareVersion string `json:"firmware_version"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	result, err := r.ota.CheckUpdate(req.Context(), payload.DeviceID, payload.FirmwareVersion)
	if err != nil {
		r.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleOTADownload(w http.ResponseWriter, req *http.Request) {
	deploymentID := strings.TrimPrefix(req.URL.Path, "/api/ota/download/")
	if deploymentID == "" || strings.Contains(deploymentID, "/") {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	download, err := r.ota.FetchArtifact(req.Context(), deploymentID)
	if err != nil {
		r.serviceError(w, err)
		return
	}
	defer download.File.Close()

	headers := w.Header()
	headers.Set("Content-Type", "application/octet-stream")
	headers.Set("Content-Length", strconv.FormatInt(download.Size, 10))
	headers.Set("Content-Disposition", "attachment; filename="+download.Name)
	headers.Set("X-Artifact-Hash", download.Hash)
	headers.Set("X-Firmware-Version", download.Version)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, download.File); err != nil {
		r.logger.Warn("artifact stream interrupted", "deployment_id", deploymentID, "error", err)
	}
}

func (r *Router) handleOTAManifest(w http.ResponseWriter, req *http.Request) {
	buildID := strings.TrimPrefix(req.URL.Path, "/api/ota/manifest/")
	if buildID == "" || strings.Contains(buildID, "/") {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	manifest, err := r.ota.Manifest(req.Context(), buildID)
	if err != nil {
		r.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, manifest)
}

func (r *Router) handleOTAPublicKey(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	pem := r.ota.PublicKeyPEM()
	if pem == "" {
		writeError(w, http.StatusNotFound, "signing not configured")
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(pem))
}

func (r *Router) handleOTAReport(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		DeviceID        string `json:"device_id"`
		Status          string `json:"status"`
		FirmwareVersion string `json:"firmware_version"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.DeviceID == "" || payload.Status == "" {
		writeError(w, http.StatusBadRequest, "device_id and status are required")
		return
	}
	if err := r.ota.Report(req.Context(), payload.DeviceID, payload.Status, payload.FirmwareVersion); err != nil {
		r.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (r *Router) handleBuildLogsWS(w http.ResponseWriter, req *http.Request) {
	if _, ok := userFromContext(req.Context()); !ok {
		r.logger.Error("auth context missing for build log websocket", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	buildID := req.URL.Query().Get("build_id")
	if buildID == "" {
		writeError(w, http.StatusBadRequest, "build_id query parameter required")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(buildID, client)
	go func() {
		defer func() {
			r.hub.Unregister(buildID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, rollout.ErrInvalidRolloutPercent),
		errors.Is(err, rollout.ErrInvalidStrategy),
		errors.Is(err, rollout.ErrInvalidReportStatus),
		errors.Is(err, rollout.ErrNoTargets),
		errors.Is(err, project.ErrEmptyName),
		errors.Is(err, project.ErrNoFiles):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, rollout.ErrBuildNotSuccessful),
		errors.Is(err, rollout.ErrRolledBack),
		errors.Is(err, rollout.ErrNotPaused),
		errors.Is(err, repository.ErrTerminal):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// observe wraps a handler with access logging and request metrics.
func (r *Router) observe(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if user, ok := userFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", user.ID)
		} else if strings.HasPrefix(req.URL.Path, "/api/ota/") || strings.HasPrefix(req.URL.Path, "/api/telemetry/heartbeat") {
			actor = "device"
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, q quota, decision rateDecision) {
	if q.limit <= 0 {
		return
	}
	remaining := q.limit - decision.used
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(q.limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.resetAt.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.resetAt.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := sr.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}
