package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/montylab/simorch/internal/catalog"
	"github.com/montylab/simorch/internal/domain"
	"github.com/montylab/simorch/internal/events"
	"github.com/montylab/simorch/internal/jobspec"
	"github.com/montylab/simorch/internal/lifecycle"
	"github.com/montylab/simorch/internal/platform/auth"
	"github.com/montylab/simorch/internal/registry"
)

const serviceName = "simorch"

type orchestratorAPI struct {
	logger      *slog.Logger
	runs        *registry.Store
	lifecycle   *lifecycle.Controller
	catalog     *catalog.Catalog
	broadcaster *events.Broadcaster
	stream      streamConfig
}

type streamConfig struct {
	ObserverBuffer int
	AllowedOrigins []string
}

func newOrchestratorAPI(
	logger *slog.Logger,
	runs *registry.Store,
	ctrl *lifecycle.Controller,
	cat *catalog.Catalog,
	broadcaster *events.Broadcaster,
	stream streamConfig,
) *orchestratorAPI {
	if stream.ObserverBuffer <= 0 {
		stream.ObserverBuffer = 64
	}
	return &orchestratorAPI{
		logger:      logger,
		runs:        runs,
		lifecycle:   ctrl,
		catalog:     cat,
		broadcaster: broadcaster,
		stream:      stream,
	}
}

func (api *orchestratorAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", api.handleServiceInfo)

	mux.HandleFunc("GET /runs", api.handleListRuns)
	mux.HandleFunc("POST /runs", api.handleCreateRun)
	mux.HandleFunc("GET /runs/{run_id}", api.handleGetRun)
	mux.HandleFunc("DELETE /runs/{run_id}", api.handleCancelRun)
	mux.HandleFunc("GET /runs/{run_id}/logs", api.handleListRunLogs)
	mux.HandleFunc("GET /runs/{run_id}/metrics", api.handleListRunMetrics)
	mux.HandleFunc("POST /runs/{run_id}/metrics", api.handleIngestRunMetrics)
	mux.HandleFunc("GET /runs/{run_id}/artifacts", api.handleListRunArtifacts)

	mux.HandleFunc("GET /runs/{run_id}/stream", api.handleStreamRun)
	mux.HandleFunc("GET /ws", api.handleSocket)
	mux.HandleFunc("GET /ws/{run_id}", api.handleSocket)

	mux.HandleFunc("GET /images/monty", api.handleListImages(domain.ImageRoleMonty))
	mux.HandleFunc("GET /images/simulator", api.handleListImages(domain.ImageRoleSimulator))
	mux.HandleFunc("GET /brain-profiles", api.handleListBrainProfiles)
}

func (api *orchestratorAPI) handleServiceInfo(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(w, http.StatusOK, map[string]any{
		"service":   serviceName,
		"status":    "ok",
		"runs":      api.runs.Len(),
		"observers": api.broadcaster.Len(),
	})
}

func (api *orchestratorAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := clampInt(parseIntQuery(r, "limit", 100), 1, 1000)
	statusFilter := strings.TrimSpace(r.URL.Query().Get("status"))
	var want domain.Status
	if statusFilter != "" {
		want = domain.ParseStatus(statusFilter)
		if !want.Valid() {
			api.writeError(w, r, http.StatusBadRequest, "invalid_status")
			return
		}
	}
	ownerFilter := strings.TrimSpace(r.URL.Query().Get("owner"))

	out := make([]domain.Run, 0)
	for _, run := range api.runs.List() {
		if want != "" && run.Status != want {
			continue
		}
		if ownerFilter != "" && run.Owner != ownerFilter {
			continue
		}
		out = append(out, run)
		if len(out) == limit {
			break
		}
	}
	api.writeJSON(w, http.StatusOK, out)
}

type createRunRequest struct {
	Name                  string `json:"name"`
	MontyImageID          string `json:"montyImageId"`
	SimulatorImageID      string `json:"simulatorImageId"`
	BrainProfileID        string `json:"brainProfileId"`
	BridgeCode            string `json:"bridgeCode"`
	CheckpointIn          string `json:"checkpointIn,omitempty"`
	ActiveDeadlineSeconds int64  `json:"activeDeadlineSeconds,omitempty"`
}

func (api *orchestratorAPI) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	monty, err := api.catalog.Image(strings.TrimSpace(req.MontyImageID))
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "unknown_monty_image")
		return
	}
	simulator, err := api.catalog.Image(strings.TrimSpace(req.SimulatorImageID))
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "unknown_simulator_image")
		return
	}
	profile, err := api.catalog.Profile(strings.TrimSpace(req.BrainProfileID))
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "unknown_brain_profile")
		return
	}

	owner := "anonymous"
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity.Owner() != "" {
		owner = identity.Owner()
	}

	run, err := api.lifecycle.CreateRun(r.Context(), lifecycle.CreateRunRequest{
		Name:                  strings.TrimSpace(req.Name),
		Owner:                 owner,
		MontyImage:            monty,
		SimulatorImage:        simulator,
		BrainProfile:          profile,
		BridgeCode:            req.BridgeCode,
		CheckpointIn:          strings.TrimSpace(req.CheckpointIn),
		ActiveDeadlineSeconds: req.ActiveDeadlineSeconds,
	})
	if err != nil {
		api.writeCreateError(w, r, run, err)
		return
	}
	api.writeJSON(w, http.StatusCreated, run)
}

func (api *orchestratorAPI) writeCreateError(w http.ResponseWriter, r *http.Request, run domain.Run, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrInvalidRequest):
		api.writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":      "invalid_request",
			"detail":     err.Error(),
			"request_id": r.Header.Get("X-Request-Id"),
		})
	case errors.Is(err, jobspec.ErrInvalidPolicy):
		api.writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":      "invalid_policy",
			"detail":     err.Error(),
			"request_id": r.Header.Get("X-Request-Id"),
		})
	case errors.Is(err, lifecycle.ErrUpstreamStorage):
		api.writeRunError(w, r, http.StatusBadGateway, "bridge_upload_failed", run)
	case errors.Is(err, lifecycle.ErrUpstreamSubmission):
		api.writeRunError(w, r, http.StatusBadGateway, "job_submission_failed", run)
	default:
		api.logger.Error("create run failed", "run_id", run.ID, "error", err)
		api.writeRunError(w, r, http.StatusInternalServerError, "internal_error", run)
	}
}

func (api *orchestratorAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := api.runs.Get(r.PathValue("run_id"))
	if err != nil {
		api.writeLookupError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, run)
}

func (api *orchestratorAPI) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := api.lifecycle.CancelRun(r.Context(), r.PathValue("run_id"))
	switch {
	case err == nil:
		api.writeJSON(w, http.StatusOK, run)
	case errors.Is(err, registry.ErrNotFound):
		api.writeError(w, r, http.StatusNotFound, "not_found")
	case errors.Is(err, lifecycle.ErrInvalidState):
		api.writeError(w, r, http.StatusConflict, "run_not_cancellable")
	case errors.Is(err, lifecycle.ErrUpstreamCancel):
		api.writeError(w, r, http.StatusBadGateway, "job_cancel_failed")
	default:
		api.logger.Error("cancel run failed", "run_id", r.PathValue("run_id"), "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

func (api *orchestratorAPI) handleListRunLogs(w http.ResponseWriter, r *http.Request) {
	after := int64(0)
	if raw := strings.TrimSpace(r.URL.Query().Get("after_id")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			api.writeError(w, r, http.StatusBadRequest, "invalid_after_id")
			return
		}
		after = parsed
	}

	logs, err := api.runs.Logs(r.PathValue("run_id"))
	if err != nil {
		api.writeLookupError(w, r, err)
		return
	}
	out := make([]domain.LogEntry, 0, len(logs))
	for _, entry := range logs {
		if entry.ID > after {
			out = append(out, entry)
		}
	}
	api.writeJSON(w, http.StatusOK, out)
}

func (api *orchestratorAPI) handleListRunMetrics(w http.ResponseWriter, r *http.Request) {
	points, err := api.runs.Metrics(r.PathValue("run_id"))
	if err != nil {
		api.writeLookupError(w, r, err)
		return
	}
	if points == nil {
		points = []domain.MetricPoint{}
	}
	api.writeJSON(w, http.StatusOK, points)
}

func (api *orchestratorAPI) handleIngestRunMetrics(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	var points []domain.MetricPoint
	if err := decodeJSON(r, &points); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if len(points) == 0 {
		api.writeError(w, r, http.StatusBadRequest, "points_required")
		return
	}
	for _, point := range points {
		if err := api.lifecycle.RecordMetric(r.Context(), runID, point); err != nil {
			api.writeLookupError(w, r, err)
			return
		}
	}
	api.writeJSON(w, http.StatusAccepted, map[string]any{"accepted": len(points)})
}

func (api *orchestratorAPI) handleListRunArtifacts(w http.ResponseWriter, r *http.Request) {
	run, err := api.runs.Get(r.PathValue("run_id"))
	if err != nil {
		api.writeLookupError(w, r, err)
		return
	}
	artifacts := run.Artifacts
	if artifacts == nil {
		artifacts = []domain.Artifact{}
	}
	api.writeJSON(w, http.StatusOK, artifacts)
}

func (api *orchestratorAPI) handleListImages(role domain.ImageRole) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		api.writeJSON(w, http.StatusOK, api.catalog.ImagesByRole(role))
	}
}

func (api *orchestratorAPI) handleListBrainProfiles(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(w, http.StatusOK, api.catalog.Profiles())
}

func (api *orchestratorAPI) writeLookupError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, registry.ErrNotFound) {
		api.writeError(w, r, http.StatusNotFound, "not_found")
		return
	}
	api.logger.Error("run lookup failed", "run_id", r.PathValue("run_id"), "error", err)
	api.writeError(w, r, http.StatusInternalServerError, "internal_error")
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func (api *orchestratorAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *orchestratorAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

// writeRunError reports a failure that still left a recorded run behind.
func (api *orchestratorAPI) writeRunError(w http.ResponseWriter, r *http.Request, status int, code string, run domain.Run) {
	body := map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	}
	if run.ID != "" {
		body["run"] = run
	}
	api.writeJSON(w, status, body)
}

func parseIntQuery(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

func clampInt(v int, min int, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
