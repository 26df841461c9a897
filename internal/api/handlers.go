package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/distil/internal/publish"
	"github.com/hyperengineering/distil/internal/store"
	"github.com/hyperengineering/distil/internal/types"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
)

// Handler implements the API handlers
type Handler struct {
	store        store.Store
	uploader     publish.Uploader
	teacherModel string
	studentModel string
	apiKey       string
	version      string
}

// NewHandler creates a Handler over the run store. A nil uploader behaves
// as unconfigured checkpoint storage.
func NewHandler(s store.Store, u publish.Uploader, teacherModel, studentModel, apiKey, version string) *Handler {
	if u == nil {
		u = &publish.NoopUploader{}
	}
	return &Handler{
		store:        s,
		uploader:     u,
		teacherModel: teacherModel,
		studentModel: studentModel,
		apiKey:       apiKey,
		version:      version,
	}
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetStats(r.Context())
	if err != nil {
		slog.Error("health check failed", "component", "api", "error", err)
		WriteProblem(w, r, http.StatusServiceUnavailable, "Run store unavailable")
		return
	}

	writeJSON(w, http.StatusOK, types.HealthResponse{
		Status:       "healthy",
		Version:      h.version,
		TeacherModel: h.teacherModel,
		StudentModel: h.studentModel,
		RunCount:     stats.RunCount,
		ActiveRuns:   stats.ActiveRuns,
	})
}

// ListRuns handles GET /api/v1/runs?limit=N
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			WriteProblem(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunLimit)
	}

	runs, err := h.store.ListRuns(r.Context(), limit)
	if err != nil {
		slog.Error("list runs failed", "component", "api", "error", err)
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.RunList{Runs: runs})
}

// GetRun handles GET /api/v1/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run := MustRunFromContext(r.Context())
	evs, err := h.store.ListEvaluations(r.Context(), run.ID)
	if err != nil {
		slog.Error("list evaluations failed", "component", "api", "run_id", run.ID, "error", err)
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.RunDetail{Run: *run, Evaluations: evs})
}

// ListEvaluations handles GET /api/v1/runs/{id}/evaluations
func (h *Handler) ListEvaluations(w http.ResponseWriter, r *http.Request) {
	run := MustRunFromContext(r.Context())
	evs, err := h.store.ListEvaluations(r.Context(), run.ID)
	if err != nil {
		slog.Error("list evaluations failed", "component", "api", "run_id", run.ID, "error", err)
		MapStoreError(w, r, err)
		return
	}
	if evs == nil {
		evs = []types.Evaluation{}
	}
	writeJSON(w, http.StatusOK, evs)
}

// CheckpointURL handles GET /api/v1/runs/{id}/checkpoint/{name}
func (h *Handler) CheckpointURL(w http.ResponseWriter, r *http.Request) {
	run := MustRunFromContext(r.Context())
	name, ok := checkpointName(chi.URLParam(r, "*"))
	if !ok {
		WriteProblem(w, r, http.StatusBadRequest, "Invalid checkpoint file name")
		return
	}

	url, expiresAt, err := h.uploader.PresignedURL(r.Context(), run.ID, name)
	if err != nil {
		slog.Warn("presign checkpoint failed", "component", "api", "run_id", run.ID, "name", name, "error", err)
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.CheckpointURL{
		RunID:     run.ID,
		Name:      name,
		URL:       url,
		ExpiresAt: expiresAt,
	})
}

// DeleteRun handles DELETE /api/v1/runs/{id}. Running runs cannot be deleted.
func (h *Handler) DeleteRun(w http.ResponseWriter, r *http.Request) {
	run := MustRunFromContext(r.Context())
	if run.Status == types.RunRunning {
		WriteProblem(w, r, http.StatusConflict, "Run is still running")
		return
	}
	if err := h.store.DeleteRun(r.Context(), run.ID); err != nil {
		slog.Error("delete run failed", "component", "api", "run_id", run.ID, "error", err)
		MapStoreError(w, r, err)
		return
	}
	slog.Info("run deleted", "component", "api", "run_id", run.ID)
	w.WriteHeader(http.StatusNoContent)
}

// checkpointName cleans a checkpoint-relative file name, rejecting absolute
// paths and anything that escapes the checkpoint directory.
func checkpointName(raw string) (string, bool) {
	if raw == "" || strings.HasPrefix(raw, "/") {
		return "", false
	}
	name := path.Clean(raw)
	if name == "." || name == ".." || strings.HasPrefix(name, "../") {
		return "", false
	}
	return name, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}
