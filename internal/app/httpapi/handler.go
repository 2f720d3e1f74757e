// Package httpapi exposes the sync settings REST surface consumed by the
// dashboard UI.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/molehq/mole/internal/app/metrics"
	"github.com/molehq/mole/internal/app/services/provision"
	"github.com/molehq/mole/internal/app/services/runlog"
	"github.com/molehq/mole/internal/app/services/settings"
	"github.com/molehq/mole/internal/app/storage"
	"github.com/molehq/mole/pkg/logger"
)

const maxBodyBytes = 1 << 20

type Handler struct {
	settings *settings.Service
	runlog   *runlog.Service
	metrics  *metrics.Metrics
	log      *logger.Logger
}

func NewHandler(settingsSvc *settings.Service, runLog *runlog.Service, m *metrics.Metrics, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	return &Handler{settings: settingsSvc, runlog: runLog, metrics: m, log: log}
}

// Router builds the ServeMux with all routes registered.
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /healthz", h.instrument("healthz", h.handleHealth))
	mux.Handle("GET /connections/{id}/sync", h.instrument("sync_settings_get", h.handleGetSettings))
	mux.Handle("PUT /connections/{id}/sync", h.instrument("sync_settings_update", h.handleUpdateSettings))
	mux.Handle("POST /connections/{id}/sync/trigger", h.instrument("sync_trigger", h.handleTrigger))
	mux.Handle("GET /connections/{id}/sync/runs", h.instrument("sync_runs", h.handleListRuns))
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics.Handler())
	}

	return mux
}

func (h *Handler) instrument(name string, fn http.HandlerFunc) http.Handler {
	return h.metrics.InstrumentHandler(name, fn)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	out, err := h.settings.GetSyncSettings(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req settings.UpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, fmt.Errorf("%w: %v", settings.ErrValidation, err))
		return
	}

	result, err := h.settings.UpdateSyncSettings(r.Context(), r.PathValue("id"), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleTrigger(w http.ResponseWriter, r *http.Request) {
	msg, err := h.settings.TriggerSync(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	// Acknowledgement only: the run outcome is observed via polling.
	writeJSON(w, http.StatusAccepted, map[string]string{"message": msg})
}

func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.writeError(w, fmt.Errorf("%w: invalid limit %q", settings.ErrValidation, raw))
			return
		}
		limit = n
	}

	runs, err := h.runlog.ListRuns(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, settings.ErrValidation), errors.Is(err, provision.ErrIncompleteTarget):
		status = http.StatusBadRequest
	case errors.Is(err, settings.ErrSampleConnection):
		status = http.StatusForbidden
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		h.log.WithError(err).Error("request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
