package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/watchme/admin/internal/common"
	"github.com/watchme/admin/internal/config"
	"github.com/watchme/admin/internal/datastore"
	"github.com/watchme/admin/internal/models"
	"github.com/watchme/admin/internal/pipeline"
	"github.com/watchme/admin/internal/scheduler"
	"github.com/watchme/admin/internal/stage"
	"github.com/watchme/admin/internal/validation"
)

// SlotJobKind is the job kind the slot-reconciliation job registers under.
const SlotJobKind = "audio-scan"

type Handlers struct {
	Sched  *scheduler.Scheduler
	Exec   *pipeline.Executor
	Store  *datastore.Client
	Config config.Config
}

func (h *Handlers) Routers(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)

	r.Route("/api", func(r chi.Router) {
		r.Post("/pipeline/{name}/run", h.runPipeline)

		r.Route("/scheduler", func(r chi.Router) {
			r.Post("/start", h.startJob)
			r.Post("/stop", h.stopJob)
			r.Get("/status", h.jobStatus)
			r.Get("/logs", h.jobLogs)
			r.Get("/all", h.listJobs)
		})

		r.Route("/slot-job", func(r chi.Router) {
			r.Post("/start", h.startSlotJob)
			r.Post("/stop", h.stopSlotJob)
			r.Post("/run-now", h.runSlotJobNow)
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case common.IsValidation(err) || common.IsConflict(err) || common.IsBadRequest(err):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
	case common.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
	default:
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
	}
}

type runPipelineRequest struct {
	DeviceID string `json:"device_id" validate:"required"`
	Date     string `json:"date" validate:"omitempty,datetime=2006-01-02"`
}

func (h *Handlers) runPipeline(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req runPipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	if err := validation.Struct(req); err != nil {
		writeError(w, err)
		return
	}
	if req.Date == "" {
		req.Date = time.Now().Format("2006-01-02")
	}

	report, err := h.Exec.Run(r.Context(), name, stage.Context{DeviceID: req.DeviceID, Date: req.Date})
	if err != nil {
		writeError(w, err)
		return
	}

	// a failed run is a valid result with a partial trace, not an API error
	writeJSON(w, http.StatusOK, report)
}

type startJobRequest struct {
	JobKind         string `json:"job_kind" validate:"required,oneof=psychology-graph behavior-graph emotion-graph"`
	DeviceID        string `json:"device_id" validate:"required"`
	IntervalSeconds int    `json:"interval_seconds" validate:"omitempty,min=10,max=86400"`
	Enabled         *bool  `json:"enabled"`
}

func (h *Handlers) startJob(w http.ResponseWriter, r *http.Request) {
	var req startJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	if err := validation.Struct(req); err != nil {
		writeError(w, err)
		return
	}

	interval := 3 * time.Hour
	if req.IntervalSeconds > 0 {
		interval = time.Duration(req.IntervalSeconds) * time.Second
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	status := h.Sched.Start(req.JobKind, req.DeviceID, interval, enabled)
	writeJSON(w, http.StatusOK, status)
}

type jobKeyRequest struct {
	JobKind  string `json:"job_kind" validate:"required"`
	DeviceID string `json:"device_id" validate:"required"`
}

func (h *Handlers) stopJob(w http.ResponseWriter, r *http.Request) {
	var req jobKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	if err := validation.Struct(req); err != nil {
		writeError(w, err)
		return
	}

	ok := h.Sched.Stop(req.JobKind, req.DeviceID)
	writeJSON(w, http.StatusOK, map[string]any{"success": ok})
}

func (h *Handlers) jobStatus(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("job_kind")
	deviceID := r.URL.Query().Get("device_id")
	if kind == "" || deviceID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "job_kind and device_id are required"})
		return
	}

	status, ok := h.Sched.Status(kind, deviceID)
	if !ok {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handlers) jobLogs(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("job_kind")
	deviceID := r.URL.Query().Get("device_id")
	if kind == "" || deviceID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "job_kind and device_id are required"})
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	logs, total := h.Sched.Logs(kind, deviceID, limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"logs":        logs,
		"total_count": total,
	})
}

func (h *Handlers) listJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Sched.ListAll())
}

type slotJobRequest struct {
	DeviceID string `json:"device_id"`
}

func (h *Handlers) slotJobDevice(r *http.Request) (string, bool) {
	var req slotJobRequest
	if r.Body != nil {
		// body is optional; config supplies the default device
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.DeviceID != "" {
		return req.DeviceID, true
	}
	if h.Config.ScanDeviceID != "" {
		return h.Config.ScanDeviceID, true
	}
	return "", false
}

func (h *Handlers) startSlotJob(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := h.slotJobDevice(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"message": "device_id is required (no default configured)",
		})
		return
	}

	dev, err := h.lookupDevice(r.Context(), deviceID)
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("registering slot reconciliation job", "device_id", dev.DeviceID, "device_type", dev.DeviceType)

	status, err := h.Sched.StartCron(SlotJobKind, deviceID, h.Config.ScanCronSpec, true)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "slot reconciliation job started",
		"job":     status,
	})
}

// lookupDevice confirms the device is registered in the data store before a
// recurring job is keyed on it.
func (h *Handlers) lookupDevice(ctx context.Context, deviceID string) (models.Device, error) {
	records, err := h.Store.Select(ctx, models.TableDevices, datastore.SelectOptions{
		Filters: map[string]string{"device_id": deviceID},
		Limit:   1,
	})
	if err != nil {
		return models.Device{}, common.WrapInternal("device lookup", err)
	}
	if len(records) == 0 {
		return models.Device{}, fmt.Errorf("%w: %s", common.ErrDeviceNotFound, deviceID)
	}
	return models.DeviceFromRecord(records[0]), nil
}

func (h *Handlers) stopSlotJob(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := h.slotJobDevice(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"message": "device_id is required (no default configured)",
		})
		return
	}

	stopped := h.Sched.Stop(SlotJobKind, deviceID)
	message := "slot reconciliation job stopped"
	if !stopped {
		message = "slot reconciliation job was not running"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": stopped,
		"message": message,
	})
}

func (h *Handlers) runSlotJobNow(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := h.slotJobDevice(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"message": "device_id is required (no default configured)",
		})
		return
	}

	if err := h.Sched.RunNow(SlotJobKind, deviceID); err != nil {
		if common.IsNotFound(err) {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"success": false,
				"message": "slot reconciliation job is not registered; start it first",
			})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "slot reconciliation run triggered",
	})
}
