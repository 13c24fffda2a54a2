package server

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/iimez/llmpool/internal/store"
)

// adminModelRequest is the body of /admin/load and /admin/unload.
type adminModelRequest struct {
	Model string `json:"model"`
}

type adminStatusResponse struct {
	Processing int                `json:"processing"`
	Models     []adminModelStatus `json:"models"`
	Events     []store.Event      `json:"events,omitempty"`
}

type adminModelStatus struct {
	ModelID     string `json:"model_id"`
	StoreStatus string `json:"store_status"`
	Live        int    `json:"live"`
	Loading     int    `json:"loading"`
	Waiters     int    `json:"waiters"`
}

// handleAdminStatus merges the pool's per-model instance counts with the
// store's readiness states and recent lifecycle events.
func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	poolStatus := s.pool.GetStatus()
	storeStatus := make(map[string]string, len(poolStatus.Models))
	for _, snap := range s.store.GetStatus() {
		storeStatus[snap.ModelID] = snap.Status.String()
	}

	resp := adminStatusResponse{Processing: poolStatus.Processing, Events: s.store.RecentEvents()}
	for _, m := range poolStatus.Models {
		resp.Models = append(resp.Models, adminModelStatus{
			ModelID:     m.ModelID,
			StoreStatus: storeStatus[m.ModelID],
			Live:        m.Live,
			Loading:     m.Loading,
			Waiters:     m.Waiters,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAdminLoad forces preparation of a model ahead of its first request.
func (s *Server) handleAdminLoad(w http.ResponseWriter, r *http.Request) {
	var req adminModelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Model == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "model field is required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 120*time.Second)
	defer cancel()

	if _, err := s.store.PrepareModel(ctx, req.Model); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "prepared", "model": req.Model})
}

// handleAdminUnload disposes every idle instance of a model. Busy instances
// finish their task and become eligible for the next sweep.
func (s *Server) handleAdminUnload(w http.ResponseWriter, r *http.Request) {
	var req adminModelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Model == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "model field is required"})
		return
	}

	n, err := s.pool.UnloadIdle(req.Model)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "unloaded", "model": req.Model, "disposed": n})
}

// adminTTLRequest is the body of /admin/ttl.
type adminTTLRequest struct {
	Model  string `json:"model"`
	TTLSec int    `json:"ttl_sec"` // <= 0 clears the override
}

// handleAdminTTL sets or clears a runtime idle-eviction TTL override for
// one model, on top of the config-level ttl.
func (s *Server) handleAdminTTL(w http.ResponseWriter, r *http.Request) {
	var req adminTTLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Model == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "model field is required"})
		return
	}

	if err := s.pool.SetTTLOverride(req.Model, time.Duration(req.TTLSec)*time.Second); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ttl_updated", "model": req.Model, "ttl_sec": req.TTLSec})
}

// handleAdminReload invokes the process-level reload callback, if one was
// wired via SetReloadFunc.
func (s *Server) handleAdminReload(w http.ResponseWriter, r *http.Request) {
	if s.reloadFn == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "reload is not configured"})
		return
	}
	if err := s.reloadFn(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// adminTaskRequest is the body of /admin/cancel.
type adminTaskRequest struct {
	TaskID string `json:"task_id"`
}

// handleAdminCancel cancels an in-flight task by id.
func (s *Server) handleAdminCancel(w http.ResponseWriter, r *http.Request) {
	var req adminTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TaskID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "task_id field is required"})
		return
	}
	if !s.pool.CancelTask(req.TaskID) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "task_id": req.TaskID})
}

type adminVRAMEstimate struct {
	Model       string `json:"model"`
	FileSizeMB  int64  `json:"file_size_mb"`
	EstVRAMMB   int64  `json:"est_vram_mb"`
	CanFit      bool   `json:"can_fit"`
	AvailVRAMMB int    `json:"avail_vram_mb"`
}

// handleAdminGPU reports the device advisor's cached GPU snapshot plus a
// VRAM fit estimate for every model with a local artifact.
func (s *Server) handleAdminGPU(w http.ResponseWriter, r *http.Request) {
	var estimates []adminVRAMEstimate
	for id, m := range s.cfg.Models {
		if m.Source == nil || m.Source.Location == "" {
			continue
		}
		info, err := os.Stat(m.Source.Location)
		if err != nil {
			continue
		}
		est := s.advisor.EstimateVRAM(info.Size() / (1024 * 1024))
		estimates = append(estimates, adminVRAMEstimate{
			Model:       id,
			FileSizeMB:  est.FileSizeMB,
			EstVRAMMB:   est.EstVRAMMB,
			CanFit:      est.CanFit,
			AvailVRAMMB: est.AvailVRAMMB,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"gpus":      s.advisor.GPUs(),
		"estimates": estimates,
	})
}
