// Pvcbootstrapd is the bootstrap controller for PVC clusters.
// Copyright (C) 2025 The Parallel Virtual Cluster contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package api serves the check-in endpoints the dnsmasq lease helper
// and the nodes themselves report to. Handlers never touch the state
// machine: they read just enough of the payload to label metrics,
// persist a task for the dispatcher, and acknowledge immediately, so
// an installer mid-PXE never blocks behind a bootstrap in progress.
package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"pvcbootstrapd/internal/metrics"
	"pvcbootstrapd/internal/queue"
	"pvcbootstrapd/internal/store"
	"pvcbootstrapd/pkg/models"
)

// maxCheckinBody caps a check-in payload. Real payloads are a few
// hundred bytes; anything larger is a misbehaving reporter.
const maxCheckinBody = 1 << 20

// Handler carries the dependencies of the check-in API.
type Handler struct {
	store  *store.Store
	logger *slog.Logger
}

// NewRouter wires the check-in routes and returns the daemon's HTTP
// handler.
func NewRouter(st *store.Store, logger *slog.Logger) http.Handler {
	h := &Handler{store: st, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/", h.handleRoot)
	mux.HandleFunc("/checkin", h.handleCheckinRoot)
	mux.HandleFunc("/checkin/dnsmasq", h.handleDNSMasqCheckin)
	mux.HandleFunc("/checkin/host", h.handleHostCheckin)
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func (h *Handler) handleRoot(w http.ResponseWriter, r *http.Request) {
	// The root pattern is the mux catch-all.
	if r.URL.Path != "/" {
		jsonError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodGet {
		jsonError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "pvcbootstrapd API"})
}

func (h *Handler) handleCheckinRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "pvcbootstrapd API Checkin interface"})
}

func (h *Handler) handleDNSMasqCheckin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	payload, action := readCheckin(w, r)
	metrics.IncCheckin("dnsmasq", action)
	h.logger.Info("received dnsmasq checkin", "action", action)

	if _, err := queue.Enqueue(r.Context(), h.store, models.TaskHandlerDNSMasqCheckin, payload); err != nil {
		h.logger.Error("enqueue dnsmasq checkin", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to queue checkin")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "received checkin from DNSMasq"})
}

func (h *Handler) handleHostCheckin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	payload, action := readCheckin(w, r)
	metrics.IncCheckin("host", action)
	h.logger.Info("received host checkin", "action", action)

	if _, err := queue.Enqueue(r.Context(), h.store, models.TaskHandlerHostCheckin, payload); err != nil {
		h.logger.Error("enqueue host checkin", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to queue checkin")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "received checkin from Host"})
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.Error("health check failed", "error", err)
		jsonError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readCheckin slurps the request body and extracts the action for
// metrics. A body that is not a JSON object is still acknowledged: it
// becomes an empty payload whose missing action the queue handler
// drops, so a misbehaving reporter cannot wedge the check-in path.
func readCheckin(w http.ResponseWriter, r *http.Request) (json.RawMessage, string) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCheckinBody))
	if err != nil {
		return json.RawMessage(`{}`), ""
	}
	var probe struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return json.RawMessage(`{}`), ""
	}
	return raw, probe.Action
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func jsonError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
