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

package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	checkinsTotal          *prometheus.CounterVec
	tasksTotal             *prometheus.CounterVec
	taskDuration           *prometheus.HistogramVec
	redfishRequests        *prometheus.CounterVec
	redfishRequestDuration *prometheus.HistogramVec
	redfishRetries         *prometheus.CounterVec
	phaseDuration          *prometheus.HistogramVec
)

const (
	OpSessionLogin  = "session.login"
	OpSessionLogout = "session.logout"
	OpProbe         = "probe"
	OpKeepalive     = "keepalive"
	OpCharacterize  = "characterize"
	OpConfigure     = "configure"
	OpStorage       = "storage"
	OpPowerOn       = "power.on"
	OpPowerOff      = "power.off"
	OpBootOverride  = "boot.override"
	OpIndicator     = "indicator"
)

const (
	PhaseCharacterize = "characterize"
	PhasePXEBoot      = "pxe-boot"
	PhaseInstall      = "install"
	PhaseAnsible      = "ansible"
	PhaseHooks        = "hooks"
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors.
// Primarily used by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// IncCheckin records a check-in received on the API, grouped by source
// (dnsmasq or host) and the action it carried.
func IncCheckin(source, action string) {
	labelSource := sanitizeLabel(source, "unknown")
	labelAction := sanitizeLabel(action, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if checkinsTotal != nil {
		checkinsTotal.WithLabelValues(labelSource, labelAction).Inc()
	}
}

// ObserveTask records a completed queue task with its terminal status
// and total handler runtime.
func ObserveTask(handler, status string, duration time.Duration) {
	labelHandler := sanitizeLabel(handler, "unknown")
	labelStatus := sanitizeLabel(status, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if tasksTotal != nil {
		tasksTotal.WithLabelValues(labelHandler, labelStatus).Inc()
	}
	if taskDuration != nil {
		taskDuration.WithLabelValues(labelHandler).Observe(durationSeconds(duration))
	}
}

// ObserveRedfishRequest records a completed Redfish HTTP request attempt.
// code should be the HTTP status code; use negative values to indicate errors.
func ObserveRedfishRequest(op, vendor string, code int, duration time.Duration) {
	labelOp := sanitizeLabel(op, "unknown")
	labelVendor := sanitizeVendor(vendor)
	status := "error"
	if code >= 0 {
		status = strconv.Itoa(code)
	}

	mu.RLock()
	defer mu.RUnlock()
	if redfishRequests != nil {
		redfishRequests.WithLabelValues(labelOp, status, labelVendor).Inc()
	}
	if redfishRequestDuration != nil {
		redfishRequestDuration.WithLabelValues(labelOp, labelVendor).Observe(durationSeconds(duration))
	}
}

// IncRedfishRetry increments the retry counter for a given Redfish operation.
func IncRedfishRetry(op, vendor string) {
	labelOp := sanitizeLabel(op, "unknown")
	labelVendor := sanitizeVendor(vendor)

	mu.RLock()
	defer mu.RUnlock()
	if redfishRetries != nil {
		redfishRetries.WithLabelValues(labelOp, labelVendor).Inc()
	}
}

// ObserveBootstrapPhase records the duration of a node bootstrap phase.
func ObserveBootstrapPhase(phase string, duration time.Duration) {
	labelPhase := sanitizeLabel(phase, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if phaseDuration != nil {
		phaseDuration.WithLabelValues(labelPhase).Observe(durationSeconds(duration))
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	checkins := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pvc",
		Subsystem: "bootstrapd",
		Name:      "checkins_total",
		Help:      "Total check-ins received grouped by source and action.",
	}, []string{"source", "action"})

	tasks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pvc",
		Subsystem: "bootstrapd",
		Name:      "tasks_total",
		Help:      "Total queue tasks processed grouped by handler and terminal status.",
	}, []string{"handler", "status"})

	taskDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pvc",
		Subsystem: "bootstrapd",
		Name:      "task_duration_seconds",
		Help:      "Duration of queue task handlers.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
	}, []string{"handler"})

	reqTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pvc",
		Subsystem: "bootstrapd",
		Name:      "redfish_requests_total",
		Help:      "Total Redfish HTTP requests grouped by operation, status code, and vendor.",
	}, []string{"op", "code", "vendor"})

	reqDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pvc",
		Subsystem: "bootstrapd",
		Name:      "redfish_request_duration_seconds",
		Help:      "Duration of Redfish HTTP requests by operation and vendor.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"op", "vendor"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pvc",
		Subsystem: "bootstrapd",
		Name:      "redfish_retries_total",
		Help:      "Total number of Redfish retries by operation and vendor.",
	}, []string{"op", "vendor"})

	phaseHist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pvc",
		Subsystem: "bootstrapd",
		Name:      "bootstrap_phase_duration_seconds",
		Help:      "Duration of node bootstrap phases (characterize, pxe-boot, install, ansible, hooks).",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600, 7200},
	}, []string{"phase"})

	registry.MustRegister(checkins, tasks, taskDur, reqTotal, reqDuration, retries, phaseHist)

	reg = registry
	checkinsTotal = checkins
	tasksTotal = tasks
	taskDuration = taskDur
	redfishRequests = reqTotal
	redfishRequestDuration = reqDuration
	redfishRetries = retries
	phaseDuration = phaseHist
}

func sanitizeVendor(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return "unknown"
	}
	var b strings.Builder
	for _, r := range v {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-' || r == '.':
		default:
			r = '_'
		}
		b.WriteRune(r)
	}
	return b.String()
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
