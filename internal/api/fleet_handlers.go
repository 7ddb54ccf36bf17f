package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/atlasfleet/atlas/internal/models"
	"github.com/atlasfleet/atlas/internal/store"
)

// handleMachines lists the fleet.
func (r *Router) handleMachines(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET required")
		return
	}
	machines := r.store.ListMachines(time.Now())
	if machines == nil {
		machines = []models.MachineSummary{}
	}
	writeJSON(w, machines)
}

// handleMachine serves the per-machine subtree:
//
//	GET  /api/fleet/machines/{id}           full machine + latest metrics
//	GET  /api/fleet/machines/{id}/history   metric history, ?hours=H
//	POST /api/fleet/machines/{id}/commands  enqueue a command
func (r *Router) handleMachine(w http.ResponseWriter, req *http.Request) {
	rest := strings.TrimPrefix(req.URL.Path, "/api/fleet/machines/")
	machineID, tail, _ := strings.Cut(rest, "/")
	if machineID == "" {
		writeError(w, http.StatusNotFound, "not_found", "machine id required")
		return
	}

	switch tail {
	case "":
		if req.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET required")
			return
		}
		r.machineDetail(w, machineID)
	case "history":
		if req.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET required")
			return
		}
		r.machineHistory(w, req, machineID)
	case "commands":
		if req.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
			return
		}
		r.enqueueCommand(w, req, machineID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown machine route")
	}
}

func (r *Router) machineDetail(w http.ResponseWriter, machineID string) {
	detail, err := r.store.GetMachine(machineID, time.Now())
	if err != nil {
		if errors.Is(err, store.ErrUnknownMachine) {
			writeError(w, http.StatusNotFound, "not_found", "unknown machine")
			return
		}
		writeFleetError(w, err)
		return
	}
	writeJSON(w, detail)
}

func (r *Router) machineHistory(w http.ResponseWriter, req *http.Request, machineID string) {
	hours := queryHours(req, 24)
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	points, err := r.store.History(machineID, since)
	if err != nil {
		if errors.Is(err, store.ErrUnknownMachine) {
			writeError(w, http.StatusNotFound, "not_found", "unknown machine")
			return
		}
		writeFleetError(w, err)
		return
	}
	if points == nil {
		points = []store.HistoryPoint{}
	}
	writeJSON(w, points)
}

func (r *Router) enqueueCommand(w http.ResponseWriter, req *http.Request, machineID string) {
	var payload struct {
		Type models.CommandType `json:"type"`
		Args map[string]string  `json:"args,omitempty"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "ingest_rejected", "malformed command body")
		return
	}
	if payload.Type == "" {
		writeError(w, http.StatusBadRequest, "ingest_rejected", "command type is required")
		return
	}

	commandID, err := r.store.EnqueueCommand(machineID, payload.Type, payload.Args)
	if err != nil {
		if errors.Is(err, store.ErrUnknownMachine) {
			writeError(w, http.StatusNotFound, "not_found", "unknown machine")
			return
		}
		writeFleetError(w, err)
		return
	}
	if r.metrics != nil {
		r.metrics.CommandIssued()
	}

	log.Info().Str("machine_id", machineID).Str("type", string(payload.Type)).Str("command_id", commandID).Msg("Command enqueued")
	writeJSON(w, map[string]string{"command_id": commandID})
}

// handleSummary aggregates the fleet and derives active alerts.
func (r *Router) handleSummary(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET required")
		return
	}
	now := time.Now()
	summary := r.store.Summary(now)
	summary.Alerts = r.alerts.EvaluateFleet(r.store.Details(now))
	if summary.Alerts == nil {
		summary.Alerts = []models.Alert{}
	}
	writeJSON(w, summary)
}

func (r *Router) handleSpeedtestRecent20(w http.ResponseWriter, req *http.Request) {
	resp, err := r.speedtests.Recent20()
	if err != nil {
		writeFleetError(w, err)
		return
	}
	writeJSON(w, resp)
}

func (r *Router) handleSpeedtestSummary(w http.ResponseWriter, req *http.Request) {
	buckets, err := r.speedtests.Summary(queryHours(req, 24))
	if err != nil {
		writeFleetError(w, err)
		return
	}
	writeJSON(w, buckets)
}

func (r *Router) handleSpeedtestComparison(w http.ResponseWriter, req *http.Request) {
	comparisons, err := r.speedtests.Comparisons(queryHours(req, 24))
	if err != nil {
		writeFleetError(w, err)
		return
	}
	writeJSON(w, comparisons)
}

func (r *Router) handleSpeedtestAnomalies(w http.ResponseWriter, req *http.Request) {
	machineID := req.URL.Query().Get("machine_id")
	if machineID == "" {
		writeError(w, http.StatusBadRequest, "ingest_rejected", "machine_id is required")
		return
	}
	anomalies, err := r.speedtests.Anomalies(machineID)
	if err != nil {
		writeFleetError(w, err)
		return
	}
	writeJSON(w, anomalies)
}

// ServerResources is the server's self-diagnostics surface.
type ServerResources struct {
	UptimeSeconds     int64   `json:"uptime_seconds"`
	TotalMachines     int     `json:"total_machines"`
	DatabaseSizeBytes int64   `json:"database_size_bytes"`
	Goroutines        int     `json:"goroutines"`
	HostCPUPercent    float64 `json:"host_cpu_percent"`
	HostMemoryPercent float64 `json:"host_memory_percent"`
	CertExpiresInDays *int    `json:"cert_expires_in_days,omitempty"`
	EncryptionEnabled bool    `json:"encryption_enabled"`
	StrictEncryption  bool    `json:"strict_encryption"`
}

func (r *Router) handleServerResources(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET required")
		return
	}

	resources := ServerResources{
		UptimeSeconds:     int64(time.Since(r.started).Seconds()),
		TotalMachines:     len(r.store.ListMachines(time.Now())),
		Goroutines:        runtime.NumGoroutine(),
		EncryptionEnabled: r.cipher != nil,
		StrictEncryption:  r.cfg.Server.StrictEncryption,
	}

	if info, err := os.Stat(r.cfg.SQLitePath()); err == nil {
		resources.DatabaseSizeBytes = info.Size()
	}
	if percents, err := cpu.PercentWithContext(req.Context(), 0, false); err == nil && len(percents) > 0 {
		resources.HostCPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(req.Context()); err == nil {
		resources.HostMemoryPercent = vm.UsedPercent
	}
	if r.certs != nil {
		days := r.certs.ExpiresInDays()
		resources.CertExpiresInDays = &days
	}

	writeJSON(w, resources)
}

// handleHealth is the unauthenticated liveness probe.
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, map[string]any{
		"status":         "healthy",
		"uptime_seconds": int64(time.Since(r.started).Seconds()),
	})
}

func queryHours(req *http.Request, fallback int) int {
	raw := req.URL.Query().Get("hours")
	if raw == "" {
		return fallback
	}
	hours, err := strconv.Atoi(raw)
	if err != nil || hours <= 0 || hours > 24*90 {
		return fallback
	}
	return hours
}
