package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/atlasfleet/atlas/internal/crypto"
	fleeterrors "github.com/atlasfleet/atlas/internal/errors"
	"github.com/atlasfleet/atlas/internal/models"
	"github.com/atlasfleet/atlas/internal/store"
)

// plaintextWarning is returned to agents posting unencrypted reports to
// a keyed server running in permissive mode.
const plaintextWarning = "report accepted unencrypted; this server expects encrypted payloads"

// handleReport is the ingestion path for agent reports.
func (r *Router) handleReport(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}

	req.Body = http.MaxBytesReader(w, req.Body, r.cfg.Server.MaxBodyBytes)
	body, err := io.ReadAll(req.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			r.rejectReport(w, http.StatusRequestEntityTooLarge, "payload_too_large", "report exceeds the configured size limit")
			return
		}
		r.rejectReport(w, http.StatusBadRequest, "ingest_rejected", "unreadable request body")
		return
	}

	// The envelope flag decides the decode path before anything else
	// is trusted.
	var probe struct {
		Encrypted bool `json:"encrypted"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		r.rejectReport(w, http.StatusBadRequest, "ingest_rejected", "malformed JSON")
		return
	}

	var warning string
	if probe.Encrypted {
		body, err = r.openEnvelope(body)
		if err != nil {
			if r.metrics != nil {
				r.metrics.DecryptFailed()
				r.metrics.ReportRejected()
			}
			writeFleetError(w, err)
			return
		}
	} else if r.cipher != nil {
		if r.cfg.Server.StrictEncryption {
			r.rejectReport(w, http.StatusBadRequest, "ingest_rejected", "plaintext reports are not accepted")
			return
		}
		warning = plaintextWarning
	}

	var report models.Report
	if err := json.Unmarshal(body, &report); err != nil {
		r.rejectReport(w, http.StatusBadRequest, "ingest_rejected", "malformed report body")
		return
	}

	commands, err := r.store.Ingest(&report)
	if err != nil {
		if r.metrics != nil {
			r.metrics.ReportRejected()
		}
		writeFleetError(w, err)
		return
	}
	if commands == nil {
		commands = []models.Command{}
	}

	if r.metrics != nil {
		r.metrics.ReportAccepted()
	}
	r.publishFleetState()

	writeJSON(w, models.ReportResponse{OK: true, Warning: warning, Commands: commands})
}

func (r *Router) openEnvelope(body []byte) ([]byte, error) {
	if r.cipher == nil {
		return nil, fleeterrors.Newf(fleeterrors.KindDecryptFailed, "open_envelope", "server has no encryption key configured")
	}
	var env crypto.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fleeterrors.Newf(fleeterrors.KindDecryptFailed, "open_envelope", "malformed envelope")
	}
	return r.cipher.Open(&env)
}

func (r *Router) rejectReport(w http.ResponseWriter, status int, code, message string) {
	if r.metrics != nil {
		r.metrics.ReportRejected()
	}
	writeError(w, status, code, message)
}

// publishFleetState pushes the fresh summary to dashboard clients and
// refreshes the machine gauges.
func (r *Router) publishFleetState() {
	summary := r.store.Summary(time.Now())
	if r.metrics != nil {
		r.metrics.SetMachineCounts(summary.Online, summary.Warning, summary.Offline)
	}
	if r.hub != nil {
		r.hub.BroadcastFleet(summary)
	}
}

// handleCommandResult records an agent's acknowledgement posted to
// /api/fleet/commands/{id}/result.
func (r *Router) handleCommandResult(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}

	rest := strings.TrimPrefix(req.URL.Path, "/api/fleet/commands/")
	commandID, tail, ok := strings.Cut(rest, "/")
	if !ok || tail != "result" || commandID == "" {
		writeError(w, http.StatusNotFound, "not_found", "unknown command route")
		return
	}

	// Output may be plain text or a structured value, e.g. the
	// speedtest figures posted as an object.
	var payload struct {
		MachineID string          `json:"machine_id"`
		Status    string          `json:"status"`
		Output    json.RawMessage `json:"output,omitempty"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "ingest_rejected", "malformed result body")
		return
	}
	if payload.MachineID == "" || payload.Status == "" {
		writeError(w, http.StatusBadRequest, "ingest_rejected", "machine_id and status are required")
		return
	}

	result := &models.CommandResult{
		CommandID: commandID,
		Status:    payload.Status,
		Output:    models.DecodeCommandOutput(payload.Output),
	}
	if err := r.store.CompleteCommand(payload.MachineID, result); err != nil {
		if errors.Is(err, store.ErrUnknownMachine) {
			writeError(w, http.StatusNotFound, "not_found", "unknown machine")
			return
		}
		writeFleetError(w, err)
		return
	}

	log.Debug().Str("command_id", commandID).Str("machine_id", payload.MachineID).Str("status", payload.Status).Msg("Command result recorded")
	writeJSON(w, map[string]bool{"ok": true})
}
