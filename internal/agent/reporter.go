// Package agent implements the endpoint agent's report loop and
// command execution: it assembles periodic reports from the monitor
// runtime, seals them when an encryption key is configured, ships them
// to the fleet server, and applies the commands the server returns.
package agent

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/atlasfleet/atlas/internal/buffer"
	"github.com/atlasfleet/atlas/internal/crypto"
	"github.com/atlasfleet/atlas/internal/models"
	"github.com/atlasfleet/atlas/internal/monitor"
	"github.com/atlasfleet/atlas/internal/sensors"
)

const (
	requestTimeout = 10 * time.Second
	authPause      = 60 * time.Second
	backoffBase    = 2 * time.Second
	backoffCap     = 60 * time.Second
	jitterFraction = 0.1

	failedReportCap = 256
)

// collectMachineInfo is swapped out by tests.
var collectMachineInfo = sensors.CollectMachineInfo

// Snapshots is the view of the monitor runtime the reporter needs.
// *monitor.Runtime satisfies it.
type Snapshots interface {
	Kinds() []models.MonitorKind
	GetLatest(kind models.MonitorKind) (monitor.Latest, bool)
	Health(kind models.MonitorKind) (monitor.Health, bool)
}

// ReporterConfig controls the report loop.
type ReporterConfig struct {
	ServerURL string
	APIKey    string
	MachineID string
	Interval  time.Duration
	VerifyTLS bool
}

// failedReport is kept for diagnostics only. Reports are never resent;
// a missed tick is a missed sample.
type failedReport struct {
	Timestamp time.Time `json:"timestamp"`
	Status    int       `json:"status,omitempty"`
	Err       string    `json:"error"`
}

// Reporter is the agent's single report worker.
type Reporter struct {
	cfg      ReporterConfig
	logger   zerolog.Logger
	client   *http.Client
	cipher   *crypto.Cipher
	runtime  Snapshots
	executor *Executor
	failed   *buffer.Ring[failedReport]

	info            *models.MachineInfo
	infoFingerprint string
	infoAcked       bool

	backoff time.Duration

	mu            sync.Mutex
	quiescedUntil time.Time
}

// NewReporter builds a reporter. cipher may be nil, in which case
// reports travel as plaintext with "encrypted": false semantics.
func NewReporter(cfg ReporterConfig, cipher *crypto.Cipher, runtime Snapshots, executor *Executor, logger zerolog.Logger) (*Reporter, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server url is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}

	transport := &http.Transport{}
	if !cfg.VerifyTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Reporter{
		cfg:      cfg,
		logger:   logger.With().Str("component", "reporter").Logger(),
		client:   &http.Client{Transport: transport, Timeout: requestTimeout},
		cipher:   cipher,
		runtime:  runtime,
		executor: executor,
		failed:   buffer.NewRing[failedReport](failedReportCap),
	}, nil
}

// Quiesce suppresses non-essential monitor payloads until the deadline.
func (r *Reporter) Quiesce(until time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.quiescedUntil = until
	r.logger.Info().Time("until", until).Msg("Quiescing non-essential monitors")
}

func (r *Reporter) quiesced() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Now().Before(r.quiescedUntil)
}

// Diagnostics summarises the reporter's internal state for collect_diag.
func (r *Reporter) Diagnostics() map[string]any {
	diag := map[string]any{
		"machine_id":     r.cfg.MachineID,
		"interval":       r.cfg.Interval.String(),
		"encrypted":      r.cipher != nil,
		"failed_reports": r.failed.Snapshot(),
		"quiesced":       r.quiesced(),
	}
	monitors := map[string]any{}
	for _, kind := range r.runtime.Kinds() {
		health, _ := r.runtime.Health(kind)
		entry := map[string]any{
			"failures": health.Failures,
			"degraded": health.Degraded,
		}
		if latest, ok := r.runtime.GetLatest(kind); ok {
			entry["last_sample"] = latest.Timestamp
			entry["stale"] = latest.Stale
		}
		monitors[string(kind)] = entry
	}
	diag["monitors"] = monitors
	return diag
}

// Run executes the report loop until ctx is cancelled. The first report
// goes out immediately so the server learns about the machine at boot;
// every later tick is jittered around the configured interval.
func (r *Reporter) Run(ctx context.Context) error {
	delay := time.Duration(0)
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		delay = r.tick(ctx)
		timer.Reset(delay)
	}
}

// tick sends one report and returns the delay until the next attempt:
// the jittered interval on success, the backoff or auth pause otherwise.
func (r *Reporter) tick(ctx context.Context) time.Duration {
	report := r.assemble(ctx)

	status, err := r.send(ctx, report)
	if err == nil && status == http.StatusRequestEntityTooLarge {
		// Shed the heavy inventories and retry once this tick.
		report.Monitors = shedHeavyMonitors(report.Monitors)
		r.logger.Warn().Msg("Report too large, retrying without inventory payloads")
		status, err = r.send(ctx, report)
	}

	switch {
	case err == nil && status < 300:
		return r.jitteredInterval()

	case err == nil && (status == http.StatusUnauthorized || status == http.StatusForbidden):
		r.logger.Error().Int("status", status).Msg("Server rejected credentials, pausing")
		r.recordFailure(status, fmt.Errorf("authentication rejected"))
		return authPause

	default:
		if ctx.Err() != nil {
			return r.jitteredInterval()
		}
		r.recordFailure(status, err)
		return r.nextBackoff(status, err)
	}
}

func (r *Reporter) recordFailure(status int, err error) {
	msg := "request failed"
	if err != nil {
		msg = err.Error()
	}
	r.failed.Push(failedReport{Timestamp: time.Now().UTC(), Status: status, Err: msg})
}

func (r *Reporter) nextBackoff(status int, err error) time.Duration {
	if r.backoff <= 0 {
		r.backoff = backoffBase
	} else {
		r.backoff *= 2
		if r.backoff > backoffCap {
			r.backoff = backoffCap
		}
	}
	event := r.logger.Warn().Dur("backoff", r.backoff)
	if status != 0 {
		event = event.Int("status", status)
	}
	event.Err(err).Msg("Report failed, backing off")
	return r.backoff
}

func (r *Reporter) jitteredInterval() time.Duration {
	r.backoff = 0
	spread := 1 - jitterFraction + 2*jitterFraction*rand.Float64()
	return time.Duration(float64(r.cfg.Interval) * spread)
}

// assemble builds one report from the latest monitor snapshots.
// Degraded monitors are omitted; their absence is the signal.
func (r *Reporter) assemble(ctx context.Context) *models.Report {
	report := &models.Report{
		MachineID: r.cfg.MachineID,
		Timestamp: time.Now().UTC(),
	}

	r.refreshMachineInfo(ctx)
	if !r.infoAcked && r.info != nil {
		report.MachineInfo = r.info
	}

	if latest, ok := r.runtime.GetLatest(models.MonitorSystem); ok && !r.degraded(models.MonitorSystem) {
		if metrics, isMetrics := latest.Snapshot.(*models.MetricReport); isMetrics {
			report.Metrics = metrics
		}
	}

	quiesced := r.quiesced()
	set := &models.MonitorSet{}
	for _, kind := range r.runtime.Kinds() {
		if kind == models.MonitorSystem || r.degraded(kind) {
			continue
		}
		if quiesced && !essentialMonitor(kind) {
			continue
		}
		if latest, ok := r.runtime.GetLatest(kind); ok {
			set.Attach(latest.Snapshot)
		}
	}
	if !set.Empty() {
		report.Monitors = set
	}

	if r.executor != nil {
		report.Speedtest = r.executor.TakeSpeedtest()
		report.CommandResults = r.executor.DrainResults()
	}
	return report
}

func (r *Reporter) degraded(kind models.MonitorKind) bool {
	health, ok := r.runtime.Health(kind)
	return ok && health.Degraded
}

// essentialMonitor reports which snapshots survive a quiesce window.
func essentialMonitor(kind models.MonitorKind) bool {
	switch kind {
	case models.MonitorSecurity, models.MonitorPower:
		return true
	}
	return false
}

// shedHeavyMonitors drops the payloads that dominate report size.
func shedHeavyMonitors(set *models.MonitorSet) *models.MonitorSet {
	if set == nil {
		return nil
	}
	trimmed := *set
	trimmed.SoftwareInventory = nil
	trimmed.Display = nil
	trimmed.Peripheral = nil
	if trimmed.Empty() {
		return nil
	}
	return &trimmed
}

// refreshMachineInfo collects machine info on the first tick and again
// whenever the hardware fingerprint changes.
func (r *Reporter) refreshMachineInfo(ctx context.Context) {
	infoCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	info, err := collectMachineInfo(infoCtx)
	if err != nil {
		if r.info == nil {
			r.logger.Warn().Err(err).Msg("Machine info unavailable")
		}
		return
	}

	raw, err := json.Marshal(info)
	if err != nil {
		return
	}
	sum := sha256.Sum256(raw)
	fingerprint := hex.EncodeToString(sum[:8])

	if fingerprint != r.infoFingerprint {
		r.info = info
		r.infoFingerprint = fingerprint
		r.infoAcked = false
	}
	if r.cfg.MachineID == "" {
		r.cfg.MachineID = info.Hostname
	}
}

// send posts one report and processes the response. It returns the HTTP
// status when a response arrived, and an error for transport failures.
func (r *Reporter) send(ctx context.Context, report *models.Report) (int, error) {
	body, err := r.encode(report)
	if err != nil {
		return 0, fmt.Errorf("encode report: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, r.cfg.ServerURL+"/api/fleet/report", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", r.cfg.APIKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("send report: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, nil
	}

	var parsed models.ReportResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil && !errors.Is(err, io.EOF) {
		r.logger.Warn().Err(err).Msg("Unparseable report response")
		return resp.StatusCode, nil
	}

	// The server has the machine info now; stop resending it.
	if report.MachineInfo != nil {
		r.infoAcked = true
	}
	if parsed.Warning != "" {
		r.logger.Warn().Str("warning", parsed.Warning).Msg("Server warning")
	}
	if len(parsed.Commands) > 0 && r.executor != nil {
		r.executor.Dispatch(parsed.Commands)
	}

	r.logger.Debug().Int("status", resp.StatusCode).Int("commands", len(parsed.Commands)).Msg("Report accepted")
	return resp.StatusCode, nil
}

// encode seals the report when a key is configured, otherwise marks the
// body as plaintext.
func (r *Reporter) encode(report *models.Report) ([]byte, error) {
	plaintext, err := json.Marshal(report)
	if err != nil {
		return nil, err
	}
	if r.cipher == nil {
		return plaintext, nil
	}
	envelope, err := r.cipher.Seal(plaintext, report.MachineID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope)
}
