package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/atlasfleet/atlas/internal/alerts"
	"github.com/atlasfleet/atlas/internal/auth"
	"github.com/atlasfleet/atlas/internal/config"
	"github.com/atlasfleet/atlas/internal/crypto"
	"github.com/atlasfleet/atlas/internal/models"
	"github.com/atlasfleet/atlas/internal/speedtest"
	"github.com/atlasfleet/atlas/internal/store"
	"github.com/atlasfleet/atlas/internal/telemetry"
)

const (
	testAPIKey   = "test-agent-key"
	testUser     = "admin"
	testPassword = "Sup3r-Secret-Pass!"
	// base64 of a fixed 32-byte key.
	testKeyB64 = "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY="
)

type testEnv struct {
	router *Router
	server *httptest.Server
	store  *store.Store
	db     *store.DB
	cfg    *config.ServerConfig
}

func newTestEnv(t *testing.T, mutate func(*config.ServerConfig)) *testEnv {
	t.Helper()

	dir := t.TempDir()
	cfg := &config.ServerConfig{
		Server: config.ServerSection{
			APIKey:               testAPIKey,
			HistorySize:          100,
			HistoryRetentionDays: 30,
			SessionTTLSeconds:    3600,
			AgentIntervalSeconds: 10,
			MaxBodyBytes:         config.DefaultMaxBodyBytes,
			DataDir:              dir,
		},
		Alerts: config.DefaultAlertThresholds(),
	}
	if mutate != nil {
		mutate(cfg)
	}

	db, err := store.OpenDB(cfg.SQLitePath())
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	st, err := store.New(store.Config{
		HistorySize:   cfg.Server.HistorySize,
		RetentionDays: cfg.Server.HistoryRetentionDays,
		AgentInterval: cfg.AgentInterval(),
	}, db, zerolog.Nop())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}

	users := auth.NewUserStore(db.Handle())
	if err := users.CreateUser(testUser, testPassword); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	router, err := NewRouter(Deps{
		Config:     cfg,
		Store:      st,
		Users:      users,
		Sessions:   auth.NewSessionManager(db.Handle(), cfg.SessionTTL()),
		Throttle:   auth.NewLoginThrottle(),
		Speedtests: speedtest.NewService(db),
		Alerts:     alerts.NewEvaluator(cfg.Alerts),
		Metrics:    telemetry.New(),
	})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}

	srv := httptest.NewServer(router.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{router: router, server: srv, store: st, db: db, cfg: cfg}
}

func makeReport(machineID string, cpuPercent float64) *models.Report {
	return &models.Report{
		MachineID: machineID,
		Timestamp: time.Now().UTC(),
		MachineInfo: &models.MachineInfo{
			Hostname: machineID + ".local",
			OS:       "darwin",
		},
		Metrics: &models.MetricReport{
			CPU:    models.CPUMetrics{Percent: cpuPercent},
			Memory: models.MemoryMetrics{Percent: 40},
			Disk:   models.DiskMetrics{Percent: 55},
		},
	}
}

func postReport(t *testing.T, env *testEnv, body []byte, apiKey string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/api/fleet/report", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post report: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func ingestReport(t *testing.T, env *testEnv, report *models.Report) models.ReportResponse {
	t.Helper()
	body, err := json.Marshal(report)
	if err != nil {
		t.Fatalf("marshal report: %v", err)
	}
	resp := postReport(t, env, body, testAPIKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("report status = %d", resp.StatusCode)
	}
	var out models.ReportResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func login(t *testing.T, env *testEnv, password string) (*http.Response, *http.Cookie) {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"username": testUser, "password": password})
	resp, err := http.Post(env.server.URL+"/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookie {
			return resp, c
		}
	}
	return resp, nil
}

func sessionGet(t *testing.T, env *testEnv, cookie *http.Cookie, path string, out any) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, env.server.URL+path, nil)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp
}

func TestReportIngestionHappyPath(t *testing.T) {
	env := newTestEnv(t, nil)

	out := ingestReport(t, env, makeReport("mac-01", 25))
	if !out.OK || out.Warning != "" || len(out.Commands) != 0 {
		t.Errorf("response = %+v, want ok with empty commands", out)
	}

	_, cookie := login(t, env, testPassword)
	var machines []models.MachineSummary
	resp := sessionGet(t, env, cookie, "/api/fleet/machines", &machines)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("machines status = %d", resp.StatusCode)
	}
	if len(machines) != 1 || machines[0].MachineID != "mac-01" || machines[0].Status != models.StatusOnline {
		t.Errorf("machines = %+v", machines)
	}
}

func TestReportRequiresAPIKey(t *testing.T) {
	env := newTestEnv(t, nil)
	body, _ := json.Marshal(makeReport("mac-01", 10))

	if resp := postReport(t, env, body, ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("missing key status = %d, want 401", resp.StatusCode)
	}
	if resp := postReport(t, env, body, "wrong-key"); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong key status = %d, want 401", resp.StatusCode)
	}
}

func TestReportRejectsMissingFields(t *testing.T) {
	env := newTestEnv(t, nil)

	body, _ := json.Marshal(map[string]any{"timestamp": time.Now()})
	if resp := postReport(t, env, body, testAPIKey); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing machine_id status = %d, want 400", resp.StatusCode)
	}

	if resp := postReport(t, env, []byte("{not json"), testAPIKey); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed JSON status = %d, want 400", resp.StatusCode)
	}
}

func TestReportOversizeBody(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.ServerConfig) {
		cfg.Server.MaxBodyBytes = 512
	})

	report := makeReport("mac-01", 10)
	report.MachineInfo.GPU = strings.Repeat("x", 2048)
	body, _ := json.Marshal(report)

	if resp := postReport(t, env, body, testAPIKey); resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("oversize status = %d, want 413", resp.StatusCode)
	}
}

func TestEncryptedReportRoundTrip(t *testing.T) {
	key, err := crypto.ParseKey(testKeyB64)
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	env := newTestEnv(t, func(cfg *config.ServerConfig) {
		cfg.EncryptionKeyBytes = key
	})

	cipher, err := crypto.NewCipher(key)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	plaintext, _ := json.Marshal(makeReport("mac-02", 35))
	sealed, err := cipher.Seal(plaintext, "mac-02")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	body, _ := json.Marshal(sealed)

	resp := postReport(t, env, body, testAPIKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("encrypted report status = %d", resp.StatusCode)
	}
	var out models.ReportResponse
	json.NewDecoder(resp.Body).Decode(&out)
	if !out.OK || out.Warning != "" {
		t.Errorf("response = %+v", out)
	}
}

func TestTamperedEnvelopeRejected(t *testing.T) {
	key, _ := crypto.ParseKey(testKeyB64)
	env := newTestEnv(t, func(cfg *config.ServerConfig) {
		cfg.EncryptionKeyBytes = key
	})

	cipher, _ := crypto.NewCipher(key)
	plaintext, _ := json.Marshal(makeReport("mac-02", 35))
	sealed, _ := cipher.Seal(plaintext, "mac-02")
	// Claiming a different machine breaks the associated data binding.
	sealed.MachineID = "mac-99"
	body, _ := json.Marshal(sealed)

	resp := postReport(t, env, body, testAPIKey)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("tampered status = %d, want 400", resp.StatusCode)
	}
	var apiErr APIError
	json.NewDecoder(resp.Body).Decode(&apiErr)
	if apiErr.Code != "decrypt_failed" {
		t.Errorf("code = %q, want decrypt_failed", apiErr.Code)
	}
}

func TestPlaintextToKeyedServer(t *testing.T) {
	key, _ := crypto.ParseKey(testKeyB64)

	t.Run("permissive warns", func(t *testing.T) {
		env := newTestEnv(t, func(cfg *config.ServerConfig) {
			cfg.EncryptionKeyBytes = key
		})
		out := ingestReport(t, env, makeReport("mac-03", 10))
		if out.Warning == "" {
			t.Error("expected plaintext warning")
		}
	})

	t.Run("strict rejects", func(t *testing.T) {
		env := newTestEnv(t, func(cfg *config.ServerConfig) {
			cfg.EncryptionKeyBytes = key
			cfg.Server.StrictEncryption = true
		})
		body, _ := json.Marshal(makeReport("mac-03", 10))
		if resp := postReport(t, env, body, testAPIKey); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("strict plaintext status = %d, want 400", resp.StatusCode)
		}
	})
}

func TestLoginThrottleLockout(t *testing.T) {
	env := newTestEnv(t, nil)

	// The fifth failure still reports 401 and trips the lock; the sixth
	// is refused before credentials are even read.
	for i := 1; i <= 5; i++ {
		resp, _ := login(t, env, "Wrong-Password-1!")
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("failure %d status = %d, want 401", i, resp.StatusCode)
		}
	}
	resp, _ := login(t, env, "Wrong-Password-1!")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("sixth attempt status = %d, want 429", resp.StatusCode)
	}

	// Correct credentials do not bypass the lock.
	resp, _ = login(t, env, testPassword)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("locked correct-password status = %d, want 429", resp.StatusCode)
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)

	if resp := sessionGet(t, env, nil, "/api/fleet/machines", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	resp, cookie := login(t, env, testPassword)
	if resp.StatusCode != http.StatusOK || cookie == nil {
		t.Fatalf("login status = %d, cookie = %v", resp.StatusCode, cookie)
	}
	if !cookie.HttpOnly || cookie.Path != "/" || cookie.SameSite != http.SameSiteStrictMode {
		t.Errorf("cookie attributes = %+v", cookie)
	}

	if resp := sessionGet(t, env, cookie, "/api/fleet/machines", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("authenticated status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, env.server.URL+"/logout", nil)
	req.AddCookie(cookie)
	logoutResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("logout: %v", err)
	}
	logoutResp.Body.Close()

	if resp := sessionGet(t, env, cookie, "/api/fleet/machines", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("post-logout status = %d, want 401", resp.StatusCode)
	}
}

func TestCommandRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)
	ingestReport(t, env, makeReport("mac-01", 20))

	_, cookie := login(t, env, testPassword)
	body, _ := json.Marshal(map[string]any{"type": "speedtest_now"})
	req, _ := http.NewRequest(http.MethodPost, env.server.URL+"/api/fleet/machines/mac-01/commands", bytes.NewReader(body))
	req.AddCookie(cookie)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("enqueue status = %d", resp.StatusCode)
	}
	var enqueue map[string]string
	json.NewDecoder(resp.Body).Decode(&enqueue)
	commandID := enqueue["command_id"]
	if commandID == "" {
		t.Fatal("no command_id returned")
	}

	// The next report delivers the pending command.
	out := ingestReport(t, env, makeReport("mac-01", 20))
	if len(out.Commands) != 1 || out.Commands[0].CommandID != commandID {
		t.Fatalf("commands = %+v, want the enqueued command", out.Commands)
	}
	if out.Commands[0].Type != models.CommandSpeedtestNow {
		t.Errorf("type = %q", out.Commands[0].Type)
	}

	// The agent posts the result, output as a structured value; the
	// command leaves the queue.
	resultBody, _ := json.Marshal(map[string]any{
		"machine_id": "mac-01",
		"status":     "ok",
		"output":     map[string]float64{"download": 245.5, "upload": 32.1, "ping": 12},
	})
	resultReq, _ := http.NewRequest(http.MethodPost,
		fmt.Sprintf("%s/api/fleet/commands/%s/result", env.server.URL, commandID),
		bytes.NewReader(resultBody))
	resultReq.Header.Set("X-API-Key", testAPIKey)
	resultResp, err := http.DefaultClient.Do(resultReq)
	if err != nil {
		t.Fatalf("post result: %v", err)
	}
	resultResp.Body.Close()
	if resultResp.StatusCode != http.StatusOK {
		t.Fatalf("result status = %d", resultResp.StatusCode)
	}

	if n := env.store.PendingCommands("mac-01"); n != 0 {
		t.Errorf("pending commands = %d, want 0", n)
	}

	var stored string
	if err := env.db.Handle().QueryRow(`SELECT result FROM commands WHERE command_id = ?`, commandID).Scan(&stored); err != nil {
		t.Fatalf("read stored result: %v", err)
	}
	var saved models.CommandResult
	if err := json.Unmarshal([]byte(stored), &saved); err != nil {
		t.Fatalf("decode stored result: %v", err)
	}
	if saved.Status != "ok" || !strings.Contains(saved.Output, `"download":245.5`) {
		t.Errorf("stored result = %+v", saved)
	}
}

func TestFleetSummaryMath(t *testing.T) {
	env := newTestEnv(t, nil)
	ingestReport(t, env, makeReport("m1", 30))
	ingestReport(t, env, makeReport("m2", 60))
	ingestReport(t, env, makeReport("m3", 90))

	_, cookie := login(t, env, testPassword)
	var summary models.FleetSummary
	resp := sessionGet(t, env, cookie, "/api/fleet/summary", &summary)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("summary status = %d", resp.StatusCode)
	}

	if summary.TotalMachines != 3 || summary.Online != 3 {
		t.Errorf("counts = %+v", summary)
	}
	if summary.AvgCPU < 59.9 || summary.AvgCPU > 60.1 {
		t.Errorf("avg_cpu = %v, want ~60.0", summary.AvgCPU)
	}

	var found bool
	for _, a := range summary.Alerts {
		if a.MachineID == "m3" && a.Kind == models.AlertCPUHigh && a.Observed == 90 {
			found = true
		}
	}
	if !found {
		t.Errorf("alerts = %+v, want cpu_high for m3", summary.Alerts)
	}
}

func TestMachineDetailAndHistory(t *testing.T) {
	env := newTestEnv(t, nil)
	ingestReport(t, env, makeReport("mac-01", 42))
	_, cookie := login(t, env, testPassword)

	var detail store.MachineDetail
	if resp := sessionGet(t, env, cookie, "/api/fleet/machines/mac-01", &detail); resp.StatusCode != http.StatusOK {
		t.Fatalf("detail status = %d", resp.StatusCode)
	}
	if detail.LatestMetrics == nil || detail.LatestMetrics.CPU.Percent != 42 {
		t.Errorf("detail = %+v", detail)
	}

	var points []store.HistoryPoint
	if resp := sessionGet(t, env, cookie, "/api/fleet/machines/mac-01/history?hours=1", &points); resp.StatusCode != http.StatusOK {
		t.Fatalf("history status = %d", resp.StatusCode)
	}
	if len(points) != 1 {
		t.Errorf("history points = %d, want 1", len(points))
	}

	if resp := sessionGet(t, env, cookie, "/api/fleet/machines/nope", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown machine status = %d, want 404", resp.StatusCode)
	}
}

func TestSpeedtestSurfacedViaReport(t *testing.T) {
	env := newTestEnv(t, nil)
	report := makeReport("mac-01", 10)
	report.Speedtest = &models.SpeedTestResult{
		Timestamp:    time.Now().UTC(),
		DownloadMbps: 245.5,
		UploadMbps:   32.1,
		PingMs:       12,
	}
	ingestReport(t, env, report)

	_, cookie := login(t, env, testPassword)
	var recent speedtest.Recent20Response
	if resp := sessionGet(t, env, cookie, "/api/fleet/speedtest/recent20", &recent); resp.StatusCode != http.StatusOK {
		t.Fatalf("recent20 status = %d", resp.StatusCode)
	}
	if len(recent.Machines) != 1 || recent.Machines[0].DownloadMbps != 245.5 {
		t.Errorf("recent20 = %+v", recent)
	}

	if resp := sessionGet(t, env, cookie, "/api/fleet/speedtest/anomalies", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("anomalies without machine_id status = %d, want 400", resp.StatusCode)
	}
}

func TestServerResources(t *testing.T) {
	env := newTestEnv(t, nil)
	ingestReport(t, env, makeReport("mac-01", 10))

	_, cookie := login(t, env, testPassword)
	var resources ServerResources
	if resp := sessionGet(t, env, cookie, "/api/fleet/server-resources", &resources); resp.StatusCode != http.StatusOK {
		t.Fatalf("server-resources status = %d", resp.StatusCode)
	}
	if resources.TotalMachines != 1 || resources.EncryptionEnabled {
		t.Errorf("resources = %+v", resources)
	}
	if resources.DatabaseSizeBytes == 0 {
		t.Error("database size not reported")
	}
}

func TestSecurityHeadersAndHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Frame-Options") != "DENY" ||
		resp.Header.Get("X-Content-Type-Options") != "nosniff" ||
		resp.Header.Get("Content-Security-Policy") != "default-src 'self'" {
		t.Errorf("security headers missing: %+v", resp.Header)
	}
	if resp.Header.Get("Strict-Transport-Security") != "" {
		t.Error("HSTS set without TLS")
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("request ID missing")
	}
}

