package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	fleeterrors "github.com/atlasfleet/atlas/internal/errors"
	"github.com/atlasfleet/atlas/internal/models"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "fleet.db"))
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := New(Config{HistorySize: 5, RetentionDays: 30, AgentInterval: 10 * time.Second}, db, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func testReport(machineID string, cpu float64) *models.Report {
	return &models.Report{
		MachineID: machineID,
		Timestamp: time.Now().UTC(),
		Metrics: &models.MetricReport{
			CPU:    models.CPUMetrics{Percent: cpu},
			Memory: models.MemoryMetrics{Percent: 50},
			Disk:   models.DiskMetrics{Percent: 40},
		},
	}
}

func TestIngestRegistersUnknownMachine(t *testing.T) {
	s := testStore(t)

	report := testReport("mac-01", 30)
	report.MachineInfo = &models.MachineInfo{Hostname: "mac-01", OS: "darwin"}
	if _, err := s.Ingest(report); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	detail, err := s.GetMachine("mac-01", time.Now())
	if err != nil {
		t.Fatalf("GetMachine: %v", err)
	}
	if detail.Machine.FirstSeen.IsZero() || detail.Machine.Info.Hostname != "mac-01" {
		t.Errorf("machine = %+v", detail.Machine)
	}
	if detail.Machine.Status != models.StatusOnline {
		t.Errorf("status = %s just after ingest", detail.Machine.Status)
	}
	if detail.LatestMetrics == nil || detail.LatestMetrics.CPU.Percent != 30 {
		t.Errorf("latest metrics = %+v", detail.LatestMetrics)
	}
}

func TestIngestRejectsMissingRequiredFields(t *testing.T) {
	s := testStore(t)

	_, err := s.Ingest(&models.Report{Timestamp: time.Now()})
	if fleeterrors.KindOf(err) != fleeterrors.KindIngestRejected {
		t.Errorf("missing machine_id: kind = %v", fleeterrors.KindOf(err))
	}
	_, err = s.Ingest(&models.Report{MachineID: "mac-01"})
	if fleeterrors.KindOf(err) != fleeterrors.KindIngestRejected {
		t.Errorf("missing timestamp: kind = %v", fleeterrors.KindOf(err))
	}
}

func TestLastSeenIsMonotonic(t *testing.T) {
	s := testStore(t)

	if _, err := s.Ingest(testReport("mac-01", 10)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	first, _ := s.GetMachine("mac-01", time.Now())

	// A report claiming an old timestamp must not move last_seen back.
	stale := testReport("mac-01", 20)
	stale.Timestamp = time.Now().Add(-time.Hour)
	if _, err := s.Ingest(stale); err != nil {
		t.Fatalf("Ingest stale: %v", err)
	}

	second, _ := s.GetMachine("mac-01", time.Now())
	if second.Machine.LastSeen.Before(first.Machine.LastSeen) {
		t.Errorf("last_seen went backwards: %v -> %v", first.Machine.LastSeen, second.Machine.LastSeen)
	}
}

func TestHistoryRingEvictsOldest(t *testing.T) {
	r := newHistoryRing(3)
	base := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		r.push(HistoryPoint{Timestamp: base.Add(time.Duration(i) * time.Second)})
	}
	if r.len() != 3 {
		t.Fatalf("len = %d, want 3", r.len())
	}
	oldest, _ := r.oldest()
	if !oldest.Equal(base.Add(2 * time.Second)) {
		t.Errorf("oldest = %v, want %v", oldest, base.Add(2*time.Second))
	}
	points := r.since(base)
	if len(points) != 3 || !points[2].Timestamp.Equal(base.Add(4*time.Second)) {
		t.Errorf("since = %v", points)
	}
}

func TestHistoryFallsBackToSQLiteBeyondRing(t *testing.T) {
	s := testStore(t)

	// Ring capacity is 5; ingest 8 so the oldest three live only in SQLite.
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 8; i++ {
		report := testReport("mac-01", float64(i))
		report.Timestamp = base.Add(time.Duration(i) * time.Minute)
		if _, err := s.Ingest(report); err != nil {
			t.Fatalf("Ingest %d: %v", i, err)
		}
	}

	points, err := s.History("mac-01", base)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(points) != 8 {
		t.Fatalf("got %d points, want all 8 from sqlite", len(points))
	}

	// A window the ring covers is served from memory.
	points, err = s.History("mac-01", base.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(points) != 3 {
		t.Errorf("got %d recent points, want 3", len(points))
	}
}

func TestCommandRoundTrip(t *testing.T) {
	s := testStore(t)
	if _, err := s.Ingest(testReport("mac-01", 10)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	cid, err := s.EnqueueCommand("mac-01", models.CommandSpeedtestNow, nil)
	if err != nil {
		t.Fatalf("EnqueueCommand: %v", err)
	}

	commands, err := s.Ingest(testReport("mac-01", 11))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(commands) != 1 || commands[0].CommandID != cid {
		t.Fatalf("delivered = %+v", commands)
	}
	if commands[0].Status != models.CommandDelivered || commands[0].DeliveredAt == nil {
		t.Errorf("command not stamped delivered: %+v", commands[0])
	}

	// Unacked commands are redelivered on the next report.
	commands, _ = s.Ingest(testReport("mac-01", 12))
	if len(commands) != 1 {
		t.Fatalf("redelivery count = %d, want 1", len(commands))
	}

	// The result in the following report closes the loop.
	ack := testReport("mac-01", 13)
	ack.CommandResults = []models.CommandResult{{CommandID: cid, Status: "ok", Output: `{"download":245.5}`}}
	commands, err = s.Ingest(ack)
	if err != nil {
		t.Fatalf("Ingest ack: %v", err)
	}
	if len(commands) != 0 {
		t.Errorf("done command still delivered: %+v", commands)
	}
	if n := s.PendingCommands("mac-01"); n != 0 {
		t.Errorf("pending = %d after completion", n)
	}
}

func TestCompletedCommandKeepsFirstResult(t *testing.T) {
	s := testStore(t)
	if _, err := s.Ingest(testReport("mac-01", 10)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	cid, err := s.EnqueueCommand("mac-01", models.CommandSpeedtestNow, nil)
	if err != nil {
		t.Fatalf("EnqueueCommand: %v", err)
	}
	if _, err := s.Ingest(testReport("mac-01", 11)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	genuine := &models.CommandResult{CommandID: cid, Status: "ok", Output: `{"download":245.5,"upload":32.1,"ping":12}`}
	if err := s.CompleteCommand("mac-01", genuine); err != nil {
		t.Fatalf("CompleteCommand: %v", err)
	}

	// A racing redelivery re-ack lands after the genuine result; the
	// stored result must not change.
	reack := &models.CommandResult{CommandID: cid, Status: "ok", Output: "duplicate delivery ignored"}
	if err := s.CompleteCommand("mac-01", reack); err != nil {
		t.Fatalf("CompleteCommand re-ack: %v", err)
	}

	var status, stored string
	row := s.DB().Handle().QueryRow(`SELECT status, result FROM commands WHERE command_id = ?`, cid)
	if err := row.Scan(&status, &stored); err != nil {
		t.Fatalf("read command row: %v", err)
	}
	if status != string(models.CommandDone) {
		t.Errorf("status = %q, want done", status)
	}
	var got models.CommandResult
	if err := json.Unmarshal([]byte(stored), &got); err != nil {
		t.Fatalf("decode stored result: %v", err)
	}
	if got.Output != genuine.Output {
		t.Errorf("stored output = %q, want the first result kept", got.Output)
	}
}

func TestRestoreToleratesCorruptCommandArgs(t *testing.T) {
	db, err := OpenDB(filepath.Join(t.TempDir(), "fleet.db"))
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	defer db.Close()

	_, err = db.Handle().Exec(`
		INSERT INTO commands (command_id, machine_id, type, args, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		"cmd-1", "mac-01", string(models.CommandCollectDiag), "{not json", string(models.CommandPending), time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("insert corrupt row: %v", err)
	}

	commands, err := db.UndeliveredCommands()
	if err != nil {
		t.Fatalf("UndeliveredCommands: %v", err)
	}
	if len(commands) != 1 || commands[0].CommandID != "cmd-1" {
		t.Fatalf("commands = %+v", commands)
	}
	if commands[0].Args != nil {
		t.Errorf("args = %+v, want none from corrupt payload", commands[0].Args)
	}
}

func TestEnqueueCommandUnknownMachine(t *testing.T) {
	s := testStore(t)
	if _, err := s.EnqueueCommand("ghost", models.CommandQuiesce, nil); !errors.Is(err, ErrUnknownMachine) {
		t.Errorf("err = %v, want ErrUnknownMachine", err)
	}
}

func TestCommandQueueSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleet.db")

	db, err := OpenDB(path)
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	s, err := New(Config{AgentInterval: 10 * time.Second}, db, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.Ingest(testReport("mac-01", 10)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	cid, err := s.EnqueueCommand("mac-01", models.CommandCollectDiag, map[string]string{"scope": "full"})
	if err != nil {
		t.Fatalf("EnqueueCommand: %v", err)
	}
	db.Close()

	db, err = OpenDB(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	s, err = New(Config{AgentInterval: 10 * time.Second}, db, zerolog.Nop())
	if err != nil {
		t.Fatalf("New after restart: %v", err)
	}

	commands, err := s.Ingest(testReport("mac-01", 11))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(commands) != 1 || commands[0].CommandID != cid || commands[0].Args["scope"] != "full" {
		t.Fatalf("restored commands = %+v", commands)
	}
}

func TestBackpressureRejectsNinthInflight(t *testing.T) {
	s := testStore(t)
	if _, err := s.Ingest(testReport("mac-01", 10)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	e, _ := s.entry("mac-01")
	e.mu.Lock()
	e.inflight = maxPendingPerMachine
	e.mu.Unlock()

	_, err := s.Ingest(testReport("mac-01", 11))
	if fleeterrors.KindOf(err) != fleeterrors.KindBackpressure {
		t.Errorf("kind = %v, want backpressure", fleeterrors.KindOf(err))
	}
	if fleeterrors.HTTPStatus(err) != 429 {
		t.Errorf("http status = %d, want 429", fleeterrors.HTTPStatus(err))
	}

	// Other machines are unaffected.
	if _, err := s.Ingest(testReport("mac-02", 5)); err != nil {
		t.Errorf("other machine rejected: %v", err)
	}
}

func TestSummaryAveragesAndCounts(t *testing.T) {
	s := testStore(t)
	for i, cpu := range []float64{30, 60, 90} {
		if _, err := s.Ingest(testReport(fmt.Sprintf("mac-%02d", i), cpu)); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}

	summary := s.Summary(time.Now())
	if summary.TotalMachines != 3 || summary.Online != 3 {
		t.Errorf("counts = %+v", summary)
	}
	if summary.AvgCPU != 60.0 {
		t.Errorf("avg cpu = %v, want 60.0", summary.AvgCPU)
	}

	// Beyond 5x the interval every machine reads offline.
	later := s.Summary(time.Now().Add(10 * time.Minute))
	if later.Offline != 3 || later.Online != 0 {
		t.Errorf("later counts = %+v", later)
	}
}

func TestSpeedtestWriteThrough(t *testing.T) {
	s := testStore(t)

	report := testReport("mac-01", 10)
	report.Speedtest = &models.SpeedTestResult{DownloadMbps: 245.5, UploadMbps: 32.1, PingMs: 12}
	if _, err := s.Ingest(report); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	results, err := s.DB().RecentSpeedtests("mac-01", 20)
	if err != nil {
		t.Fatalf("RecentSpeedtests: %v", err)
	}
	if len(results) != 1 || results[0].DownloadMbps != 245.5 || results[0].MachineID != "mac-01" {
		t.Fatalf("results = %+v", results)
	}
}

func TestPruneHistoryBefore(t *testing.T) {
	s := testStore(t)

	old := testReport("mac-01", 10)
	old.Timestamp = time.Now().UTC().AddDate(0, 0, -40)
	fresh := testReport("mac-01", 20)
	for _, r := range []*models.Report{old, fresh} {
		if _, err := s.Ingest(r); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}

	removed, err := s.DB().PruneHistoryBefore(time.Now().UTC().AddDate(0, 0, -30))
	if err != nil {
		t.Fatalf("PruneHistoryBefore: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	points, err := s.DB().HistorySince("mac-01", time.Time{}.Add(time.Hour), 100)
	if err != nil {
		t.Fatalf("HistorySince: %v", err)
	}
	if len(points) != 1 {
		t.Errorf("remaining = %d, want 1", len(points))
	}
}

func TestMachineRegistrySurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.db")

	db, err := OpenDB(path)
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	s, err := New(Config{AgentInterval: 10 * time.Second}, db, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	report := testReport("mac-01", 10)
	report.MachineInfo = &models.MachineInfo{Hostname: "mac-01", OS: "darwin", CPUCount: 8}
	if _, err := s.Ingest(report); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	db.Close()

	db, err = OpenDB(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	s, err = New(Config{AgentInterval: 10 * time.Second}, db, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	detail, err := s.GetMachine("mac-01", time.Now())
	if err != nil {
		t.Fatalf("GetMachine after restart: %v", err)
	}
	if detail.Machine.Info.CPUCount != 8 {
		t.Errorf("restored info = %+v", detail.Machine.Info)
	}
}
