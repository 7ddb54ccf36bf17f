// Package store is the fleet server's data layer: an in-memory machine
// registry backed write-through by SQLite. Memory serves every read;
// SQLite carries history, speed tests, commands, and auth tables across
// restarts.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	fleeterrors "github.com/atlasfleet/atlas/internal/errors"
	"github.com/atlasfleet/atlas/internal/models"
)

// maxPendingPerMachine bounds concurrent ingestions queued for one
// machine before the server sheds load with 429.
const maxPendingPerMachine = 8

// ErrUnknownMachine is returned for lookups of unregistered machines.
var ErrUnknownMachine = errors.New("unknown machine")

// Config controls the store.
type Config struct {
	// HistorySize bounds the per-machine in-memory history ring.
	HistorySize int
	// RetentionDays bounds the SQLite metrics history.
	RetentionDays int
	// AgentInterval is the fleet-wide reporting cadence used to derive status.
	AgentInterval time.Duration
}

// Store combines the registry with its persistence.
type Store struct {
	cfg    Config
	db     *DB
	logger zerolog.Logger

	mu       sync.RWMutex
	machines map[string]*machineEntry
}

// New builds a store over an open database, restoring the machine
// registry and the undelivered command queue.
func New(cfg Config, db *DB, logger zerolog.Logger) (*Store, error) {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 1000
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	if cfg.AgentInterval <= 0 {
		cfg.AgentInterval = 10 * time.Second
	}

	s := &Store{
		cfg:      cfg,
		db:       db,
		logger:   logger.With().Str("component", "store").Logger(),
		machines: make(map[string]*machineEntry),
	}

	machines, err := db.LoadMachines()
	if err != nil {
		return nil, err
	}
	for _, m := range machines {
		s.machines[m.MachineID] = &machineEntry{
			machine: *m,
			history: newHistoryRing(cfg.HistorySize),
		}
	}

	commands, err := db.UndeliveredCommands()
	if err != nil {
		return nil, err
	}
	restored := 0
	for _, cmd := range commands {
		if e, ok := s.machines[cmd.MachineID]; ok {
			e.commands = append(e.commands, cmd)
			restored++
		}
	}

	s.logger.Info().Int("machines", len(machines)).Int("pendingCommands", restored).Msg("Store restored")
	return s, nil
}

func (s *Store) entry(machineID string) (*machineEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.machines[machineID]
	return e, ok
}

// entryOrCreate registers unknown machines with first_seen = now.
func (s *Store) entryOrCreate(machineID string, now time.Time) *machineEntry {
	if e, ok := s.entry(machineID); ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.machines[machineID]; ok {
		return e
	}
	e := &machineEntry{
		machine: models.Machine{MachineID: machineID, FirstSeen: now, LastSeen: now},
		history: newHistoryRing(s.cfg.HistorySize),
	}
	s.machines[machineID] = e
	s.logger.Info().Str("machineID", machineID).Msg("Registered new machine")
	return e
}

// Ingest applies one accepted report: registry update, history push,
// SQLite write-through, command-result acks, and pending command
// delivery. The returned commands are already stamped delivered.
func (s *Store) Ingest(report *models.Report) ([]models.Command, error) {
	if report == nil || report.MachineID == "" || report.Timestamp.IsZero() {
		return nil, fleeterrors.Newf(fleeterrors.KindIngestRejected, "ingest", "machine_id and timestamp are required")
	}

	now := time.Now().UTC()
	e := s.entryOrCreate(report.MachineID, now)

	e.mu.Lock()
	if e.inflight >= maxPendingPerMachine {
		e.mu.Unlock()
		return nil, fleeterrors.Newf(fleeterrors.KindBackpressure, "ingest", "machine %s has %d reports queued", report.MachineID, e.inflight).WithMachine(report.MachineID)
	}
	e.inflight++

	// last_seen only moves forward, whatever the report claims.
	if now.After(e.machine.LastSeen) {
		e.machine.LastSeen = now
	}
	if report.MachineInfo != nil {
		e.machine.Info = *report.MachineInfo
	}
	if report.Metrics != nil {
		e.latestMetrics = report.Metrics
		e.history.push(HistoryPoint{Timestamp: report.Timestamp, Metrics: report.Metrics})
	}
	if report.Monitors != nil {
		e.latestMonitors = report.Monitors
	}

	delivered := make([]models.Command, 0, len(e.commands))
	deliveredIDs := make([]string, 0, len(e.commands))
	for _, cmd := range e.commands {
		cmd.Status = models.CommandDelivered
		at := now
		cmd.DeliveredAt = &at
		delivered = append(delivered, *cmd)
		deliveredIDs = append(deliveredIDs, cmd.CommandID)
	}

	machine := e.machine
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.inflight--
		e.mu.Unlock()
	}()

	// Write-through. SQLite failure is logged, never bounced to the agent.
	if err := s.db.UpsertMachine(&machine); err != nil {
		s.logger.Error().Err(err).Str("machineID", machine.MachineID).Msg("Machine write-through failed")
	}
	if report.Metrics != nil {
		if err := s.db.InsertHistory(machine.MachineID, report.Timestamp, report.Metrics); err != nil {
			s.logger.Error().Err(err).Str("machineID", machine.MachineID).Msg("History write-through failed")
		}
	}
	if report.Speedtest != nil {
		st := *report.Speedtest
		st.MachineID = machine.MachineID
		if st.Timestamp.IsZero() {
			st.Timestamp = report.Timestamp
		}
		if err := s.db.InsertSpeedtest(machine.MachineID, &st); err != nil {
			s.logger.Error().Err(err).Str("machineID", machine.MachineID).Msg("Speedtest write-through failed")
		}
	}

	for i := range report.CommandResults {
		s.completeCommand(e, &report.CommandResults[i])
	}

	if len(deliveredIDs) > 0 {
		if err := s.db.MarkCommandsDelivered(deliveredIDs, now); err != nil {
			s.logger.Error().Err(err).Msg("Command delivery write-through failed")
		}
	}
	return delivered, nil
}

// EnqueueCommand queues a command for a machine's next report.
func (s *Store) EnqueueCommand(machineID string, cmdType models.CommandType, args map[string]string) (string, error) {
	e, ok := s.entry(machineID)
	if !ok {
		return "", fleeterrors.New(fleeterrors.KindIngestRejected, "enqueue_command", ErrUnknownMachine).WithMachine(machineID)
	}

	cmd := &models.Command{
		CommandID: uuid.NewString(),
		MachineID: machineID,
		Type:      cmdType,
		Args:      args,
		Status:    models.CommandPending,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.db.InsertCommand(cmd); err != nil {
		return "", err
	}

	e.mu.Lock()
	e.commands = append(e.commands, cmd)
	e.mu.Unlock()

	s.logger.Info().Str("machineID", machineID).Str("commandID", cmd.CommandID).Str("type", string(cmdType)).Msg("Command enqueued")
	return cmd.CommandID, nil
}

// CompleteCommand marks a command done with its result.
func (s *Store) CompleteCommand(machineID string, result *models.CommandResult) error {
	e, ok := s.entry(machineID)
	if !ok {
		return fleeterrors.New(fleeterrors.KindIngestRejected, "complete_command", ErrUnknownMachine).WithMachine(machineID)
	}
	s.completeCommand(e, result)
	return nil
}

func (s *Store) completeCommand(e *machineEntry, result *models.CommandResult) {
	e.mu.Lock()
	for i, cmd := range e.commands {
		if cmd.CommandID == result.CommandID {
			e.commands = append(e.commands[:i], e.commands[i+1:]...)
			break
		}
	}
	e.mu.Unlock()

	if err := s.db.CompleteCommand(result.CommandID, result); err != nil {
		s.logger.Error().Err(err).Str("commandID", result.CommandID).Msg("Command completion write-through failed")
	}
}

// PendingCommands reports the queue length for a machine.
func (s *Store) PendingCommands(machineID string) int {
	e, ok := s.entry(machineID)
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.commands)
}

// ListMachines returns every machine's summary, status derived at now.
func (s *Store) ListMachines(now time.Time) []models.MachineSummary {
	s.mu.RLock()
	entries := make([]*machineEntry, 0, len(s.machines))
	for _, e := range s.machines {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	summaries := make([]models.MachineSummary, 0, len(entries))
	for _, e := range entries {
		summaries = append(summaries, e.summary(s.cfg.AgentInterval, now))
	}
	return summaries
}

// GetMachine returns one machine's full detail.
func (s *Store) GetMachine(machineID string, now time.Time) (MachineDetail, error) {
	e, ok := s.entry(machineID)
	if !ok {
		return MachineDetail{}, fleeterrors.New(fleeterrors.KindIngestRejected, "get_machine", ErrUnknownMachine).WithMachine(machineID)
	}
	return e.snapshot(s.cfg.AgentInterval, now), nil
}

// Details snapshots every machine for read-time derivations.
func (s *Store) Details(now time.Time) []MachineDetail {
	s.mu.RLock()
	entries := make([]*machineEntry, 0, len(s.machines))
	for _, e := range s.machines {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	details := make([]MachineDetail, 0, len(entries))
	for _, e := range entries {
		details = append(details, e.snapshot(s.cfg.AgentInterval, now))
	}
	return details
}

// History returns a machine's metrics since t, from the in-memory ring
// when it covers the window, falling back to SQLite otherwise.
func (s *Store) History(machineID string, since time.Time) ([]HistoryPoint, error) {
	e, ok := s.entry(machineID)
	if !ok {
		return nil, fleeterrors.New(fleeterrors.KindIngestRejected, "history", ErrUnknownMachine).WithMachine(machineID)
	}

	e.mu.Lock()
	oldest, has := e.history.oldest()
	var points []HistoryPoint
	if has && !oldest.After(since) {
		points = e.history.since(since)
	}
	e.mu.Unlock()

	if points != nil {
		return points, nil
	}
	return s.db.HistorySince(machineID, since, s.cfg.HistorySize)
}

// Summary aggregates status counts and metric averages across the
// fleet. Alert derivation composes on top at the API layer.
func (s *Store) Summary(now time.Time) models.FleetSummary {
	details := s.Details(now)

	summary := models.FleetSummary{TotalMachines: len(details)}
	var cpu, mem, disk float64
	withMetrics := 0
	for _, d := range details {
		switch d.Machine.Status {
		case models.StatusOnline:
			summary.Online++
		case models.StatusWarning:
			summary.Warning++
		default:
			summary.Offline++
		}
		if m := d.LatestMetrics; m != nil {
			cpu += m.CPU.Percent
			mem += m.Memory.Percent
			disk += m.Disk.Percent
			withMetrics++
		}
	}
	if withMetrics > 0 {
		summary.AvgCPU = cpu / float64(withMetrics)
		summary.AvgMemory = mem / float64(withMetrics)
		summary.AvgDisk = disk / float64(withMetrics)
	}
	return summary
}

// DB exposes the persistence layer to the aggregation and auth packages.
func (s *Store) DB() *DB { return s.db }

// RunRetention prunes metrics history nightly until ctx is cancelled.
func (s *Store) RunRetention(ctx context.Context) {
	for {
		next := nextMidnightUTC(time.Now().UTC())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.RetentionDays)
		removed, err := s.db.PruneHistoryBefore(cutoff)
		if err != nil {
			s.logger.Error().Err(err).Msg("History pruning failed")
			continue
		}
		s.logger.Info().Int64("removed", removed).Time("cutoff", cutoff).Msg("Pruned metrics history")
	}
}

func nextMidnightUTC(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}
