// Package monitor implements the agent's monitor runtime: a set of
// independent samplers, each on its own interval, feeding an in-memory
// latest-snapshot slot and an append-only CSV log.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/atlasfleet/atlas/internal/models"
	"github.com/atlasfleet/atlas/internal/sensors"
)

// degradeAfterTimeouts is the number of consecutive sampler timeouts
// after which a monitor is demoted to degraded.
const degradeAfterTimeouts = 3

// Sampler produces one typed snapshot, or a typed failure. It must
// respect ctx: the runtime cancels it one second before the next tick.
type Sampler func(ctx context.Context) (models.Snapshot, error)

// Monitor declares one named sampler with its cadence and CSV schema.
type Monitor struct {
	Kind     models.MonitorKind
	Interval time.Duration
	Sampler  Sampler

	// CSVHeader and CSVRecord declare the log schema. Monitors with a
	// nil CSVRecord keep the in-memory slot only.
	CSVHeader []string
	CSVRecord func(models.Snapshot) []string
}

// Latest is the most recent snapshot of a monitor with its staleness.
type Latest struct {
	Snapshot  models.Snapshot
	Timestamp time.Time
	models.StaleMark
}

// Health is a monitor's failure bookkeeping.
type Health struct {
	Failures            int
	ConsecutiveTimeouts int
	Degraded            bool
	LastFailure         sensors.FailureCode
}

type entry struct {
	monitor Monitor
	csv     *CSVLog

	mu     sync.Mutex
	latest Latest
	health Health
	writeErrors int
}

// Runtime schedules all registered monitors. One worker per monitor;
// samples within a monitor are serialized, monitors run in parallel.
type Runtime struct {
	csvDir  string
	logger  zerolog.Logger
	entries map[models.MonitorKind]*entry
	order   []models.MonitorKind

	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// NewRuntime builds an empty runtime writing CSV logs under csvDir.
func NewRuntime(csvDir string, logger zerolog.Logger) *Runtime {
	return &Runtime{
		csvDir:  csvDir,
		logger:  logger.With().Str("component", "monitor-runtime").Logger(),
		entries: make(map[models.MonitorKind]*entry),
	}
}

// Register adds a monitor before Start. Registering the same kind twice
// or registering after Start is an error.
func (r *Runtime) Register(m Monitor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return fmt.Errorf("register %s: runtime already started", m.Kind)
	}
	if _, dup := r.entries[m.Kind]; dup {
		return fmt.Errorf("register %s: duplicate monitor", m.Kind)
	}
	if m.Interval <= 0 {
		return fmt.Errorf("register %s: interval must be positive", m.Kind)
	}
	if m.Sampler == nil {
		return fmt.Errorf("register %s: sampler is required", m.Kind)
	}

	e := &entry{monitor: m}
	if m.CSVRecord != nil {
		csvLog, err := OpenCSVLog(r.csvDir, string(m.Kind), m.CSVHeader)
		if err != nil {
			return fmt.Errorf("register %s: %w", m.Kind, err)
		}
		e.csv = csvLog
	}

	r.entries[m.Kind] = e
	r.order = append(r.order, m.Kind)
	return nil
}

// Start launches one worker per monitor. Workers exit when ctx is
// cancelled; Stop waits for them and closes the CSV logs.
func (r *Runtime) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	for _, kind := range r.order {
		e := r.entries[kind]
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.runWorker(ctx, e)
		}()
	}

	r.logger.Info().Int("monitors", len(r.order)).Msg("Monitor runtime started")
}

// Stop waits for all workers to finish and flushes the CSV logs.
// Callers cancel the Start context first.
func (r *Runtime) Stop() {
	r.wg.Wait()
	for _, kind := range r.order {
		if e := r.entries[kind]; e.csv != nil {
			if err := e.csv.Close(); err != nil {
				r.logger.Warn().Err(err).Str("monitor", string(kind)).Msg("Failed to close csv log")
			}
		}
	}
	r.logger.Info().Msg("Monitor runtime stopped")
}

// runWorker samples immediately, then on every tick. time.Ticker drops
// missed ticks, so an overrunning sample skips ticks instead of piling up.
func (r *Runtime) runWorker(ctx context.Context, e *entry) {
	ticker := time.NewTicker(e.monitor.Interval)
	defer ticker.Stop()

	r.sampleOnce(ctx, e)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sampleOnce(ctx, e)
		}
	}
}

func (r *Runtime) sampleOnce(ctx context.Context, e *entry) {
	budget := e.monitor.Interval - time.Second
	if budget <= 0 {
		budget = e.monitor.Interval
	}
	sampleCtx, cancel := context.WithTimeout(ctx, budget)
	snapshot, err := e.monitor.Sampler(sampleCtx)
	cancel()

	now := time.Now().UTC()

	if err != nil {
		code := sensors.CodeOf(err)

		e.mu.Lock()
		e.health.Failures++
		e.health.LastFailure = code
		if code == sensors.Timeout {
			e.health.ConsecutiveTimeouts++
			if e.health.ConsecutiveTimeouts >= degradeAfterTimeouts {
				e.health.Degraded = true
			}
		} else {
			e.health.ConsecutiveTimeouts = 0
		}
		// The previous snapshot is served as stale from here on.
		if e.latest.Snapshot != nil && !e.latest.Stale {
			e.latest.Stale = true
			e.latest.StaleSince = now
		}
		degraded := e.health.Degraded
		e.mu.Unlock()

		if ctx.Err() != nil {
			return // shutting down, not a real failure
		}
		event := r.logger.Debug()
		if degraded {
			event = r.logger.Warn()
		}
		event.Str("monitor", string(e.monitor.Kind)).
			Str("code", string(code)).
			Bool("degraded", degraded).
			Msg("Monitor sample failed")
		return
	}

	e.mu.Lock()
	e.latest = Latest{Snapshot: snapshot, Timestamp: now}
	e.health.ConsecutiveTimeouts = 0
	e.health.Degraded = false
	e.mu.Unlock()

	if e.csv != nil {
		if err := e.csv.Append(now, e.monitor.CSVRecord(snapshot)); err != nil {
			// Drop the record; logging must not block sampling.
			e.mu.Lock()
			e.writeErrors++
			e.mu.Unlock()
			r.logger.Warn().Err(err).Str("monitor", string(e.monitor.Kind)).Msg("Dropped csv record")
		}
	}
}

// GetLatest returns the most recent snapshot of a monitor.
func (r *Runtime) GetLatest(kind models.MonitorKind) (Latest, bool) {
	e, ok := r.entries[kind]
	if !ok {
		return Latest{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.latest.Snapshot == nil {
		return Latest{}, false
	}
	return e.latest, true
}

// Health returns the failure bookkeeping of a monitor.
func (r *Runtime) Health(kind models.MonitorKind) (Health, bool) {
	e, ok := r.entries[kind]
	if !ok {
		return Health{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.health, true
}

// Kinds lists registered monitors in registration order.
func (r *Runtime) Kinds() []models.MonitorKind {
	return append([]models.MonitorKind(nil), r.order...)
}

// QueryRange reads a monitor's CSV log within [t0, t1].
func (r *Runtime) QueryRange(kind models.MonitorKind, t0, t1 time.Time) ([]Row, error) {
	e, ok := r.entries[kind]
	if !ok || e.csv == nil {
		return nil, fmt.Errorf("monitor %s has no csv log", kind)
	}
	return e.csv.QueryRange(t0, t1)
}
