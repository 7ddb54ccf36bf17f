package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/atlasfleet/atlas/internal/buffer"
	"github.com/atlasfleet/atlas/internal/models"
)

const (
	commandQueueSize  = 32
	resultBufferSize  = 64
	commandTimeout    = 30 * time.Second
	speedtestTimeout  = 2 * time.Minute
	defaultQuiesceFor = 10 * time.Minute
)

// ExecutorHooks are the agent-side effects commands can trigger. Nil
// hooks make the corresponding command report an error result instead
// of crashing.
type ExecutorHooks struct {
	// Speedtest runs a throughput measurement.
	Speedtest SpeedTester
	// ReloadConfig re-reads the agent configuration from disk.
	ReloadConfig func(ctx context.Context) error
	// Quiesce suppresses non-essential monitor payloads until the deadline.
	Quiesce func(until time.Time)
	// Diagnostics gathers the agent's internal state for collect_diag.
	Diagnostics func() map[string]any
}

// Executor applies server commands delivered through report responses.
// One worker; commands queue through a bounded channel and results
// accumulate until the reporter drains them into the next report.
type Executor struct {
	logger  zerolog.Logger
	hooks   ExecutorHooks
	dedupe  *commandDedupe
	cmds    chan models.Command
	results *buffer.Ring[models.CommandResult]

	mu               sync.Mutex
	pendingSpeedtest *models.SpeedTestResult
}

// NewExecutor builds an executor with the given hooks.
func NewExecutor(hooks ExecutorHooks, logger zerolog.Logger) *Executor {
	return &Executor{
		logger:  logger.With().Str("component", "command-executor").Logger(),
		hooks:   hooks,
		dedupe:  newCommandDedupe(dedupeCapacity),
		cmds:    make(chan models.Command, commandQueueSize),
		results: buffer.NewRing[models.CommandResult](resultBufferSize),
	}
}

// Run executes queued commands until ctx is cancelled.
func (e *Executor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-e.cmds:
			e.execute(ctx, cmd)
		}
	}
}

// Dispatch queues commands for execution. A full queue drops the
// command; the server redelivers until a result arrives.
func (e *Executor) Dispatch(commands []models.Command) {
	for _, cmd := range commands {
		select {
		case e.cmds <- cmd:
		default:
			e.logger.Warn().Str("command_id", cmd.CommandID).Str("type", string(cmd.Type)).Msg("Command queue full, dropping delivery")
		}
	}
}

// DrainResults removes all accumulated command results.
func (e *Executor) DrainResults() []models.CommandResult {
	return e.results.Drain()
}

// TakeSpeedtest removes the pending speedtest result, if any.
func (e *Executor) TakeSpeedtest() *models.SpeedTestResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	result := e.pendingSpeedtest
	e.pendingSpeedtest = nil
	return result
}

func (e *Executor) execute(ctx context.Context, cmd models.Command) {
	if !e.dedupe.MarkIfNew(cmd.CommandID) {
		// Re-ack so the server stops redelivering a command whose
		// original result was lost.
		e.logger.Debug().Str("command_id", cmd.CommandID).Msg("Duplicate command delivery")
		e.results.Push(models.CommandResult{CommandID: cmd.CommandID, Status: "ok", Output: "duplicate delivery ignored"})
		return
	}

	timeout := commandTimeout
	if cmd.Type == models.CommandSpeedtestNow {
		timeout = speedtestTimeout
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e.logger.Info().Str("command_id", cmd.CommandID).Str("type", string(cmd.Type)).Msg("Executing command")

	result := models.CommandResult{CommandID: cmd.CommandID, Status: "ok"}
	var err error

	switch cmd.Type {
	case models.CommandSpeedtestNow:
		result.Output, err = e.runSpeedtest(cmdCtx)
	case models.CommandReloadConfig:
		err = e.runReload(cmdCtx)
	case models.CommandQuiesce:
		result.Output, err = e.runQuiesce(cmd.Args)
	case models.CommandCollectDiag:
		result.Output, err = e.runDiagnostics()
	default:
		result.Status = "unsupported"
		result.Output = fmt.Sprintf("unknown command type %q", cmd.Type)
	}

	if err != nil {
		result.Status = "error"
		result.Output = err.Error()
		e.logger.Warn().Err(err).Str("command_id", cmd.CommandID).Str("type", string(cmd.Type)).Msg("Command failed")
	}
	e.results.Push(result)
}

func (e *Executor) runSpeedtest(ctx context.Context) (string, error) {
	if e.hooks.Speedtest == nil {
		return "", fmt.Errorf("no speedtest runner configured")
	}
	result, err := e.hooks.Speedtest.Run(ctx)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	e.pendingSpeedtest = result
	e.mu.Unlock()

	output, err := json.Marshal(map[string]float64{
		"download": result.DownloadMbps,
		"upload":   result.UploadMbps,
		"ping":     result.PingMs,
	})
	if err != nil {
		return "", err
	}
	return string(output), nil
}

func (e *Executor) runReload(ctx context.Context) error {
	if e.hooks.ReloadConfig == nil {
		return fmt.Errorf("config reload not supported")
	}
	return e.hooks.ReloadConfig(ctx)
}

func (e *Executor) runQuiesce(args map[string]string) (string, error) {
	if e.hooks.Quiesce == nil {
		return "", fmt.Errorf("quiesce not supported")
	}
	duration := defaultQuiesceFor
	if raw, ok := args["duration"]; ok {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			return "", fmt.Errorf("invalid quiesce duration %q", raw)
		}
		duration = parsed
	}
	until := time.Now().Add(duration)
	e.hooks.Quiesce(until)
	return fmt.Sprintf("quiesced until %s", until.UTC().Format(time.RFC3339)), nil
}

func (e *Executor) runDiagnostics() (string, error) {
	if e.hooks.Diagnostics == nil {
		return "", fmt.Errorf("diagnostics not supported")
	}
	output, err := json.Marshal(e.hooks.Diagnostics())
	if err != nil {
		return "", err
	}
	return string(output), nil
}
