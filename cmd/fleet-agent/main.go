// Command fleet-agent runs the ATLAS endpoint agent: the monitor
// runtime sampling host state, the reporter shipping it to the fleet
// server, and the executor applying server commands.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/atlasfleet/atlas/internal/agent"
	"github.com/atlasfleet/atlas/internal/config"
	"github.com/atlasfleet/atlas/internal/crypto"
	"github.com/atlasfleet/atlas/internal/logging"
	"github.com/atlasfleet/atlas/internal/monitor"
	"github.com/atlasfleet/atlas/internal/sensors"
)

// Version information (set at build time with -ldflags).
var (
	Version   = "dev"
	BuildTime = "unknown"
)

const (
	exitConfig  = 1
	exitRuntime = 2

	dnsCacheTTL = 5 * time.Minute
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  = flag.String("config", config.DefaultAgentConfigPath(), "path to agent config file")
		serverURL   = flag.String("server", "", "fleet server URL (overrides config)")
		apiKey      = flag.String("api-key", "", "agent API key (overrides config)")
		machineID   = flag.String("machine-id", "", "machine identifier (overrides config)")
		interval    = flag.Int("interval", 0, "reporting interval in seconds (overrides config)")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("fleet-agent %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		return 0
	}

	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "fleet-agent"})

	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		return exitConfig
	}
	if *serverURL != "" {
		cfg.ServerURL = *serverURL
	}
	if *apiKey != "" {
		cfg.APIKey = *apiKey
	}
	if *machineID != "" {
		cfg.MachineID = *machineID
	}
	if *interval > 0 {
		cfg.IntervalSeconds = *interval
	}

	logger := logging.Init(logging.Config{Format: "auto", Level: cfg.LogLevel, Component: "fleet-agent"})
	defer logging.Shutdown()

	log.Info().
		Str("version", Version).
		Str("server", cfg.ServerURL).
		Dur("interval", cfg.Interval()).
		Bool("encryption", len(cfg.EncryptionKeyBytes) > 0).
		Msg("Starting ATLAS agent")

	var cipher *crypto.Cipher
	if len(cfg.EncryptionKeyBytes) > 0 {
		cipher, err = crypto.NewCipher(cfg.EncryptionKeyBytes)
		if err != nil {
			log.Error().Err(err).Msg("Invalid encryption key")
			return exitConfig
		}
	}

	runtime := monitor.NewRuntime(cfg.CSVDir(), logger)
	prober := sensors.NewNetProber(dnsCacheTTL, cfg.TLSVerify())
	defer prober.Stop()

	if err := monitor.RegisterAll(runtime, monitor.DefaultRegistryConfig(), prober, monitor.Probes{}); err != nil {
		log.Error().Err(err).Msg("Failed to register monitors")
		return exitRuntime
	}

	// The executor hooks close over the reporter, which does not exist
	// yet; by the time any command runs, it does.
	var reporter *agent.Reporter
	executor := agent.NewExecutor(agent.ExecutorHooks{
		Speedtest: agent.NewHTTPSpeedTester("", "", cfg.TLSVerify()),
		ReloadConfig: func(ctx context.Context) error {
			fresh, err := config.LoadAgent(*configPath)
			if err != nil {
				return err
			}
			// Connection settings need a restart; log level applies live.
			logging.Init(logging.Config{Format: "auto", Level: fresh.LogLevel, Component: "fleet-agent"})
			log.Info().Msg("Configuration reloaded")
			return nil
		},
		Quiesce: func(until time.Time) {
			if reporter != nil {
				reporter.Quiesce(until)
			}
		},
		Diagnostics: func() map[string]any {
			if reporter == nil {
				return nil
			}
			return reporter.Diagnostics()
		},
	}, logger)

	reporter, err = agent.NewReporter(agent.ReporterConfig{
		ServerURL: cfg.ServerURL,
		APIKey:    cfg.APIKey,
		MachineID: cfg.MachineID,
		Interval:  cfg.Interval(),
		VerifyTLS: cfg.TLSVerify(),
	}, cipher, runtime, executor, logger)
	if err != nil {
		log.Error().Err(err).Msg("Failed to build reporter")
		return exitConfig
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	runtime.Start(ctx)
	defer runtime.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return reporter.Run(gctx) })
	g.Go(func() error { return executor.Run(gctx) })

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("Agent worker failed")
		return exitRuntime
	}

	log.Info().Msg("Agent stopped")
	return 0
}
