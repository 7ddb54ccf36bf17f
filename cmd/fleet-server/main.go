// Command fleet-server runs the ATLAS fleet server: report ingestion,
// the fleet API, the dashboard session plane, and the TLS cert manager.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/atlasfleet/atlas/internal/alerts"
	"github.com/atlasfleet/atlas/internal/api"
	"github.com/atlasfleet/atlas/internal/auth"
	"github.com/atlasfleet/atlas/internal/certs"
	"github.com/atlasfleet/atlas/internal/config"
	"github.com/atlasfleet/atlas/internal/logging"
	"github.com/atlasfleet/atlas/internal/speedtest"
	"github.com/atlasfleet/atlas/internal/store"
	"github.com/atlasfleet/atlas/internal/telemetry"
	"github.com/atlasfleet/atlas/internal/websocket"
)

// Version information (set at build time with -ldflags).
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Exit codes.
const (
	exitConfig = 1
	exitBind   = 2
	exitCert   = 3
)

const shutdownTimeout = 10 * time.Second

var configPath string

var rootCmd = &cobra.Command{
	Use:     "fleet-server",
	Short:   "ATLAS fleet telemetry server",
	Long:    "fleet-server ingests endpoint agent reports, persists fleet state, and serves the fleet API and dashboard.",
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		if code := runServer(); code != 0 {
			os.Exit(code)
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fleet-server %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to server config file")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(hashpwCmd)
	rootCmd.AddCommand(createUserCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() int {
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "fleet-server"})

	cfg, err := config.LoadServer(configPath)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		return exitConfig
	}

	logger := logging.Init(logging.Config{
		Format:    cfg.Log.Format,
		Level:     cfg.Log.Level,
		FilePath:  cfg.Log.File,
		Component: "fleet-server",
	})
	defer logging.Shutdown()

	log.Info().Str("version", Version).Msg("Starting ATLAS fleet server")
	cfg.Describe()

	db, err := store.OpenDB(cfg.SQLitePath())
	if err != nil {
		log.Error().Err(err).Msg("Failed to open database")
		return exitConfig
	}
	defer db.Close()

	st, err := store.New(store.Config{
		HistorySize:   cfg.Server.HistorySize,
		RetentionDays: cfg.Server.HistoryRetentionDays,
		AgentInterval: cfg.AgentInterval(),
	}, db, logger)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize fleet store")
		return exitConfig
	}

	users := auth.NewUserStore(db.Handle())
	if n, err := users.Count(); err == nil && n == 0 {
		log.Warn().Msg("No dashboard users exist; create one with 'fleet-server create-user'")
	}
	sessions := auth.NewSessionManager(db.Handle(), cfg.SessionTTL())
	throttle := auth.NewLoginThrottle()

	var certManager *certs.Manager
	if cfg.TLSEnabled() {
		certManager, err = certs.NewManager(cfg.SSL.CertFile, cfg.SSL.KeyFile, cfg.Server.Host, logger)
		if err != nil {
			log.Error().Err(err).Msg("Failed to load TLS certificate")
			return exitCert
		}
	} else {
		log.Warn().Msg("No TLS certificate configured; serving plain HTTP")
	}

	metrics := telemetry.New()
	hub := websocket.NewHub(func() any { return st.Summary(time.Now()) }, splitOrigins(cfg.Server.AllowedOrigins))

	router, err := api.NewRouter(api.Deps{
		Config:     cfg,
		Store:      st,
		Users:      users,
		Sessions:   sessions,
		Throttle:   throttle,
		Speedtests: speedtest.NewService(db),
		Alerts:     alerts.NewEvaluator(cfg.Alerts),
		Certs:      certManager,
		Hub:        hub,
		Metrics:    metrics,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to build router")
		return exitConfig
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	stopCh := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stopCh)
	}()

	go st.RunRetention(ctx)
	go sessions.RunGC(ctx)
	go hub.Run(stopCh)
	if certManager != nil {
		if err := certManager.Watch(stopCh); err != nil {
			log.Warn().Err(err).Msg("Certificate watcher unavailable; renewals require a restart")
		}
		go certManager.RunExpiryCheck(stopCh)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router.Handler(),
		// ReadHeaderTimeout instead of ReadTimeout: a full-connection
		// deadline would outlive websocket upgrades and kill them.
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if certManager != nil {
		srv.TLSConfig = certManager.TLSConfig()
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error().Err(err).Str("addr", addr).Msg("Failed to bind listener")
		return exitBind
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Bool("tls", certManager != nil).Msg("Server listening")
		if certManager != nil {
			serveErr <- srv.ServeTLS(listener, "", "")
		} else {
			serveErr <- srv.Serve(listener)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down server")
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Server failed")
			return exitBind
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	log.Info().Msg("Server stopped")
	return 0
}

func splitOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
