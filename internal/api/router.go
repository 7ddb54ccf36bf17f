// Package api exposes the fleet server over HTTP: the agent plane
// (report ingestion, command results) behind the shared API key and the
// human plane (dashboard, fleet reads) behind cookie sessions.
package api

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/atlasfleet/atlas/internal/alerts"
	"github.com/atlasfleet/atlas/internal/auth"
	"github.com/atlasfleet/atlas/internal/certs"
	"github.com/atlasfleet/atlas/internal/config"
	"github.com/atlasfleet/atlas/internal/crypto"
	"github.com/atlasfleet/atlas/internal/speedtest"
	"github.com/atlasfleet/atlas/internal/store"
	"github.com/atlasfleet/atlas/internal/telemetry"
	"github.com/atlasfleet/atlas/internal/websocket"
)

// sessionCookie is the name of the dashboard session cookie.
const sessionCookie = "fleet_session"

// Deps wires the router to the rest of the server. Certs and Hub may
// be nil when TLS or the live dashboard is disabled.
type Deps struct {
	Config     *config.ServerConfig
	Store      *store.Store
	Users      *auth.UserStore
	Sessions   *auth.SessionManager
	Throttle   *auth.LoginThrottle
	Speedtests *speedtest.Service
	Alerts     *alerts.Evaluator
	Certs      *certs.Manager
	Hub        *websocket.Hub
	Metrics    *telemetry.Metrics
}

// Router dispatches all fleet server routes.
type Router struct {
	mux        *http.ServeMux
	cfg        *config.ServerConfig
	store      *store.Store
	users      *auth.UserStore
	sessions   *auth.SessionManager
	throttle   *auth.LoginThrottle
	speedtests *speedtest.Service
	alerts     *alerts.Evaluator
	certs      *certs.Manager
	hub        *websocket.Hub
	metrics    *telemetry.Metrics
	cipher     *crypto.Cipher
	tlsActive  bool
	started    time.Time
}

// NewRouter builds the route table. A configured encryption key turns
// on envelope decryption for the report path.
func NewRouter(deps Deps) (*Router, error) {
	r := &Router{
		mux:        http.NewServeMux(),
		cfg:        deps.Config,
		store:      deps.Store,
		users:      deps.Users,
		sessions:   deps.Sessions,
		throttle:   deps.Throttle,
		speedtests: deps.Speedtests,
		alerts:     deps.Alerts,
		certs:      deps.Certs,
		hub:        deps.Hub,
		metrics:    deps.Metrics,
		tlsActive:  deps.Config.TLSEnabled(),
		started:    time.Now(),
	}

	if key := deps.Config.EncryptionKeyBytes; len(key) > 0 {
		cipher, err := crypto.NewCipher(key)
		if err != nil {
			return nil, err
		}
		r.cipher = cipher
	}

	r.routes()
	return r, nil
}

func (r *Router) routes() {
	// Agent plane.
	r.mux.HandleFunc("/api/fleet/report", r.requireAPIKey(r.handleReport))
	r.mux.HandleFunc("/api/fleet/commands/", r.requireAPIKey(r.handleCommandResult))

	// Human plane.
	r.mux.HandleFunc("/api/fleet/machines", r.requireSession(r.handleMachines))
	r.mux.HandleFunc("/api/fleet/machines/", r.requireSession(r.handleMachine))
	r.mux.HandleFunc("/api/fleet/summary", r.requireSession(r.handleSummary))
	r.mux.HandleFunc("/api/fleet/speedtest/recent20", r.requireSession(r.handleSpeedtestRecent20))
	r.mux.HandleFunc("/api/fleet/speedtest/summary", r.requireSession(r.handleSpeedtestSummary))
	r.mux.HandleFunc("/api/fleet/speedtest/comparison", r.requireSession(r.handleSpeedtestComparison))
	r.mux.HandleFunc("/api/fleet/speedtest/anomalies", r.requireSession(r.handleSpeedtestAnomalies))
	r.mux.HandleFunc("/api/fleet/server-resources", r.requireSession(r.handleServerResources))

	r.mux.HandleFunc("/login", r.handleLogin)
	r.mux.HandleFunc("/logout", r.requireSession(r.handleLogout))
	r.mux.HandleFunc("/dashboard", r.requireSession(r.handleDashboard))
	r.mux.HandleFunc("/", r.requireSession(r.handleIndex))

	r.mux.HandleFunc("/healthz", r.handleHealth)
	r.mux.HandleFunc("/metrics", r.requireSession(r.handleMetrics))
	if r.hub != nil {
		r.mux.HandleFunc("/ws", r.requireSession(r.hub.Handle))
	}
}

// Handler returns the full middleware-wrapped handler.
func (r *Router) Handler() http.Handler {
	return r.wrap(r.mux)
}

// requireAPIKey gates the agent plane behind the shared secret.
func (r *Router) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if !auth.CheckAPIKey(req.Header.Get("X-API-Key"), r.cfg.Server.APIKey) {
			writeError(w, http.StatusUnauthorized, "auth_failed", "invalid or missing API key")
			return
		}
		next(w, req)
	}
}

// requireSession gates the human plane behind a valid session cookie.
func (r *Router) requireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		cookie, err := req.Cookie(sessionCookie)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "auth_failed", "authentication required")
			return
		}
		username, err := r.sessions.Validate(cookie.Value)
		if err != nil {
			r.clearSessionCookie(w)
			writeError(w, http.StatusUnauthorized, "auth_failed", "session expired")
			return
		}
		log.Trace().Str("user", username).Str("path", req.URL.Path).Msg("Session authenticated")
		next(w, req)
	}
}

func (r *Router) sessionCookie(token string) *http.Cookie {
	return &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(r.sessions.TTL().Seconds()),
		HttpOnly: true,
		Secure:   r.tlsActive,
		SameSite: http.SameSiteStrictMode,
	}
}

func (r *Router) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   r.tlsActive,
		SameSite: http.SameSiteStrictMode,
	})
}

func (r *Router) handleMetrics(w http.ResponseWriter, req *http.Request) {
	if r.metrics == nil {
		writeError(w, http.StatusNotFound, "not_found", "metrics disabled")
		return
	}
	r.metrics.Handler().ServeHTTP(w, req)
}
