package api

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// handleLogin exchanges credentials for a session cookie. Throttling is
// checked before credentials so a locked IP learns nothing about them.
func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}

	ip := clientIP(req)
	if r.throttle.Locked(ip) {
		log.Warn().Str("ip", ip).Msg("Login attempt from locked IP")
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many failed attempts, try again later")
		return
	}

	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, "ingest_rejected", "malformed login body")
		return
	}

	if err := r.users.Authenticate(creds.Username, creds.Password); err != nil {
		r.throttle.RecordFailure(ip)
		log.Warn().Str("ip", ip).Str("username", creds.Username).Msg("Login failed")
		writeError(w, http.StatusUnauthorized, "auth_failed", "invalid credentials")
		return
	}
	r.throttle.RecordSuccess(ip)

	token, err := r.sessions.Create(creds.Username)
	if err != nil {
		writeFleetError(w, err)
		return
	}
	http.SetCookie(w, r.sessionCookie(token))

	log.Info().Str("ip", ip).Str("username", creds.Username).Msg("Login succeeded")
	writeJSON(w, map[string]bool{"ok": true})
}

// handleLogout deletes the session and expires the cookie.
func (r *Router) handleLogout(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}
	if cookie, err := req.Cookie(sessionCookie); err == nil {
		r.sessions.Delete(cookie.Value)
	}
	r.clearSessionCookie(w)
	writeJSON(w, map[string]bool{"ok": true})
}

// dashboardHTML is the shell the dashboard loads; widgets fetch their
// data from the fleet API and the websocket feed.
const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>ATLAS Fleet</title>
</head>
<body>
<div id="app" data-summary-endpoint="/api/fleet/summary" data-machines-endpoint="/api/fleet/machines" data-ws-endpoint="/ws"></div>
<script src="/static/app.js"></script>
</body>
</html>
`

func (r *Router) handleDashboard(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET required")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(dashboardHTML))
}

// handleIndex redirects the root to the dashboard; anything else under
// the catch-all is unknown.
func (r *Router) handleIndex(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "not_found", "unknown route")
		return
	}
	http.Redirect(w, req, "/dashboard", http.StatusFound)
}
