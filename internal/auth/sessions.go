package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	sessionTokenBytes = 32
	sessionGCInterval = 10 * time.Minute
)

// ErrSessionInvalid covers missing, expired, and forged tokens.
var ErrSessionInvalid = errors.New("session invalid")

// SessionManager issues and validates dashboard sessions. Tokens are
// 256-bit random values; only their sha256 digest touches disk, so a
// leaked database cannot mint cookies.
type SessionManager struct {
	db  *sql.DB
	ttl time.Duration
}

// NewSessionManager wraps the shared database handle.
func NewSessionManager(db *sql.DB, ttl time.Duration) *SessionManager {
	if ttl <= 0 {
		ttl = 8 * time.Hour
	}
	return &SessionManager{db: db, ttl: ttl}
}

// TTL returns the configured session lifetime.
func (m *SessionManager) TTL() time.Duration { return m.ttl }

func tokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Create issues a session for a user and returns the raw token.
func (m *SessionManager) Create(username string) (string, error) {
	raw := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	now := time.Now()
	_, err := m.db.Exec(`INSERT INTO sessions (token_hash, username, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		tokenHash(token), username, now.UnixMilli(), now.Add(m.ttl).UnixMilli())
	if err != nil {
		return "", fmt.Errorf("store session: %w", err)
	}
	return token, nil
}

// Validate resolves a token to its username.
func (m *SessionManager) Validate(token string) (string, error) {
	if token == "" {
		return "", ErrSessionInvalid
	}

	var username string
	var expiresAt int64
	err := m.db.QueryRow(`SELECT username, expires_at FROM sessions WHERE token_hash = ?`, tokenHash(token)).
		Scan(&username, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrSessionInvalid
	}
	if err != nil {
		return "", fmt.Errorf("lookup session: %w", err)
	}

	if time.Now().UnixMilli() >= expiresAt {
		m.Delete(token)
		return "", ErrSessionInvalid
	}
	return username, nil
}

// Delete removes a session; unknown tokens are a no-op.
func (m *SessionManager) Delete(token string) {
	if _, err := m.db.Exec(`DELETE FROM sessions WHERE token_hash = ?`, tokenHash(token)); err != nil {
		log.Warn().Err(err).Msg("Failed to delete session")
	}
}

// RunGC purges expired sessions every ten minutes until ctx is cancelled.
func (m *SessionManager) RunGC(ctx context.Context) {
	ticker := time.NewTicker(sessionGCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := m.db.Exec(`DELETE FROM sessions WHERE expires_at < ?`, time.Now().UnixMilli())
			if err != nil {
				log.Warn().Err(err).Msg("Session GC failed")
				continue
			}
			if removed, _ := res.RowsAffected(); removed > 0 {
				log.Debug().Int64("removed", removed).Msg("Purged expired sessions")
			}
		}
	}
}
