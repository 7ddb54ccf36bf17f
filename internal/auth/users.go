package auth

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrInvalidCredentials is returned for unknown users and wrong
// passwords alike; callers must not be able to distinguish them.
var ErrInvalidCredentials = errors.New("invalid credentials")

// UserStore manages the users table.
type UserStore struct {
	db *sql.DB
}

// NewUserStore wraps the shared database handle.
func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

// CreateUser registers a user, enforcing the password policy.
func (u *UserStore) CreateUser(username, password string) error {
	if username == "" {
		return fmt.Errorf("username is required")
	}
	if err := ValidatePasswordComplexity(password); err != nil {
		return err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	_, err = u.db.Exec(`INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)`,
		username, hash, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("create user %s: %w", username, err)
	}
	return nil
}

// Count returns the number of registered users.
func (u *UserStore) Count() (int, error) {
	var n int
	if err := u.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

// Authenticate verifies credentials and stamps last_login. A password
// stored with a legacy fast hash is upgraded to bcrypt on the spot.
func (u *UserStore) Authenticate(username, password string) error {
	var hash string
	err := u.db.QueryRow(`SELECT password_hash FROM users WHERE username = ?`, username).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		// Burn comparable time so user enumeration via latency fails.
		CheckPasswordHash(password, "$2a$12$invalidsaltinvalidsaltinvalidsaltinvalidsalt")
		return ErrInvalidCredentials
	}
	if err != nil {
		return fmt.Errorf("lookup user %s: %w", username, err)
	}

	if !CheckPasswordHash(password, hash) {
		return ErrInvalidCredentials
	}

	if IsLegacyHash(hash) {
		if upgraded, err := HashPassword(password); err == nil {
			if _, err := u.db.Exec(`UPDATE users SET password_hash = ? WHERE username = ?`, upgraded, username); err == nil {
				log.Info().Str("username", username).Msg("Upgraded legacy password hash")
			}
		}
	}

	if _, err := u.db.Exec(`UPDATE users SET last_login = ? WHERE username = ?`, time.Now().UnixMilli(), username); err != nil {
		log.Warn().Err(err).Str("username", username).Msg("Failed to stamp last login")
	}
	return nil
}
