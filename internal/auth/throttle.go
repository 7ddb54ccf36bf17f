package auth

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	maxFailedAttempts = 5
	lockoutWindow     = 15 * time.Minute
)

type failedLogin struct {
	count       int
	lastAttempt time.Time
	lockedUntil time.Time
}

// LoginThrottle tracks failed login attempts per client IP. The fifth
// failure inside the window locks the IP; further attempts answer 429
// until the window clears, at which point the counter starts fresh.
type LoginThrottle struct {
	mu     sync.Mutex
	failed map[string]*failedLogin
	now    func() time.Time
}

// NewLoginThrottle returns an empty throttle.
func NewLoginThrottle() *LoginThrottle {
	return &LoginThrottle{failed: make(map[string]*failedLogin), now: time.Now}
}

// Locked reports whether an IP is currently locked out. Expired entries
// are removed so the next failure starts a fresh counter.
func (t *LoginThrottle) Locked(ip string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.failed[ip]
	if !ok {
		return false
	}
	if !f.lockedUntil.IsZero() && t.now().After(f.lockedUntil) {
		delete(t.failed, ip)
		return false
	}
	if f.lockedUntil.IsZero() && t.now().Sub(f.lastAttempt) > lockoutWindow {
		delete(t.failed, ip)
		return false
	}
	return !f.lockedUntil.IsZero()
}

// RecordFailure counts one failed attempt from an IP.
func (t *LoginThrottle) RecordFailure(ip string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.failed[ip]
	if !ok || t.now().Sub(f.lastAttempt) > lockoutWindow {
		f = &failedLogin{}
		t.failed[ip] = f
	}
	f.count++
	f.lastAttempt = t.now()

	if f.count >= maxFailedAttempts && f.lockedUntil.IsZero() {
		f.lockedUntil = t.now().Add(lockoutWindow)
		log.Warn().Str("ip", ip).Int("attempts", f.count).Time("lockedUntil", f.lockedUntil).
			Msg("IP locked out after repeated failed logins")
	}
}

// RecordSuccess clears the counter for an IP.
func (t *LoginThrottle) RecordSuccess(ip string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.failed, ip)
}
