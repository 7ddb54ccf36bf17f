// Package auth implements the server's two authentication planes: the
// shared API key agents present on write endpoints, and username and
// password sessions for the human dashboard.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

const (
	// BcryptCost is the work factor for password hashing.
	BcryptCost = 12

	// MinPasswordLength is the minimum accepted password length.
	MinPasswordLength = 12
)

// HashPassword generates a bcrypt hash from a plaintext password.
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

// CheckPasswordHash compares a plaintext password with a stored hash.
// Legacy sha256 hex digests from early deployments still verify so the
// login path can transparently re-hash them.
func CheckPasswordHash(password, hash string) bool {
	if IsLegacyHash(hash) {
		sum := sha256.Sum256([]byte(password))
		expected := hex.EncodeToString(sum[:])
		return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(hash))) == 1
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// IsLegacyHash reports whether a stored hash is an unsalted sha256
// digest rather than bcrypt. Such hashes are re-hashed on the next
// successful login.
func IsLegacyHash(hash string) bool {
	if strings.HasPrefix(hash, "$2a$") || strings.HasPrefix(hash, "$2b$") || strings.HasPrefix(hash, "$2y$") {
		return false
	}
	if len(hash) != 64 {
		return false
	}
	_, err := hex.DecodeString(hash)
	return err == nil
}

// ValidatePasswordComplexity enforces the password policy: at least
// MinPasswordLength characters with mixed case, a digit, and a symbol.
func ValidatePasswordComplexity(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters long", MinPasswordLength)
	}

	var upper, lower, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		default:
			symbol = true
		}
	}
	if !upper || !lower {
		return fmt.Errorf("password must contain both upper and lower case letters")
	}
	if !digit {
		return fmt.Errorf("password must contain a digit")
	}
	if !symbol {
		return fmt.Errorf("password must contain a symbol")
	}
	return nil
}

// CheckAPIKey compares a presented API key with the configured secret
// in constant time. An empty configured key never matches.
func CheckAPIKey(presented, configured string) bool {
	if configured == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}
