// Package crypto implements the end-to-end encryption envelope used for
// agent report payloads: AES-256-GCM with a shared symmetric key and the
// machine ID as associated data.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	fleeterrors "github.com/atlasfleet/atlas/internal/errors"
)

const (
	// EnvelopeVersion is the only wire version this implementation speaks.
	EnvelopeVersion = 1

	keySize   = 32
	nonceSize = 12
	tagSize   = 16
)

// Envelope is the sealed form of a report payload. The machine ID
// travels in the clear because it is the associated data needed to
// open the payload; everything else is ciphertext.
type Envelope struct {
	Encrypted  bool   `json:"encrypted"`
	Version    int    `json:"version"`
	MachineID  string `json:"machine_id"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
	Tag        string `json:"tag"`
}

// Cipher seals and opens report payloads with a fixed 32-byte key.
type Cipher struct {
	aead cipher.AEAD
}

// ParseKey decodes a base64 encryption key and checks its length.
func ParseKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", keySize, len(key))
	}
	return key, nil
}

// GenerateKey returns a fresh random key in base64 form.
func GenerateKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// NewCipher builds a Cipher from a raw 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext with a fresh random nonce, binding the
// envelope to machineID via associated data.
func (c *Cipher) Seal(plaintext []byte, machineID string) (*Envelope, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nil, nonce, plaintext, []byte(machineID))
	// GCM appends the tag to the ciphertext; the wire format carries it
	// as a separate field.
	split := len(sealed) - tagSize

	return &Envelope{
		Encrypted:  true,
		Version:    EnvelopeVersion,
		MachineID:  machineID,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed[:split]),
		Tag:        base64.StdEncoding.EncodeToString(sealed[split:]),
	}, nil
}

// Open authenticates and decrypts an envelope. Any malformed field,
// version mismatch, wrong key, or tampered byte yields decrypt_failed;
// there is no plaintext fallback.
func (c *Cipher) Open(env *Envelope) ([]byte, error) {
	if env == nil || !env.Encrypted {
		return nil, fleeterrors.Newf(fleeterrors.KindDecryptFailed, "open_envelope", "envelope not encrypted")
	}
	if env.Version != EnvelopeVersion {
		return nil, fleeterrors.Newf(fleeterrors.KindDecryptFailed, "open_envelope", "unsupported envelope version %d", env.Version).WithMachine(env.MachineID)
	}

	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil || len(nonce) != nonceSize {
		return nil, fleeterrors.Newf(fleeterrors.KindDecryptFailed, "open_envelope", "malformed nonce").WithMachine(env.MachineID)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fleeterrors.Newf(fleeterrors.KindDecryptFailed, "open_envelope", "malformed ciphertext").WithMachine(env.MachineID)
	}
	tag, err := base64.StdEncoding.DecodeString(env.Tag)
	if err != nil || len(tag) != tagSize {
		return nil, fleeterrors.Newf(fleeterrors.KindDecryptFailed, "open_envelope", "malformed tag").WithMachine(env.MachineID)
	}

	sealed := append(ciphertext, tag...)
	plaintext, err := c.aead.Open(nil, nonce, sealed, []byte(env.MachineID))
	if err != nil {
		return nil, fleeterrors.New(fleeterrors.KindDecryptFailed, "open_envelope", err).WithMachine(env.MachineID)
	}
	return plaintext, nil
}
