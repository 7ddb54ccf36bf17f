// Package certs manages the server's TLS certificate: load and
// validate at boot, hot-reload on file change, and expiry warnings.
// ACME tooling is an external collaborator that rewrites the files;
// this package only watches them.
package certs

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	fleeterrors "github.com/atlasfleet/atlas/internal/errors"
)

// reloadDebounce absorbs the event bursts atomic certificate renewals
// produce (write temp, rename over).
const reloadDebounce = 500 * time.Millisecond

// Manager serves the active certificate and swaps it atomically when
// the underlying files change. In-flight connections keep the
// certificate they handshook with; new connections get the new one.
type Manager struct {
	certFile string
	keyFile  string
	hostname string
	logger   zerolog.Logger

	mu   sync.RWMutex
	cert *tls.Certificate
	leaf *x509.Certificate
}

// NewManager loads and validates the pair. An expired or mismatched
// cert/key pair is a boot refusal; a hostname mismatch only warns.
func NewManager(certFile, keyFile, hostname string, logger zerolog.Logger) (*Manager, error) {
	m := &Manager{
		certFile: certFile,
		keyFile:  keyFile,
		hostname: hostname,
		logger:   logger.With().Str("component", "certs").Logger(),
	}
	cert, leaf, err := m.load()
	if err != nil {
		return nil, err
	}
	m.cert = cert
	m.leaf = leaf

	m.logger.Info().
		Str("subject", leaf.Subject.CommonName).
		Time("notAfter", leaf.NotAfter).
		Int("expiresInDays", m.ExpiresInDays()).
		Msg("Certificate loaded")
	return m, nil
}

func (m *Manager) load() (*tls.Certificate, *x509.Certificate, error) {
	pair, err := tls.LoadX509KeyPair(m.certFile, m.keyFile)
	if err != nil {
		return nil, nil, fleeterrors.New(fleeterrors.KindCertInvalid, "load_certificate", err)
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, nil, fleeterrors.New(fleeterrors.KindCertInvalid, "parse_certificate", err)
	}

	now := time.Now()
	if now.After(leaf.NotAfter) {
		return nil, nil, fleeterrors.Newf(fleeterrors.KindCertInvalid, "validate_certificate", "certificate expired %s", leaf.NotAfter.Format(time.RFC3339))
	}
	if now.Before(leaf.NotBefore) {
		return nil, nil, fleeterrors.Newf(fleeterrors.KindCertInvalid, "validate_certificate", "certificate not valid until %s", leaf.NotBefore.Format(time.RFC3339))
	}

	if m.hostname != "" {
		if err := leaf.VerifyHostname(m.hostname); err != nil {
			m.logger.Warn().Str("hostname", m.hostname).Err(err).Msg("Certificate does not match configured hostname")
		}
	}
	return &pair, leaf, nil
}

// GetCertificate implements tls.Config.GetCertificate, so every new
// handshake picks up the current certificate.
func (m *Manager) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cert, nil
}

// TLSConfig returns a config serving the managed certificate.
func (m *Manager) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: m.GetCertificate,
	}
}

// ExpiresInDays reports whole days until the active cert expires.
func (m *Manager) ExpiresInDays() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.leaf == nil {
		return 0
	}
	return int(time.Until(m.leaf.NotAfter).Hours() / 24)
}

// reload swaps in the new pair; a bad replacement keeps the old one.
func (m *Manager) reload() {
	cert, leaf, err := m.load()
	if err != nil {
		m.logger.Error().Err(err).Msg("Certificate reload failed, keeping previous certificate")
		return
	}

	m.mu.Lock()
	m.cert = cert
	m.leaf = leaf
	m.mu.Unlock()

	m.logger.Info().Time("notAfter", leaf.NotAfter).Msg("Certificate reloaded")
}

// Watch reloads on changes to either file until stopCh closes. The
// parent directories are watched because renewals typically replace
// files by rename.
func (m *Manager) Watch(stopCh <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dirs := map[string]struct{}{
		filepath.Dir(m.certFile): {},
		filepath.Dir(m.keyFile):  {},
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return err
		}
	}

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		for {
			select {
			case <-stopCh:
				if debounce != nil {
					debounce.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !m.relevant(event) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(reloadDebounce, m.reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.logger.Warn().Err(err).Msg("Certificate watcher error")
			}
		}
	}()

	m.logger.Info().Str("cert", m.certFile).Str("key", m.keyFile).Msg("Watching certificate files")
	return nil
}

func (m *Manager) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Clean(event.Name)
	return name == filepath.Clean(m.certFile) || name == filepath.Clean(m.keyFile)
}

// RunExpiryCheck logs daily when the certificate is within 30 days of
// expiry, until stopCh closes.
func (m *Manager) RunExpiryCheck(stopCh <-chan struct{}) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	check := func() {
		if days := m.ExpiresInDays(); days <= 30 {
			m.logger.Warn().Int("expiresInDays", days).Msg("Certificate expires soon")
		}
	}
	check()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			check()
		}
	}
}

// Enabled reports whether both file paths are configured.
func Enabled(certFile, keyFile string) bool {
	if certFile == "" || keyFile == "" {
		return false
	}
	_, certErr := os.Stat(certFile)
	_, keyErr := os.Stat(keyFile)
	return certErr == nil && keyErr == nil
}
