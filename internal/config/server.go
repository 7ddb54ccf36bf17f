// Package config loads and validates fleet server and agent
// configuration. Files are the source of truth; any field can be
// overridden by an environment variable named after its dotted path
// with the FLEET_ prefix (e.g. FLEET_SERVER_ENCRYPTION_KEY).
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/atlasfleet/atlas/internal/crypto"
	fleeterrors "github.com/atlasfleet/atlas/internal/errors"
)

// Defaults for the server configuration.
const (
	DefaultServerPort        = 8768
	DefaultHistorySize       = 1000
	DefaultRetentionDays     = 30
	DefaultSessionTTLSeconds = 28800
	DefaultAgentInterval     = 10 * time.Second
	DefaultMaxBodyBytes      = 1 << 20
)

// OrganizationConfig names the tenant the server belongs to.
type OrganizationConfig struct {
	Name string `yaml:"name"`
}

// ServerSection holds listener and fleet-plane settings.
type ServerSection struct {
	Host                 string `yaml:"host"`
	Port                 int    `yaml:"port"`
	APIKey               string `yaml:"api_key"`
	EncryptionKey        string `yaml:"encryption_key"`
	HistorySize          int    `yaml:"history_size"`
	HistoryRetentionDays int    `yaml:"history_retention_days"`
	SessionTTLSeconds    int    `yaml:"session_ttl_seconds"`
	StrictEncryption     bool   `yaml:"strict_encryption"`
	AgentIntervalSeconds int    `yaml:"agent_interval_seconds"`
	MaxBodyBytes         int64  `yaml:"max_body_bytes"`
	AllowedOrigins       string `yaml:"allowed_origins"`
	DataDir              string `yaml:"data_dir"`
}

// SSLSection points at the certificate pair the cert manager watches.
type SSLSection struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AlertThresholds holds the derived-alert thresholds.
type AlertThresholds struct {
	CPU        float64 `yaml:"cpu"`
	Memory     float64 `yaml:"memory"`
	Disk       float64 `yaml:"disk"`
	Battery    float64 `yaml:"battery"`
	Temp       float64 `yaml:"temp"`
	Crashes24h int     `yaml:"crashes_24h"`
}

// LogSection configures the zerolog baseline.
type LogSection struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// ServerConfig is the full fleet server configuration.
type ServerConfig struct {
	Organization OrganizationConfig `yaml:"organization"`
	Server       ServerSection      `yaml:"server"`
	SSL          SSLSection         `yaml:"ssl"`
	Alerts       AlertThresholds    `yaml:"alerts"`
	Log          LogSection         `yaml:"log"`

	// EncryptionKeyBytes is the decoded server.encryption_key, nil when
	// end-to-end encryption is disabled.
	EncryptionKeyBytes []byte `yaml:"-"`
}

// DefaultAlertThresholds returns the shipped thresholds.
func DefaultAlertThresholds() AlertThresholds {
	return AlertThresholds{
		CPU:        90,
		Memory:     90,
		Disk:       90,
		Battery:    10,
		Temp:       85,
		Crashes24h: 5,
	}
}

// AgentInterval returns the expected agent reporting cadence used for
// status derivation.
func (c *ServerConfig) AgentInterval() time.Duration {
	if c.Server.AgentIntervalSeconds <= 0 {
		return DefaultAgentInterval
	}
	return time.Duration(c.Server.AgentIntervalSeconds) * time.Second
}

// SessionTTL returns the configured cookie session lifetime.
func (c *ServerConfig) SessionTTL() time.Duration {
	if c.Server.SessionTTLSeconds <= 0 {
		return DefaultSessionTTLSeconds * time.Second
	}
	return time.Duration(c.Server.SessionTTLSeconds) * time.Second
}

// TLSEnabled reports whether a certificate pair is configured.
func (c *ServerConfig) TLSEnabled() bool {
	return c.SSL.CertFile != "" && c.SSL.KeyFile != ""
}

// LoadServer reads the server configuration file, applies environment
// overrides, fills defaults, and validates the result.
func LoadServer(path string) (*ServerConfig, error) {
	// .env next to the config file is honoured the same way environment
	// variables are.
	if path != "" {
		_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))
	}

	cfg := &ServerConfig{Alerts: DefaultAlertThresholds()}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fleeterrors.New(fleeterrors.KindConfigInvalid, "load_config", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fleeterrors.New(fleeterrors.KindConfigInvalid, "load_config", err)
		}
	}

	applyServerEnvOverrides(cfg)
	applyServerDefaults(cfg)

	if err := validateServer(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultServerPort
	}
	if cfg.Server.HistorySize <= 0 {
		cfg.Server.HistorySize = DefaultHistorySize
	}
	if cfg.Server.HistoryRetentionDays <= 0 {
		cfg.Server.HistoryRetentionDays = DefaultRetentionDays
	}
	if cfg.Server.SessionTTLSeconds <= 0 {
		cfg.Server.SessionTTLSeconds = DefaultSessionTTLSeconds
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		cfg.Server.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.Server.DataDir == "" {
		cfg.Server.DataDir = defaultDataDir(".fleet-data")
	}
	if cfg.Alerts.CPU <= 0 {
		cfg.Alerts.CPU = 90
	}
	if cfg.Alerts.Memory <= 0 {
		cfg.Alerts.Memory = 90
	}
	if cfg.Alerts.Disk <= 0 {
		cfg.Alerts.Disk = 90
	}
	if cfg.Alerts.Battery <= 0 {
		cfg.Alerts.Battery = 10
	}
	if cfg.Alerts.Temp <= 0 {
		cfg.Alerts.Temp = 85
	}
	if cfg.Alerts.Crashes24h <= 0 {
		cfg.Alerts.Crashes24h = 5
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "auto"
	}
}

func validateServer(cfg *ServerConfig) error {
	if strings.TrimSpace(cfg.Server.APIKey) == "" {
		return fleeterrors.Newf(fleeterrors.KindConfigInvalid, "load_config", "server.api_key is required")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fleeterrors.Newf(fleeterrors.KindConfigInvalid, "load_config", "server.port %d out of range", cfg.Server.Port)
	}
	if (cfg.SSL.CertFile == "") != (cfg.SSL.KeyFile == "") {
		return fleeterrors.Newf(fleeterrors.KindConfigInvalid, "load_config", "ssl.cert_file and ssl.key_file must be set together")
	}
	if cfg.Server.AllowedOrigins != "" {
		for _, origin := range strings.Split(cfg.Server.AllowedOrigins, ",") {
			if strings.TrimSpace(origin) == "*" {
				return fleeterrors.Newf(fleeterrors.KindConfigInvalid, "load_config", "wildcard origin is forbidden")
			}
		}
	}
	if key := strings.TrimSpace(cfg.Server.EncryptionKey); key != "" {
		decoded, err := crypto.ParseKey(key)
		if err != nil {
			return fleeterrors.New(fleeterrors.KindConfigInvalid, "load_config", err)
		}
		cfg.EncryptionKeyBytes = decoded
	}
	return nil
}

// applyServerEnvOverrides maps FLEET_-prefixed variables onto config
// fields by dotted name, e.g. FLEET_SERVER_API_KEY -> server.api_key.
func applyServerEnvOverrides(cfg *ServerConfig) {
	overrideString("ORGANIZATION_NAME", &cfg.Organization.Name)
	overrideString("SERVER_HOST", &cfg.Server.Host)
	overrideInt("SERVER_PORT", &cfg.Server.Port)
	overrideString("SERVER_API_KEY", &cfg.Server.APIKey)
	overrideString("SERVER_ENCRYPTION_KEY", &cfg.Server.EncryptionKey)
	overrideInt("SERVER_HISTORY_SIZE", &cfg.Server.HistorySize)
	overrideInt("SERVER_HISTORY_RETENTION_DAYS", &cfg.Server.HistoryRetentionDays)
	overrideInt("SERVER_SESSION_TTL_SECONDS", &cfg.Server.SessionTTLSeconds)
	overrideBool("SERVER_STRICT_ENCRYPTION", &cfg.Server.StrictEncryption)
	overrideInt("SERVER_AGENT_INTERVAL_SECONDS", &cfg.Server.AgentIntervalSeconds)
	overrideInt64("SERVER_MAX_BODY_BYTES", &cfg.Server.MaxBodyBytes)
	overrideString("SERVER_ALLOWED_ORIGINS", &cfg.Server.AllowedOrigins)
	overrideString("SERVER_DATA_DIR", &cfg.Server.DataDir)
	overrideString("SSL_CERT_FILE", &cfg.SSL.CertFile)
	overrideString("SSL_KEY_FILE", &cfg.SSL.KeyFile)
	overrideFloat("ALERTS_CPU", &cfg.Alerts.CPU)
	overrideFloat("ALERTS_MEMORY", &cfg.Alerts.Memory)
	overrideFloat("ALERTS_DISK", &cfg.Alerts.Disk)
	overrideFloat("ALERTS_BATTERY", &cfg.Alerts.Battery)
	overrideFloat("ALERTS_TEMP", &cfg.Alerts.Temp)
	overrideInt("ALERTS_CRASHES_24H", &cfg.Alerts.Crashes24h)
	overrideString("LOG_LEVEL", &cfg.Log.Level)
	overrideString("LOG_FORMAT", &cfg.Log.Format)
	overrideString("LOG_FILE", &cfg.Log.File)
}

const envPrefix = "FLEET_"

func envValue(name string) (string, bool) {
	value, ok := os.LookupEnv(envPrefix + name)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(value), true
}

func overrideString(name string, target *string) {
	if value, ok := envValue(name); ok {
		*target = value
	}
}

func overrideInt(name string, target *int) {
	value, ok := envValue(name)
	if !ok {
		return
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		log.Warn().Str("var", envPrefix+name).Str("value", value).Msg("Ignoring non-integer environment override")
		return
	}
	*target = parsed
}

func overrideInt64(name string, target *int64) {
	value, ok := envValue(name)
	if !ok {
		return
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		log.Warn().Str("var", envPrefix+name).Str("value", value).Msg("Ignoring non-integer environment override")
		return
	}
	*target = parsed
}

func overrideFloat(name string, target *float64) {
	value, ok := envValue(name)
	if !ok {
		return
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		log.Warn().Str("var", envPrefix+name).Str("value", value).Msg("Ignoring non-numeric environment override")
		return
	}
	*target = parsed
}

func overrideBool(name string, target *bool) {
	value, ok := envValue(name)
	if !ok {
		return
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		log.Warn().Str("var", envPrefix+name).Str("value", value).Msg("Ignoring non-boolean environment override")
		return
	}
	*target = parsed
}

func defaultDataDir(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, name)
}

// SQLitePath returns the server database location inside the data dir.
func (c *ServerConfig) SQLitePath() string {
	return filepath.Join(c.Server.DataDir, "fleet_data.sqlite3")
}

// Describe logs the effective configuration at startup, without secrets.
func (c *ServerConfig) Describe() {
	log.Info().
		Str("host", c.Server.Host).
		Int("port", c.Server.Port).
		Bool("tls", c.TLSEnabled()).
		Bool("encryption", len(c.EncryptionKeyBytes) > 0).
		Bool("strict_encryption", c.Server.StrictEncryption).
		Int("history_size", c.Server.HistorySize).
		Int("retention_days", c.Server.HistoryRetentionDays).
		Str("data_dir", c.Server.DataDir).
		Str("api_key", Fingerprint(c.Server.APIKey)).
		Msg("Configuration loaded")
}

// Fingerprint returns a short non-reversible identifier for a secret,
// for startup logs only.
func Fingerprint(secret string) string {
	if len(secret) < 8 {
		return "(short)"
	}
	return secret[:4] + "…"
}
