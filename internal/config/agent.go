package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/atlasfleet/atlas/internal/crypto"
	fleeterrors "github.com/atlasfleet/atlas/internal/errors"
)

// AgentConfig is the per-endpoint agent configuration, stored as JSON
// at ~/.fleet-agent/config.json.
type AgentConfig struct {
	ServerURL       string `json:"server_url"`
	APIKey          string `json:"api_key"`
	EncryptionKey   string `json:"encryption_key,omitempty"`
	MachineID       string `json:"machine_id,omitempty"`
	IntervalSeconds int    `json:"interval,omitempty"`
	VerifySSL       *bool  `json:"verify_ssl,omitempty"`
	DataDir         string `json:"data_dir,omitempty"`
	LogLevel        string `json:"log_level,omitempty"`

	EncryptionKeyBytes []byte `json:"-"`
}

// DefaultAgentConfigPath returns ~/.fleet-agent/config.json.
func DefaultAgentConfigPath() string {
	return filepath.Join(defaultDataDir(".fleet-agent"), "config.json")
}

// Interval returns the reporting cadence.
func (c *AgentConfig) Interval() time.Duration {
	if c.IntervalSeconds <= 0 {
		return DefaultAgentInterval
	}
	return time.Duration(c.IntervalSeconds) * time.Second
}

// TLSVerify reports whether server certificates must validate.
func (c *AgentConfig) TLSVerify() bool {
	return c.VerifySSL == nil || *c.VerifySSL
}

// CSVDir returns the directory holding per-monitor CSV logs.
func (c *AgentConfig) CSVDir() string {
	return filepath.Join(c.DataDir, "data")
}

// LoadAgent reads the agent configuration file (if present), applies
// FLEET_ environment overrides, and validates the result.
func LoadAgent(path string) (*AgentConfig, error) {
	cfg := &AgentConfig{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fleeterrors.New(fleeterrors.KindConfigInvalid, "load_agent_config", err)
			}
		} else if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fleeterrors.New(fleeterrors.KindConfigInvalid, "load_agent_config", err)
		}
	}

	applyAgentEnvOverrides(cfg)

	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir(".fleet-agent")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if strings.TrimSpace(cfg.ServerURL) == "" {
		return nil, fleeterrors.Newf(fleeterrors.KindConfigInvalid, "load_agent_config", "server_url is required")
	}
	cfg.ServerURL = strings.TrimRight(strings.TrimSpace(cfg.ServerURL), "/")
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fleeterrors.Newf(fleeterrors.KindConfigInvalid, "load_agent_config", "api_key is required")
	}
	if key := strings.TrimSpace(cfg.EncryptionKey); key != "" {
		decoded, err := crypto.ParseKey(key)
		if err != nil {
			return nil, fleeterrors.New(fleeterrors.KindConfigInvalid, "load_agent_config", err)
		}
		cfg.EncryptionKeyBytes = decoded
	}
	return cfg, nil
}

func applyAgentEnvOverrides(cfg *AgentConfig) {
	overrideString("SERVER_URL", &cfg.ServerURL)
	overrideString("API_KEY", &cfg.APIKey)
	overrideString("ENCRYPTION_KEY", &cfg.EncryptionKey)
	overrideString("MACHINE_ID", &cfg.MachineID)
	overrideInt("INTERVAL", &cfg.IntervalSeconds)
	overrideString("DATA_DIR", &cfg.DataDir)
	overrideString("LOG_LEVEL", &cfg.LogLevel)
	if value, ok := envValue("VERIFY_SSL"); ok {
		verify := !strings.EqualFold(value, "false") && value != "0"
		cfg.VerifySSL = &verify
	}
}
