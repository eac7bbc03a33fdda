// Package config loads the supervisor's YAML configuration file, applying
// environment-variable overrides and XDG-style default paths, following the
// load/default/override shape used throughout the retrieved corpus.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Backend selects which backend driver the supervisor spawns sessions on.
type Backend string

const (
	BackendTmux Backend = "tmux"
	BackendPTY  Backend = "pty"
	BackendAuto Backend = "auto"
)

// Config is the full set of values spec.md §6 enumerates.
type Config struct {
	BindAddress string `yaml:"bind_address"`
	Port        int    `yaml:"port"`

	AuthToken string `yaml:"auth_token"`

	Backend Backend `yaml:"backend"`

	SkipPermissionsDefault bool `yaml:"skip_permissions_default"`

	BrowseEndpointEnabled bool `yaml:"browse_endpoint_enabled"`

	ExtraAllowedArgvFlags []string `yaml:"extra_allowed_argv_flags"`

	WebhookURL string `yaml:"webhook_url"`

	TranscriptDir            string `yaml:"transcript_dir"`
	TranscriptMaxEntries      int    `yaml:"transcript_max_entries"`
	AuditRingSize             int    `yaml:"audit_ring_size"`
	AuditFilePath             string `yaml:"audit_file_path"`
	SessionCeiling            int    `yaml:"session_ceiling"`
	MaxBridgeClients          int    `yaml:"max_bridge_clients"`
	StateDir                  string `yaml:"state_dir"`
}

// Load reads and parses the YAML file at path, applying environment
// overrides and defaulting any field the file and environment both omit.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	if err := finalize(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads config from path, or returns the default config (with
// environment overrides applied) if the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := defaultConfig()
		applyEnvOverrides(cfg)
		if err := finalize(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return Load(path)
}

func defaultConfig() *Config {
	return &Config{
		BindAddress:          "127.0.0.1",
		Port:                 18900,
		Backend:              BackendAuto,
		TranscriptMaxEntries: 500,
		AuditRingSize:        1000,
		SessionCeiling:       100,
		MaxBridgeClients:     50,
		StateDir:             defaultStateDir(),
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SESSIONFORGE_BIND_ADDRESS"); v != "" {
		cfg.BindAddress = v
	}
	if v := os.Getenv("SESSIONFORGE_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("SESSIONFORGE_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("SESSIONFORGE_BACKEND"); v != "" {
		cfg.Backend = Backend(v)
	}
	if v := os.Getenv("SESSIONFORGE_SKIP_PERMISSIONS_DEFAULT"); v != "" {
		cfg.SkipPermissionsDefault = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("SESSIONFORGE_BROWSE_ENDPOINT_ENABLED"); v != "" {
		cfg.BrowseEndpointEnabled = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("SESSIONFORGE_WEBHOOK_URL"); v != "" {
		cfg.WebhookURL = v
	}
	if v := os.Getenv("SESSIONFORGE_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
}

// finalize generates an auth token when none was configured, validates
// token length, and fills in derived defaults that depend on StateDir.
func finalize(cfg *Config) error {
	if cfg.AuthToken == "" {
		token, err := randomToken(16)
		if err != nil {
			return fmt.Errorf("generating auth token: %w", err)
		}
		cfg.AuthToken = token
	}
	if len(cfg.AuthToken) < 8 {
		return fmt.Errorf("auth token must be at least 8 characters")
	}
	if cfg.TranscriptDir == "" {
		cfg.TranscriptDir = filepath.Join(cfg.StateDir, "transcripts")
	}
	if cfg.AuditFilePath == "" {
		cfg.AuditFilePath = filepath.Join(cfg.StateDir, "audit.log")
	}
	return nil
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func defaultStateDir() string {
	if v := os.Getenv("XDG_STATE_HOME"); v != "" {
		return filepath.Join(v, "sessionforge")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "sessionforge")
	}
	return filepath.Join(home, ".local", "state", "sessionforge")
}

// DefaultConfigPath returns the XDG-compliant default config file path.
func DefaultConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		}
	}
	return filepath.Join(dir, "sessionforge", "config.yaml")
}
