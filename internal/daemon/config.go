package daemon

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the on-disk daemon configuration ($AGENTLEDGER_HOME/config.toml).
type Config struct {
	API        APIConfig        `toml:"api"`
	Log        LogConfig        `toml:"log"`
	Ledger     LedgerConfig     `toml:"ledger"`
	Settlement SettlementConfig `toml:"settlement"`
	Dispatcher DispatcherConfig `toml:"dispatcher"`
	Sync       SyncConfig       `toml:"sync"`
	LLM        LLMConfig        `toml:"llm"`
	Remote     RemoteConfig     `toml:"remote"`
	NATS       NATSConfig       `toml:"nats"`
	Catalog    CatalogConfig    `toml:"catalog"`
}

// APIConfig configures the HTTP listener.
type APIConfig struct {
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	Metrics bool   `toml:"metrics"`
}

// Addr returns host:port.
func (a APIConfig) Addr() string { return fmt.Sprintf("%s:%d", a.Host, a.Port) }

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// LedgerConfig selects the local store.
type LedgerConfig struct {
	Dir    string `toml:"dir"`    // empty = $AGENTLEDGER_HOME/data
	Memory bool   `toml:"memory"` // volatile in-memory ledger (dev only)
}

// SettlementConfig tunes the settlement engine.
type SettlementConfig struct {
	LeaseTTL       string `toml:"lease_ttl"`
	ConfirmTimeout string `toml:"confirm_timeout"`
	CommitRetries  int    `toml:"commit_retries"`
	RetryBackoff   string `toml:"retry_backoff"`
}

// DispatcherConfig configures background dispatch for the session operator.
type DispatcherConfig struct {
	Enabled        bool   `toml:"enabled"`
	Operator       string `toml:"operator"`
	Interval       string `toml:"interval"`
	AttemptTimeout string `toml:"attempt_timeout"`
	History        int    `toml:"history"`
}

// SyncConfig schedules reconciliation with the remote store.
type SyncConfig struct {
	Interval string `toml:"interval"` // "0" disables scheduled sync
	Timeout  string `toml:"timeout"`
}

// LLMConfig configures the execution backend.
type LLMConfig struct {
	Backend     string  `toml:"backend"` // "openai" or "static"
	APIKey      string  `toml:"api_key"`
	BaseURL     string  `toml:"base_url"`
	Model       string  `toml:"model"`
	MaxTokens   int     `toml:"max_tokens"`
	Temperature float32 `toml:"temperature"`
}

// RemoteConfig points at the hosted Postgres backend.
type RemoteConfig struct {
	DSN string `toml:"dsn"` // empty disables reconciliation
}

// NATSConfig configures ledger event publication.
type NATSConfig struct {
	URL string `toml:"url"` // empty disables NATS
}

// CatalogConfig configures task generation.
type CatalogConfig struct {
	SectorsFile string `toml:"sectors_file"` // YAML sector spec; empty = built-in
	Seed        uint64 `toml:"seed"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Host:    "127.0.0.1",
			Port:    8420,
			Metrics: true,
		},
		Log: LogConfig{Level: "info"},
		Settlement: SettlementConfig{
			LeaseTTL:       "2m",
			ConfirmTimeout: "90s",
			CommitRetries:  3,
			RetryBackoff:   "50ms",
		},
		Dispatcher: DispatcherConfig{
			Enabled:        false,
			Interval:       "30s",
			AttemptTimeout: "2m",
			History:        20,
		},
		Sync: SyncConfig{
			Interval: "5m",
			Timeout:  "15s",
		},
		LLM: LLMConfig{
			Backend:     "openai",
			Model:       "gpt-4o-mini",
			MaxTokens:   512,
			Temperature: 0.4,
		},
		Catalog: CatalogConfig{Seed: 42},
	}
}

// Home returns the agentledger home directory.
func Home() string {
	if h := os.Getenv("AGENTLEDGER_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentledger"
	}
	return filepath.Join(home, ".agentledger")
}

// ConfigPath returns the default config file location.
func ConfigPath() string { return filepath.Join(Home(), "config.toml") }

// LoadConfig reads path over the defaults and applies environment overrides.
// A missing file is not an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("AGENTLEDGER_REMOTE_DSN"); v != "" {
		c.Remote.DSN = v
	}
	if v := os.Getenv("AGENTLEDGER_NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("AGENTLEDGER_OPERATOR"); v != "" {
		c.Dispatcher.Operator = v
	}
}

// Validate checks durations and cross-field constraints.
func (c Config) Validate() error {
	for name, v := range map[string]string{
		"settlement.lease_ttl":       c.Settlement.LeaseTTL,
		"settlement.confirm_timeout": c.Settlement.ConfirmTimeout,
		"settlement.retry_backoff":   c.Settlement.RetryBackoff,
		"dispatcher.interval":        c.Dispatcher.Interval,
		"dispatcher.attempt_timeout": c.Dispatcher.AttemptTimeout,
		"sync.interval":              c.Sync.Interval,
		"sync.timeout":               c.Sync.Timeout,
	} {
		if _, err := parseDuration(v); err != nil {
			return fmt.Errorf("config %s: %w", name, err)
		}
	}
	if c.Dispatcher.Enabled && c.Dispatcher.Operator == "" {
		return errors.New("config dispatcher.enabled requires dispatcher.operator")
	}
	switch c.LLM.Backend {
	case "openai", "static":
	default:
		return fmt.Errorf("config llm.backend: unknown backend %q", c.LLM.Backend)
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("config api.port: %d out of range", c.API.Port)
	}
	return nil
}

// LedgerDir returns the directory holding the SQLite ledger.
func (c Config) LedgerDir() string {
	if c.Ledger.Dir != "" {
		return c.Ledger.Dir
	}
	return filepath.Join(Home(), "data")
}

// parseDuration parses a duration string; empty and "0" mean zero.
func parseDuration(s string) (time.Duration, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

// duration parses a validated duration string.
func duration(s string) time.Duration {
	d, _ := parseDuration(s)
	return d
}
