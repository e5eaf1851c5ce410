package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

type Config struct {
	ListenAddress  string `toml:"ListenAddress"`
	MetricsAddress string `toml:"MetricsAddress"`
	DataDir        string `toml:"DataDir"`
	LogFile        string `toml:"LogFile,omitempty"`
	Environment    string `toml:"Environment"`

	Escrow   EscrowConfig    `toml:"Escrow"`
	Gateway  GatewayConfig   `toml:"Gateway"`
	Ledger   LedgerConfig    `toml:"Ledger"`
	Webhooks []WebhookConfig `toml:"Webhooks,omitempty"`
}

// EscrowConfig carries the engine parameters. Addresses are bech32 strings
// with the "esc" prefix.
type EscrowConfig struct {
	FeeBps            uint32 `toml:"FeeBps"`
	FeeRecipient      string `toml:"FeeRecipient"`
	Admin             string `toml:"Admin"`
	Custody           string `toml:"Custody"`
	MinDurationSecs   int64  `toml:"MinDurationSecs"`
	MaxDurationSecs   int64  `toml:"MaxDurationSecs"`
	DisputeWindowSecs int64  `toml:"DisputeWindowSecs"`
	MaxAssets         int    `toml:"MaxAssets"`
	FeeOnResolve      bool   `toml:"FeeOnResolve"`
}

type GatewayConfig struct {
	APIKeys           []APIKeyConfig `toml:"APIKeys"`
	RequestsPerMinute int            `toml:"RequestsPerMinute"`
	Burst             int            `toml:"Burst"`
	AdminJWTSecret    string         `toml:"AdminJWTSecret"`
	IdempotencyDB     string         `toml:"IdempotencyDB"`
}

// APIKeyConfig binds an HMAC credential to the party address it may act for.
type APIKeyConfig struct {
	Key     string `toml:"Key"`
	Secret  string `toml:"Secret"`
	Address string `toml:"Address"`
}

type LedgerConfig struct {
	Accounts []AccountConfig `toml:"Accounts"`
}

// AccountConfig seeds an opening balance on the in-process ledger.
type AccountConfig struct {
	Address string `toml:"Address"`
	Token   string `toml:"Token"`
	Balance string `toml:"Balance"`
}

type WebhookConfig struct {
	URL    string   `toml:"URL"`
	Secret string   `toml:"Secret"`
	Events []string `toml:"Events,omitempty"`
}

// Load loads the configuration from the given path. When the file does not
// exist a default one is written and an error instructs the operator to fill
// in the required addresses: the generated file cannot pass validation on its
// own.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = ":8080"
	}
	if c.MetricsAddress == "" {
		c.MetricsAddress = ":9090"
	}
	if c.DataDir == "" {
		c.DataDir = "./escrowd-data"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.Escrow.MinDurationSecs == 0 {
		c.Escrow.MinDurationSecs = 3600
	}
	if c.Escrow.MaxDurationSecs == 0 {
		c.Escrow.MaxDurationSecs = 30 * 24 * 3600
	}
	if c.Escrow.DisputeWindowSecs == 0 {
		c.Escrow.DisputeWindowSecs = 72 * 3600
	}
	if c.Escrow.MaxAssets == 0 {
		c.Escrow.MaxAssets = 10
	}
	if c.Gateway.RequestsPerMinute == 0 {
		c.Gateway.RequestsPerMinute = 120
	}
	if c.Gateway.Burst == 0 {
		c.Gateway.Burst = 20
	}
	if c.Gateway.IdempotencyDB == "" {
		c.Gateway.IdempotencyDB = filepath.Join(c.DataDir, "gateway.db")
	}
}

// createDefault writes a default configuration file for the operator to edit.
func createDefault(path string) error {
	cfg := &Config{}
	cfg.applyDefaults()

	if err := persist(path, cfg); err != nil {
		return err
	}
	return fmt.Errorf("config: wrote default configuration to %s; set the [Escrow] Admin, FeeRecipient and Custody addresses and restart", path)
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
