package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all configurable parameters for the counter client.
type Config struct {
	Ledger   LedgerConfig   `toml:"ledger"`
	Wallet   WalletConfig   `toml:"wallet"`
	Counters CountersConfig `toml:"counters"`
	Notify   NotifyConfig   `toml:"notify"`
	History  HistoryConfig  `toml:"history"`
	Log      LogConfig      `toml:"log"`
}

// LedgerConfig describes the remote ledger endpoint and the counter package on it.
type LedgerConfig struct {
	RPCURL          string   `toml:"rpc_url"`
	RequestTimeout  Duration `toml:"request_timeout"`
	PackageID       string   `toml:"package_id"`
	Module          string   `toml:"module"`
	CounterType     string   `toml:"counter_type"`
	GlobalCounterID string   `toml:"global_counter_id"`
	GasBudget       uint64   `toml:"gas_budget"`

	// Discovery poll after create_personal_counter
	DiscoveryAttempts int      `toml:"discovery_attempts"`
	DiscoveryDelay    Duration `toml:"discovery_delay"`

	// Watcher poll interval for remote object changes
	PollInterval Duration `toml:"poll_interval"`
}

// WalletConfig holds the keystore wallet settings.
type WalletConfig struct {
	Mnemonic   string `toml:"mnemonic"`
	Passphrase string `toml:"passphrase"`
}

// CountersConfig bounds the personal counter registry.
type CountersConfig struct {
	MaxCards int `toml:"max_cards"`
}

// NotifyConfig holds toast settings.
type NotifyConfig struct {
	Window Duration `toml:"window"`
}

// HistoryConfig points at the durable local store.
type HistoryConfig struct {
	DBPath string `toml:"db_path"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns a Config populated with default values.
func Default() Config {
	return Config{
		Ledger: LedgerConfig{
			RPCURL:            "https://fullnode.testnet.sui.io:443",
			RequestTimeout:    Duration(15 * time.Second),
			Module:            "counter",
			GasBudget:         10_000_000,
			DiscoveryAttempts: 3,
			DiscoveryDelay:    Duration(1 * time.Second),
			PollInterval:      Duration(5 * time.Second),
		},
		Counters: CountersConfig{MaxCards: 26},
		Notify:   NotifyConfig{Window: Duration(3 * time.Second)},
		History:  HistoryConfig{DBPath: "counter-history.db"},
		Log:      LogConfig{Level: "info"},
	}
}

// Load reads a TOML file over the defaults. Unset keys keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file: %w", err)
	}
	cfg.setDefaults()

	return cfg, nil
}

// FromEnv overlays environment variables onto cfg.
func FromEnv(cfg Config) Config {
	if v := os.Getenv("COUNTER_RPC_URL"); v != "" {
		cfg.Ledger.RPCURL = v
	}
	if v := os.Getenv("COUNTER_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Ledger.RequestTimeout = Duration(d)
		}
	}
	if v := os.Getenv("COUNTER_PACKAGE_ID"); v != "" {
		cfg.Ledger.PackageID = v
	}
	if v := os.Getenv("COUNTER_MODULE"); v != "" {
		cfg.Ledger.Module = v
	}
	if v := os.Getenv("COUNTER_TYPE"); v != "" {
		cfg.Ledger.CounterType = v
	}
	if v := os.Getenv("COUNTER_GLOBAL_ID"); v != "" {
		cfg.Ledger.GlobalCounterID = v
	}
	if v := os.Getenv("COUNTER_GAS_BUDGET"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Ledger.GasBudget = n
		}
	}
	if v := os.Getenv("COUNTER_DISCOVERY_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Ledger.DiscoveryAttempts = n
		}
	}
	if v := os.Getenv("COUNTER_DISCOVERY_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Ledger.DiscoveryDelay = Duration(d)
		}
	}
	if v := os.Getenv("COUNTER_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Ledger.PollInterval = Duration(d)
		}
	}
	if v := os.Getenv("COUNTER_MNEMONIC"); v != "" {
		cfg.Wallet.Mnemonic = v
	}
	if v := os.Getenv("COUNTER_PASSPHRASE"); v != "" {
		cfg.Wallet.Passphrase = v
	}
	if v := os.Getenv("COUNTER_MAX_CARDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Counters.MaxCards = n
		}
	}
	if v := os.Getenv("COUNTER_TOAST_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Notify.Window = Duration(d)
		}
	}
	if v := os.Getenv("COUNTER_HISTORY_DB"); v != "" {
		cfg.History.DBPath = v
	}
	if v := os.Getenv("COUNTER_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	cfg.setDefaults()
	return cfg
}

func (c *Config) setDefaults() {
	def := Default()
	if c.Ledger.RequestTimeout <= 0 {
		c.Ledger.RequestTimeout = def.Ledger.RequestTimeout
	}
	if c.Ledger.Module == "" {
		c.Ledger.Module = def.Ledger.Module
	}
	if c.Ledger.GasBudget == 0 {
		c.Ledger.GasBudget = def.Ledger.GasBudget
	}
	if c.Ledger.DiscoveryAttempts <= 0 {
		c.Ledger.DiscoveryAttempts = def.Ledger.DiscoveryAttempts
	}
	if c.Ledger.DiscoveryDelay <= 0 {
		c.Ledger.DiscoveryDelay = def.Ledger.DiscoveryDelay
	}
	if c.Ledger.PollInterval <= 0 {
		c.Ledger.PollInterval = def.Ledger.PollInterval
	}
	if c.Counters.MaxCards <= 0 {
		c.Counters.MaxCards = def.Counters.MaxCards
	}
	if c.Notify.Window <= 0 {
		c.Notify.Window = def.Notify.Window
	}
	if c.History.DBPath == "" {
		c.History.DBPath = def.History.DBPath
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
}

// Duration is a time.Duration that reads from TOML strings such as "1s".
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}
