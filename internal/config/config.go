// Package config centralizes runtime configuration for the marketplace node
// and client. It loads a JSON configuration file and exposes a process-wide
// configuration with sensible defaults. Values from a .env file and BAZAAR_*
// environment variables override the file. Tests and development builds use
// defaults when the file is not present. Operators point CONFIG_FILE at the
// JSON file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	ModeDevnet     = "devnet"
	ModeTendermint = "tendermint"

	DriverSQLite = "sqlite"
	DriverBadger = "badger"
)

// Config holds configurable options for the marketplace node and client.
type Config struct {
	KeyFile         string            `json:"key_file"`
	DataDir         string            `json:"data_dir"`
	StorageDriver   string            `json:"storage_driver"`
	Port            int               `json:"port"`
	Mode            string            `json:"mode"`
	ABCISocket      string            `json:"abci_socket"`
	TendermintRPC   string            `json:"tendermint_rpc"`
	TendermintHome  string            `json:"tendermint_home"`
	BlockInterval   Duration          `json:"block_interval"`
	Treasury        string            `json:"treasury"`
	LogLevel        string            `json:"log_level"`
	LogBufferSize   int               `json:"log_buffer_size"`
	BackupSchedule  string            `json:"backup_schedule"`
	MaxBackups      int               `json:"max_backups"`
	ConfirmTimeout  Duration          `json:"confirm_timeout"`
	PollInterval    Duration          `json:"poll_interval"`
	GenesisBalances map[string]uint64 `json:"genesis_balances"`
}

// Duration is a time.Duration that reads as "1s", "500ms" in JSON.
type Duration time.Duration

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid duration %s", string(b))
	}
	*d = Duration(n)
	return nil
}

// MarshalJSON writes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

var cfg *Config

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		KeyFile:        "bazaar_key.pem",
		DataDir:        "data",
		StorageDriver:  DriverSQLite,
		Port:           8080,
		Mode:           ModeDevnet,
		ABCISocket:     "unix://bazaar.sock",
		TendermintRPC:  "http://localhost:26657",
		TendermintHome: "",
		BlockInterval:  Duration(time.Second),
		LogLevel:       "info",
		LogBufferSize:  200,
		BackupSchedule: "@every 1h",
		MaxBackups:     20,
		ConfirmTimeout: Duration(60 * time.Second),
		PollInterval:   Duration(time.Second),
	}
}

// LoadConfig reads a JSON file at path. If the file does not exist or
// cannot be parsed, LoadConfig falls back to defaults so that the
// application can run in development with minimal friction. Environment
// overrides are applied last; a malformed override is an error.
func LoadConfig(path string) (*Config, error) {
	def := Defaults()
	c := *def

	if path != "" {
		if b, err := os.ReadFile(path); err == nil {
			var fileCfg Config
			if err := json.Unmarshal(b, &fileCfg); err == nil {
				c = fileCfg
			}
		}
	}

	mergeDefaults(&c, def)

	// .env is optional
	_ = godotenv.Load()
	if err := applyEnv(&c); err != nil {
		return nil, err
	}

	cfg = &c
	return cfg, nil
}

// merge defaults for any zero-value fields
func mergeDefaults(c, def *Config) {
	if c.KeyFile == "" {
		c.KeyFile = def.KeyFile
	}
	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}
	if c.StorageDriver == "" {
		c.StorageDriver = def.StorageDriver
	}
	if c.Port == 0 {
		c.Port = def.Port
	}
	if c.Mode == "" {
		c.Mode = def.Mode
	}
	if c.ABCISocket == "" {
		c.ABCISocket = def.ABCISocket
	}
	if c.TendermintRPC == "" {
		c.TendermintRPC = def.TendermintRPC
	}
	if c.BlockInterval == 0 {
		c.BlockInterval = def.BlockInterval
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.LogBufferSize == 0 {
		c.LogBufferSize = def.LogBufferSize
	}
	if c.BackupSchedule == "" {
		c.BackupSchedule = def.BackupSchedule
	}
	if c.MaxBackups == 0 {
		c.MaxBackups = def.MaxBackups
	}
	if c.ConfirmTimeout == 0 {
		c.ConfirmTimeout = def.ConfirmTimeout
	}
	if c.PollInterval == 0 {
		c.PollInterval = def.PollInterval
	}
}

func applyEnv(c *Config) error {
	str := map[string]*string{
		"BAZAAR_KEY_FILE":        &c.KeyFile,
		"BAZAAR_DATA_DIR":        &c.DataDir,
		"BAZAAR_STORAGE_DRIVER":  &c.StorageDriver,
		"BAZAAR_MODE":            &c.Mode,
		"BAZAAR_ABCI_SOCKET":     &c.ABCISocket,
		"BAZAAR_TENDERMINT_RPC":  &c.TendermintRPC,
		"BAZAAR_TENDERMINT_HOME": &c.TendermintHome,
		"BAZAAR_TREASURY":        &c.Treasury,
		"BAZAAR_LOG_LEVEL":       &c.LogLevel,
		"BAZAAR_BACKUP_SCHEDULE": &c.BackupSchedule,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("invalid PORT value %q", v)
		}
		c.Port = port
	}

	durations := map[string]*Duration{
		"BAZAAR_BLOCK_INTERVAL":  &c.BlockInterval,
		"BAZAAR_CONFIRM_TIMEOUT": &c.ConfirmTimeout,
		"BAZAAR_POLL_INTERVAL":   &c.PollInterval,
	}
	for key, dst := range durations {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = Duration(d)
		}
	}
	return nil
}

// Validate reports configuration values the node cannot run with.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeDevnet, ModeTendermint:
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	switch c.StorageDriver {
	case DriverSQLite, DriverBadger:
	default:
		return fmt.Errorf("unknown storage driver %q", c.StorageDriver)
	}
	if c.BlockInterval.Std() <= 0 {
		return fmt.Errorf("block interval must be positive")
	}
	return nil
}

// Get returns the loaded configuration. If LoadConfig hasn't been called
// yet, it returns defaults.
func Get() *Config {
	if cfg == nil {
		if _, err := LoadConfig(""); err != nil {
			cfg = Defaults()
		}
	}
	return cfg
}
