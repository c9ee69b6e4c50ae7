package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaultsWhenMissing(t *testing.T) {
	c, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if c.Port != 8080 || c.Mode != ModeDevnet || c.StorageDriver != DriverSQLite {
		t.Fatalf("unexpected defaults %+v", c)
	}
	if c.BlockInterval.Std() != time.Second {
		t.Fatalf("unexpected block interval %v", c.BlockInterval.Std())
	}
}

func TestLoadConfigMergesFileAndDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"port": 9090, "storage_driver": "badger", "block_interval": "250ms",
		"genesis_balances": {"abcd": 5000000}}`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	c, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if c.Port != 9090 || c.StorageDriver != DriverBadger {
		t.Fatalf("file values not applied: %+v", c)
	}
	if c.BlockInterval.Std() != 250*time.Millisecond {
		t.Fatalf("unexpected block interval %v", c.BlockInterval.Std())
	}
	if c.KeyFile != "bazaar_key.pem" || c.MaxBackups != 20 {
		t.Fatalf("defaults not merged: %+v", c)
	}
	if c.GenesisBalances["abcd"] != 5000000 {
		t.Fatalf("genesis balances not loaded: %+v", c.GenesisBalances)
	}
	if Get() != c {
		t.Fatal("Get should return the loaded config")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BAZAAR_MODE", ModeTendermint)
	t.Setenv("PORT", "7070")
	t.Setenv("BAZAAR_POLL_INTERVAL", "2s")

	c, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if c.Mode != ModeTendermint || c.Port != 7070 || c.PollInterval.Std() != 2*time.Second {
		t.Fatalf("env overrides not applied: %+v", c)
	}
}

func TestEnvOverrideRejectsBadPort(t *testing.T) {
	t.Setenv("PORT", "99999")
	if _, err := LoadConfig(""); err == nil {
		t.Fatal("expected error for invalid PORT")
	}
}

func TestValidate(t *testing.T) {
	c := Defaults()
	if err := c.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	c.Mode = "mainnet"
	if err := c.Validate(); err == nil {
		t.Fatal("expected unknown mode error")
	}
	c = Defaults()
	c.StorageDriver = "postgres"
	if err := c.Validate(); err == nil {
		t.Fatal("expected unknown driver error")
	}
}
