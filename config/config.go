// Package config loads the TOML configuration for the olmcored demo
// binary. The library itself takes its dependencies as constructor
// arguments; this package only exists to drive cmd/olmcored.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the top-level olmcored configuration.
type Config struct {
	Account Account `toml:"account"`
	Storage Storage `toml:"storage"`
	Keys    Keys    `toml:"keys"`
	Logging Logging `toml:"logging"`
}

// Account identifies the local (user, device) pair the engine runs as.
type Account struct {
	UserID   string `toml:"user_id"`
	DeviceID string `toml:"device_id"`
}

// Storage locates the session directory holding the fingerprint stores
// and the database.
type Storage struct {
	DataDir string `toml:"data_dir"`
}

// Keys tunes one-time key management.
type Keys struct {
	// OneTimeKeyCount is how many one-time keys the olmcored "otk"
	// command generates per call. No key is generated automatically.
	OneTimeKeyCount int `toml:"one_time_key_count"`

	// LowWaterMark is the one-time key pool size loaded from the
	// configuration. Nothing in this module reads it.
	LowWaterMark int `toml:"low_water_mark"`
}

// Logging configures the demo binary's log output.
type Logging struct {
	File    string `toml:"file"`
	Console bool   `toml:"console"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Storage: Storage{DataDir: defaultDataDir()},
		Keys:    Keys{OneTimeKeyCount: 50, LowWaterMark: 10},
		Logging: Logging{Console: true},
	}
}

// Load reads the configuration at path, filling unset fields with
// defaults. A missing file yields the defaults with no error.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = defaultDataDir()
	}
	if cfg.Keys.OneTimeKeyCount <= 0 {
		cfg.Keys.OneTimeKeyCount = 50
	}
	if cfg.Keys.LowWaterMark < 0 {
		cfg.Keys.LowWaterMark = 0
	}
	return cfg, nil
}

// Validate checks the fields the engine cannot default.
func (c Config) Validate() error {
	if c.Account.UserID == "" {
		return fmt.Errorf("config: account.user_id is required")
	}
	if c.Account.DeviceID == "" {
		return fmt.Errorf("config: account.device_id is required")
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share", "olmcored")
}
