package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.NoError(t, err)
	require.Equal(t, 50, cfg.Keys.OneTimeKeyCount)
	require.Equal(t, 10, cfg.Keys.LowWaterMark)
	require.True(t, cfg.Logging.Console)
	require.NotEmpty(t, cfg.Storage.DataDir)
}

func TestLoadParsesTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "olmcored.toml")
	content := `
[account]
user_id = "@alice:example.org"
device_id = "DEV1"

[storage]
data_dir = "/var/lib/olmcored"

[keys]
one_time_key_count = 25
low_water_mark = 5

[logging]
file = "/var/log/olmcored.log"
console = false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "@alice:example.org", cfg.Account.UserID)
	require.Equal(t, "DEV1", cfg.Account.DeviceID)
	require.Equal(t, "/var/lib/olmcored", cfg.Storage.DataDir)
	require.Equal(t, 25, cfg.Keys.OneTimeKeyCount)
	require.Equal(t, 5, cfg.Keys.LowWaterMark)
	require.Equal(t, "/var/log/olmcored.log", cfg.Logging.File)
	require.False(t, cfg.Logging.Console)
	require.NoError(t, cfg.Validate())
}

func TestLoadRejectsMalformedTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "olmcored.toml")
	require.NoError(t, os.WriteFile(path, []byte("account = [broken"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateRequiresAccount(t *testing.T) {
	cfg := Default()
	require.Error(t, cfg.Validate())

	cfg.Account.UserID = "@alice:example.org"
	require.Error(t, cfg.Validate())

	cfg.Account.DeviceID = "DEV1"
	require.NoError(t, cfg.Validate())
}
