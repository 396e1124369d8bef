package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func requiredEnv(t *testing.T) {
	t.Setenv("SLEEPNUMBER_EMAIL", "me@example.com")
	t.Setenv("SLEEPNUMBER_CLIENT_ID", "cid")
	t.Setenv("MYSQL_DSN", "u:p@tcp(localhost:3306)/sleep")
}

func TestLoad_DefaultsAndEnv(t *testing.T) {
	chdirTemp(t)
	t.Setenv(ConfigPathEnvVar, "")
	requiredEnv(t)
	t.Setenv("SYNC_TZ", "Europe/Berlin")
	t.Setenv("PUBLISHER_DEFAULT_BACKOFF", "90s")
	t.Setenv("SYNC_CONCURRENCY", "3")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "me@example.com", cfg.SleepNumber.Email)
	assert.Equal(t, "Europe/Berlin", cfg.Sync.Timezone)
	assert.Equal(t, 3, cfg.Sync.Concurrency)
	assert.Equal(t, 120, cfg.Sync.MaxBackfillMonths)
	assert.Equal(t, "sleep_data", cfg.Sync.Measurement)
	assert.Equal(t, 90*time.Second, cfg.Publisher.DefaultBackoff)
	assert.Equal(t, 5, cfg.Publisher.MaxRetries)
	assert.Equal(t, "badger", cfg.Credentials.Backend)
	assert.Equal(t, "Europe/Berlin", cfg.Location().String())
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := chdirTemp(t)
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sleepnumber:
  email: file@example.com
  client_id: from-file
mysql:
  dsn: u:p@tcp(db:3306)/sleep
sync:
  finalized_only: true
health_connect:
  users:
    s1:
      username: ann
      password: pw
`), 0o600))
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("SLEEPNUMBER_CLIENT_ID", "from-env")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "file@example.com", cfg.SleepNumber.Email)
	assert.Equal(t, "from-env", cfg.SleepNumber.ClientID)
	assert.True(t, cfg.Sync.FinalizedOnly)
	assert.Equal(t, "ann", cfg.HealthConnect.Users["s1"].Username)
}

func TestLoad_MissingRequired(t *testing.T) {
	chdirTemp(t)
	t.Setenv(ConfigPathEnvVar, "")
	t.Setenv("SLEEPNUMBER_EMAIL", "")
	t.Setenv("SLEEPNUMBER_CLIENT_ID", "")
	t.Setenv("MYSQL_DSN", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Email")
}

func TestValidate_RedisNeedsAddr(t *testing.T) {
	cfg := defaultConfig()
	cfg.SleepNumber = SleepNumber{Email: "me@example.com", ClientID: "cid"}
	cfg.MySQL.DSN = "dsn"
	require.NoError(t, cfg.Validate())

	cfg.Credentials.Backend = "redis"
	assert.Error(t, cfg.Validate())
	cfg.Credentials.RedisAddr = "localhost:6379"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_BadTimezone(t *testing.T) {
	cfg := defaultConfig()
	cfg.SleepNumber = SleepNumber{Email: "me@example.com", ClientID: "cid"}
	cfg.MySQL.DSN = "dsn"
	cfg.Sync.Timezone = "Mars/Olympus"
	assert.Error(t, cfg.Validate())
}

func TestValidate_FitbitNeedsClient(t *testing.T) {
	cfg := defaultConfig()
	cfg.SleepNumber = SleepNumber{Email: "me@example.com", ClientID: "cid"}
	cfg.MySQL.DSN = "dsn"
	cfg.Fitbit.Enabled = true
	assert.Error(t, cfg.Validate())
	cfg.Fitbit.ClientID, cfg.Fitbit.ClientSecret = "id", "secret"
	assert.NoError(t, cfg.Validate())
}
