package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  host: "0.0.0.0"

database:
  url: "postgres://localhost/audience_test?sslmode=disable"
  max_open_conns: 10

redis:
  addr: "localhost:6379"

ses:
  region: "eu-west-1"
  access_key: "test-access"
  secret_key: "test-secret"
  timeout_seconds: 45

sender:
  from_name: "Acme Updates"
  from_email: "updates@acme.example"
  base_url: "https://email.acme.example"

tokens:
  secret: "file-secret"
  preference_ttl_hours: 48

privacy:
  anonymize_salt: "file-salt"

scheduler:
  automation_tick_seconds: 15
  segment_refresh_minutes: 5
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)

	assert.Equal(t, "postgres://localhost/audience_test?sslmode=disable", cfg.Database.URL)
	assert.Equal(t, 10, cfg.Database.MaxOpenConns)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)

	assert.Equal(t, "eu-west-1", cfg.SES.Region)
	assert.Equal(t, 45, cfg.SES.TimeoutSeconds)

	assert.Equal(t, "Acme Updates", cfg.Sender.FromName)
	assert.Equal(t, "updates@acme.example", cfg.Sender.FromEmail)
	assert.Equal(t, "https://email.acme.example", cfg.Sender.BaseURL)

	assert.Equal(t, "file-secret", cfg.Tokens.Secret)
	assert.Equal(t, 48*time.Hour, cfg.Tokens.PreferenceTTL())

	assert.Equal(t, "file-salt", cfg.Privacy.AnonymizeSalt)

	assert.Equal(t, 15*time.Second, cfg.Scheduler.AutomationTick())
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.SegmentRefresh())
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  url: "postgres://localhost/x"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
	assert.Equal(t, 5, cfg.Database.MaxIdleConns)
	assert.Equal(t, "us-west-2", cfg.SES.Region)
	assert.Equal(t, 30, cfg.SES.TimeoutSeconds)
	assert.Equal(t, 30*24*time.Hour, cfg.Tokens.PreferenceTTL())
	assert.Equal(t, 30*time.Second, cfg.Scheduler.AutomationTick())
	assert.Equal(t, 60*time.Minute, cfg.Scheduler.InactivitySweep())
	assert.Equal(t, 60*time.Second, cfg.Scheduler.CampaignDispatch())
	assert.Equal(t, 15*time.Minute, cfg.Scheduler.SegmentRefresh())
	assert.Equal(t, 24*time.Hour, cfg.Scheduler.ScoreRecompute())
}

func TestLoadFromEnv(t *testing.T) {
	path := writeConfig(t, `
database:
  url: "postgres://file-host/db"
tokens:
  secret: "file-secret"
`)

	os.Setenv("DATABASE_URL", "postgres://env-host/db")
	os.Setenv("TOKEN_SECRET", "env-secret")
	os.Setenv("ANONYMIZE_SALT", "env-salt")
	defer func() {
		os.Unsetenv("DATABASE_URL")
		os.Unsetenv("TOKEN_SECRET")
		os.Unsetenv("ANONYMIZE_SALT")
	}()

	cfg, err := LoadFromEnv(path)
	require.NoError(t, err)

	// Environment variables should override file values
	assert.Equal(t, "postgres://env-host/db", cfg.Database.URL)
	assert.Equal(t, "env-secret", cfg.Tokens.Secret)
	assert.Equal(t, "env-salt", cfg.Privacy.AnonymizeSalt)
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	assert.Error(t, cfg.Validate())

	cfg.Database.URL = "postgres://localhost/x"
	assert.Error(t, cfg.Validate())

	cfg.Tokens.Secret = "s"
	cfg.Privacy.AnonymizeSalt = "salt"
	cfg.Sender.BaseURL = "https://email.example.com"
	cfg.Sender.FromEmail = "hello@example.com"
	assert.NoError(t, cfg.Validate())
}

func TestTimeout(t *testing.T) {
	cfg := SESConfig{TimeoutSeconds: 45}
	assert.Equal(t, 45*time.Second, cfg.Timeout())
}
