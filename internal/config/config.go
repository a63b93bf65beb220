package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	SES       SESConfig       `yaml:"ses"`
	Sender    SenderConfig    `yaml:"sender"`
	Tokens    TokenConfig     `yaml:"tokens"`
	Privacy   PrivacyConfig   `yaml:"privacy"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with ECS detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// Addr returns the host:port listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.GetHost(), c.Port)
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the Redis connection used for segment member
// mirrors. Disabled when Addr is empty.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SESConfig holds AWS SES API configuration
type SESConfig struct {
	Region         string `yaml:"region"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c SESConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SenderConfig holds the default envelope identity and the public base
// URL that tracking and unsubscribe links point at.
type SenderConfig struct {
	FromName  string `yaml:"from_name"`
	FromEmail string `yaml:"from_email"`
	BaseURL   string `yaml:"base_url"`
}

// TokenConfig holds the signing secret for public action tokens.
type TokenConfig struct {
	Secret             string `yaml:"secret"`
	PreferenceTTLHours int    `yaml:"preference_ttl_hours"`
}

// PreferenceTTL returns the preference-center token lifetime.
func (c TokenConfig) PreferenceTTL() time.Duration {
	return time.Duration(c.PreferenceTTLHours) * time.Hour
}

// PrivacyConfig holds the anonymization salt. Must stay stable across
// restarts so repeated anonymization stays deterministic.
type PrivacyConfig struct {
	AnonymizeSalt string `yaml:"anonymize_salt"`
}

// SchedulerConfig holds background task intervals.
type SchedulerConfig struct {
	AutomationTickSeconds    int `yaml:"automation_tick_seconds"`
	InactivitySweepMinutes   int `yaml:"inactivity_sweep_minutes"`
	CampaignDispatchSeconds  int `yaml:"campaign_dispatch_seconds"`
	SegmentRefreshMinutes    int `yaml:"segment_refresh_minutes"`
	ScoreRecomputeHours      int `yaml:"score_recompute_hours"`
}

func (c SchedulerConfig) AutomationTick() time.Duration {
	return time.Duration(c.AutomationTickSeconds) * time.Second
}

func (c SchedulerConfig) InactivitySweep() time.Duration {
	return time.Duration(c.InactivitySweepMinutes) * time.Minute
}

func (c SchedulerConfig) CampaignDispatch() time.Duration {
	return time.Duration(c.CampaignDispatchSeconds) * time.Second
}

func (c SchedulerConfig) SegmentRefresh() time.Duration {
	return time.Duration(c.SegmentRefreshMinutes) * time.Minute
}

func (c SchedulerConfig) ScoreRecompute() time.Duration {
	return time.Duration(c.ScoreRecomputeHours) * time.Hour
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.SES.TimeoutSeconds == 0 {
		cfg.SES.TimeoutSeconds = 30
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-west-2"
	}
	if cfg.Tokens.PreferenceTTLHours == 0 {
		cfg.Tokens.PreferenceTTLHours = 24 * 30
	}
	if cfg.Scheduler.AutomationTickSeconds == 0 {
		cfg.Scheduler.AutomationTickSeconds = 30
	}
	if cfg.Scheduler.InactivitySweepMinutes == 0 {
		cfg.Scheduler.InactivitySweepMinutes = 60
	}
	if cfg.Scheduler.CampaignDispatchSeconds == 0 {
		cfg.Scheduler.CampaignDispatchSeconds = 60
	}
	if cfg.Scheduler.SegmentRefreshMinutes == 0 {
		cfg.Scheduler.SegmentRefreshMinutes = 15
	}
	if cfg.Scheduler.ScoreRecomputeHours == 0 {
		cfg.Scheduler.ScoreRecomputeHours = 24
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}
	if accessKey := os.Getenv("AWS_SES_ACCESS_KEY"); accessKey != "" {
		cfg.SES.AccessKey = accessKey
	}
	if secretKey := os.Getenv("AWS_SES_SECRET_KEY"); secretKey != "" {
		cfg.SES.SecretKey = secretKey
	}
	if region := os.Getenv("AWS_SES_REGION"); region != "" {
		cfg.SES.Region = region
	}
	if secret := os.Getenv("TOKEN_SECRET"); secret != "" {
		cfg.Tokens.Secret = secret
	}
	if salt := os.Getenv("ANONYMIZE_SALT"); salt != "" {
		cfg.Privacy.AnonymizeSalt = salt
	}
	if baseURL := os.Getenv("PUBLIC_BASE_URL"); baseURL != "" {
		cfg.Sender.BaseURL = baseURL
	}

	return cfg, nil
}

// Validate checks the settings that have no safe default.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.Tokens.Secret == "" {
		return fmt.Errorf("tokens.secret is required")
	}
	if c.Privacy.AnonymizeSalt == "" {
		return fmt.Errorf("privacy.anonymize_salt is required")
	}
	if c.Sender.BaseURL == "" {
		return fmt.Errorf("sender.base_url is required")
	}
	if c.Sender.FromEmail == "" {
		return fmt.Errorf("sender.from_email is required")
	}
	return nil
}
