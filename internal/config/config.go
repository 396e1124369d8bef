// Package config loads settings from built-in defaults, an optional YAML
// file and environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the config file search.
const ConfigPathEnvVar = "CONFIG_PATH"

// DefaultConfigPaths are searched in order when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/sleep-scraper/config.yaml",
}

// Config holds the process configuration.
type Config struct {
	SleepNumber   SleepNumber   `koanf:"sleepnumber"`
	MySQL         MySQL         `koanf:"mysql"`
	Sync          Sync          `koanf:"sync"`
	Credentials   Credentials   `koanf:"credentials"`
	Fitbit        Fitbit        `koanf:"fitbit"`
	HealthConnect HealthConnect `koanf:"health_connect"`
	Server        Server        `koanf:"server"`
	Publisher     Publisher     `koanf:"publisher"`
	Logging       Logging       `koanf:"logging"`
}

type SleepNumber struct {
	Email             string  `koanf:"email" validate:"required,email"`
	Password          string  `koanf:"password"`
	ClientID          string  `koanf:"client_id" validate:"required"`
	BaseURL           string  `koanf:"base_url" validate:"omitempty,url"`
	AuthURL           string  `koanf:"auth_url" validate:"omitempty,url"`
	RequestsPerSecond float64 `koanf:"requests_per_second" validate:"min=0"`
}

type MySQL struct {
	DSN string `koanf:"dsn" validate:"required"` // e.g. user:pass@tcp(host:3306)/dbname
}

type Sync struct {
	Timezone          string        `koanf:"timezone" validate:"required"`
	Concurrency       int           `koanf:"concurrency" validate:"min=1,max=16"`
	MaxBackfillMonths int           `koanf:"max_backfill_months" validate:"min=1"`
	WatermarkLookback time.Duration `koanf:"watermark_lookback" validate:"min=0"`
	FinalizedOnly     bool          `koanf:"finalized_only"`
	Measurement       string        `koanf:"measurement" validate:"required"`
	ResetMetrics      bool          `koanf:"reset_metrics"`
}

type Credentials struct {
	Backend       string `koanf:"backend" validate:"oneof=badger redis"`
	Path          string `koanf:"path"`
	RedisAddr     string `koanf:"redis_addr" validate:"required_if=Backend redis"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db" validate:"min=0"`
	RedisPrefix   string `koanf:"redis_prefix"`
	ImportJSON    string `koanf:"import_json"`
}

type Fitbit struct {
	Enabled      bool   `koanf:"enabled"`
	ClientID     string `koanf:"client_id" validate:"required_if=Enabled true"`
	ClientSecret string `koanf:"client_secret" validate:"required_if=Enabled true"`
	RedirectURL  string `koanf:"redirect_url" validate:"omitempty,url"`
	BaseURL      string `koanf:"base_url" validate:"omitempty,url"`
	AuthURL      string `koanf:"auth_url" validate:"omitempty,url"`
	TokenURL     string `koanf:"token_url" validate:"omitempty,url"`
}

// HealthConnect maps sleepers (by ID or first name) to gateway logins.
type HealthConnect struct {
	BaseURL string                       `koanf:"base_url" validate:"omitempty,url"`
	Users   map[string]HealthConnectUser `koanf:"users" validate:"dive"`
}

type HealthConnectUser struct {
	Username string `koanf:"username" validate:"required"`
	Password string `koanf:"password" validate:"required"`
}

type Server struct {
	Addr string `koanf:"addr"`
}

type Publisher struct {
	DefaultBackoff time.Duration `koanf:"default_backoff" validate:"gt=0"`
	MaxRetries     int           `koanf:"max_retries" validate:"min=0,max=20"`
}

type Logging struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

func defaultConfig() Config {
	return Config{
		Sync: Sync{
			Timezone:          "UTC",
			Concurrency:       1,
			MaxBackfillMonths: 120,
			Measurement:       "sleep_data",
		},
		Credentials: Credentials{
			Backend:     "badger",
			Path:        "data/credentials",
			RedisPrefix: "sleep-scraper:credentials",
		},
		Server:    Server{Addr: ":8080"},
		Publisher: Publisher{DefaultBackoff: time.Minute, MaxRetries: 5},
		Logging:   Logging{Level: "info", Format: "json"},
	}
}

// Load builds the configuration: defaults, then the first config file
// found, then environment variables.
func Load() (Config, error) {
	k := koanf.New(".")

	defaults := defaultConfig()
	if err := k.Load(structs.Provider(&defaults, "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}
	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field rules.
func (c Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return err
	}
	if _, err := time.LoadLocation(c.Sync.Timezone); err != nil {
		return fmt.Errorf("invalid configuration: sync.timezone: %w", err)
	}
	if c.Fitbit.Enabled && c.Fitbit.RedirectURL == "" && c.Server.Addr == "" {
		return errors.New("invalid configuration: fitbit needs redirect_url or a server address for the authorization callback")
	}
	return nil
}

// Location returns the configured default timezone.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Sync.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envMappings maps environment variable names to config paths. Variables not
// listed are ignored.
var envMappings = map[string]string{
	"SLEEPNUMBER_EMAIL":               "sleepnumber.email",
	"SLEEPNUMBER_PASSWORD":            "sleepnumber.password",
	"SLEEPNUMBER_CLIENT_ID":           "sleepnumber.client_id",
	"SLEEPNUMBER_BASE_URL":            "sleepnumber.base_url",
	"SLEEPNUMBER_AUTH_URL":            "sleepnumber.auth_url",
	"SLEEPNUMBER_REQUESTS_PER_SECOND": "sleepnumber.requests_per_second",

	"MYSQL_DSN": "mysql.dsn",

	"SYNC_TZ":                  "sync.timezone",
	"SYNC_CONCURRENCY":         "sync.concurrency",
	"SYNC_MAX_BACKFILL_MONTHS": "sync.max_backfill_months",
	"SYNC_WATERMARK_LOOKBACK":  "sync.watermark_lookback",
	"SYNC_FINALIZED_ONLY":      "sync.finalized_only",
	"SYNC_MEASUREMENT":         "sync.measurement",
	"SYNC_RESET_METRICS":       "sync.reset_metrics",

	"CREDENTIALS_BACKEND":      "credentials.backend",
	"CREDENTIALS_PATH":         "credentials.path",
	"CREDENTIALS_IMPORT_JSON":  "credentials.import_json",
	"CREDENTIALS_REDIS_PREFIX": "credentials.redis_prefix",
	"REDIS_ADDR":               "credentials.redis_addr",
	"REDIS_PASSWORD":           "credentials.redis_password",
	"REDIS_DB":                 "credentials.redis_db",

	"FITBIT_ENABLED":       "fitbit.enabled",
	"FITBIT_CLIENT_ID":     "fitbit.client_id",
	"FITBIT_CLIENT_SECRET": "fitbit.client_secret",
	"FITBIT_REDIRECT_URL":  "fitbit.redirect_url",
	"FITBIT_BASE_URL":      "fitbit.base_url",
	"FITBIT_AUTH_URL":      "fitbit.auth_url",
	"FITBIT_TOKEN_URL":     "fitbit.token_url",

	"HCGATEWAY_BASE_URL": "health_connect.base_url",

	"HTTP_ADDR": "server.addr",

	"PUBLISHER_DEFAULT_BACKOFF": "publisher.default_backoff",
	"PUBLISHER_MAX_RETRIES":     "publisher.max_retries",

	"LOG_LEVEL":  "logging.level",
	"LOG_FORMAT": "logging.format",
}

func envKey(key string) string {
	return envMappings[key]
}
