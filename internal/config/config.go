package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath   = "CONFIG_PATH"
	EnvDBConnection = "DB_CONNECTION"
	EnvJWTSecret    = "JWT_SECRET"
	EnvJWTExpiry    = "JWT_EXPIRY"
)

// AppConfig holds resolved application configuration values.
type AppConfig struct {
	ConfigPath string
}

// LoadFromEnv loads app config from environment variables.
func LoadFromEnv() (AppConfig, error) {
	return AppConfig{ConfigPath: ResolveConfigPath(os.Getenv(EnvConfigPath))}, nil
}

// ResolveConfigPath normalizes the config path and applies defaults.
func ResolveConfigPath(p string) string {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		trimmed = "./config.yaml"
	}
	if abs, err := filepath.Abs(trimmed); err == nil {
		return abs
	}
	return trimmed
}

// ErrMissingDatabaseDSN indicates no database DSN is present in the config file.
var ErrMissingDatabaseDSN = errors.New("missing database dsn (set `database-dsn` or `database.dsn` in config file)")

// JWTConfig holds JWT secret and expiry settings.
type JWTConfig struct {
	Secret string        `yaml:"secret"`
	Expiry time.Duration `yaml:"expiry"`
}

// LoadDatabaseDSN reads the database DSN from the YAML config file.
func LoadDatabaseDSN(configPath string) (string, error) {
	if dsn := strings.TrimSpace(os.Getenv(EnvDBConnection)); dsn != "" {
		return dsn, nil
	}

	// fileConfig maps the YAML fields needed for DSN resolution.
	type fileConfig struct {
		DatabaseDSN string `yaml:"database-dsn"`
		Database    struct {
			DSN string `yaml:"dsn"`
		} `yaml:"database"`
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", fmt.Errorf("read config file: %w", err)
	}

	var cfg fileConfig
	if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
		return "", fmt.Errorf("parse config file: %w", errUnmarshal)
	}

	if dsn := strings.TrimSpace(cfg.DatabaseDSN); dsn != "" {
		return dsn, nil
	}
	if dsn := strings.TrimSpace(cfg.Database.DSN); dsn != "" {
		return dsn, nil
	}
	return "", ErrMissingDatabaseDSN
}

// defaultJWTExpiry is used when the config omits or invalidates JWT expiry.
const defaultJWTExpiry = 30 * 24 * time.Hour

// LoadJWTConfig loads JWT settings from the YAML config file.
func LoadJWTConfig(configPath string) (JWTConfig, error) {
	// fileConfig maps the YAML fields needed for JWT settings.
	type fileConfig struct {
		JWT JWTConfig `yaml:"jwt"`
	}

	result := JWTConfig{Expiry: defaultJWTExpiry}

	data, errRead := os.ReadFile(configPath)
	if errRead == nil {
		var cfg fileConfig
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal == nil {
			result = cfg.JWT
		}
	}

	if secret := strings.TrimSpace(os.Getenv(EnvJWTSecret)); secret != "" {
		result.Secret = secret
	}
	if expiryRaw := strings.TrimSpace(os.Getenv(EnvJWTExpiry)); expiryRaw != "" {
		if expiry, errParse := time.ParseDuration(expiryRaw); errParse == nil && expiry > 0 {
			result.Expiry = expiry
		}
	}

	if result.Expiry <= 0 {
		result.Expiry = defaultJWTExpiry
	}
	return result, nil
}

// HealthCheckConfig bounds probe concurrency and lifetimes for a
// health-check session, and configures the channel sweep.
type HealthCheckConfig struct {
	MaxConcurrency int           `yaml:"max-concurrency"`
	ProbeTimeout   time.Duration `yaml:"probe-timeout"`
	SessionTimeout time.Duration `yaml:"session-timeout"`

	// ServerAddress is the publicly reachable base URL of this service.
	// The image relay stage needs it to hand out probe image URLs an
	// upstream provider can fetch; empty disables that stage.
	ServerAddress string `yaml:"server-address"`

	// AutoTestInterval runs the all-channels sweep periodically when
	// positive; zero disables automatic testing.
	AutoTestInterval time.Duration `yaml:"auto-test-interval"`
	// DisableThreshold auto-disables an enabled channel whose sweep probe
	// takes longer than this; zero disables the latency check.
	DisableThreshold time.Duration `yaml:"disable-threshold"`
}

// Defaults applied when the config omits or invalidates health-check values.
const (
	defaultHealthCheckConcurrency    = 4
	defaultHealthCheckProbeTimeout   = 60 * time.Second
	defaultHealthCheckSessionTimeout = 15 * time.Minute
)

// LoadHealthCheckConfig loads health-check settings from the YAML config file.
func LoadHealthCheckConfig(configPath string) (HealthCheckConfig, error) {
	// fileConfig maps the YAML fields needed for health-check settings.
	type fileConfig struct {
		HealthCheck HealthCheckConfig `yaml:"health-check"`
	}

	result := HealthCheckConfig{
		MaxConcurrency: defaultHealthCheckConcurrency,
		ProbeTimeout:   defaultHealthCheckProbeTimeout,
		SessionTimeout: defaultHealthCheckSessionTimeout,
	}

	data, errRead := os.ReadFile(configPath)
	if errRead == nil {
		var cfg fileConfig
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal == nil {
			if cfg.HealthCheck.MaxConcurrency > 0 {
				result.MaxConcurrency = cfg.HealthCheck.MaxConcurrency
			}
			if cfg.HealthCheck.ProbeTimeout > 0 {
				result.ProbeTimeout = cfg.HealthCheck.ProbeTimeout
			}
			if cfg.HealthCheck.SessionTimeout > 0 {
				result.SessionTimeout = cfg.HealthCheck.SessionTimeout
			}
			result.ServerAddress = strings.TrimSpace(cfg.HealthCheck.ServerAddress)
			if cfg.HealthCheck.AutoTestInterval > 0 {
				result.AutoTestInterval = cfg.HealthCheck.AutoTestInterval
			}
			if cfg.HealthCheck.DisableThreshold > 0 {
				result.DisableThreshold = cfg.HealthCheck.DisableThreshold
			}
		}
	}

	return result, nil
}
