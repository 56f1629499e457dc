package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/placebook/pkg/observability"
	"github.com/platinummonkey/placebook/pkg/storage"
	"github.com/platinummonkey/placebook/pkg/subscriptions"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig `yaml:"server"`

	// Storage configuration
	Storage storage.Config `yaml:"storage"`

	// Observability configuration
	Observability ObservabilityConfig `yaml:"observability"`

	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
	RBAC          RBACConfig          `yaml:"rbac"`
	Audit         AuditConfig         `yaml:"audit"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Health/metrics server (separate port for k8s probes)
	HealthPort string `yaml:"health_port"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel string `yaml:"log_level"`

	// Metrics
	MetricsEnabled bool `yaml:"metrics_enabled"`

	// OpenTelemetry
	OTelEnabled        bool   `yaml:"otel_enabled"`
	OTelEndpoint       string `yaml:"otel_endpoint"`
	OTelServiceName    string `yaml:"otel_service_name"`
	OTelServiceVersion string `yaml:"otel_service_version"`
	OTelInsecure       bool   `yaml:"otel_insecure"` // Use insecure gRPC connection
}

// SubscriptionsConfig configures billing periods and the expiry sweep
type SubscriptionsConfig struct {
	// Timezone in which billing months start and end
	Timezone string `yaml:"timezone"`

	// SweepSchedule is a standard five-field cron expression
	SweepSchedule string        `yaml:"sweep_schedule"`
	SweepLockKey  string        `yaml:"sweep_lock_key"`
	SweepLockTTL  time.Duration `yaml:"sweep_lock_ttl"`
	SweepTimeout  time.Duration `yaml:"sweep_timeout"`

	// ExpireHistory writes an EXPIRE history row per expired subscription
	ExpireHistory bool `yaml:"expire_history"`
}

// RBACConfig configures the membership cache. A zero TTL disables it.
type RBACConfig struct {
	MembershipCacheSize int           `yaml:"membership_cache_size"`
	MembershipCacheTTL  time.Duration `yaml:"membership_cache_ttl"`
}

// AuditConfig configures event log retention operations
type AuditConfig struct {
	BroadDeleteThreshold int64  `yaml:"broad_delete_threshold"`
	ArchivePrefix        string `yaml:"archive_prefix"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			HealthPort:      "9090",
		},
		Storage: storage.DefaultConfig(),
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "placebook",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
		},
		Subscriptions: SubscriptionsConfig{
			Timezone:      "UTC",
			SweepSchedule: "*/15 * * * *",
			SweepLockKey:  subscriptions.DefaultSweepLockKey,
			SweepLockTTL:  5 * time.Minute,
			SweepTimeout:  2 * time.Minute,
		},
		RBAC: RBACConfig{
			MembershipCacheSize: 10000,
		},
		Audit: AuditConfig{
			BroadDeleteThreshold: 100,
			ArchivePrefix:        "event-logs",
		},
	}
}

// LoadConfig loads configuration in layers: defaults, then the optional
// YAML file named by PLACEBOOK_CONFIG_FILE, then environment variables.
// A .env file (or PLACEBOOK_ENV_FILE) is loaded first when present and
// never overrides variables already set.
func LoadConfig() (*Config, error) {
	if err := loadDotEnv(getEnv("PLACEBOOK_ENV_FILE", ".env")); err != nil {
		return nil, err
	}

	cfg := Default()
	if path := getEnv("PLACEBOOK_CONFIG_FILE", ""); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	// Server
	c.Server.Host = getEnv("PLACEBOOK_HOST", c.Server.Host)
	c.Server.Port = getEnv("PLACEBOOK_PORT", c.Server.Port)
	c.Server.ReadTimeout = getEnvDuration("PLACEBOOK_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getEnvDuration("PLACEBOOK_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.IdleTimeout = getEnvDuration("PLACEBOOK_IDLE_TIMEOUT", c.Server.IdleTimeout)
	c.Server.ShutdownTimeout = getEnvDuration("PLACEBOOK_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)
	c.Server.HealthPort = getEnv("PLACEBOOK_HEALTH_PORT", c.Server.HealthPort)

	// PostgreSQL
	s := &c.Storage
	s.PostgresURL = getEnv("PLACEBOOK_POSTGRES_URL", s.PostgresURL)
	if replicaURLs := getEnv("PLACEBOOK_POSTGRES_REPLICA_URLS", ""); replicaURLs != "" {
		s.PostgresReplicaURLs = storage.ParseReplicaURLs(replicaURLs)
	}
	if maxConns := getEnvInt("PLACEBOOK_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		s.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("PLACEBOOK_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		s.PostgresMinConns = minConns
	}
	s.PostgresTimeout = getEnvDuration("PLACEBOOK_POSTGRES_TIMEOUT", s.PostgresTimeout)

	// Redis
	s.RedisURL = getEnv("PLACEBOOK_REDIS_URL", s.RedisURL)
	s.RedisPassword = getEnv("PLACEBOOK_REDIS_PASSWORD", s.RedisPassword)
	if redisDB := getEnvInt("PLACEBOOK_REDIS_DB", -1); redisDB >= 0 {
		s.RedisDB = redisDB
	}
	if redisPoolSize := getEnvInt("PLACEBOOK_REDIS_POOL_SIZE", 0); redisPoolSize > 0 {
		s.RedisPoolSize = redisPoolSize
	}

	// S3
	s.S3Endpoint = getEnv("PLACEBOOK_S3_ENDPOINT", s.S3Endpoint)
	s.S3Region = getEnv("PLACEBOOK_S3_REGION", s.S3Region)
	s.S3Bucket = getEnv("PLACEBOOK_S3_BUCKET", s.S3Bucket)
	s.S3AccessKey = getEnv("PLACEBOOK_S3_ACCESS_KEY", s.S3AccessKey)
	s.S3SecretKey = getEnv("PLACEBOOK_S3_SECRET_KEY", s.S3SecretKey)
	s.S3UsePathStyle = getEnvBool("PLACEBOOK_S3_USE_PATH_STYLE", s.S3UsePathStyle)

	// Observability
	o := &c.Observability
	o.LogLevel = getEnv("PLACEBOOK_LOG_LEVEL", o.LogLevel)
	o.MetricsEnabled = getEnvBool("PLACEBOOK_METRICS_ENABLED", o.MetricsEnabled)
	o.OTelEnabled = getEnvBool("PLACEBOOK_OTEL_ENABLED", o.OTelEnabled)
	o.OTelEndpoint = getEnv("PLACEBOOK_OTEL_ENDPOINT", o.OTelEndpoint)
	o.OTelServiceName = getEnv("PLACEBOOK_OTEL_SERVICE_NAME", o.OTelServiceName)
	o.OTelServiceVersion = getEnv("PLACEBOOK_OTEL_SERVICE_VERSION", o.OTelServiceVersion)
	o.OTelInsecure = getEnvBool("PLACEBOOK_OTEL_INSECURE", o.OTelInsecure)

	// Subscriptions
	sub := &c.Subscriptions
	sub.Timezone = getEnv("PLACEBOOK_TIMEZONE", sub.Timezone)
	sub.SweepSchedule = getEnv("PLACEBOOK_SWEEP_SCHEDULE", sub.SweepSchedule)
	sub.SweepLockKey = getEnv("PLACEBOOK_SWEEP_LOCK_KEY", sub.SweepLockKey)
	sub.SweepLockTTL = getEnvDuration("PLACEBOOK_SWEEP_LOCK_TTL", sub.SweepLockTTL)
	sub.SweepTimeout = getEnvDuration("PLACEBOOK_SWEEP_TIMEOUT", sub.SweepTimeout)
	sub.ExpireHistory = getEnvBool("PLACEBOOK_EXPIRE_HISTORY", sub.ExpireHistory)

	// RBAC
	c.RBAC.MembershipCacheSize = getEnvInt("PLACEBOOK_MEMBERSHIP_CACHE_SIZE", c.RBAC.MembershipCacheSize)
	c.RBAC.MembershipCacheTTL = getEnvDuration("PLACEBOOK_MEMBERSHIP_CACHE_TTL", c.RBAC.MembershipCacheTTL)

	// Audit
	c.Audit.BroadDeleteThreshold = getEnvInt64("PLACEBOOK_BROAD_DELETE_THRESHOLD", c.Audit.BroadDeleteThreshold)
	c.Audit.ArchivePrefix = getEnv("PLACEBOOK_ARCHIVE_PREFIX", c.Audit.ArchivePrefix)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Storage.PostgresURL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Storage.S3Bucket != "" && c.Storage.S3Region == "" && c.Storage.S3Endpoint == "" {
		return fmt.Errorf("S3 region or endpoint is required when an archive bucket is set")
	}

	if _, err := time.LoadLocation(c.Subscriptions.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Subscriptions.Timezone, err)
	}
	if _, err := cron.ParseStandard(c.Subscriptions.SweepSchedule); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", c.Subscriptions.SweepSchedule, err)
	}
	if c.Subscriptions.SweepLockTTL <= 0 {
		return fmt.Errorf("sweep lock TTL must be positive")
	}

	if c.RBAC.MembershipCacheTTL < 0 {
		return fmt.Errorf("membership cache TTL must not be negative")
	}
	if c.RBAC.MembershipCacheTTL > 0 && c.RBAC.MembershipCacheSize <= 0 {
		return fmt.Errorf("membership cache size must be positive when the cache is enabled")
	}

	if c.Audit.BroadDeleteThreshold <= 0 {
		return fmt.Errorf("broad delete threshold must be positive")
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// Location returns the billing timezone. Call after Validate.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Subscriptions.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// LogLevel returns the parsed log level
func (c *Config) LogLevel() observability.LogLevel {
	return observability.ParseLogLevel(c.Observability.LogLevel)
}

// OTel returns the OpenTelemetry settings
func (c *Config) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        c.Observability.OTelEnabled,
		Endpoint:       c.Observability.OTelEndpoint,
		ServiceName:    c.Observability.OTelServiceName,
		ServiceVersion: c.Observability.OTelServiceVersion,
		Insecure:       c.Observability.OTelInsecure,
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
