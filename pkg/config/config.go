package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/plugd/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       storage.Config      `yaml:"storage"`
	Installer     InstallerConfig     `yaml:"installer"`
	Events        EventsConfig        `yaml:"events"`
	Watcher       WatcherConfig       `yaml:"watcher"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	MaxUploadBytes  int64         `yaml:"maxUploadBytes"`
}

// InstallerConfig holds installer settings
type InstallerConfig struct {
	WorkDir          string        `yaml:"workDir"`
	RestoreWorkers   int           `yaml:"restoreWorkers"`
	InspectCacheSize int           `yaml:"inspectCacheSize"`
	InspectCacheTTL  time.Duration `yaml:"inspectCacheTtl"`
}

// EventsConfig holds event bus settings. Redis is optional; without it events
// are only logged.
type EventsConfig struct {
	RedisURL string `yaml:"redisUrl"`
	Channel  string `yaml:"channel"`
	NodeID   string `yaml:"nodeId"`
}

// WatcherConfig holds drop directory settings. An empty Dir disables the watcher.
type WatcherConfig struct {
	Dir      string        `yaml:"dir"`
	Force    bool          `yaml:"force"`
	Debounce time.Duration `yaml:"debounce"`
}

// SchedulerConfig holds the reconcile schedule. An empty schedule disables it.
type SchedulerConfig struct {
	ReconcileSchedule string `yaml:"reconcileSchedule"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       string `yaml:"logLevel"`
	LogFormat      string `yaml:"logFormat"`
	MetricsEnabled bool   `yaml:"metricsEnabled"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxUploadBytes:  32 << 20,
		},
		Storage: storage.DefaultConfig(),
		Installer: InstallerConfig{
			WorkDir:          "/var/lib/plugd/work",
			RestoreWorkers:   4,
			InspectCacheSize: 128,
			InspectCacheTTL:  10 * time.Minute,
		},
		Events: EventsConfig{
			Channel: "plugd:events",
			NodeID:  hostname,
		},
		Watcher: WatcherConfig{
			Debounce: 500 * time.Millisecond,
		},
		Scheduler: SchedulerConfig{
			ReconcileSchedule: "@every 1m",
		},
		Observability: ObservabilityConfig{
			LogLevel:       "info",
			LogFormat:      "text",
			MetricsEnabled: true,
		},
	}
}

// LoadConfig loads configuration from the optional YAML file named by
// PLUGD_CONFIG and then from environment variables, which take precedence.
func LoadConfig() (*Config, error) {
	cfg := Default()

	if path := getEnv("PLUGD_CONFIG", ""); path != "" {
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
	s := &c.Server
	s.Host = getEnv("PLUGD_HOST", s.Host)
	s.Port = getEnv("PLUGD_PORT", s.Port)
	s.ReadTimeout = getEnvDuration("PLUGD_READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = getEnvDuration("PLUGD_WRITE_TIMEOUT", s.WriteTimeout)
	s.IdleTimeout = getEnvDuration("PLUGD_IDLE_TIMEOUT", s.IdleTimeout)
	s.ShutdownTimeout = getEnvDuration("PLUGD_SHUTDOWN_TIMEOUT", s.ShutdownTimeout)
	s.MaxUploadBytes = getEnvInt64("PLUGD_MAX_UPLOAD_BYTES", s.MaxUploadBytes)

	st := &c.Storage
	st.Type = getEnv("PLUGD_STORAGE_TYPE", st.Type)
	st.SQLitePath = getEnv("PLUGD_SQLITE_PATH", st.SQLitePath)
	st.PostgresURL = getEnv("PLUGD_POSTGRES_URL", st.PostgresURL)
	st.PostgresMaxConns = getEnvInt("PLUGD_POSTGRES_MAX_CONNS", st.PostgresMaxConns)
	st.PostgresMinConns = getEnvInt("PLUGD_POSTGRES_MIN_CONNS", st.PostgresMinConns)
	st.PostgresTimeout = getEnvDuration("PLUGD_POSTGRES_TIMEOUT", st.PostgresTimeout)
	st.PackageType = getEnv("PLUGD_PACKAGE_STORE", st.PackageType)
	st.FilesystemRoot = getEnv("PLUGD_ARCHIVE_DIR", st.FilesystemRoot)
	st.S3Endpoint = getEnv("PLUGD_S3_ENDPOINT", st.S3Endpoint)
	st.S3Region = getEnv("PLUGD_S3_REGION", st.S3Region)
	st.S3Bucket = getEnv("PLUGD_S3_BUCKET", st.S3Bucket)
	st.S3Prefix = getEnv("PLUGD_S3_PREFIX", st.S3Prefix)
	st.S3AccessKey = getEnv("PLUGD_S3_ACCESS_KEY", st.S3AccessKey)
	st.S3SecretKey = getEnv("PLUGD_S3_SECRET_KEY", st.S3SecretKey)
	st.S3UsePathStyle = getEnvBool("PLUGD_S3_USE_PATH_STYLE", st.S3UsePathStyle)

	in := &c.Installer
	in.WorkDir = getEnv("PLUGD_WORK_DIR", in.WorkDir)
	in.RestoreWorkers = getEnvInt("PLUGD_RESTORE_WORKERS", in.RestoreWorkers)
	in.InspectCacheSize = getEnvInt("PLUGD_INSPECT_CACHE_SIZE", in.InspectCacheSize)
	in.InspectCacheTTL = getEnvDuration("PLUGD_INSPECT_CACHE_TTL", in.InspectCacheTTL)

	ev := &c.Events
	ev.RedisURL = getEnv("PLUGD_REDIS_URL", ev.RedisURL)
	ev.Channel = getEnv("PLUGD_EVENTS_CHANNEL", ev.Channel)
	ev.NodeID = getEnv("PLUGD_NODE_ID", ev.NodeID)

	w := &c.Watcher
	w.Dir = getEnv("PLUGD_DROP_DIR", w.Dir)
	w.Force = getEnvBool("PLUGD_DROP_FORCE", w.Force)
	w.Debounce = getEnvDuration("PLUGD_DROP_DEBOUNCE", w.Debounce)

	// set but empty disables reconcile
	if v, ok := os.LookupEnv("PLUGD_RECONCILE_SCHEDULE"); ok {
		c.Scheduler.ReconcileSchedule = v
	}

	o := &c.Observability
	o.LogLevel = getEnv("PLUGD_LOG_LEVEL", o.LogLevel)
	o.LogFormat = getEnv("PLUGD_LOG_FORMAT", o.LogFormat)
	o.MetricsEnabled = getEnvBool("PLUGD_METRICS_ENABLED", o.MetricsEnabled)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("max upload bytes must be positive")
	}

	switch c.Storage.Type {
	case "memory":
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required for sqlite storage")
		}
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be memory, sqlite, or postgres)", c.Storage.Type)
	}

	switch c.Storage.PackageType {
	case "filesystem":
		if c.Storage.FilesystemRoot == "" {
			return fmt.Errorf("archive directory is required for filesystem package store")
		}
	case "s3":
		if c.Storage.S3Bucket == "" {
			return fmt.Errorf("S3 bucket is required for s3 package store")
		}
	default:
		return fmt.Errorf("invalid package store: %s (must be filesystem or s3)", c.Storage.PackageType)
	}

	if c.Installer.WorkDir == "" {
		return fmt.Errorf("work directory is required")
	}
	if c.Events.RedisURL != "" {
		if _, err := redisOptions(c.Events.RedisURL); err != nil {
			return err
		}
	}
	if c.Scheduler.ReconcileSchedule != "" {
		if _, err := cron.ParseStandard(c.Scheduler.ReconcileSchedule); err != nil {
			return fmt.Errorf("invalid reconcile schedule %q: %w", c.Scheduler.ReconcileSchedule, err)
		}
	}
	if _, err := logrus.ParseLevel(c.Observability.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	switch strings.ToLower(c.Observability.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Observability.LogFormat)
	}

	return nil
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
