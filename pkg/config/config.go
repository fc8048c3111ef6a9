// Package config resolves ciforge's runtime configuration from
// environment variables, with an optional YAML file supplying defaults.
// Environment variables always win over the file.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/ciforge/pkg/log"
)

const (
	// DefaultReconcileInterval is used whenever CI_RECONCILE_INTERVAL is
	// unset, non-numeric, or <= 0.
	DefaultReconcileInterval = 2 * time.Second

	// DefaultSandboxRetention is how long a terminal job's sandbox is kept
	// around after it finishes, so a late SSE joiner with
	// from_beginning=true can still replay its log.
	DefaultSandboxRetention = 1 * time.Hour

	defaultConfigFile     = "/etc/ciforge/config.yaml"
	defaultDBPath         = "./ciforge-data"
	defaultContainerPrefix = "ciforge-"
	defaultBaseImage      = "python:3.12-slim"
	defaultListenAddr     = ":8080"
	defaultMaxArchiveBytes = 50 * 1024 * 1024
)

// Config is the fully resolved set of values every ciforge binary needs.
type Config struct {
	DBPath            string `yaml:"db_path"`
	ContainerPrefix   string `yaml:"container_prefix"`
	ReconcileInterval time.Duration
	SandboxRetention  time.Duration
	BaseImage         string `yaml:"base_image"`
	ContainerdSocket  string `yaml:"containerd_socket"`
	ListenAddr        string `yaml:"listen_addr"`
	MaxArchiveBytes   int64  `yaml:"max_archive_bytes"`
	LogLevel          string `yaml:"log_level"`
	LogJSON           bool   `yaml:"log_json"`
	SentryDSN         string `yaml:"sentry_dsn"`
}

type fileConfig struct {
	DBPath            string `yaml:"db_path"`
	ContainerPrefix   string `yaml:"container_prefix"`
	ReconcileInterval string `yaml:"reconcile_interval"`
	SandboxRetention  string `yaml:"sandbox_retention"`
	BaseImage         string `yaml:"base_image"`
	ContainerdSocket  string `yaml:"containerd_socket"`
	ListenAddr        string `yaml:"listen_addr"`
	MaxArchiveBytes   int64  `yaml:"max_archive_bytes"`
	LogLevel          string `yaml:"log_level"`
	LogJSON           bool   `yaml:"log_json"`
	SentryDSN         string `yaml:"sentry_dsn"`
}

// Load resolves configuration: start from built-in defaults, layer in the
// optional YAML file named by CI_CONFIG_FILE (or the default path, if it
// exists), then let every CI_* environment variable override.
func Load() Config {
	cfg := Config{
		DBPath:            defaultDBPath,
		ContainerPrefix:   defaultContainerPrefix,
		ReconcileInterval: DefaultReconcileInterval,
		SandboxRetention:  DefaultSandboxRetention,
		BaseImage:         defaultBaseImage,
		ListenAddr:        defaultListenAddr,
		MaxArchiveBytes:   defaultMaxArchiveBytes,
		LogLevel:          "info",
	}

	applyFile(&cfg, configFilePath())
	applyEnv(&cfg)
	return cfg
}

func configFilePath() string {
	if v := os.Getenv("CI_CONFIG_FILE"); v != "" {
		return v
	}
	return defaultConfigFile
}

func applyFile(cfg *Config, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return // absent config file is not an error; defaults + env stand
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		log.Logger.Warn().Err(err).Str("path", path).Msg("ignoring unparsable config file")
		return
	}

	if fc.DBPath != "" {
		cfg.DBPath = fc.DBPath
	}
	if fc.ContainerPrefix != "" {
		cfg.ContainerPrefix = fc.ContainerPrefix
	}
	if d, ok := parseDurationSeconds(fc.ReconcileInterval, DefaultReconcileInterval); ok {
		cfg.ReconcileInterval = d
	}
	if d, ok := parseDurationSeconds(fc.SandboxRetention, DefaultSandboxRetention); ok {
		cfg.SandboxRetention = d
	}
	if fc.BaseImage != "" {
		cfg.BaseImage = fc.BaseImage
	}
	if fc.ContainerdSocket != "" {
		cfg.ContainerdSocket = fc.ContainerdSocket
	}
	if fc.ListenAddr != "" {
		cfg.ListenAddr = fc.ListenAddr
	}
	if fc.MaxArchiveBytes > 0 {
		cfg.MaxArchiveBytes = fc.MaxArchiveBytes
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	cfg.LogJSON = cfg.LogJSON || fc.LogJSON
	if fc.SentryDSN != "" {
		cfg.SentryDSN = fc.SentryDSN
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CI_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CI_CONTAINER_PREFIX"); v != "" {
		cfg.ContainerPrefix = v
	}
	if v, ok := parseDurationSeconds(os.Getenv("CI_RECONCILE_INTERVAL"), DefaultReconcileInterval); ok {
		cfg.ReconcileInterval = v
	}
	if v, ok := parseDurationSeconds(os.Getenv("CI_SANDBOX_RETENTION"), DefaultSandboxRetention); ok {
		cfg.SandboxRetention = v
	}
	if v := os.Getenv("CI_PYTHON_BASE_IMAGE"); v != "" {
		cfg.BaseImage = v
	}
	if v := os.Getenv("CI_CONTAINERD_SOCKET"); v != "" {
		cfg.ContainerdSocket = v
	}
	if v := os.Getenv("CI_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CI_MAX_ARCHIVE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MaxArchiveBytes = n
		}
	}
	if v := os.Getenv("CI_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CI_LOG_JSON"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.LogJSON = b
		}
	}
	if v := os.Getenv("CI_SENTRY_DSN"); v != "" {
		cfg.SentryDSN = v
	}
}

// parseDurationSeconds implements spec.md §6/§8's boundary rule: invalid or
// non-positive values silently fall back to def rather than erroring, and
// an empty string means "not set" (the caller's existing value stands).
func parseDurationSeconds(raw string, def time.Duration) (time.Duration, bool) {
	if raw == "" {
		return 0, false
	}
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil || seconds <= 0 {
		return def, true
	}
	return time.Duration(seconds * float64(time.Second)), true
}
