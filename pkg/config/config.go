// Package config provides environment-based configuration for the build farm.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the build farm daemon.
type Config struct {
	// Database configuration. An empty DSN selects the in-memory store.
	DatabaseDSN string

	// Server configuration
	APIPort int
	APIHost string

	// Logging
	LogLevel string
	LogJSON  bool

	// FarmFile is the YAML file declaring machines and projects.
	FarmFile string

	ShutdownTimeout time.Duration

	Scheduler SchedulerConfig
	Pipeline  PipelineConfig
	Container ContainerConfig
	Secrets   SecretsConfig
}

// SchedulerConfig holds admission and hang detection settings.
type SchedulerConfig struct {
	TickInterval   time.Duration
	AdmissionDelay time.Duration
	HangTimeout    time.Duration
	StopTimeout    time.Duration
}

// PipelineConfig holds the host-side paths and retention policy of builds.
type PipelineConfig struct {
	// SourceDir holds the git checkouts of project packaging repositories.
	SourceDir  string
	RepoRoot   string
	CacheDir   string
	WorkDir    string
	StagingDir string
	// RetentionKeep is the number of newest artifacts always kept.
	RetentionKeep int
	// RetentionMaxAge is the age beyond which surplus artifacts are removed.
	RetentionMaxAge time.Duration

	// CleanupInterval is the period of the host cleanup sweep.
	CleanupInterval time.Duration
	// StagingStaleAfter is the age at which an orphaned staging directory
	// is removed.
	StagingStaleAfter time.Duration
	CacheMaxAge       time.Duration
}

// ContainerConfig holds backend and transport settings.
type ContainerConfig struct {
	DockerEndpoint string
	PodmanPath     string
	LXCPath        string
	BaseSSHPort    int
	LXDSubnet      string
	SSHUser        string
	SSHKeyPath     string
	ImagePrefix    string
	HostedURL      string
	HostedToken    string
	PollInterval   time.Duration
}

// SecretsConfig holds the age identity used to decrypt credential material.
type SecretsConfig struct {
	// AgeIdentityFile points to an age identity file (AGE-SECRET-KEY-1...).
	AgeIdentityFile string
	// AgePrivateKey may carry the identity inline instead.
	AgePrivateKey string
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	cfg := LoadWithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithDefaults loads configuration with defaults for development.
// It does not validate required fields, useful for testing.
func LoadWithDefaults() *Config {
	return &Config{
		DatabaseDSN:     getEnv("DATABASE_URL", ""),
		APIPort:         getIntEnv("API_PORT", 8080),
		APIHost:         getEnv("API_HOST", "0.0.0.0"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogJSON:         getBoolEnv("LOG_JSON", true),
		FarmFile:        getEnv("FARM_FILE", "/etc/buildfarm/farm.yml"),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		Scheduler: SchedulerConfig{
			TickInterval:   getDurationEnv("SCHEDULER_TICK_INTERVAL", 10*time.Second),
			AdmissionDelay: getDurationEnv("SCHEDULER_ADMISSION_DELAY", 2*time.Second),
			HangTimeout:    getDurationEnv("SCHEDULER_HANG_TIMEOUT", 2*time.Hour),
			StopTimeout:    getDurationEnv("SCHEDULER_STOP_TIMEOUT", 5*time.Minute),
		},
		Pipeline: PipelineConfig{
			SourceDir:       getEnv("SOURCE_DIR", "/srv/buildfarm/src"),
			RepoRoot:        getEnv("REPO_ROOT", "/srv/buildfarm/repos"),
			CacheDir:        getEnv("CACHE_DIR", "/srv/buildfarm/cache"),
			WorkDir:         getEnv("WORK_DIR", "/srv/buildfarm/work"),
			StagingDir:      getEnv("STAGING_DIR", "/srv/buildfarm/staging"),
			RetentionKeep:   getIntEnv("RETENTION_KEEP", 5),
			RetentionMaxAge: getDurationEnv("RETENTION_MAX_AGE", 14*24*time.Hour),

			CleanupInterval:   getDurationEnv("CLEANUP_INTERVAL", time.Hour),
			StagingStaleAfter: getDurationEnv("STAGING_STALE_AFTER", 24*time.Hour),
			CacheMaxAge:       getDurationEnv("CACHE_MAX_AGE", 30*24*time.Hour),
		},
		Container: ContainerConfig{
			DockerEndpoint: getEnv("DOCKER_ENDPOINT", "unix:///var/run/docker.sock"),
			PodmanPath:     getEnv("PODMAN_PATH", "podman"),
			LXCPath:        getEnv("LXC_PATH", "lxc"),
			BaseSSHPort:    getIntEnv("BASE_SSH_PORT", 2000),
			LXDSubnet:      getEnv("LXD_SUBNET", "10.0.3.0/24"),
			SSHUser:        getEnv("SSH_USER", "root"),
			SSHKeyPath:     getEnv("SSH_KEY_PATH", ""),
			ImagePrefix:    getEnv("IMAGE_PREFIX", "buildfarm"),
			HostedURL:      getEnv("HOSTED_BUILDER_URL", ""),
			HostedToken:    getEnv("HOSTED_BUILDER_TOKEN", ""),
			PollInterval:   getDurationEnv("HOSTED_POLL_INTERVAL", 30*time.Second),
		},
		Secrets: SecretsConfig{
			AgeIdentityFile: getEnv("AGE_IDENTITY_FILE", ""),
			AgePrivateKey:   getEnv("AGE_PRIVATE_KEY", ""),
		},
	}
}

// Validate checks that required configuration values are set.
func (c *Config) Validate() error {
	if c.SSHKeyMissing() {
		return &ConfigurationError{Field: "SSH_KEY_PATH", Reason: "is required"}
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return &ConfigurationError{Field: "API_PORT", Reason: fmt.Sprintf("invalid port %d", c.APIPort)}
	}
	if c.Scheduler.TickInterval <= 0 {
		return &ConfigurationError{Field: "SCHEDULER_TICK_INTERVAL", Reason: "must be positive"}
	}
	if c.Scheduler.HangTimeout <= 0 {
		return &ConfigurationError{Field: "SCHEDULER_HANG_TIMEOUT", Reason: "must be positive"}
	}
	if c.Pipeline.RetentionKeep < 0 {
		return &ConfigurationError{Field: "RETENTION_KEEP", Reason: "must not be negative"}
	}
	if c.Pipeline.CleanupInterval <= 0 {
		return &ConfigurationError{Field: "CLEANUP_INTERVAL", Reason: "must be positive"}
	}
	if c.Container.BaseSSHPort <= 0 || c.Container.BaseSSHPort > 65535 {
		return &ConfigurationError{Field: "BASE_SSH_PORT", Reason: "invalid port"}
	}
	return nil
}

// SSHKeyMissing reports whether no SSH key is configured.
func (c *Config) SSHKeyMissing() bool {
	return strings.TrimSpace(c.Container.SSHKeyPath) == ""
}

// ListenAddr returns the API listen address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.APIHost, c.APIPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
