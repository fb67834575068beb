// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	FrontendURL    string
	DBPath         string
	LogLevel       slog.Level
	JWTSecret      string
	ChallengesFile string
	Runtime        RuntimeConfig
	Lease          LeaseConfig
	Timeout        TimeoutConfig
	Retry          RetryConfig
}

// RuntimeConfig describes the container runtime endpoint and per-container limits.
type RuntimeConfig struct {
	DockerHost  string // "" = use DOCKER_HOST / default socket
	HostIP      string // address returned to teams
	OCIRuntime  string // "" = default (runc), "runsc" = gVisor
	MemoryBytes int64
	CPUQuota    int64
	CPUPeriod   int64
	PidsLimit   int64
}

// LeaseConfig controls provisioning and expiry.
type LeaseConfig struct {
	ProvisionTimeout       time.Duration
	PollInterval           time.Duration
	DefaultDuration        time.Duration
	StopOnProvisionTimeout bool
	ReaperInterval         time.Duration
}

// TimeoutConfig holds operation timeouts.
type TimeoutConfig struct {
	Stop        time.Duration
	HealthCheck time.Duration
}

// RetryConfig controls SQLITE_BUSY retries.
type RetryConfig struct {
	DatabaseMaxRetries     int
	DatabaseRetryBaseDelay time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		DBPath:         getEnv("DB_PATH", "./data/atlas.db"),
		LogLevel:       getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		ChallengesFile: getEnv("CHALLENGES_FILE", ""),
		Runtime: RuntimeConfig{
			DockerHost:  getEnv("DOCKER_HOST", ""),
			HostIP:      getEnv("DOCKER_HOST_IP", "127.0.0.1"),
			OCIRuntime:  getEnv("CONTAINER_RUNTIME", ""),
			MemoryBytes: int64(getEnvInt("CONTAINER_MEMORY_MB", 512)) * 1024 * 1024,
			CPUQuota:    int64(getEnvInt("CONTAINER_CPU_QUOTA", 50000)),
			CPUPeriod:   int64(getEnvInt("CONTAINER_CPU_PERIOD", 100000)),
			PidsLimit:   int64(getEnvInt("CONTAINER_PIDS_LIMIT", 256)),
		},
		Lease: LeaseConfig{
			ProvisionTimeout:       getEnvDuration("PROVISION_TIMEOUT", 30*time.Second),
			PollInterval:           getEnvDuration("PROVISION_POLL_INTERVAL", time.Second),
			DefaultDuration:        getEnvDuration("DEFAULT_LEASE_DURATION", 10*time.Minute),
			StopOnProvisionTimeout: getEnvBool("STOP_ON_PROVISION_TIMEOUT", true),
			ReaperInterval:         getEnvDuration("REAPER_INTERVAL", time.Minute),
		},
		Timeout: TimeoutConfig{
			Stop:        getEnvDuration("STOP_TIMEOUT", 30*time.Second),
			HealthCheck: getEnvDuration("HEALTH_CHECK_TIMEOUT", 5*time.Second),
		},
		Retry: RetryConfig{
			DatabaseMaxRetries:     getEnvInt("DB_MAX_RETRIES", 3),
			DatabaseRetryBaseDelay: getEnvDuration("DB_RETRY_BASE_DELAY", 50*time.Millisecond),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET cannot be empty")
	}
	if c.Runtime.HostIP == "" {
		return fmt.Errorf("DOCKER_HOST_IP cannot be empty")
	}
	// Unlimited containers are never allowed on a shared competition host.
	if c.Runtime.MemoryBytes <= 0 {
		return fmt.Errorf("CONTAINER_MEMORY_MB must be > 0")
	}
	if c.Runtime.CPUQuota <= 0 || c.Runtime.CPUPeriod <= 0 {
		return fmt.Errorf("CONTAINER_CPU_QUOTA and CONTAINER_CPU_PERIOD must be > 0")
	}
	if c.Lease.ProvisionTimeout <= 0 {
		return fmt.Errorf("PROVISION_TIMEOUT must be > 0")
	}
	if c.Lease.PollInterval <= 0 || c.Lease.PollInterval > c.Lease.ProvisionTimeout {
		return fmt.Errorf("PROVISION_POLL_INTERVAL must be > 0 and <= PROVISION_TIMEOUT")
	}
	if c.Lease.DefaultDuration <= 0 {
		return fmt.Errorf("DEFAULT_LEASE_DURATION must be > 0")
	}
	if c.Lease.ReaperInterval < 0 {
		return fmt.Errorf("REAPER_INTERVAL cannot be negative")
	}
	if c.Retry.DatabaseMaxRetries <= 0 {
		return fmt.Errorf("DB_MAX_RETRIES must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the configured frontend.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
}

// OriginHosts returns the allowed origins as host patterns for WebSocket
// origin checks.
func (c *Config) OriginHosts() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	u, err := url.Parse(c.FrontendURL)
	if err != nil || u.Host == "" {
		return []string{c.FrontendURL}
	}
	return []string{u.Host}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return level
}
