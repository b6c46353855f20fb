// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port              string
	GRPCPort          string
	FrontendURL       string
	DBPath            string
	AllowedOrigins    []string
	TokenSecret       string // empty = unsigned demo tokens
	TokenIssuer       string
	SessionTTL        time.Duration
	InactivityTimeout time.Duration
	CoreIdleTTL       time.Duration
	Modules           ModuleConfig
	Timeout           TimeoutConfig
}

// ModuleConfig points the frame-hosted catalog entries at their applications.
type ModuleConfig struct {
	ElearningURL  string
	MonitoringURL string
}

// TimeoutConfig bounds request-scoped work.
type TimeoutConfig struct {
	HealthCheck time.Duration
	ModuleLoad  time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		GRPCPort:          getEnv("GRPC_PORT", "9090"),
		FrontendURL:       getEnv("FRONTEND_URL", ""),
		DBPath:            getEnv("DB_PATH", "./data/portal.db"),
		AllowedOrigins:    getEnvList("ALLOWED_ORIGINS", nil),
		TokenSecret:       getEnv("TOKEN_SECRET", ""),
		TokenIssuer:       getEnv("TOKEN_ISSUER", "sso-portal"),
		SessionTTL:        getEnvDuration("SESSION_TTL", 8*time.Hour),
		InactivityTimeout: getEnvDuration("INACTIVITY_TIMEOUT", 60*time.Minute),
		CoreIdleTTL:       getEnvDuration("CORE_IDLE_TTL", 2*time.Hour),
		Modules: ModuleConfig{
			ElearningURL:  getEnv("ELEARNING_URL", "http://localhost:5174/"),
			MonitoringURL: getEnv("MONITORING_URL", "http://localhost:5175/"),
		},
		Timeout: TimeoutConfig{
			HealthCheck: getEnvDuration("HEALTH_CHECK_TIMEOUT", 5*time.Second),
			ModuleLoad:  getEnvDuration("MODULE_LOAD_TIMEOUT", 30*time.Second),
		},
	}

	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = cfg.defaultOrigins()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// defaultOrigins trusts the frontend and the configured module hosts.
func (c *Config) defaultOrigins() []string {
	if c.IsDevelopment() && c.FrontendURL == "" {
		return []string{"*"}
	}
	var out []string
	for _, raw := range []string{c.FrontendURL, c.Modules.ElearningURL, c.Modules.MonitoringURL} {
		if o := originOf(raw); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.GRPCPort == "" {
		return fmt.Errorf("GRPC_PORT cannot be empty")
	}
	if c.GRPCPort == c.Port {
		return fmt.Errorf("GRPC_PORT must differ from PORT")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if len(c.AllowedOrigins) == 0 {
		return fmt.Errorf("ALLOWED_ORIGINS cannot be empty")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if c.InactivityTimeout <= 0 {
		return fmt.Errorf("INACTIVITY_TIMEOUT must be > 0")
	}
	if c.CoreIdleTTL <= 0 {
		return fmt.Errorf("CORE_IDLE_TTL must be > 0")
	}
	if c.TokenSecret != "" && len(c.TokenSecret) < 32 {
		return fmt.Errorf("TOKEN_SECRET must be at least 32 bytes")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func originOf(raw string) string {
	raw = strings.TrimSpace(raw)
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok || scheme == "" || rest == "" {
		return ""
	}
	host, _, _ := strings.Cut(rest, "/")
	return scheme + "://" + host
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	// Bare integers are seconds.
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
