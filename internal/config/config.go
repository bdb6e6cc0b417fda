// Package config loads and validates runtime configuration for the
// convergence trading terminal from environment variables and an optional
// .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true,
	"warn": true, "error": true, "fatal": true,
	"panic": true, "disabled": true,
}

// ValidationError aggregates every configuration problem found during a
// single Validate pass so operators can fix everything at once.
type ValidationError struct {
	Errors []string
}

func (ve *ValidationError) Error() string {
	return fmt.Sprintf("%d configuration error(s):\n  - %s",
		len(ve.Errors), strings.Join(ve.Errors, "\n  - "))
}

// ReloadChange describes one field changed (or flagged) during a hot-reload.
type ReloadChange struct {
	Field    string      `json:"field"`
	OldValue interface{} `json:"old_value"`
	NewValue interface{} `json:"new_value"`
	Applied  bool        `json:"applied"`
}

// ReloadResult summarizes a Reload call.
type ReloadResult struct {
	Changes         []ReloadChange `json:"changes"`
	RequiresRestart bool           `json:"requires_restart"`
	RestartReasons  []string       `json:"restart_reasons,omitempty"`
}

// Config holds all runtime settings. Hot-reloadable fields are guarded by mu;
// restart-only fields (listen address, database path) are read once at
// startup and never mutated in place.
type Config struct {
	mu sync.RWMutex

	// Server
	ServerPort     int
	ServerHost     string
	APIKey         string
	AllowedOrigins []string
	ShutdownTimeout time.Duration

	// Persistence (restart-only)
	DatabasePath string

	// Logging (hot-reloadable)
	LogLevel string

	// Candle fetcher credentials (public endpoints work without these)
	BinanceAPIKey    string
	BinanceAPISecret string

	// Alert sink (hot-reloadable)
	DingTalkToken  string
	DingTalkSecret string

	// Signal router HMAC (hot-reloadable)
	WebhookSecret string

	// Default forbidden hours (Asia/Shanghai), e.g.
	// OSTIUM_FORBIDDEN_HOURS=0,1,2,3 (hot-reloadable). Parsed and validated
	// only: registered instances use just the forbidden_hours they are
	// registered with, and this list is not applied to them.
	DefaultForbiddenHours []int

	// Reference asset used by the SpecialK ratio check (restart-only: every
	// running monitor pair already captured the old value in its loop)
	ReferenceSymbol string

	EnvFile string
}

// Load reads configuration from the environment (and .env, if present) and
// validates it before returning.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ServerPort:      getEnvInt("PORT", 8099),
		ServerHost:      getEnv("HOST", "0.0.0.0"),
		APIKey:          os.Getenv("API_KEY"),
		AllowedOrigins:  parseCSV(getEnv("ALLOWED_ORIGINS", "http://localhost:3000")),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		DatabasePath: getEnv("DATABASE_PATH", "./data/convergence.db"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),

		BinanceAPIKey:    os.Getenv("BINANCE_API_KEY"),
		BinanceAPISecret: os.Getenv("BINANCE_API_SECRET"),

		DingTalkToken:  os.Getenv("DINGTALK_TOKEN"),
		DingTalkSecret: os.Getenv("DINGTALK_SECRET"),

		WebhookSecret: os.Getenv("SECRET"),

		DefaultForbiddenHours: parseHours(getEnv("OSTIUM_FORBIDDEN_HOURS", "")),
		ReferenceSymbol:       getEnv("REFERENCE_SYMBOL", "ETHUSDT"),

		EnvFile: ".env",
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks server, logging, and forbidden-hours settings. Credentials
// (Binance, DingTalk, webhook secret) are intentionally optional: their
// absence degrades functionality (no private candle access, alerts
// log-and-skip, signatures unchecked) rather than preventing startup.
func (c *Config) Validate() error {
	var errs []string

	if c.ServerPort < 1 || c.ServerPort > 65535 {
		errs = append(errs, fmt.Sprintf("invalid PORT %d: must be between 1 and 65535", c.ServerPort))
	}
	if c.DatabasePath == "" {
		errs = append(errs, "DATABASE_PATH is empty: set DATABASE_PATH in .env")
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("invalid LOG_LEVEL '%s': must be one of trace, debug, info, warn, error, fatal, panic, disabled", c.LogLevel))
	}
	for _, h := range c.DefaultForbiddenHours {
		if h < 0 || h > 23 {
			errs = append(errs, fmt.Sprintf("invalid hour %d in OSTIUM_FORBIDDEN_HOURS: must be 0-23", h))
		}
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// Reload re-reads the environment and applies hot-reloadable fields in
// place. Restart-only fields are reported but not applied.
func (c *Config) Reload() (*ReloadResult, error) {
	envFile := c.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	_ = godotenv.Overload(envFile)

	newCfg := &Config{
		ServerPort:            getEnvInt("PORT", 8099),
		ServerHost:            getEnv("HOST", "0.0.0.0"),
		APIKey:                os.Getenv("API_KEY"),
		AllowedOrigins:        parseCSV(getEnv("ALLOWED_ORIGINS", "http://localhost:3000")),
		ShutdownTimeout:       getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		DatabasePath:          getEnv("DATABASE_PATH", "./data/convergence.db"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		BinanceAPIKey:         os.Getenv("BINANCE_API_KEY"),
		BinanceAPISecret:      os.Getenv("BINANCE_API_SECRET"),
		DingTalkToken:         os.Getenv("DINGTALK_TOKEN"),
		DingTalkSecret:        os.Getenv("DINGTALK_SECRET"),
		WebhookSecret:         os.Getenv("SECRET"),
		DefaultForbiddenHours: parseHours(getEnv("OSTIUM_FORBIDDEN_HOURS", "")),
		ReferenceSymbol:       getEnv("REFERENCE_SYMBOL", "ETHUSDT"),
		EnvFile:               envFile,
	}

	if err := newCfg.Validate(); err != nil {
		return nil, fmt.Errorf("reloaded config validation failed: %w", err)
	}

	result := &ReloadResult{Changes: make([]ReloadChange, 0)}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.detectRestartChange(result, "ServerPort", c.ServerPort, newCfg.ServerPort)
	c.detectRestartChange(result, "ServerHost", c.ServerHost, newCfg.ServerHost)
	c.detectRestartChange(result, "DatabasePath", c.DatabasePath, newCfg.DatabasePath)
	c.detectRestartChange(result, "ReferenceSymbol", c.ReferenceSymbol, newCfg.ReferenceSymbol)

	if c.LogLevel != newCfg.LogLevel {
		result.Changes = append(result.Changes, ReloadChange{Field: "LogLevel", OldValue: c.LogLevel, NewValue: newCfg.LogLevel, Applied: true})
		c.LogLevel = newCfg.LogLevel
		if lvl, err := zerolog.ParseLevel(newCfg.LogLevel); err == nil {
			zerolog.SetGlobalLevel(lvl)
		}
	}
	if !stringSlicesEqual(c.AllowedOrigins, newCfg.AllowedOrigins) {
		result.Changes = append(result.Changes, ReloadChange{Field: "AllowedOrigins", OldValue: c.AllowedOrigins, NewValue: newCfg.AllowedOrigins, Applied: true})
		c.AllowedOrigins = newCfg.AllowedOrigins
	}
	if !intSlicesEqual(c.DefaultForbiddenHours, newCfg.DefaultForbiddenHours) {
		result.Changes = append(result.Changes, ReloadChange{Field: "DefaultForbiddenHours", OldValue: c.DefaultForbiddenHours, NewValue: newCfg.DefaultForbiddenHours, Applied: true})
		c.DefaultForbiddenHours = newCfg.DefaultForbiddenHours
	}
	if c.APIKey != newCfg.APIKey {
		result.Changes = append(result.Changes, ReloadChange{Field: "APIKey", OldValue: "[redacted]", NewValue: "[redacted]", Applied: true})
		c.APIKey = newCfg.APIKey
	}
	if c.DingTalkToken != newCfg.DingTalkToken {
		result.Changes = append(result.Changes, ReloadChange{Field: "DingTalkToken", OldValue: "[redacted]", NewValue: "[redacted]", Applied: true})
		c.DingTalkToken = newCfg.DingTalkToken
	}
	if c.DingTalkSecret != newCfg.DingTalkSecret {
		result.Changes = append(result.Changes, ReloadChange{Field: "DingTalkSecret", OldValue: "[redacted]", NewValue: "[redacted]", Applied: true})
		c.DingTalkSecret = newCfg.DingTalkSecret
	}
	if c.WebhookSecret != newCfg.WebhookSecret {
		result.Changes = append(result.Changes, ReloadChange{Field: "WebhookSecret", OldValue: "[redacted]", NewValue: "[redacted]", Applied: true})
		c.WebhookSecret = newCfg.WebhookSecret
	}

	log.Info().Int("total_changes", len(result.Changes)).Bool("requires_restart", result.RequiresRestart).Msg("configuration reloaded")
	return result, nil
}

func (c *Config) detectRestartChange(result *ReloadResult, field string, oldVal, newVal interface{}) {
	if fmt.Sprintf("%v", oldVal) != fmt.Sprintf("%v", newVal) {
		result.Changes = append(result.Changes, ReloadChange{Field: field, OldValue: oldVal, NewValue: newVal, Applied: false})
		result.RequiresRestart = true
		result.RestartReasons = append(result.RestartReasons, field+" changed")
	}
}

// Snapshot returns a copy of the hot-reloadable fields under read lock, safe
// for concurrent use while Reload runs.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := *c
	cp.mu = sync.RWMutex{}
	return cp
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func intSlicesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func parseCSV(s string) []string {
	if s == "" {
		return []string{}
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseHours(s string) []int {
	if s == "" {
		return nil
	}
	var hours []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if n, err := strconv.Atoi(part); err == nil {
			hours = append(hours, n)
		}
	}
	return hours
}

// MarginSpecEnvVar returns the per-instance margin environment variable name,
// e.g. WEBHOOK_MARGIN_AMOUNT_abc123.
func MarginSpecEnvVar(instanceID string) string {
	return "WEBHOOK_MARGIN_AMOUNT_" + instanceID
}
