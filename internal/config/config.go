// ABOUTME: Configuration loading and parsing for mcp-router
// ABOUTME: Supports YAML files with environment variable expansion plus env overrides

package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete mcp-router configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Sync     SyncConfig     `yaml:"sync"`
	Health   HealthConfig   `yaml:"health"`
	Credits  CreditsConfig  `yaml:"credits"`
	Audit    AuditConfig    `yaml:"audit"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the downstream endpoint configuration.
type ServerConfig struct {
	Port      int    `yaml:"port"`
	Name      string `yaml:"name"`
	Version   string `yaml:"version"`
	Separator string `yaml:"separator"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path          string `yaml:"path"`
	RunMigrations bool   `yaml:"run_migrations"`
}

// AuthConfig holds bearer-token authentication configuration for the REST surface.
type AuthConfig struct {
	Enabled   bool   `yaml:"enabled"`
	JWTSecret string `yaml:"jwt_secret"`
}

// SyncConfig holds multi-instance sync engine configuration.
type SyncConfig struct {
	Enabled             bool          `yaml:"enabled"`
	InstanceID          string        `yaml:"instance_id"`
	PollInterval        time.Duration `yaml:"-"`
	ReconcileInterval   time.Duration `yaml:"-"`
	CleanupInterval     time.Duration `yaml:"-"`
	EventRetentionHours int           `yaml:"event_retention_hours"`

	PollIntervalRaw      string `yaml:"poll_interval"`
	ReconcileIntervalRaw string `yaml:"reconcile_interval"`
	CleanupIntervalRaw   string `yaml:"cleanup_interval"`
}

// HealthConfig holds health-check loop configuration.
type HealthConfig struct {
	PingInterval    time.Duration `yaml:"-"`
	MaxPingFailures int           `yaml:"max_ping_failures"`

	PingIntervalRaw string `yaml:"ping_interval"`
}

// CreditsConfig holds user-management service configuration for the credit gate.
type CreditsConfig struct {
	UserManagementAPI string `yaml:"user_management_api"`
	AdminAPIKey       string `yaml:"admin_api_key"`
}

// AuditConfig holds audit/event buffer configuration.
type AuditConfig struct {
	EnableEventLog bool `yaml:"enable_event_log"`
	EnableAuditLog bool `yaml:"enable_audit_log"`
	LogArguments   bool `yaml:"log_arguments"`
	LogResponses   bool `yaml:"log_responses"`
	RetentionDays  int  `yaml:"retention_days"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a Config populated with the documented defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:      4000,
			Name:      "mcp-router",
			Version:   "1.0.0",
			Separator: ":",
		},
		Database: DatabaseConfig{
			Path:          "data/router.db",
			RunMigrations: true,
		},
		Sync: SyncConfig{
			Enabled:             true,
			PollInterval:        5 * time.Second,
			ReconcileInterval:   30 * time.Second,
			CleanupInterval:     time.Hour,
			EventRetentionHours: 24,
		},
		Health: HealthConfig{
			PingInterval:    30 * time.Second,
			MaxPingFailures: 3,
		},
		Audit: AuditConfig{
			EnableEventLog: true,
			EnableAuditLog: false,
			RetentionDays:  30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads an optional configuration file and applies environment overrides.
// Environment variables in the format ${VAR_NAME} are expanded inside the file;
// the environment variables read by applyEnv always win over file values. A
// missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		} else {
			expanded := expandEnvVars(string(data))
			if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
			if err := parseDurations(cfg); err != nil {
				return nil, fmt.Errorf("parsing durations: %w", err)
			}
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with environment variable values.
// Unset variables become empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// parseDurations converts raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	pairs := []struct {
		raw string
		dst *time.Duration
	}{
		{cfg.Sync.PollIntervalRaw, &cfg.Sync.PollInterval},
		{cfg.Sync.ReconcileIntervalRaw, &cfg.Sync.ReconcileInterval},
		{cfg.Sync.CleanupIntervalRaw, &cfg.Sync.CleanupInterval},
		{cfg.Health.PingIntervalRaw, &cfg.Health.PingInterval},
	}
	for _, p := range pairs {
		if p.raw == "" {
			continue
		}
		d, err := time.ParseDuration(p.raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", p.raw, err)
		}
		*p.dst = d
	}
	return nil
}

// applyEnv layers the documented environment variables over cfg.
func applyEnv(cfg *Config) {
	setInt(&cfg.Server.Port, "ROUTER_PORT")
	setString(&cfg.Server.Name, "ROUTER_NAME")
	setString(&cfg.Server.Version, "ROUTER_VERSION")
	setString(&cfg.Server.Separator, "TOOL_NAME_SEPARATOR")

	setString(&cfg.Database.Path, "DATABASE_URL")
	setBool(&cfg.Database.RunMigrations, "RUN_MIGRATIONS")

	setBool(&cfg.Auth.Enabled, "AUTH_ENABLED")
	setString(&cfg.Auth.JWTSecret, "AUTH_JWT_SECRET")

	setString(&cfg.Credits.UserManagementAPI, "USER_MANAGEMENT_API")
	setString(&cfg.Credits.AdminAPIKey, "USER_MANAGEMENT_API_KEY")

	setBool(&cfg.Audit.EnableEventLog, "ENABLE_EVENT_LOG")
	setBool(&cfg.Audit.EnableAuditLog, "ENABLE_AUDIT_LOG")
	setBool(&cfg.Audit.LogArguments, "LOG_ARGUMENTS")
	setBool(&cfg.Audit.LogResponses, "LOG_RESPONSES")
	setInt(&cfg.Audit.RetentionDays, "AUDIT_RETENTION_DAYS")

	setMillis(&cfg.Health.PingInterval, "PING_INTERVAL_MS")
	setInt(&cfg.Health.MaxPingFailures, "MAX_PING_FAILURES")

	setString(&cfg.Sync.InstanceID, "INSTANCE_ID")
	setMillis(&cfg.Sync.PollInterval, "SYNC_POLL_INTERVAL_MS")
	setMillis(&cfg.Sync.CleanupInterval, "SYNC_CLEANUP_INTERVAL_MS")
	setInt(&cfg.Sync.EventRetentionHours, "SYNC_EVENT_RETENTION_HOURS")

	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.Format, "LOG_FORMAT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setMillis(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Server.Separator == "" {
		return fmt.Errorf("server.separator must not be empty")
	}
	if validName.MatchString(c.Server.Separator) {
		return fmt.Errorf("server.separator %q collides with valid server name characters", c.Server.Separator)
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret required when auth is enabled")
	}
	if c.Credits.UserManagementAPI != "" {
		if _, err := url.ParseRequestURI(c.Credits.UserManagementAPI); err != nil {
			return fmt.Errorf("invalid user management API URL: %w", err)
		}
		if c.Credits.AdminAPIKey == "" {
			return fmt.Errorf("credits.admin_api_key required when user management API is set")
		}
	}
	if c.Health.MaxPingFailures < 1 {
		return fmt.Errorf("health.max_ping_failures must be at least 1")
	}
	if c.Sync.EventRetentionHours < 1 {
		return fmt.Errorf("sync.event_retention_hours must be at least 1")
	}
	return nil
}

// validName matches legal server name characters. The separator must fall
// outside this set so that splitting an aggregated tool name is unambiguous.
var validName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidServerName reports whether name is a legal upstream server name.
func ValidServerName(name string) bool {
	return validName.MatchString(name)
}
