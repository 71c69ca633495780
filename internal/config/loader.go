package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Loader handles configuration loading and parsing.
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads a configuration file, applies environment overrides, and validates.
func (l *Loader) Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		expanded := l.expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // keep original if env var not set
	})
}

// applyEnvOverrides maps the documented environment keys onto the config.
// Environment values win over file values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BASE_DOMAIN"); v != "" {
		cfg.Tenancy.BaseDomain = v
	}
	if v := os.Getenv("DEFAULT_TENANT_ID"); v != "" {
		cfg.Tenancy.DefaultTenantID = v
	}
	if v := os.Getenv("AUTH_BACKEND"); v != "" {
		cfg.Auth.Backend = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.Secret = v
	}
	if v := os.Getenv("JWKS_URL"); v != "" {
		cfg.Auth.JWKSURL = v
	}
	if v := os.Getenv("RATE_LIMIT_FAIL_MODE"); v != "" {
		cfg.RateLimit.FailMode = v
	}
	if d, ok := envMillis("HEALTH_PROBE_INTERVAL_MS"); ok {
		cfg.Health.ProbeInterval = d
	}
	if d, ok := envMillis("HEALTH_DEGRADED_LATENCY_MS"); ok {
		cfg.Health.DegradedLatency = d
	}
	if d, ok := envMillis("UPSTREAM_DEFAULT_TIMEOUT_MS"); ok {
		cfg.Upstream.DefaultTimeout = d
	}
	if v := os.Getenv("UPSTREAM_MAX_IDLE_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Upstream.MaxIdleConns = n
		}
	}
	if v := os.Getenv("SERVICES_CONFIG_PATH"); v != "" {
		cfg.Catalogs.ServicesPath = v
	}
	if v := os.Getenv("TENANTS_CONFIG_PATH"); v != "" {
		cfg.Catalogs.TenantsPath = v
	}
	if v := os.Getenv("REDIS_ADDRESS"); v != "" {
		cfg.Redis.Address = v
	}
}

func envMillis(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms <= 0 {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

// validate checks configuration for errors.
func (l *Loader) validate(cfg *Config) error {
	if cfg.Listen.Address == "" {
		return fmt.Errorf("listen.address is required")
	}

	switch cfg.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level: %s", cfg.Logging.Level)
	}

	switch cfg.RateLimit.FailMode {
	case "open", "closed":
	default:
		return fmt.Errorf("rate_limit.fail_mode must be \"open\" or \"closed\", got %q", cfg.RateLimit.FailMode)
	}

	switch cfg.RateLimit.Backend {
	case "", "memory":
	case "redis":
		if cfg.Redis.Address == "" {
			return fmt.Errorf("rate_limit.backend \"redis\" requires redis.address")
		}
	default:
		return fmt.Errorf("rate_limit.backend must be \"memory\" or \"redis\", got %q", cfg.RateLimit.Backend)
	}

	switch cfg.Auth.Backend {
	case "", "none":
	case "hmac":
		if cfg.Auth.Secret == "" {
			return fmt.Errorf("auth.backend \"hmac\" requires auth.secret (or JWT_SECRET)")
		}
	case "jwks":
		if cfg.Auth.JWKSURL == "" {
			return fmt.Errorf("auth.backend \"jwks\" requires auth.jwks_url (or JWKS_URL)")
		}
	default:
		return fmt.Errorf("invalid auth.backend: %s", cfg.Auth.Backend)
	}

	// Key material may be cached for at most 10 minutes.
	if cfg.Auth.KeyCacheTTL <= 0 || cfg.Auth.KeyCacheTTL > 10*time.Minute {
		cfg.Auth.KeyCacheTTL = 10 * time.Minute
	}

	if cfg.Tenancy.DefaultTenantID != "" && !validTenantID(cfg.Tenancy.DefaultTenantID) {
		return fmt.Errorf("tenancy.default_tenant_id %q is not DNS-label shaped", cfg.Tenancy.DefaultTenantID)
	}

	if cfg.Health.ProbeInterval <= 0 {
		return fmt.Errorf("health.probe_interval must be > 0")
	}
	if cfg.Health.HistorySize < 32 {
		cfg.Health.HistorySize = 32
	}

	if cfg.Upstream.DefaultTimeout <= 0 {
		return fmt.Errorf("upstream.default_timeout must be > 0")
	}
	if cfg.Upstream.MaxIdleConns <= 0 {
		cfg.Upstream.MaxIdleConns = 100
	}
	if cfg.Upstream.MaxInFlight <= 0 {
		cfg.Upstream.MaxInFlight = 200
	}

	if cfg.Catalogs.ServicesPath == "" {
		return fmt.Errorf("catalogs.services_path is required")
	}

	return nil
}

// validTenantID reports whether s is DNS-label shaped: lowercase alphanumerics
// and hyphens, not starting or ending with a hyphen, at most 63 bytes.
func validTenantID(s string) bool {
	if len(s) == 0 || len(s) > 63 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-':
			if i == 0 || i == len(s)-1 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// ValidTenantID is the exported form used by the tenant package and admin API.
func ValidTenantID(s string) bool {
	return validTenantID(s)
}
