package config

import (
	"time"
)

// Config is the complete gateway configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tenancy   TenancyConfig   `yaml:"tenancy"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Health    HealthConfig    `yaml:"health"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Catalogs  CatalogsConfig  `yaml:"catalogs"`
	Redis     RedisConfig     `yaml:"redis"`
	Debug     bool            `yaml:"debug"`
}

// ListenConfig defines the HTTP listener settings.
type ListenConfig struct {
	Address           string        `yaml:"address"` // e.g. ":8080"
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace"`
}

// LoggingConfig defines structured logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// TenancyConfig defines tenant resolution settings.
type TenancyConfig struct {
	BaseDomain      string `yaml:"base_domain"`       // host suffix for subdomain resolution
	DefaultTenantID string `yaml:"default_tenant_id"` // strategy-4 fallback
}

// AuthConfig defines the bearer token verifier settings.
type AuthConfig struct {
	Backend     string        `yaml:"backend"` // "hmac" or "jwks"
	Secret      string        `yaml:"secret"`
	JWKSURL     string        `yaml:"jwks_url"`
	Issuer      string        `yaml:"issuer"`
	Audience    []string      `yaml:"audience"`
	KeyCacheTTL time.Duration `yaml:"key_cache_ttl"` // JWKS refresh, capped at 10m
}

// RateLimitConfig defines rate limiter settings.
type RateLimitConfig struct {
	FailMode string `yaml:"fail_mode"` // "open" or "closed"
	Backend  string `yaml:"backend"`   // "memory" or "redis"
}

// HealthConfig defines health aggregator settings.
type HealthConfig struct {
	ProbeInterval    time.Duration `yaml:"probe_interval"`
	DegradedLatency  time.Duration `yaml:"degraded_latency"`
	ProbeTimeoutCap  time.Duration `yaml:"probe_timeout_cap"`
	HistorySize      int           `yaml:"history_size"`
}

// UpstreamConfig defines default upstream transport settings.
type UpstreamConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	MaxIdleConns   int           `yaml:"max_idle_conns"`
	MaxInFlight    int           `yaml:"max_in_flight"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
}

// CatalogsConfig points at the services and tenants catalog files.
type CatalogsConfig struct {
	ServicesPath string `yaml:"services_path"`
	TenantsPath  string `yaml:"tenants_path"`
	Watch        bool   `yaml:"watch"` // reload on file change
}

// RedisConfig defines the optional Redis connection for distributed rate limiting.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{
			Address:           ":8080",
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      0, // streaming responses manage their own deadlines
			IdleTimeout:       120 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownGrace:     15 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tenancy: TenancyConfig{
			DefaultTenantID: "default",
		},
		Auth: AuthConfig{
			Backend:     "hmac",
			KeyCacheTTL: 10 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			FailMode: "open",
			Backend:  "memory",
		},
		Health: HealthConfig{
			ProbeInterval:   30 * time.Second,
			DegradedLatency: time.Second,
			ProbeTimeoutCap: 5 * time.Second,
			HistorySize:     32,
		},
		Upstream: UpstreamConfig{
			DefaultTimeout: 30 * time.Second,
			MaxIdleConns:   100,
			MaxInFlight:    200,
			FlushInterval:  100 * time.Millisecond,
		},
		Catalogs: CatalogsConfig{
			ServicesPath: "configs/services.yaml",
			TenantsPath:  "configs/tenants.yaml",
		},
	}
}
