package registry

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// RetryPolicy describes per-service retry behavior for idempotent requests.
type RetryPolicy struct {
	Attempts    int           `yaml:"attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
}

// Service is an upstream microservice registration. Records are owned by the
// Registry; all other components hold read-only references.
type Service struct {
	ID             string        `yaml:"id"`
	BaseURL        string        `yaml:"base_url"`
	Host           string        `yaml:"host"`        // optional host scope; empty = all hosts
	PathPrefix     string        `yaml:"path_prefix"` // gateway-side prefix
	AllowedMethods []string      `yaml:"allowed_methods"`
	Timeout        time.Duration `yaml:"timeout"`
	Retry          RetryPolicy   `yaml:"retry"`
	StripPrefix    bool          `yaml:"strip_prefix"`
	StripAuth      bool          `yaml:"strip_auth"` // drop Authorization before forwarding
	RequiredScopes []string      `yaml:"required_scopes"`
	HealthPath     string        `yaml:"health_path"`
	Tags           []string      `yaml:"tags"`

	baseURL *url.URL            // parsed once at load
	methods map[string]bool     // nil = all methods
}

// URL returns the parsed base URL.
func (s *Service) URL() *url.URL {
	return s.baseURL
}

// AllowsMethod reports whether the service accepts the given HTTP method.
// A service with no allowed_methods accepts everything.
func (s *Service) AllowsMethod(method string) bool {
	if s.methods == nil {
		return true
	}
	return s.methods[method]
}

// AllowHeader returns the value for a 405 Allow header.
func (s *Service) AllowHeader() string {
	return strings.Join(s.AllowedMethods, ", ")
}

// normalize applies defaults and parses derived fields. Called during
// catalog validation; a service that fails here never enters the table.
func (s *Service) normalize(defaultTimeout time.Duration) error {
	if s.ID == "" {
		return fmt.Errorf("service id is required")
	}
	if s.BaseURL == "" {
		return fmt.Errorf("service %s: base_url is required", s.ID)
	}
	u, err := url.Parse(s.BaseURL)
	if err != nil {
		return fmt.Errorf("service %s: invalid base_url: %w", s.ID, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("service %s: base_url scheme must be http or https", s.ID)
	}
	if u.Host == "" {
		return fmt.Errorf("service %s: base_url has no host", s.ID)
	}
	s.baseURL = u

	if s.PathPrefix == "" {
		return fmt.Errorf("service %s: path_prefix is required", s.ID)
	}
	if !strings.HasPrefix(s.PathPrefix, "/") {
		s.PathPrefix = "/" + s.PathPrefix
	}
	s.PathPrefix = strings.TrimRight(s.PathPrefix, "/")
	if s.PathPrefix == "" {
		return fmt.Errorf("service %s: path_prefix must not be the bare root", s.ID)
	}

	if s.HealthPath == "" {
		s.HealthPath = "/health"
	}
	if !strings.HasPrefix(s.HealthPath, "/") {
		s.HealthPath = "/" + s.HealthPath
	}

	if s.Timeout <= 0 {
		s.Timeout = defaultTimeout
	}
	if s.Retry.Attempts < 0 {
		s.Retry.Attempts = 0
	}
	if s.Retry.Attempts > 0 && s.Retry.BaseBackoff <= 0 {
		s.Retry.BaseBackoff = 100 * time.Millisecond
	}

	if len(s.AllowedMethods) > 0 {
		s.methods = make(map[string]bool, len(s.AllowedMethods))
		for i, m := range s.AllowedMethods {
			m = strings.ToUpper(m)
			s.AllowedMethods[i] = m
			s.methods[m] = true
		}
	}

	s.Host = strings.ToLower(s.Host)
	return nil
}
