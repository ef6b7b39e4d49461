package config

import "fmt"

// APIConfig contains the read-only HTTP API settings.
type APIConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
	Auth        APIAuthConfig   `yaml:"auth,omitempty" mapstructure:"auth"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// APIAuthConfig configures HTTP basic authentication. Passwords are stored
// as bcrypt hashes.
type APIAuthConfig struct {
	Enabled bool            `yaml:"enabled" mapstructure:"enabled"`
	Users   []BasicAuthUser `yaml:"users,omitempty" mapstructure:"users"`
}

// BasicAuthUser defines a basic auth user.
type BasicAuthUser struct {
	Username     string `yaml:"username" mapstructure:"username"`
	PasswordHash string `yaml:"password_hash" mapstructure:"password_hash"`
}

func (a *APIConfig) applyDefaults() {
	if a.Listen == "" {
		a.Listen = DefaultAPIListen
	}

	if a.RateLimit.Enabled && a.RateLimit.RequestsPerMinute <= 0 {
		a.RateLimit.RequestsPerMinute = 120
	}
}

func (a *APIConfig) validate() error {
	if !a.Auth.Enabled {
		return nil
	}

	if len(a.Auth.Users) == 0 {
		return fmt.Errorf("auth enabled but no users configured")
	}

	for i, u := range a.Auth.Users {
		if u.Username == "" || u.PasswordHash == "" {
			return fmt.Errorf("auth.users[%d]: username and password_hash are required", i)
		}
	}

	return nil
}
