package config

import "fmt"

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// DefaultMaxStreamsPerClient caps concurrent event streams per client.
const DefaultMaxStreamsPerClient = 4

// RateLimitConfig configures per-client limits. RequestsPerMinute applies
// to the read endpoints; MaxStreamsPerClient caps open event streams.
type RateLimitConfig struct {
	Enabled             bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute   int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	MaxStreamsPerClient int  `yaml:"max_streams_per_client" mapstructure:"max_streams_per_client"`
}

// Validate checks the limits when rate limiting is enabled.
func (r *RateLimitConfig) Validate() error {
	if !r.Enabled {
		return nil
	}

	if r.RequestsPerMinute < 1 {
		return fmt.Errorf("requests_per_minute must be at least 1, got %d", r.RequestsPerMinute)
	}

	if r.MaxStreamsPerClient < 1 {
		return fmt.Errorf("max_streams_per_client must be at least 1, got %d", r.MaxStreamsPerClient)
	}

	return nil
}
