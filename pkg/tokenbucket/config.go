package tokenbucket

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the rate limiting configuration.
// It is read once at startup; buckets never change policy after creation.
type Config struct {
	// Defaults are applied to all routes unless overridden
	Defaults PolicyConfig `yaml:"defaults"`

	// Policies maps route paths to their own policy. Each route gets its own
	// set of per-client buckets.
	Policies map[string]PolicyConfig `yaml:"policies,omitempty"`

	// KeyExtractor specifies how to identify clients
	// Examples: "ip", "ip-proxy", "header:X-API-Key", "bearer"
	KeyExtractor string `yaml:"key_extractor,omitempty"`

	// CleanupAge specifies how long idle buckets are kept before cleanup
	// Format: "1h", "30m", "0" to disable
	CleanupAge string `yaml:"cleanup_age,omitempty"`

	// PollInterval caps a single sleep of a blocking wait
	// Format: "100ms"
	PollInterval string `yaml:"poll_interval,omitempty"`
}

// PolicyConfig defines rate limiting parameters for a route or default.
type PolicyConfig struct {
	// Capacity is the maximum number of tokens (burst size)
	Capacity int64 `yaml:"capacity"`

	// RefillRate is the number of tokens added per second
	RefillRate float64 `yaml:"refill_rate"`

	// Enabled allows disabling rate limiting for specific routes
	Enabled bool `yaml:"enabled"`
}

// NewConfig returns the default configuration: a bucket of 10 refilling at
// 5 tokens/second, keyed by client IP.
func NewConfig() *Config {
	return &Config{
		Defaults: PolicyConfig{
			Capacity:   10,
			RefillRate: 5.0,
			Enabled:    true,
		},
		Policies:     make(map[string]PolicyConfig),
		KeyExtractor: "ip",
		CleanupAge:   "1h",
		PollInterval: DefaultPollInterval.String(),
	}
}

// LoadConfigFromFile loads configuration from a YAML file.
// Missing optional fields fall back to NewConfig's values.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read config file: %v", ErrInvalidConfig, err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML configuration bytes.
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("%w: failed to parse YAML: %v", ErrInvalidConfig, err)
	}

	defaults := NewConfig()
	if config.KeyExtractor == "" {
		config.KeyExtractor = defaults.KeyExtractor
	}
	if config.CleanupAge == "" {
		config.CleanupAge = defaults.CleanupAge
	}
	if config.PollInterval == "" {
		config.PollInterval = defaults.PollInterval
	}
	if config.Policies == nil {
		config.Policies = make(map[string]PolicyConfig)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := c.Defaults.Validate(); err != nil {
		return fmt.Errorf("%w: invalid defaults: %v", ErrInvalidConfig, err)
	}

	for route, policy := range c.Policies {
		if err := policy.Validate(); err != nil {
			return fmt.Errorf("%w: invalid policy for route %s: %v", ErrInvalidConfig, route, err)
		}
	}

	if _, err := c.CleanupDuration(); err != nil {
		return err
	}
	if _, err := c.PollDuration(); err != nil {
		return err
	}
	return nil
}

// Validate checks if a PolicyConfig is valid.
func (p *PolicyConfig) Validate() error {
	if p.Capacity <= 0 {
		return ErrNegativeCapacity
	}
	if p.RefillRate <= 0 {
		return ErrNegativeRefillRate
	}
	return nil
}

// CleanupDuration parses CleanupAge. Empty and "0" mean disabled.
func (c *Config) CleanupDuration() (time.Duration, error) {
	if c.CleanupAge == "" || c.CleanupAge == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.CleanupAge)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%w: invalid cleanup_age %q", ErrInvalidConfig, c.CleanupAge)
	}
	return d, nil
}

// PollDuration parses PollInterval. Empty means DefaultPollInterval.
func (c *Config) PollDuration() (time.Duration, error) {
	if c.PollInterval == "" {
		return DefaultPollInterval, nil
	}
	d, err := time.ParseDuration(c.PollInterval)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%w: invalid poll_interval %q", ErrInvalidConfig, c.PollInterval)
	}
	return d, nil
}

// GetPolicy returns the policy for route and whether it is a route-specific
// override rather than the defaults.
func (c *Config) GetPolicy(route string) (PolicyConfig, bool) {
	if policy, exists := c.Policies[route]; exists {
		return policy, true
	}
	return c.Defaults, false
}

// SetPolicy sets a rate limit policy for a specific route.
func (c *Config) SetPolicy(route string, policy PolicyConfig) error {
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Policies == nil {
		c.Policies = make(map[string]PolicyConfig)
	}
	c.Policies[route] = policy
	return nil
}

// ToBucketConfig converts a PolicyConfig to the parameters the store uses to
// create buckets.
func (p PolicyConfig) ToBucketConfig() BucketConfig {
	return BucketConfig{
		Capacity:   p.Capacity,
		RefillRate: p.RefillRate,
	}
}
