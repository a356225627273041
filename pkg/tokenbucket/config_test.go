package tokenbucket

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewConfig(t *testing.T) {
	config := NewConfig()

	if config.Defaults.Capacity != 10 || config.Defaults.RefillRate != 5.0 || !config.Defaults.Enabled {
		t.Errorf("Defaults = %+v, want {10 5 true}", config.Defaults)
	}
	if config.KeyExtractor != "ip" {
		t.Errorf("KeyExtractor = %s, want ip", config.KeyExtractor)
	}
	if d, _ := config.CleanupDuration(); d != time.Hour {
		t.Errorf("CleanupDuration() = %v, want 1h", d)
	}
	if d, _ := config.PollDuration(); d != DefaultPollInterval {
		t.Errorf("PollDuration() = %v, want %v", d, DefaultPollInterval)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}

func TestPolicyConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  PolicyConfig
		wantErr error
	}{
		{"valid policy", PolicyConfig{Capacity: 100, RefillRate: 10, Enabled: true}, nil},
		{"zero capacity", PolicyConfig{Capacity: 0, RefillRate: 10}, ErrNegativeCapacity},
		{"negative capacity", PolicyConfig{Capacity: -1, RefillRate: 10}, ErrNegativeCapacity},
		{"zero refill rate", PolicyConfig{Capacity: 10, RefillRate: 0}, ErrNegativeRefillRate},
		{"negative refill rate", PolicyConfig{Capacity: 10, RefillRate: -1}, ErrNegativeRefillRate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"bad default", func(c *Config) { c.Defaults.Capacity = 0 }, false},
		{"bad route", func(c *Config) { c.Policies["/x"] = PolicyConfig{Capacity: 1} }, false},
		{"bad cleanup age", func(c *Config) { c.CleanupAge = "soon" }, false},
		{"cleanup disabled", func(c *Config) { c.CleanupAge = "0" }, true},
		{"bad poll interval", func(c *Config) { c.PollInterval = "-1s" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := NewConfig()
			tt.mutate(config)
			err := config.Validate()
			if tt.ok && err != nil {
				t.Errorf("Validate() unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestConfig_GetAndSetPolicy(t *testing.T) {
	config := NewConfig()

	if err := config.SetPolicy("/api/login", PolicyConfig{Capacity: 5, RefillRate: 0.1, Enabled: true}); err != nil {
		t.Fatalf("SetPolicy() unexpected error: %v", err)
	}
	if err := config.SetPolicy("/bad", PolicyConfig{}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("SetPolicy() error = %v, want ErrInvalidConfig", err)
	}

	policy, override := config.GetPolicy("/api/login")
	if !override || policy.Capacity != 5 {
		t.Errorf("GetPolicy(/api/login) = %+v, %v", policy, override)
	}
	policy, override = config.GetPolicy("/other")
	if override || policy != config.Defaults {
		t.Errorf("GetPolicy(/other) = %+v, %v; want defaults", policy, override)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	yaml := `
defaults:
  capacity: 20
  refill_rate: 2.5
  enabled: true
policies:
  "/api/login":
    capacity: 5
    refill_rate: 0.083
    enabled: true
  "/health":
    capacity: 1
    refill_rate: 1
    enabled: false
key_extractor: "header:X-API-Key"
cleanup_age: "30m"
poll_interval: "50ms"
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	config, err := LoadConfigFromFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFromFile() unexpected error: %v", err)
	}

	if config.Defaults.Capacity != 20 || config.Defaults.RefillRate != 2.5 {
		t.Errorf("Defaults = %+v", config.Defaults)
	}
	if len(config.Policies) != 2 || config.Policies["/health"].Enabled {
		t.Errorf("Policies = %+v", config.Policies)
	}
	if config.KeyExtractor != "header:X-API-Key" {
		t.Errorf("KeyExtractor = %s", config.KeyExtractor)
	}
	if d, _ := config.CleanupDuration(); d != 30*time.Minute {
		t.Errorf("CleanupDuration() = %v, want 30m", d)
	}
	if d, _ := config.PollDuration(); d != 50*time.Millisecond {
		t.Errorf("PollDuration() = %v, want 50ms", d)
	}
}

func TestLoadConfigFromFile_Defaults(t *testing.T) {
	config, err := ParseConfig([]byte("defaults: {capacity: 3, refill_rate: 1, enabled: true}\n"))
	if err != nil {
		t.Fatalf("ParseConfig() unexpected error: %v", err)
	}
	if config.KeyExtractor != "ip" || config.CleanupAge != "1h" || config.PollInterval != "100ms" {
		t.Errorf("optional fields not defaulted: %+v", config)
	}
	if config.Policies == nil {
		t.Error("Policies map should be initialized")
	}
}

func TestLoadConfigFromFile_Errors(t *testing.T) {
	if _, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("missing file error = %v, want ErrInvalidConfig", err)
	}
	if _, err := ParseConfig([]byte("defaults: [not, a, map]")); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("bad YAML error = %v, want ErrInvalidConfig", err)
	}
	if _, err := ParseConfig([]byte("defaults: {capacity: 0, refill_rate: 1}")); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("invalid policy error = %v, want ErrInvalidConfig", err)
	}
}
