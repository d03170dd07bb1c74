// Package config loads and validates the system configuration enumerated
// in the external interfaces design: every recognized behavioral knob,
// loaded from environment variables and an optional YAML overlay, with
// every validation problem collected and reported together.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// RateLimitTierConfig mirrors one `rate_limits.<provider>.<tier>` entry.
type RateLimitTierConfig struct {
	RPM        int `yaml:"rpm"`
	TPM        int `yaml:"tpm"`
	RPD        int `yaml:"rpd"`
	TPD        int `yaml:"tpd"`
	Concurrent int `yaml:"concurrent"`
}

// ProviderConfig mirrors one `providers.<name>` entry.
type ProviderConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Priority int    `yaml:"priority"`
	Fallback string `yaml:"fallback"`
	APIKey   string `yaml:"-"`
}

// CacheConfig mirrors `cache.*`.
type CacheConfig struct {
	Enabled     bool   `yaml:"enabled"`
	TTLHours    int    `yaml:"ttl_hours"`
	HotCapacity int    `yaml:"hot_capacity"`
	Dir         string `yaml:"dir"`
}

// StatusConfig mirrors `status.*`. RedisAddr is optional; when empty the
// Status Manager publishes only to in-process subscribers.
type StatusConfig struct {
	RedisAddr string `yaml:"redis_addr"`
}

// AuditConfig mirrors `audit.*`. MongoURI is optional; when empty no
// AuditRecord is persisted for any analysis.
type AuditConfig struct {
	MongoURI   string `yaml:"mongo_uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

// LoggingConfig mirrors `logging.*`.
type LoggingConfig struct {
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
	Dir     string `yaml:"dir"`
	MaxBytes int   `yaml:"max_bytes"`
	Backups int    `yaml:"backups"`
}

// Config is the full enumeration of behavioral knobs from the external
// interfaces design.
type Config struct {
	MaxFileSizeBytes       int64                                    `yaml:"max_file_size_bytes"`
	MaxConcurrentAnalyses  int                                      `yaml:"max_concurrent_analyses"`
	MaxQueueSize           int                                      `yaml:"max_queue_size"`
	Cache                  CacheConfig                              `yaml:"cache"`
	Status                 StatusConfig                             `yaml:"status"`
	Audit                  AuditConfig                              `yaml:"audit"`
	RateLimits             map[string]map[string]RateLimitTierConfig `yaml:"rate_limits"`
	Providers              map[string]ProviderConfig                `yaml:"providers"`
	DefaultProvider        string                                   `yaml:"default_provider"`
	DefaultMode            string                                   `yaml:"default_mode"`
	RequestTimeoutSeconds  int                                      `yaml:"request_timeout_seconds"`
	Logging                LoggingConfig                            `yaml:"logging"`
}

// Load reads an optional YAML file at path (ignored if empty or missing),
// then overlays environment variables, then validates. All validation
// problems are collected and returned together in a single error, per the
// design's "human-readable diagnostic listing every problem" requirement.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	applyEnvOverlay(cfg)
	applyAPIKeys(cfg)

	if errs := validate(cfg); len(errs) > 0 {
		return nil, &ValidationError{Problems: errs}
	}
	return cfg, nil
}

// Default returns the zero-value-safe baseline configuration.
func Default() *Config {
	return &Config{
		MaxFileSizeBytes:      20 * 1024 * 1024,
		MaxConcurrentAnalyses: 8,
		MaxQueueSize:          256,
		Cache: CacheConfig{
			Enabled:     true,
			TTLHours:    24,
			HotCapacity: 256,
			Dir:         "./cache",
		},
		RateLimits:            make(map[string]map[string]RateLimitTierConfig),
		Providers:             make(map[string]ProviderConfig),
		DefaultProvider:       "anthropic",
		DefaultMode:           "intelligent",
		RequestTimeoutSeconds: 300,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func applyEnvOverlay(cfg *Config) {
	if v := os.Getenv("DISPATCH_MAX_FILE_SIZE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxFileSizeBytes = n
		}
	}
	if v := os.Getenv("DISPATCH_MAX_CONCURRENT_ANALYSES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrentAnalyses = n
		}
	}
	if v := os.Getenv("DISPATCH_MAX_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxQueueSize = n
		}
	}
	if v := os.Getenv("DISPATCH_DEFAULT_PROVIDER"); v != "" {
		cfg.DefaultProvider = v
	}
	if v := os.Getenv("DISPATCH_DEFAULT_MODE"); v != "" {
		cfg.DefaultMode = v
	}
}

// applyAPIKeys reads `DISPATCH_API_KEY_<PROVIDER>` for every provider
// already named in the config, disabling providers with no credential
// material, per the design.
func applyAPIKeys(cfg *Config) {
	for name, pc := range cfg.Providers {
		envName := "DISPATCH_API_KEY_" + strings.ToUpper(name)
		key := os.Getenv(envName)
		pc.APIKey = key
		if key == "" {
			pc.Enabled = false
		}
		cfg.Providers[name] = pc
	}
}

func validate(cfg *Config) []string {
	var problems []string
	if cfg.MaxFileSizeBytes <= 0 {
		problems = append(problems, "max_file_size_bytes must be positive")
	}
	if cfg.MaxConcurrentAnalyses <= 0 {
		problems = append(problems, "max_concurrent_analyses must be positive")
	}
	if cfg.MaxQueueSize <= 0 {
		problems = append(problems, "max_queue_size must be positive")
	}
	if cfg.RequestTimeoutSeconds <= 0 {
		problems = append(problems, "request_timeout_seconds must be positive")
	}
	if cfg.DefaultProvider == "" {
		problems = append(problems, "default_provider must be set")
	}
	switch cfg.DefaultMode {
	case "quick", "intelligent", "large_file", "max_token":
	default:
		problems = append(problems, fmt.Sprintf("default_mode %q is not one of quick/intelligent/large_file/max_token", cfg.DefaultMode))
	}
	return problems
}

// ValidationError aggregates every config problem found, so startup fails
// with one complete diagnostic instead of one problem at a time.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %d problem(s):\n  - %s", len(e.Problems), strings.Join(e.Problems, "\n  - "))
}
