package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the tokengate gateway configuration.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Provider ProviderConfig `yaml:"provider"`
	Quota    QuotaConfig    `yaml:"quota"`
	Retry    RetryConfig    `yaml:"retry"`
	Mirror   MirrorConfig   `yaml:"mirror"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// AuthConfig holds gateway API authentication settings.
type AuthConfig struct {
	APIKeys []string `yaml:"api_keys"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`
}

// ProviderConfig holds the completion provider settings.
type ProviderConfig struct {
	Name              string `yaml:"name"`
	APIKey            string `yaml:"api_key"`
	BaseURL           string `yaml:"base_url"`
	Model             string `yaml:"model"`
	MaxTokens         int    `yaml:"max_tokens"`
	RequestTimeoutSec int    `yaml:"request_timeout_sec"`
}

// QuotaConfig holds admission-control settings.
type QuotaConfig struct {
	CeilingTokensPerMin int64 `yaml:"ceiling_tokens_per_min"` // provider-enforced quota
	SafetyBufferTokens  int64 `yaml:"safety_buffer_tokens"`   // reserve absorbing estimation error
	LowReserveTokens    int64 `yaml:"low_reserve_tokens"`     // reported-remaining throttle floor
	CooldownDefaultSec  int   `yaml:"cooldown_default_sec"`   // cooldown when a rejection has no reset hint
}

// RetryConfig holds retry/backoff settings.
type RetryConfig struct {
	MaxAttempts    int `yaml:"max_attempts"`
	BaseBackoffSec int `yaml:"base_backoff_sec"`
	MaxWaitSec     int `yaml:"max_wait_sec"`
}

// MirrorConfig holds the optional usage mirror settings.
// Empty addrs disables mirroring entirely.
type MirrorConfig struct {
	Driver           string   `yaml:"driver"` // valkey, redis (default: valkey)
	Addrs            []string `yaml:"addrs"`
	Password         string   `yaml:"password"`
	KeyPrefix        string   `yaml:"key_prefix"`
	TTLMinutes       int      `yaml:"ttl_minutes"`
	ReadinessTimeout int      `yaml:"readiness_timeout_sec"`
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	configPath := findConfigPath(env)

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	// Substitute env variables of the form ${VAR}
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration or panics.
func MustLoad(env string) Config {
	cfg, err := Load(env)
	if err != nil {
		panic(err)
	}
	return cfg
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		// Long enough to ride out an in-handler throttle wait.
		c.HTTP.WriteTimeoutSec = 180
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.Provider.MaxTokens <= 0 {
		c.Provider.MaxTokens = 1024
	}
	if c.Provider.RequestTimeoutSec <= 0 {
		c.Provider.RequestTimeoutSec = 120
	}
	if c.Quota.CeilingTokensPerMin <= 0 {
		c.Quota.CeilingTokensPerMin = 450_000
	}
	if c.Quota.SafetyBufferTokens <= 0 {
		c.Quota.SafetyBufferTokens = 50_000
	}
	if c.Quota.LowReserveTokens <= 0 {
		c.Quota.LowReserveTokens = 100_000
	}
	if c.Quota.CooldownDefaultSec <= 0 {
		c.Quota.CooldownDefaultSec = 60
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BaseBackoffSec <= 0 {
		c.Retry.BaseBackoffSec = 30
	}
	if c.Retry.MaxWaitSec <= 0 {
		c.Retry.MaxWaitSec = 120
	}
	if c.Mirror.Driver == "" {
		c.Mirror.Driver = "valkey"
	}
	if c.Mirror.KeyPrefix == "" {
		c.Mirror.KeyPrefix = "tokengate:"
	}
	if c.Mirror.TTLMinutes <= 0 {
		c.Mirror.TTLMinutes = 120
	}
	if c.Mirror.ReadinessTimeout <= 0 {
		c.Mirror.ReadinessTimeout = 10
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if c.Provider.APIKey == "" {
		return fmt.Errorf("provider.api_key is required")
	}
	if c.Provider.Model == "" {
		return fmt.Errorf("provider.model is required")
	}
	if c.Quota.SafetyBufferTokens >= c.Quota.CeilingTokensPerMin {
		return fmt.Errorf(
			"quota.safety_buffer_tokens (%d) must be below quota.ceiling_tokens_per_min (%d)",
			c.Quota.SafetyBufferTokens, c.Quota.CeilingTokensPerMin,
		)
	}
	if len(c.Mirror.Addrs) > 0 {
		switch c.Mirror.Driver {
		case "valkey", "redis":
			// ok
		default:
			return fmt.Errorf("mirror.driver must be \"valkey\" or \"redis\", got %q", c.Mirror.Driver)
		}
	}
	return nil
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	// 1. Check ./config/
	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// 2. Check relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	// 3. Fallback to ./config/
	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
