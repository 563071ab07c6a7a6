// Package config loads the gateway's configuration surface from environment
// variables, with an optional YAML file overlay for operators who prefer a
// file.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration. envconfig tags carry the
// unprefixed environment variable name (envconfig.Process("", &cfg) looks up
// each tag verbatim rather than PREFIX_TAG).
type Config struct {
	DownstreamURL string `yaml:"downstream_url" envconfig:"DOWNSTREAM_URL"`

	JWTSecret    string `yaml:"jwt_secret" envconfig:"JWT_SECRET"`
	JWTAlgorithm string `yaml:"jwt_algorithm" envconfig:"JWT_ALGORITHM"`
	JWTAudience  string `yaml:"jwt_audience" envconfig:"JWT_AUDIENCE"`
	JWTIssuer    string `yaml:"jwt_issuer" envconfig:"JWT_ISSUER"`

	RateLimitEnabled       bool  `yaml:"rate_limit_enabled" envconfig:"RATE_LIMIT_ENABLED"`
	RateLimitPerMinute     int64 `yaml:"rate_limit_per_minute" envconfig:"RATE_LIMIT_PER_MINUTE"`
	RateLimitWindowSeconds int64 `yaml:"rate_limit_window_seconds" envconfig:"RATE_LIMIT_WINDOW_SECONDS"`

	CacheEnabled bool  `yaml:"cache_enabled" envconfig:"CACHE_ENABLED"`
	CacheTTL     int64 `yaml:"cache_ttl" envconfig:"CACHE_TTL"`

	// KVBackend selects the shared store implementation: "memory" for a
	// single-instance deployment, "etcd" when multiple replicas share state.
	KVBackend string `yaml:"kv_backend" envconfig:"KV_BACKEND"`

	// The REDIS_* names are kept for operators migrating from the Redis-era
	// deployment; when KVBackend is "etcd" they address the etcd endpoint.
	RedisHost     string `yaml:"redis_host" envconfig:"REDIS_HOST"`
	RedisPort     int    `yaml:"redis_port" envconfig:"REDIS_PORT"`
	RedisDB       int    `yaml:"redis_db" envconfig:"REDIS_DB"`
	RedisPassword string `yaml:"redis_password" envconfig:"REDIS_PASSWORD"`

	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`                       // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate" split_words:"true"` // 0.0 to 1.0
}

// RateLimitWindow returns the configured window as a time.Duration.
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowSeconds) * time.Second
}

// CacheTTLDuration returns the configured cache TTL as a time.Duration.
func (c *Config) CacheTTLDuration() time.Duration {
	return time.Duration(c.CacheTTL) * time.Second
}

// KVEndpoint returns the shared-store address as host:port.
func (c *Config) KVEndpoint() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

func defaults() *Config {
	return &Config{
		JWTAlgorithm:           "HS256",
		RateLimitEnabled:       true,
		RateLimitPerMinute:     60,
		RateLimitWindowSeconds: 60,
		CacheEnabled:           true,
		CacheTTL:               300,
		KVBackend:              "memory",
		RedisHost:              "localhost",
		RedisPort:              6379,
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{Enabled: true},
			Tracing: TracingConfig{
				Endpoint:   "localhost:4317",
				SampleRate: 0.1,
			},
		},
	}
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load assembles a Config from defaults, an optional YAML file overlay (with
// ${VAR} expansion) at path, and finally environment variables, which take
// precedence over both. Pass an empty path to skip the file overlay.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		data = expandEnv(data)
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("read env config: %w", err)
	}

	if cfg.DownstreamURL == "" {
		return nil, fmt.Errorf("DOWNSTREAM_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.KVBackend != "memory" && cfg.KVBackend != "etcd" {
		return nil, fmt.Errorf("KV_BACKEND must be %q or %q, got %q", "memory", "etcd", cfg.KVBackend)
	}
	return cfg, nil
}
