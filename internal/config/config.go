package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"veriscope/internal/session"
)

// Config holds all configuration for veriscope
type Config struct {
	Listen         string          `yaml:"listen"`
	Env            string          `yaml:"env"`             // "development" or "production"
	PathPrefix     string          `yaml:"path_prefix"`     // websocket path prefix, default "ws"
	AllowedOrigins []string        `yaml:"allowed_origins"` // enforced in production
	TLS            TLSConfig       `yaml:"tls"`
	Session        SessionConfig   `yaml:"session"`
	Engine         EngineConfig    `yaml:"engine"`
	Vision         VisionConfig    `yaml:"vision"`
	TTS            TTSConfig       `yaml:"tts"`
	Webhook        WebhookConfig   `yaml:"webhook"`
	Storage        StorageConfig   `yaml:"storage"`
	Control        ControlConfig   `yaml:"control"`
	Logging        LoggingConfig   `yaml:"logging"`
	Telemetry      TelemetryConfig `yaml:"telemetry"`
}

// TLSConfig holds TLS/HTTPS configuration
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	// Auto-generate self-signed cert for development
	AutoCert bool `yaml:"auto_cert"`
}

// SessionConfig holds session state store configuration
type SessionConfig struct {
	Store string              `yaml:"store"` // "memory" or "redis"
	TTL   time.Duration       `yaml:"ttl"`
	Redis session.RedisConfig `yaml:"redis"`
}

// EngineConfig holds the verification engine tunables
type EngineConfig struct {
	DebounceMs           int64         `yaml:"debounce_ms"`           // minimum gap between analyzed frames
	ConsensusThreshold   int           `yaml:"consensus_threshold"`   // extractions needed to commit a value
	SuccessThreshold     int           `yaml:"success_threshold"`     // consecutive successes to advance a step
	RateLimit            int           `yaml:"rate_limit"`            // messages per window per token
	RateWindow           time.Duration `yaml:"rate_window"`           // rate limit window
	QuietPeriod          time.Duration `yaml:"quiet_period"`          // silence after a link click
	StuckTimeout         time.Duration `yaml:"stuck_timeout"`         // re-speak last guidance after this long
	ChallengeProbability float64       `yaml:"challenge_probability"` // chance of issuing a challenge per step
	ChallengeTimeout     time.Duration `yaml:"challenge_timeout"`     // default challenge response window
}

// VisionConfig holds vision analysis provider configuration
type VisionConfig struct {
	Provider string `yaml:"provider"` // "anthropic" or "none"
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
}

// TTSConfig holds speech synthesis provider configuration
type TTSConfig struct {
	Provider string `yaml:"provider"` // "http" or "none"
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	Voice    string `yaml:"voice"`
}

// WebhookConfig holds the completion webhook configuration
type WebhookConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

// StorageConfig holds persistent storage configuration
type StorageConfig struct {
	Path string `yaml:"path"` // SQLite database path
}

// ControlConfig holds control API configuration
type ControlConfig struct {
	Listen  string            `yaml:"listen"`
	Enabled bool              `yaml:"enabled"`
	Auth    ControlAuthConfig `yaml:"auth"`
}

// ControlAuthConfig holds control API authentication settings
type ControlAuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"` // API key for Bearer token auth
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"` // OTLP endpoint (e.g., "localhost:4317")
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"` // Use insecure connection for OTLP
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- config path from trusted CLI flag
	if err != nil {
		// Return defaults if config file doesn't exist
		if os.IsNotExist(err) {
			cfg := defaults()
			cfg.applyEnvOverrides()
			if err := cfg.validate(); err != nil {
				return nil, fmt.Errorf("validating config: %w", err)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config with sensible default values
func defaults() *Config {
	return &Config{
		Listen:     ":8080",
		Env:        "development",
		PathPrefix: "ws",
		Session: SessionConfig{
			Store: "memory",
			TTL:   session.DefaultTTL,
			Redis: session.RedisConfig{
				Addr:      "localhost:6379",
				Password:  "",
				DB:        0,
				KeyPrefix: "veriscope:session:",
			},
		},
		Engine: EngineConfig{
			DebounceMs:           400,
			ConsensusThreshold:   2,
			SuccessThreshold:     1,
			RateLimit:            session.DefaultRateLimit,
			RateWindow:           session.DefaultRateWindow,
			QuietPeriod:          4 * time.Second,
			StuckTimeout:         15 * time.Second,
			ChallengeProbability: 0.4,
			ChallengeTimeout:     15 * time.Second,
		},
		Vision: VisionConfig{
			Provider: "anthropic",
			Model:    "claude-sonnet-4-5",
		},
		TTS: TTSConfig{
			Provider: "none",
			Voice:    "en-US-JennyNeural",
		},
		Storage: StorageConfig{
			Path: "data/veriscope.db",
		},
		Control: ControlConfig{
			Listen:  ":9090",
			Enabled: true,
		},
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Exporter:    "none",
			ServiceName: "veriscope",
			Endpoint:    "localhost:4317",
			Insecure:    true,
		},
		TLS: TLSConfig{
			Enabled:  false,
			CertFile: "",
			KeyFile:  "",
			AutoCert: false,
		},
	}
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("VERISCOPE_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("VERISCOPE_ENV"); v != "" {
		c.Env = v
	}
	if v := os.Getenv("VERISCOPE_CONTROL_LISTEN"); v != "" {
		c.Control.Listen = v
	}
	if v := os.Getenv("VERISCOPE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("VERISCOPE_SESSION_STORE"); v != "" {
		c.Session.Store = v
	}
	if v := os.Getenv("VERISCOPE_REDIS_ADDR"); v != "" {
		c.Session.Redis.Addr = v
	}
	if v := os.Getenv("VERISCOPE_REDIS_PASSWORD"); v != "" {
		c.Session.Redis.Password = v
	}
	if v := os.Getenv("VERISCOPE_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}

	// Provider credentials
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && c.Vision.APIKey == "" {
		c.Vision.APIKey = v
	}
	if v := os.Getenv("VERISCOPE_VISION_MODEL"); v != "" {
		c.Vision.Model = v
	}
	if v := os.Getenv("VERISCOPE_TTS_ENDPOINT"); v != "" {
		c.TTS.Endpoint = v
		if c.TTS.Provider == "none" {
			c.TTS.Provider = "http"
		}
	}
	if v := os.Getenv("VERISCOPE_TTS_API_KEY"); v != "" {
		c.TTS.APIKey = v
	}

	// Webhook overrides
	if v := os.Getenv("VERISCOPE_WEBHOOK_URL"); v != "" {
		c.Webhook.URL = v
	}
	if v := os.Getenv("VERISCOPE_WEBHOOK_SECRET"); v != "" {
		c.Webhook.Secret = v
	}

	// Engine tunables
	if v := os.Getenv("VERISCOPE_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Engine.RateLimit = n
		}
	}
	if v := os.Getenv("VERISCOPE_CHALLENGE_PROBABILITY"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.Engine.ChallengeProbability = f
		}
	}

	// Telemetry overrides
	if os.Getenv("VERISCOPE_TELEMETRY_ENABLED") == "true" {
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("VERISCOPE_TELEMETRY_EXPORTER"); v != "" {
		c.Telemetry.Exporter = v
	}
	if v := os.Getenv("VERISCOPE_TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	// Also support standard OTEL env vars
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.Exporter = "otlp"
		c.Telemetry.Endpoint = v
	}
	if os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true" {
		c.Telemetry.Insecure = true
	}

	// TLS overrides
	if os.Getenv("VERISCOPE_TLS_ENABLED") == "true" {
		c.TLS.Enabled = true
	}
	if v := os.Getenv("VERISCOPE_TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("VERISCOPE_TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}
	if os.Getenv("VERISCOPE_TLS_AUTO_CERT") == "true" {
		c.TLS.AutoCert = true
	}

	// Control API auth overrides
	if os.Getenv("VERISCOPE_CONTROL_AUTH_ENABLED") == "true" {
		c.Control.Auth.Enabled = true
	}
	if v := os.Getenv("VERISCOPE_CONTROL_API_KEY"); v != "" {
		c.Control.Auth.APIKey = v
		c.Control.Auth.Enabled = true // Auto-enable if key is set
	}
}

// validate checks that the configuration is valid
func (c *Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.Env != "development" && c.Env != "production" {
		return fmt.Errorf("env must be \"development\" or \"production\", got %q", c.Env)
	}
	if c.PathPrefix == "" {
		return fmt.Errorf("path prefix is required")
	}
	if c.Session.Store != "memory" && c.Session.Store != "redis" {
		return fmt.Errorf("session store must be \"memory\" or \"redis\", got %q", c.Session.Store)
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("session ttl must be positive")
	}
	if c.Env == "production" && len(c.AllowedOrigins) == 0 {
		return fmt.Errorf("allowed_origins is required in production")
	}
	if c.Engine.DebounceMs < 0 {
		return fmt.Errorf("engine debounce_ms must be non-negative")
	}
	if c.Engine.ConsensusThreshold < 1 {
		return fmt.Errorf("engine consensus_threshold must be at least 1")
	}
	if c.Engine.SuccessThreshold < 1 {
		return fmt.Errorf("engine success_threshold must be at least 1")
	}
	if c.Engine.ChallengeProbability < 0 || c.Engine.ChallengeProbability > 1 {
		return fmt.Errorf("engine challenge_probability must be in [0, 1]")
	}
	if c.Vision.Provider != "anthropic" && c.Vision.Provider != "none" {
		return fmt.Errorf("vision provider must be \"anthropic\" or \"none\", got %q", c.Vision.Provider)
	}
	if c.TTS.Provider != "http" && c.TTS.Provider != "none" {
		return fmt.Errorf("tts provider must be \"http\" or \"none\", got %q", c.TTS.Provider)
	}
	if c.TTS.Provider == "http" && c.TTS.Endpoint == "" {
		return fmt.Errorf("tts endpoint is required when provider is \"http\"")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage path is required")
	}
	return nil
}

// Production reports whether the origin allowlist is enforced.
func (c *Config) Production() bool {
	return c.Env == "production"
}
