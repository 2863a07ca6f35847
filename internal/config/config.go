// Package config handles loading and validating gateway configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level configuration for the gateway.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Redis     RedisConfig     `koanf:"redis"`
	JWT       JWTConfig       `koanf:"jwt"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	CORS      CORSConfig      `koanf:"cors"`
	Providers ProvidersConfig `koanf:"providers"`

	Debug             bool   `koanf:"debug"`
	LogLevel          string `koanf:"log_level"`
	DefaultModel      string `koanf:"default_model"`
	MaxContentLength  int    `koanf:"max_content_length"`
	LLMTimeoutSeconds int    `koanf:"llm_timeout_seconds"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// DatabaseConfig holds Postgres connection parameters.
type DatabaseConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	Name     string `koanf:"name"`
	PoolSize int    `koanf:"pool_size"`
}

// DSN builds a libpq-style connection string from the parsed fields.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s",
		d.Host, d.Port, d.User, d.Password, d.Name)
}

// RedisConfig holds the counter-store connection parameters for the rate
// limiter.
type RedisConfig struct {
	URL string `koanf:"url"`
}

// JWTConfig holds the request envelope's authentication settings. Secret
// (symmetric) and JWKSURL (asymmetric) may each be set; when both are,
// tokens signed either way are accepted.
type JWTConfig struct {
	Secret    string `koanf:"secret"`
	JWKSURL   string `koanf:"jwks_url"`
	Algorithm string `koanf:"algorithm"`
}

// RateLimitConfig holds the sliding-window limiter's parameters.
type RateLimitConfig struct {
	WindowSeconds int `koanf:"window_seconds"`
	Limit         int `koanf:"limit"`
}

// CORSConfig holds the allowed origin list.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// ProvidersConfig holds the three recognized provider blocks by name.
type ProvidersConfig struct {
	OpenAI    ProviderConfig `koanf:"openai"`
	Anthropic ProviderConfig `koanf:"anthropic"`
	GigaChat  GigaChatConfig `koanf:"gigachat"`
}

// ProviderConfig holds the settings for a static-key provider (OpenAI,
// Anthropic).
type ProviderConfig struct {
	APIKey  string `koanf:"api_key"`
	BaseURL string `koanf:"base_url"`
}

// GigaChatConfig holds GigaChat's OAuth2 client-credentials settings, plus
// the self-signed-TLS toggle its upstream requires by default.
type GigaChatConfig struct {
	AuthKey   string `koanf:"auth_key"`
	Scope     string `koanf:"scope"`
	VerifyTLS bool   `koanf:"verify_tls"`
}

// Load reads configuration from a YAML file, layers environment variable
// overrides on top, and returns a fully populated Config.
func Load(path string) (*Config, error) {
	// Load .env file into the process environment (ignored if not present).
	_ = godotenv.Load()

	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	// Layer environment variables on top. Any env var starting with
	// "GATEWAY_" can override a config value:
	//   GATEWAY_SERVER_PORT -> server.port
	if err := k.Load(env.Provider("GATEWAY_", ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "GATEWAY_")),
			"_", ".",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	expandSecret(&cfg.Providers.OpenAI.APIKey)
	expandSecret(&cfg.Providers.Anthropic.APIKey)
	expandSecret(&cfg.Providers.GigaChat.AuthKey)
	expandSecret(&cfg.Database.Password)
	expandSecret(&cfg.JWT.Secret)

	applyDefaults(&cfg)

	return &cfg, nil
}

// expandSecret resolves a "${ENV_VAR}" placeholder against the process
// environment. koanf doesn't do this for us, so each secret-bearing field
// is run through this after unmarshaling.
func expandSecret(field *string) {
	if strings.HasPrefix(*field, "${") && strings.HasSuffix(*field, "}") {
		envVar := (*field)[2 : len(*field)-1]
		*field = os.Getenv(envVar)
	}
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.MaxContentLength == 0 {
		cfg.MaxContentLength = 32_000
	}
	if cfg.LLMTimeoutSeconds == 0 {
		cfg.LLMTimeoutSeconds = 30
	}
	if cfg.Database.PoolSize == 0 {
		cfg.Database.PoolSize = 20
	}
	if cfg.RateLimit.WindowSeconds == 0 {
		cfg.RateLimit.WindowSeconds = 60
	}
	if cfg.RateLimit.Limit == 0 {
		cfg.RateLimit.Limit = 60
	}
	if cfg.JWT.Algorithm == "" {
		cfg.JWT.Algorithm = "HS256"
	}
}
