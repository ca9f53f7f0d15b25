// Package config provides application configuration with multi-source
// priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.pagemate/config.yaml)
//  3. Default values
//
// Security: secrets are never logged; MarshalJSON masks them.
// Validation: fail-fast range checks with sentinel errors for
// errors.Is().
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

var (
	// ErrMissingInferenceURL indicates the inference endpoint is not set.
	ErrMissingInferenceURL = errors.New("missing inference base URL")

	// ErrMissingInferenceToken indicates the inference API token is not set.
	ErrMissingInferenceToken = errors.New("missing inference token")

	// ErrInvalidTemperature indicates the temperature value is out of range.
	ErrInvalidTemperature = errors.New("invalid temperature")

	// ErrInvalidMaxTokens indicates the max tokens value is out of range.
	ErrInvalidMaxTokens = errors.New("invalid max tokens")

	// ErrInvalidListenAddr indicates the listen address is empty.
	ErrInvalidListenAddr = errors.New("invalid listen address")

	// ErrInvalidMemoryBackend indicates an unknown memory backend name.
	ErrInvalidMemoryBackend = errors.New("invalid memory backend")
)

// Memory backend identifiers used in Config.MemoryBackend.
const (
	MemoryBackendService  = "service"  // external embedding+vector HTTP service
	MemoryBackendPostgres = "postgres" // pgvector index (embeddings still via service)
	MemoryBackendOff      = "off"
)

// Config stores application configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON().
type Config struct {
	// HTTP server
	ListenAddr  string   `mapstructure:"listen_addr" json:"listen_addr"`
	CORSOrigins []string `mapstructure:"cors_origins" json:"cors_origins"`
	TrustProxy  bool     `mapstructure:"trust_proxy" json:"trust_proxy"`
	RateBurst   int      `mapstructure:"rate_burst" json:"rate_burst"`

	// Inference endpoint
	InferenceURL   string  `mapstructure:"inference_url" json:"inference_url"`
	InferenceToken string  `mapstructure:"inference_token" json:"inference_token"` // SENSITIVE: masked in MarshalJSON
	Model          string  `mapstructure:"model" json:"model"`
	VisionModel    string  `mapstructure:"vision_model" json:"vision_model"`
	Temperature    float64 `mapstructure:"temperature" json:"temperature"`
	MaxTokens      int     `mapstructure:"max_tokens" json:"max_tokens"`
	RequestsPerSec float64 `mapstructure:"requests_per_sec" json:"requests_per_sec"`

	// Memory
	MemoryBackend string `mapstructure:"memory_backend" json:"memory_backend"`
	MemoryURL     string `mapstructure:"memory_url" json:"memory_url"`
	MemoryToken   string `mapstructure:"memory_token" json:"memory_token"` // SENSITIVE: masked in MarshalJSON
	DatabaseURL   string `mapstructure:"database_url" json:"database_url"` // SENSITIVE: masked in MarshalJSON

	// Retrieval
	RetrievalURL   string `mapstructure:"retrieval_url" json:"retrieval_url"`
	RetrievalToken string `mapstructure:"retrieval_token" json:"retrieval_token"` // SENSITIVE: masked in MarshalJSON

	// Logging
	LogLevel string `mapstructure:"log_level" json:"log_level"`
	LogJSON  bool   `mapstructure:"log_json" json:"log_json"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > defaults.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".pagemate")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("listen_addr", ":8080")
	viper.SetDefault("cors_origins", []string{"http://localhost:4321"})
	viper.SetDefault("trust_proxy", false)
	viper.SetDefault("rate_burst", 30)

	viper.SetDefault("model", "chat-large")
	viper.SetDefault("vision_model", "vision-small")
	viper.SetDefault("temperature", 0.7)
	viper.SetDefault("max_tokens", 1024)
	viper.SetDefault("requests_per_sec", 5.0)

	viper.SetDefault("memory_backend", MemoryBackendService)

	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_json", true)
}

// bindEnvVariables binds environment overrides explicitly. Secrets are
// only ever read from the environment, never written to the config
// file by us.
func bindEnvVariables() {
	// Hardcoded keys cannot fail to bind; a panic here is a bug.
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("listen_addr", "PAGEMATE_LISTEN_ADDR")
	mustBind("cors_origins", "PAGEMATE_CORS_ORIGINS")
	mustBind("trust_proxy", "PAGEMATE_TRUST_PROXY")

	mustBind("inference_url", "PAGEMATE_INFERENCE_URL")
	mustBind("inference_token", "PAGEMATE_INFERENCE_TOKEN")
	mustBind("model", "PAGEMATE_MODEL")
	mustBind("vision_model", "PAGEMATE_VISION_MODEL")

	mustBind("memory_backend", "PAGEMATE_MEMORY_BACKEND")
	mustBind("memory_url", "PAGEMATE_MEMORY_URL")
	mustBind("memory_token", "PAGEMATE_MEMORY_TOKEN")
	mustBind("database_url", "DATABASE_URL")

	mustBind("retrieval_url", "PAGEMATE_RETRIEVAL_URL")
	mustBind("retrieval_token", "PAGEMATE_RETRIEVAL_TOKEN")

	mustBind("log_level", "PAGEMATE_LOG_LEVEL")
}

// Validate checks the configuration ranges. Fail-fast: called from
// Load before anything else starts.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return ErrInvalidListenAddr
	}
	if c.InferenceURL == "" {
		return ErrMissingInferenceURL
	}
	if c.InferenceToken == "" {
		return ErrMissingInferenceToken
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("%w: %v (must be 0-2)", ErrInvalidTemperature, c.Temperature)
	}
	if c.MaxTokens <= 0 || c.MaxTokens > 32768 {
		return fmt.Errorf("%w: %d (must be 1-32768)", ErrInvalidMaxTokens, c.MaxTokens)
	}
	switch c.MemoryBackend {
	case MemoryBackendService, MemoryBackendPostgres, MemoryBackendOff:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMemoryBackend, c.MemoryBackend)
	}
	return nil
}

// maskedValue is the placeholder for masked sensitive data. Full-width
// blocks avoid substring matching against the real secret.
const maskedValue = "████████"

// maskSecret masks a secret for safe logging. Short secrets are fully
// masked; longer ones keep the first and last two characters for debug
// utility.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with explicit sensitive field
// masking. When adding new sensitive fields, update this method.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.InferenceToken = maskSecret(a.InferenceToken)
	a.MemoryToken = maskSecret(a.MemoryToken)
	a.RetrievalToken = maskSecret(a.RetrievalToken)
	a.DatabaseURL = maskSecret(a.DatabaseURL)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of
// secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
