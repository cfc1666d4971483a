package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the extract gateway service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Extraction engine configuration. The engine is an external HTTP
	// service that runs one extraction pass over a full text document.
	EngineURL           string `envconfig:"ENGINE_URL" default:"http://localhost:9090/v1/extract"`
	EngineAPIKey        string `envconfig:"ENGINE_API_KEY" required:"true"`
	EngineModelID       string `envconfig:"ENGINE_MODEL_ID" default:"gemini-2.5-flash"`
	EngineTimeout       int    `envconfig:"ENGINE_TIMEOUT" default:"30"`           // seconds
	EngineUseSchema     bool   `envconfig:"ENGINE_USE_SCHEMA" default:"true"`      // structured output constraints
	EngineMaxCharBuffer int    `envconfig:"ENGINE_MAX_CHAR_BUFFER" default:"1000"` // per-call chunking hint for the engine

	// Streaming extractor configuration
	StreamMaxPendingChars  int  `envconfig:"STREAM_MAX_PENDING_CHARS" default:"400"`  // chars buffered before a pass
	StreamMaxPendingChunks int  `envconfig:"STREAM_MAX_PENDING_CHUNKS" default:"8"`   // chunks buffered before a pass
	StreamDedupAttributes  bool `envconfig:"STREAM_DEDUP_ATTRIBUTES" default:"false"` // widen identity key with attributes

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Validate required fields
	if cfg.EngineAPIKey == "" {
		return nil, fmt.Errorf("ENGINE_API_KEY is required")
	}
	if cfg.StreamMaxPendingChars <= 0 {
		return nil, fmt.Errorf("STREAM_MAX_PENDING_CHARS must be positive, got %d", cfg.StreamMaxPendingChars)
	}
	if cfg.StreamMaxPendingChunks <= 0 {
		return nil, fmt.Errorf("STREAM_MAX_PENDING_CHUNKS must be positive, got %d", cfg.StreamMaxPendingChunks)
	}

	return &cfg, nil
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
