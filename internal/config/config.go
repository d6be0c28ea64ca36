package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Generation providers
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
	ProviderGemini    = "gemini"
)

// Similarity store backends
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
)

// Embedding providers
const (
	EmbeddingHash   = "hash"
	EmbeddingOllama = "ollama"
)

type Config struct {
	// Service configuration
	ServiceName  string
	HTTPAddr     string
	HTTPEndpoint string

	// NATS configuration
	NatsEnabled         bool
	NatsURL             string
	NatsRequestSubject  string
	NatsActivitySubject string
	NatsTimeout         time.Duration

	// Generation backend configuration
	LLMProvider     string
	AnthropicAPIKey string
	AnthropicModel  string
	OpenAIAPIKey    string
	OpenAIModel     string
	OllamaEndpoint  string
	OllamaModel     string
	GeminiAPIKey    string
	GeminiModel     string
	LLMTimeout      time.Duration
	LLMTemperature  float64
	LLMMaxTokens    int

	// Similarity store configuration
	StoreBackend       string
	RedisURL           string
	SQLitePath         string
	StoreMaxEntries    int
	StoreMaxAge        time.Duration
	StorePruneSchedule string
	RetrievalLimit     int

	// Embedding configuration
	EmbeddingProvider   string
	EmbeddingDimensions int
	EmbeddingModel      string

	// Runtime configuration
	EffectTimeout time.Duration
	CatalogFile   string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		// Service settings
		ServiceName:  getEnv("SERVICE_NAME", "intentpilot"),
		HTTPAddr:     getEnv("HTTP_ADDR", ":8080"),
		HTTPEndpoint: getEnv("HTTP_ENDPOINT", "/api/intent"),

		// NATS settings
		NatsEnabled:         getBoolEnv("NATS_ENABLED", false),
		NatsURL:             getEnv("NATS_URL", "nats://localhost:4222"),
		NatsRequestSubject:  getEnv("NATS_REQUEST_SUBJECT", "intent.query"),
		NatsActivitySubject: getEnv("NATS_ACTIVITY_SUBJECT", "intent.activity"),
		NatsTimeout:         getDurationEnv("NATS_TIMEOUT", 30*time.Second),

		// Generation settings
		LLMProvider:     strings.ToLower(getEnv("LLM_PROVIDER", ProviderAnthropic)),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		AnthropicModel:  getEnv("ANTHROPIC_MODEL", "claude-3-5-sonnet-20241022"),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:     getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OllamaEndpoint:  getEnv("OLLAMA_ENDPOINT", "http://localhost:11434"),
		OllamaModel:     getEnv("OLLAMA_MODEL", "qwen3"),
		GeminiAPIKey:    getEnv("GEMINI_API_KEY", ""),
		GeminiModel:     getEnv("GEMINI_MODEL", "gemini-1.5-pro"),
		LLMTimeout:      getDurationEnv("LLM_TIMEOUT", 60*time.Second),
		LLMTemperature:  getFloatEnv("LLM_TEMPERATURE", 0.1),
		LLMMaxTokens:    getIntEnv("LLM_MAX_TOKENS", 2048),

		// Store settings
		StoreBackend:       strings.ToLower(getEnv("STORE_BACKEND", StoreMemory)),
		RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379/0"),
		SQLitePath:         getEnv("SQLITE_PATH", "intentpilot.db"),
		StoreMaxEntries:    getIntEnv("STORE_MAX_ENTRIES", 1000),
		StoreMaxAge:        getDurationEnv("STORE_MAX_AGE", 0),
		StorePruneSchedule: getEnv("STORE_PRUNE_SCHEDULE", "@every 10m"),
		RetrievalLimit:     getIntEnv("RETRIEVAL_LIMIT", 5),

		// Embedding settings
		EmbeddingProvider:   strings.ToLower(getEnv("EMBEDDING_PROVIDER", EmbeddingHash)),
		EmbeddingDimensions: getIntEnv("EMBEDDING_DIMENSIONS", 256),
		EmbeddingModel:      getEnv("EMBEDDING_MODEL", "nomic-embed-text"),

		EffectTimeout: getDurationEnv("EFFECT_TIMEOUT", 30*time.Second),
		CatalogFile:   getEnv("CATALOG_FILE", ""),

		LogLevel:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(getEnv("LOG_FORMAT", "json")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values Load cannot default away.
func (c *Config) Validate() error {
	var errs []error

	switch c.LLMProvider {
	case ProviderAnthropic:
		if c.AnthropicAPIKey == "" {
			errs = append(errs, errors.New("ANTHROPIC_API_KEY is required for the anthropic provider"))
		}
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required for the openai provider"))
		}
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			errs = append(errs, errors.New("GEMINI_API_KEY is required for the gemini provider"))
		}
	case ProviderOllama:
	default:
		errs = append(errs, fmt.Errorf("unsupported LLM_PROVIDER %q", c.LLMProvider))
	}

	switch c.StoreBackend {
	case StoreMemory, StoreRedis, StoreSQLite:
	default:
		errs = append(errs, fmt.Errorf("unsupported STORE_BACKEND %q", c.StoreBackend))
	}

	switch c.EmbeddingProvider {
	case EmbeddingHash, EmbeddingOllama:
	default:
		errs = append(errs, fmt.Errorf("unsupported EMBEDDING_PROVIDER %q", c.EmbeddingProvider))
	}

	if c.StoreMaxEntries <= 0 {
		errs = append(errs, errors.New("STORE_MAX_ENTRIES must be positive"))
	}
	if c.RetrievalLimit <= 0 {
		errs = append(errs, errors.New("RETRIEVAL_LIMIT must be positive"))
	}
	if c.EmbeddingDimensions <= 0 {
		errs = append(errs, errors.New("EMBEDDING_DIMENSIONS must be positive"))
	}
	if c.LLMMaxTokens <= 0 {
		errs = append(errs, errors.New("LLM_MAX_TOKENS must be positive"))
	}
	if c.EffectTimeout <= 0 {
		errs = append(errs, errors.New("EFFECT_TIMEOUT must be positive"))
	}
	if !strings.HasPrefix(c.HTTPEndpoint, "/") {
		errs = append(errs, fmt.Errorf("HTTP_ENDPOINT must start with /: %q", c.HTTPEndpoint))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// ModelName returns the model configured for the selected provider.
func (c *Config) ModelName() string {
	switch c.LLMProvider {
	case ProviderOpenAI:
		return c.OpenAIModel
	case ProviderOllama:
		return c.OllamaModel
	case ProviderGemini:
		return c.GeminiModel
	default:
		return c.AnthropicModel
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
