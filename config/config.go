// Package config loads service configuration from YAML with environment
// variable overrides. Precedence: defaults, then file, then environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Qdrant    QdrantConfig    `yaml:"qdrant"`
	Memory    MemoryConfig    `yaml:"memory"`
	Redis     RedisConfig     `yaml:"redis"`
	Log       LogConfig       `yaml:"log"`
}

// LLMConfig configures the chat completion client.
type LLMConfig struct {
	APIKey        string        `yaml:"api_key"`
	BaseURL       string        `yaml:"base_url"`
	Model         string        `yaml:"model"`
	MaxTokens     int           `yaml:"max_tokens"`
	Temperature   float32       `yaml:"temperature"`
	RatePerMinute int           `yaml:"rate_per_minute"`
	MaxRetries    int           `yaml:"max_retries"`
	Breaker       BreakerConfig `yaml:"breaker"`
	Timeouts      TimeoutConfig `yaml:"timeouts"`
}

// BreakerConfig configures the completion circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
}

// TimeoutConfig holds the HTTP transport timeouts for the LLM provider.
type TimeoutConfig struct {
	Connect  time.Duration `yaml:"connect"`
	Read     time.Duration `yaml:"read"`
	PoolIdle time.Duration `yaml:"pool_idle"`
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	APIKey     string        `yaml:"api_key"`
	BaseURL    string        `yaml:"base_url"`
	Model      string        `yaml:"model"`
	Dimensions int           `yaml:"dimensions"`
	Timeout    time.Duration `yaml:"timeout"`
}

// QdrantConfig configures the vector store.
type QdrantConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// MemoryConfig configures the long-term memory service. An empty APIKey
// disables long-term memory entirely.
type MemoryConfig struct {
	APIKey    string        `yaml:"api_key"`
	OrgID     string        `yaml:"org_id"`
	ProjectID string        `yaml:"project_id"`
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
}

// RedisConfig configures short-term session storage.
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	SessionTTL  time.Duration `yaml:"session_ttl"`
	MaxMessages int           `yaml:"max_messages"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			BaseURL:       "https://api.openai.com",
			Model:         "gpt-4.1-nano",
			MaxTokens:     1000,
			Temperature:   0.7,
			RatePerMinute: 60,
			MaxRetries:    3,
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				RecoveryTimeout:  60 * time.Second,
			},
			Timeouts: TimeoutConfig{
				Connect:  30 * time.Second,
				Read:     300 * time.Second,
				PoolIdle: 30 * time.Second,
			},
		},
		Embedding: EmbeddingConfig{
			BaseURL:    "https://api.openai.com",
			Model:      "text-embedding-3-small",
			Dimensions: 1536,
			Timeout:    30 * time.Second,
		},
		Qdrant: QdrantConfig{
			URL:     "http://localhost:6333",
			Timeout: 30 * time.Second,
		},
		Memory: MemoryConfig{
			BaseURL: "https://api.mem0.ai",
			Timeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			SessionTTL:  time.Hour,
			MaxMessages: 5,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads configuration from path (optional) and applies environment
// overrides on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides the loaded config with RAGCORE_* environment variables.
func (c *Config) applyEnv() {
	setString(&c.LLM.APIKey, "RAGCORE_LLM_API_KEY", "OPENAI_API_KEY")
	setString(&c.LLM.BaseURL, "RAGCORE_LLM_BASE_URL")
	setString(&c.LLM.Model, "RAGCORE_LLM_MODEL")
	setInt(&c.LLM.MaxTokens, "RAGCORE_LLM_MAX_TOKENS")
	setFloat32(&c.LLM.Temperature, "RAGCORE_LLM_TEMPERATURE")
	setInt(&c.LLM.RatePerMinute, "RAGCORE_LLM_RATE_PER_MINUTE")
	setInt(&c.LLM.MaxRetries, "RAGCORE_LLM_MAX_RETRIES")
	setInt(&c.LLM.Breaker.FailureThreshold, "RAGCORE_BREAKER_FAILURE_THRESHOLD")
	setDuration(&c.LLM.Breaker.RecoveryTimeout, "RAGCORE_BREAKER_RECOVERY_TIMEOUT")

	setString(&c.Embedding.APIKey, "RAGCORE_EMBEDDING_API_KEY", "OPENAI_API_KEY")
	setString(&c.Embedding.BaseURL, "RAGCORE_EMBEDDING_BASE_URL")
	setString(&c.Embedding.Model, "RAGCORE_EMBEDDING_MODEL")
	setInt(&c.Embedding.Dimensions, "RAGCORE_EMBEDDING_DIMENSIONS")

	setString(&c.Qdrant.URL, "RAGCORE_QDRANT_URL", "QDRANT_URL")
	setString(&c.Qdrant.APIKey, "RAGCORE_QDRANT_API_KEY", "QDRANT_API_KEY")

	setString(&c.Memory.APIKey, "RAGCORE_MEMORY_API_KEY", "MEM0_API_KEY")
	setString(&c.Memory.OrgID, "RAGCORE_MEMORY_ORG_ID")
	setString(&c.Memory.ProjectID, "RAGCORE_MEMORY_PROJECT_ID")
	setString(&c.Memory.BaseURL, "RAGCORE_MEMORY_BASE_URL")

	setString(&c.Redis.Addr, "RAGCORE_REDIS_ADDR", "REDIS_ADDR")
	setString(&c.Redis.Password, "RAGCORE_REDIS_PASSWORD")
	setInt(&c.Redis.DB, "RAGCORE_REDIS_DB")
	setDuration(&c.Redis.SessionTTL, "RAGCORE_REDIS_SESSION_TTL")
	setInt(&c.Redis.MaxMessages, "RAGCORE_REDIS_MAX_MESSAGES")

	setString(&c.Log.Level, "RAGCORE_LOG_LEVEL")
	setBool(&c.Log.Development, "RAGCORE_LOG_DEVELOPMENT")
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.LLM.MaxTokens <= 0 {
		return fmt.Errorf("config: llm.max_tokens must be positive")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("config: llm.temperature must be in [0, 2]")
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("config: embedding.dimensions must be positive")
	}
	if c.Redis.MaxMessages <= 0 {
		return fmt.Errorf("config: redis.max_messages must be positive")
	}
	return nil
}

// BuildLogger constructs a zap logger from the log section.
func (c *Config) BuildLogger() (*zap.Logger, error) {
	var zapCfg zap.Config
	if c.Log.Development {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	level, err := zap.ParseAtomicLevel(c.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("config: invalid log level %q: %w", c.Log.Level, err)
	}
	zapCfg.Level = level
	return zapCfg.Build()
}

func setString(dst *string, names ...string) {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			*dst = v
			return
		}
	}
}

func setInt(dst *int, name string) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat32(dst *float32, name string) {
	if v := os.Getenv(name); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			*dst = float32(f)
		}
	}
}

func setBool(dst *bool, name string) {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, name string) {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
