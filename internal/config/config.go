package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/lalithlochan/notifylab/internal/db"
)

// Store drivers
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config is flat; every key maps to the upper-case environment variable of
// the same name, e.g. bandit_exploration_rate <- BANDIT_EXPLORATION_RATE.
type Config struct {
	Port     int    `koanf:"port"`
	LogLevel string `koanf:"log_level"`
	Env      string `koanf:"env"`

	StoreDriver string `koanf:"store_driver"`

	// Database
	DBURL      string `koanf:"database_url"`
	DBHost     string `koanf:"db_host"`
	DBPort     int    `koanf:"db_port"`
	DBUser     string `koanf:"db_user"`
	DBPassword string `koanf:"db_password"`
	DBName     string `koanf:"db_name"`
	DBSSLMode  string `koanf:"db_sslmode"`
	DBMaxConns int32  `koanf:"db_max_conns"`

	// Redis config
	RedisHost     string `koanf:"redis_host"`
	RedisPort     int    `koanf:"redis_port"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`

	// AWS Services
	AWSRegion   string `koanf:"aws_region"`
	SQSQueueURL string `koanf:"sqs_queue_url"`
	SNSTopicARN string `koanf:"sns_topic_arn"`
	AWSEndpoint string `koanf:"aws_endpoint"` // optional, e.g. LocalStack

	// Bandit
	ExplorationThreshold int64   `koanf:"bandit_exploration_threshold"`
	ExplorationRate      float64 `koanf:"bandit_exploration_rate"`
	RewardEvent          string  `koanf:"bandit_reward_event"`

	// Generation
	MaxRetries             int           `koanf:"generator_max_retries"`
	GeneratorTimeout       time.Duration `koanf:"generator_timeout"`
	GenerationBudget       time.Duration `koanf:"generation_budget"` // all attempts of one resolve
	GeneratorRatePerSecond float64       `koanf:"generator_rate_per_second"`
	GeneratorBurst         int           `koanf:"generator_burst"`
	BreakerMaxFailures     uint32        `koanf:"generator_breaker_max_failures"`
	BreakerRecovery        time.Duration `koanf:"generator_breaker_recovery"`
	ResolverWebhookURL     string        `koanf:"resolver_webhook_url"`
	ResolverWebhookToken   string        `koanf:"resolver_webhook_token"`

	// AI / OpenAI config
	OpenAIAPIKey  string `koanf:"openai_api_key"`
	OpenAIModel   string `koanf:"openai_model"`
	OpenAIBaseURL string `koanf:"openai_base_url"`

	// HTTP API
	AuthEnabled        bool          `koanf:"auth_enabled"`
	RateLimitPerMinute int           `koanf:"rate_limit_per_minute"`
	IdempotencyTTL     time.Duration `koanf:"idempotency_ttl"`
	CORSAllowedOrigins string        `koanf:"cors_allowed_origins"` // comma-separated
	StatsConcurrency   int           `koanf:"stats_concurrency"`
}

func defaults() Config {
	return Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		StoreDriver: StorePostgres,

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "notifylab",
		DBName:     "notifylab",
		DBSSLMode:  "disable",
		DBMaxConns: 25,

		RedisHost: "localhost",
		RedisPort: 6379,

		AWSRegion: "us-east-1",

		ExplorationThreshold: 50,
		ExplorationRate:      0.1,
		RewardEvent:          string(db.EventOpened),

		MaxRetries:             3,
		GeneratorTimeout:       10 * time.Second,
		GenerationBudget:       20 * time.Second,
		GeneratorRatePerSecond: 20,
		GeneratorBurst:         40,
		BreakerMaxFailures:     5,
		BreakerRecovery:        30 * time.Second,

		OpenAIModel: "gpt-4o-mini",

		AuthEnabled:        true,
		RateLimitPerMinute: 100,
		IdempotencyTTL:     24 * time.Hour,
		CORSAllowedOrigins: "*",
		StatsConcurrency:   4,
	}
}

// Load layers defaults, the optional YAML file at path and the environment,
// in that order, and validates the result
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps PORT to port. Empty variables are skipped so they do not
// override defaults with zero values.
func envKey(key, value string) (string, interface{}) {
	if value == "" {
		return "", nil
	}
	return strings.ToLower(key), value
}

// Validate checks ranges and enumerations
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT: %d out of range", c.Port)
	}
	if c.StoreDriver != StorePostgres && c.StoreDriver != StoreMemory {
		return fmt.Errorf("invalid STORE_DRIVER: %q (want postgres or memory)", c.StoreDriver)
	}
	if c.ExplorationThreshold < 0 {
		return fmt.Errorf("invalid BANDIT_EXPLORATION_THRESHOLD: %d must be >= 0", c.ExplorationThreshold)
	}
	if c.ExplorationRate < 0 || c.ExplorationRate > 1 {
		return fmt.Errorf("invalid BANDIT_EXPLORATION_RATE: %v must be within [0, 1]", c.ExplorationRate)
	}
	if _, err := db.ParseEventType(c.RewardEvent); err != nil {
		return fmt.Errorf("invalid BANDIT_REWARD_EVENT: %w", err)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("invalid GENERATOR_MAX_RETRIES: %d must be >= 1", c.MaxRetries)
	}
	if c.GeneratorTimeout <= 0 {
		return fmt.Errorf("invalid GENERATOR_TIMEOUT: %s must be positive", c.GeneratorTimeout)
	}
	if c.GenerationBudget <= 0 {
		return fmt.Errorf("invalid GENERATION_BUDGET: %s must be positive", c.GenerationBudget)
	}
	if c.RateLimitPerMinute < 1 {
		return fmt.Errorf("invalid RATE_LIMIT_PER_MINUTE: %d must be >= 1", c.RateLimitPerMinute)
	}
	return nil
}

// fallbackHeadroom covers storing the base message after generation gave up
const fallbackHeadroom = 10 * time.Second

// RequestTimeout is the handler deadline. It outlasts the generation budget
// so a resolve that gives up on the generator can still store the fallback.
func (c *Config) RequestTimeout() time.Duration {
	return c.GenerationBudget + fallbackHeadroom
}

// WriteTimeout is the server write deadline, past RequestTimeout so the
// response to a slow resolve can still be written
func (c *Config) WriteTimeout() time.Duration {
	return c.RequestTimeout() + 5*time.Second
}

// DBConfig returns the connection settings for db.New
func (c *Config) DBConfig() db.Config {
	return db.Config{
		URL:      c.DBURL,
		Host:     c.DBHost,
		Port:     c.DBPort,
		User:     c.DBUser,
		Password: c.DBPassword,
		Database: c.DBName,
		SSLMode:  c.DBSSLMode,
		MaxConns: c.DBMaxConns,
	}
}

// RedisAddr returns host:port for the redis client
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// CORSOrigins splits CORSAllowedOrigins
func (c *Config) CORSOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
