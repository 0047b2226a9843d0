package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"quel-tryon-client/modules/common/model"
)

// Config - every setting the client reads from the environment
type Config struct {
	// App
	AppEnv   string `validate:"oneof=development production test"`
	Port     string `validate:"required,numeric"`
	LogLevel string `validate:"omitempty,oneof=trace debug info warn error"`

	// Redis
	RedisHost     string `validate:"required"`
	RedisPort     string `validate:"required,numeric"`
	RedisUsername string
	RedisPassword string
	RedisUseTLS   bool
	JobQueue      string `validate:"required"`

	// Supabase
	SupabaseURL           string `validate:"required,url"`
	SupabaseServiceKey    string `validate:"required"`
	SupabaseStorageBucket string `validate:"required"`
	SignedURLTTLSeconds   int    `validate:"gt=0"`

	// Polling
	PollIntervals     map[model.JobKind]time.Duration `validate:"len=4,dive,gt=0"`
	PollBackoffFactor float64                         `validate:"gte=2.5,lte=4"`

	// Local state
	ActiveJobTTL time.Duration `validate:"gt=0"`
}

var globalConfig *Config

// LoadConfig - read .env (optional) and the environment, then validate
func LoadConfig() (*Config, error) {
	// .env is optional; the process environment wins when both are set
	_ = godotenv.Load()

	cfg := &Config{
		AppEnv:   getEnv("APP_ENV", "development"),
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", ""),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisUsername: getEnv("REDIS_USERNAME", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisUseTLS:   getEnvBool("REDIS_USE_TLS", false),
		JobQueue:      getEnv("JOB_QUEUE", "jobs:queue"),

		SupabaseURL:           getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:    getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket: getEnv("SUPABASE_STORAGE_BUCKET", "generated-images"),
		SignedURLTTLSeconds:   getEnvInt("SIGNED_URL_TTL_SECONDS", 3600),

		PollIntervals: map[model.JobKind]time.Duration{
			model.KindClassic:        getEnvMillis("POLL_INTERVAL_CLASSIC_MS", 3000),
			model.KindProductToModel: getEnvMillis("POLL_INTERVAL_PRODUCT_MS", 3000),
			model.KindTextToFashion:  getEnvMillis("POLL_INTERVAL_TEXT_MS", 2000),
			model.KindAvatarCreation: getEnvMillis("POLL_INTERVAL_AVATAR_MS", 5000),
		},
		PollBackoffFactor: getEnvFloat("POLL_BACKOFF_FACTOR", 3.0),

		ActiveJobTTL: getEnvDuration("ACTIVE_JOB_TTL", time.Hour),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	globalConfig = cfg
	return cfg, nil
}

// GetConfig - config loaded by LoadConfig, nil before that
func GetConfig() *Config {
	return globalConfig
}

// Validate - struct tag validation
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}

// GetRedisAddr - host:port for the Redis client
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// PollInterval - configured interval for the kind, 3s when unset
func (c *Config) PollInterval(kind model.JobKind) time.Duration {
	if d, ok := c.PollIntervals[kind]; ok && d > 0 {
		return d
	}
	return 3 * time.Second
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvMillis(key string, defaultMillis int) time.Duration {
	return time.Duration(getEnvInt(key, defaultMillis)) * time.Millisecond
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return defaultValue
}
