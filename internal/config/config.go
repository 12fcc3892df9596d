package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Env                  string   `envconfig:"APP_ENV" default:"development"`
	Port                 string   `envconfig:"PORT" default:"8080"`
	AllowedOrigin        string   `envconfig:"ALLOWED_ORIGIN" default:"http://127.0.0.1:3000"`
	DatabaseURL          string   `envconfig:"DATABASE_URL"`
	AutoMigrate          bool     `envconfig:"AUTO_MIGRATE" default:"false"`
	RedisAddr            string   `envconfig:"REDIS_ADDR"`
	RedisPassword        string   `envconfig:"REDIS_PASSWORD"`
	RedisDB              int      `envconfig:"REDIS_DB" default:"0"`
	HeldOrderDir         string   `envconfig:"HELD_ORDER_DIR" default:"./data/held-orders"`
	KafkaBrokers         []string `envconfig:"KAFKA_BROKERS"`
	KafkaTopicSales      string   `envconfig:"KAFKA_TOPIC_SALES" default:"sale-events"`
	KafkaConsumerGroup   string   `envconfig:"KAFKA_CONSUMER_GROUP" default:"stock-worker"`
	AuthSecret           string   `envconfig:"AUTH_SECRET"`
	AccessTokenTTLMin    int      `envconfig:"ACCESS_TOKEN_TTL_MINUTES" default:"720"`
	StoreName            string   `envconfig:"STORE_NAME" default:"TokoPOS"`
	LogLevel             string   `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat            string   `envconfig:"LOG_FORMAT" default:"console"`
	DefaultTenantID      string   `envconfig:"DEFAULT_TENANT_ID" default:"main-tenant"`
	DefaultBranchID      string   `envconfig:"DEFAULT_BRANCH_ID" default:"main-branch"`
	CommitTimeoutSeconds int      `envconfig:"COMMIT_TIMEOUT_SECONDS" default:"10"`
	SessionIdleMinutes   int      `envconfig:"SESSION_IDLE_MINUTES" default:"60"`
}

// Load reads an optional .env file and then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	cfg.AuthSecret = strings.TrimSpace(cfg.AuthSecret)
	if cfg.AccessTokenTTLMin < 1 {
		cfg.AccessTokenTTLMin = 720
	}
	if cfg.CommitTimeoutSeconds < 1 {
		cfg.CommitTimeoutSeconds = 10
	}
	if cfg.SessionIdleMinutes < 1 {
		cfg.SessionIdleMinutes = 60
	}
	brokers := make([]string, 0, len(cfg.KafkaBrokers))
	for _, b := range cfg.KafkaBrokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	cfg.KafkaBrokers = brokers
	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

func (c Config) CommitTimeout() time.Duration {
	return time.Duration(c.CommitTimeoutSeconds) * time.Second
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMin) * time.Minute
}

// SessionIdleTTL is how long an empty register session stays in memory.
func (c Config) SessionIdleTTL() time.Duration {
	return time.Duration(c.SessionIdleMinutes) * time.Minute
}
