/**
 * @description
 * Configuration for the ledger-service. Values come from environment
 * variables, optionally seeded from a .env file, and are read once at startup.
 * The settlement backend is selected here and never switched at runtime.
 *
 * @dependencies
 * - github.com/spf13/viper: environment and .env loading.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	SettlementBackendLocal  = "local"
	SettlementBackendBafoka = "bafoka"
)

// Config holds all the configuration variables for the ledger-service.
type Config struct {
	ServerPort        string `mapstructure:"SERVER_PORT"`
	DatabaseURL       string `mapstructure:"DATABASE_URL"`
	MigrationsEnabled bool   `mapstructure:"MIGRATIONS_ENABLED"`

	RabbitMQURL              string `mapstructure:"RABBITMQ_URL"`
	SettlementEventsExchange string `mapstructure:"SETTLEMENT_EVENTS_EXCHANGE"`
	SettlementEventQueue     string `mapstructure:"SETTLEMENT_EVENT_QUEUE"`
	LedgerEventsExchange     string `mapstructure:"LEDGER_EVENTS_EXCHANGE"`

	RedisURL                   string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix       string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	TransferRateLimitPerMinute int    `mapstructure:"TRANSFER_RATE_LIMIT_PER_MINUTE"`

	SettlementBackend          string  `mapstructure:"SETTLEMENT_BACKEND"`
	BafokaAPIBaseURL           string  `mapstructure:"BAFOKA_API_BASE_URL"`
	BafokaAPIKey               string  `mapstructure:"BAFOKA_API_KEY"`
	BafokaRequestsPerSecond    float64 `mapstructure:"BAFOKA_REQUESTS_PER_SECOND"`
	SettlementTimeoutSeconds   int     `mapstructure:"SETTLEMENT_TIMEOUT_SECONDS"`
	LocalSettlementMode        string  `mapstructure:"LOCAL_SETTLEMENT_MODE"`
	LocalSettlementOpeningBal  int64   `mapstructure:"LOCAL_SETTLEMENT_OPENING_BALANCE"`
	LocalSettlementSettleAfter int     `mapstructure:"LOCAL_SETTLEMENT_SETTLE_AFTER_SECONDS"`
	SignupBonus                int64   `mapstructure:"SIGNUP_BONUS"`

	JWTSecret          string `mapstructure:"JWT_SECRET"`
	InternalAPIKey     string `mapstructure:"INTERNAL_API_KEY"`
	WebhookSecret      string `mapstructure:"WEBHOOK_SECRET"`
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	ReconcilePollSchedule      string `mapstructure:"RECONCILE_POLL_SCHEDULE"`
	ReconcilePendingAgeSeconds int    `mapstructure:"RECONCILE_PENDING_AGE_SECONDS"`
	ReconcileBatchSize         int    `mapstructure:"RECONCILE_BATCH_SIZE"`
	RevertAuditSchedule        string `mapstructure:"REVERT_AUDIT_SCHEDULE"`
}

// LoadConfig reads configuration from environment variables and an optional
// .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("MIGRATIONS_ENABLED", true)
	viper.SetDefault("SETTLEMENT_EVENTS_EXCHANGE", "bafoka.events")
	viper.SetDefault("SETTLEMENT_EVENT_QUEUE", "ledger_service.settlement_updates")
	viper.SetDefault("LEDGER_EVENTS_EXCHANGE", "ledger.events")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "bafoka:rate_limit")
	viper.SetDefault("TRANSFER_RATE_LIMIT_PER_MINUTE", 20)
	viper.SetDefault("SETTLEMENT_BACKEND", SettlementBackendLocal)
	viper.SetDefault("BAFOKA_REQUESTS_PER_SECOND", 5.0)
	viper.SetDefault("SETTLEMENT_TIMEOUT_SECONDS", 15)
	viper.SetDefault("LOCAL_SETTLEMENT_MODE", "confirm")
	viper.SetDefault("LOCAL_SETTLEMENT_OPENING_BALANCE", 1000)
	viper.SetDefault("LOCAL_SETTLEMENT_SETTLE_AFTER_SECONDS", 30)
	viper.SetDefault("SIGNUP_BONUS", 1000)
	viper.SetDefault("RECONCILE_POLL_SCHEDULE", "@every 1m")
	viper.SetDefault("RECONCILE_PENDING_AGE_SECONDS", 120)
	viper.SetDefault("RECONCILE_BATCH_SIZE", 100)
	viper.SetDefault("REVERT_AUDIT_SCHEDULE", "@every 10m")

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("MIGRATIONS_ENABLED")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("SETTLEMENT_EVENTS_EXCHANGE")
	_ = viper.BindEnv("SETTLEMENT_EVENT_QUEUE")
	_ = viper.BindEnv("LEDGER_EVENTS_EXCHANGE")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "LEDGER_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("TRANSFER_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("SETTLEMENT_BACKEND")
	_ = viper.BindEnv("BAFOKA_API_BASE_URL")
	_ = viper.BindEnv("BAFOKA_API_KEY")
	_ = viper.BindEnv("BAFOKA_REQUESTS_PER_SECOND")
	_ = viper.BindEnv("SETTLEMENT_TIMEOUT_SECONDS")
	_ = viper.BindEnv("LOCAL_SETTLEMENT_MODE")
	_ = viper.BindEnv("LOCAL_SETTLEMENT_OPENING_BALANCE")
	_ = viper.BindEnv("LOCAL_SETTLEMENT_SETTLE_AFTER_SECONDS")
	_ = viper.BindEnv("SIGNUP_BONUS")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "LEDGER_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("WEBHOOK_SECRET", "WEBHOOK_SECRET", "BAFOKA_WEBHOOK_SECRET")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("RECONCILE_POLL_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_PENDING_AGE_SECONDS")
	_ = viper.BindEnv("RECONCILE_BATCH_SIZE")
	_ = viper.BindEnv("REVERT_AUDIT_SCHEDULE")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("LEDGER_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "bafoka:rate_limit"
	}
	config.BafokaAPIBaseURL = strings.TrimRight(strings.TrimSpace(config.BafokaAPIBaseURL), "/")

	config.SettlementBackend = strings.ToLower(strings.TrimSpace(config.SettlementBackend))
	switch config.SettlementBackend {
	case SettlementBackendLocal, SettlementBackendBafoka:
	default:
		log.Printf("level=warn component=config msg=\"unknown SETTLEMENT_BACKEND; using local\" value=%q", config.SettlementBackend)
		config.SettlementBackend = SettlementBackendLocal
	}
	if config.SettlementBackend == SettlementBackendBafoka && config.BafokaAPIBaseURL == "" {
		log.Printf("level=warn component=config msg=\"BAFOKA_API_BASE_URL is empty; settlement calls will fail\"")
	}

	config.LocalSettlementMode = strings.ToLower(strings.TrimSpace(config.LocalSettlementMode))
	if config.LocalSettlementMode != "confirm" && config.LocalSettlementMode != "pending" {
		log.Printf("level=warn component=config msg=\"unknown LOCAL_SETTLEMENT_MODE; using confirm\" value=%q", config.LocalSettlementMode)
		config.LocalSettlementMode = "confirm"
	}

	if config.SettlementTimeoutSeconds <= 0 {
		config.SettlementTimeoutSeconds = 15
	}
	if config.TransferRateLimitPerMinute < 0 {
		config.TransferRateLimitPerMinute = 0
	}
	if config.SignupBonus < 0 {
		log.Printf("level=warn component=config msg=\"negative SIGNUP_BONUS ignored\" value=%d", config.SignupBonus)
		config.SignupBonus = 0
	}
	if config.ReconcilePendingAgeSeconds <= 0 {
		config.ReconcilePendingAgeSeconds = 120
	}
	if config.ReconcileBatchSize <= 0 || config.ReconcileBatchSize > 1000 {
		config.ReconcileBatchSize = 100
	}
	if strings.TrimSpace(config.ReconcilePollSchedule) == "" {
		config.ReconcilePollSchedule = "@every 1m"
	}
	if strings.TrimSpace(config.RevertAuditSchedule) == "" {
		config.RevertAuditSchedule = "@every 10m"
	}
	if strings.TrimSpace(config.JWTSecret) == "" {
		log.Printf("level=warn component=config msg=\"JWT_SECRET is empty; user routes will reject every request\"")
	}

	return
}

// SettlementTimeout is the bound on every settlement call.
func (c Config) SettlementTimeout() time.Duration {
	return time.Duration(c.SettlementTimeoutSeconds) * time.Second
}

// PendingAge is how long a transfer must stay pending before the poll loop
// queries the settlement backend for it.
func (c Config) PendingAge() time.Duration {
	return time.Duration(c.ReconcilePendingAgeSeconds) * time.Second
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
