// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Postgres struct {
	URL        string `env:"URL,required,notEmpty"`
	SearchPath string `env:"SEARCH_PATH" envDefault:"store"`
}

type Kafka struct {
	Brokers           []string `env:"BROKERS" envSeparator:","`
	NotificationTopic string   `env:"NOTIFICATION_TOPIC" envDefault:"license.notifications"`
	ConsumerGroup     string   `env:"CONSUMER_GROUP" envDefault:"notification-worker"`
}

type Outbox struct {
	PollInterval   time.Duration `env:"POLL_INTERVAL" envDefault:"2s"`
	BatchSize      int           `env:"BATCH_SIZE" envDefault:"50"`
	MaxAttempts    int           `env:"MAX_ATTEMPTS" envDefault:"10"`
	BreakerTimeout time.Duration `env:"BREAKER_TIMEOUT" envDefault:"30s"`
}

type Log struct {
	Level string `env:"LEVEL" envDefault:"info"`
}

type Telemetry struct {
	ServiceVersion string  `env:"SERVICE_VERSION" envDefault:"0.1.0"`
	Environment    string  `env:"ENVIRONMENT" envDefault:"local"`
	Endpoint       string  `env:"EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	SampleRatio    float64 `env:"TRACES_SAMPLE_RATIO" envDefault:"1"`
}

// Orders is the configuration of the checkout / webhook service.
type Orders struct {
	Port            string          `env:"PORT" envDefault:"8081"`
	Postgres        Postgres        `envPrefix:"POSTGRES_"`
	Kafka           Kafka           `envPrefix:"KAFKA_"`
	Outbox          Outbox          `envPrefix:"OUTBOX_"`
	Log             Log             `envPrefix:"LOG_"`
	Telemetry       Telemetry       `envPrefix:"OTEL_"`
	GatewaysFile    string          `env:"GATEWAYS_FILE" envDefault:"gateways.yaml"`
	TaxRate         decimal.Decimal `env:"TAX_RATE" envDefault:"0"`
	Currency        string          `env:"CURRENCY" envDefault:"USD"`
	WebhookTimeout  time.Duration   `env:"WEBHOOK_TIMEOUT" envDefault:"15s"`
	CheckoutRPS     float64         `env:"CHECKOUT_RPS" envDefault:"20"`
	CheckoutBurst   int             `env:"CHECKOUT_BURST" envDefault:"40"`
	AccountURL      string          `env:"ACCOUNT_URL" envDefault:"https://shop.example.com/account/create"`
	ShutdownTimeout time.Duration   `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Licenses is the configuration of the license lookup / consumption service.
type Licenses struct {
	Port            string        `env:"PORT" envDefault:"8082"`
	Postgres        Postgres      `envPrefix:"POSTGRES_"`
	Log             Log           `envPrefix:"LOG_"`
	Telemetry       Telemetry     `envPrefix:"OTEL_"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

type Gateway struct {
	Port               string        `env:"PORT" envDefault:"8080"`
	OrdersServiceURL   string        `env:"ORDERS_SERVICE_URL,required,notEmpty"`
	LicensesServiceURL string        `env:"LICENSES_SERVICE_URL,required,notEmpty"`
	UpstreamTimeout    time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"20s"`
	Log                Log           `envPrefix:"LOG_"`
	Telemetry          Telemetry     `envPrefix:"OTEL_"`
	ShutdownTimeout    time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

type Worker struct {
	Kafka           Kafka         `envPrefix:"KAFKA_"`
	EmailServiceURL string        `env:"EMAIL_SERVICE_URL,required,notEmpty"`
	HTTPTimeout     time.Duration `env:"HTTP_TIMEOUT" envDefault:"10s"`
	RetryMax        uint64        `env:"RETRY_MAX" envDefault:"3"`
	RetryInterval   time.Duration `env:"RETRY_INTERVAL" envDefault:"500ms"`
	Log             Log           `envPrefix:"LOG_"`
	Telemetry       Telemetry     `envPrefix:"OTEL_"`
}

type Email struct {
	Port            string        `env:"PORT" envDefault:"8084"`
	FromAddress     string        `env:"FROM_ADDRESS" envDefault:"licenses@shop.example.com"`
	Log             Log           `envPrefix:"LOG_"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

type Migrate struct {
	PostgresURL    string `env:"POSTGRES_URL,required,notEmpty"`
	MigrationsPath string `env:"MIGRATIONS_PATH" envDefault:"file://migrations"`
	Log            Log    `envPrefix:"LOG_"`
}

// Load reads .env when present and parses the environment into cfg.
func Load[T any]() (*T, error) {
	// .env is optional; production injects variables directly.
	_ = godotenv.Load()

	cfg := new(T)
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func (l Log) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
