package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

// Config is the process configuration read from the environment.
type Config struct {
	Port            string        `env:"PORT" default:"8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" default:"10s"`

	LogLevel     string `env:"LOG_LEVEL" default:"info"`
	LogFormat    string `env:"LOG_FORMAT" default:"text"`
	LogDirectory string `env:"LOG_DIRECTORY" default:"./logs"`

	JWTSecret    string `env:"JWT_SECRET"`
	JWTPublicKey string `env:"JWT_PUBLIC_KEY"`

	WSMaxConnections int           `env:"WS_MAX_CONNECTIONS" default:"1000"`
	WSWriteTimeout   time.Duration `env:"WS_WRITE_TIMEOUT" default:"10s"`

	BrokerDriver     string   `env:"BROKER_DRIVER" default:"kafka"`
	WorkerQueues     []string `env:"WORKER_QUEUES" default:"notifications"`
	EmailQueues      []string `env:"EMAIL_QUEUES" default:"p_email"`
	DeadLetterSuffix string   `env:"DEAD_LETTER_SUFFIX" default:".dlq"`
	MaxReadErrors    int      `env:"MAX_READ_ERRORS" default:"5"`
	NotifyActions    []string `env:"NOTIFY_ACTIONS" default:"notify.user"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" default:"localhost:9092"`
	KafkaGroupID string   `env:"KAFKA_GROUP_ID" default:"relay-ws"`

	RedisURL   string `env:"REDIS_URL" default:"redis://localhost:6379/0"`
	RedisGroup string `env:"REDIS_GROUP" default:"relay-ws"`

	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     int    `env:"SMTP_PORT" default:"587"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPFrom     string `env:"SMTP_FROM"`
}

var brokerDrivers = []string{"kafka", "redis"}

// Load reads an optional .env file, then the environment, and validates the result.
func Load() (*Config, error) {
	if err := godotenv.Overload(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn(".env load failed", slog.Any("error", err))
	}

	var cfg Config
	if err := env.Load(&cfg, &env.Options{SliceSep: ","}); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.BrokerDriver = strings.ToLower(strings.TrimSpace(c.BrokerDriver))
	c.WorkerQueues = cleanList(c.WorkerQueues)
	c.EmailQueues = cleanList(c.EmailQueues)
	c.NotifyActions = cleanList(c.NotifyActions)
	c.KafkaBrokers = cleanList(c.KafkaBrokers)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if !slices.Contains(brokerDrivers, c.BrokerDriver) {
		return fmt.Errorf("BROKER_DRIVER must be one of %s, got %q", strings.Join(brokerDrivers, ", "), c.BrokerDriver)
	}
	if c.WSMaxConnections <= 0 {
		return errors.New("WS_MAX_CONNECTIONS must be positive")
	}
	if c.WSWriteTimeout <= 0 {
		return errors.New("WS_WRITE_TIMEOUT must be positive")
	}
	if c.MaxReadErrors <= 0 {
		return errors.New("MAX_READ_ERRORS must be positive")
	}
	if c.DeadLetterSuffix == "" {
		return errors.New("DEAD_LETTER_SUFFIX is required")
	}
	if c.BrokerDriver == "kafka" && len(c.KafkaBrokers) == 0 {
		return errors.New("KAFKA_BROKERS is required for the kafka driver")
	}
	if c.BrokerDriver == "redis" && c.RedisURL == "" {
		return errors.New("REDIS_URL is required for the redis driver")
	}
	return nil
}

// RequireAuth checks the settings needed to authenticate websocket clients.
func (c *Config) RequireAuth() error {
	if c.JWTSecret == "" && c.JWTPublicKey == "" {
		return errors.New("JWT_SECRET or JWT_PUBLIC_KEY is required")
	}
	return nil
}

// RequireSMTP checks the settings needed to deliver email.
func (c *Config) RequireSMTP() error {
	if c.SMTPHost == "" {
		return errors.New("SMTP_HOST is required")
	}
	if c.SMTPFrom == "" {
		return errors.New("SMTP_FROM is required")
	}
	return nil
}

func cleanList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" && !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}
