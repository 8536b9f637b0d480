package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 1000, cfg.WSMaxConnections)
	assert.Equal(t, 10*time.Second, cfg.WSWriteTimeout)
	assert.Equal(t, "kafka", cfg.BrokerDriver)
	assert.Equal(t, []string{"notifications"}, cfg.WorkerQueues)
	assert.Equal(t, []string{"p_email"}, cfg.EmailQueues)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, ".dlq", cfg.DeadLetterSuffix)
	assert.Equal(t, 5, cfg.MaxReadErrors)
	assert.Equal(t, 587, cfg.SMTPPort)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("BROKER_DRIVER", " Redis ")
	t.Setenv("WORKER_QUEUES", "alerts, billing,,alerts")
	t.Setenv("WS_MAX_CONNECTIONS", "25")
	t.Setenv("WS_WRITE_TIMEOUT", "3s")
	t.Setenv("NOTIFY_ACTIONS", "notify.user,orders.shipped")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.BrokerDriver)
	assert.Equal(t, []string{"alerts", "billing"}, cfg.WorkerQueues)
	assert.Equal(t, 25, cfg.WSMaxConnections)
	assert.Equal(t, 3*time.Second, cfg.WSWriteTimeout)
	assert.Equal(t, []string{"notify.user", "orders.shipped"}, cfg.NotifyActions)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr string
	}{
		{"unknown driver", "BROKER_DRIVER", "amqp", `BROKER_DRIVER must be one of kafka, redis, got "amqp"`},
		{"zero connections", "WS_MAX_CONNECTIONS", "0", "WS_MAX_CONNECTIONS must be positive"},
		{"no kafka brokers", "KAFKA_BROKERS", " , ", "KAFKA_BROKERS is required for the kafka driver"},
		{"zero read errors", "MAX_READ_ERRORS", "0", "MAX_READ_ERRORS must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			require.Error(t, err)
			assert.Equal(t, tt.wantErr, err.Error())
		})
	}
}

func TestRequireAuthAndSMTP(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	assert.EqualError(t, cfg.RequireAuth(), "JWT_SECRET or JWT_PUBLIC_KEY is required")
	cfg.JWTSecret = "secret"
	assert.NoError(t, cfg.RequireAuth())

	assert.EqualError(t, cfg.RequireSMTP(), "SMTP_HOST is required")
	cfg.SMTPHost = "smtp.example.com"
	assert.EqualError(t, cfg.RequireSMTP(), "SMTP_FROM is required")
	cfg.SMTPFrom = "noreply@example.com"
	assert.NoError(t, cfg.RequireSMTP())
}
