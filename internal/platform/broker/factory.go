package broker

import "fmt"

// Driver names a supported broker.
type Driver string

const (
	DriverKafka Driver = "kafka"
	DriverRedis Driver = "redis"
)

// Settings holds the connection settings of every driver; only the selected one is used.
type Settings struct {
	Driver Driver
	Kafka  KafkaConfig
	Redis  RedisConfig
}

// NewConsumer builds the consumer adapter selected by s.Driver.
func NewConsumer(s Settings, opts Options) (Consumer, error) {
	switch s.Driver {
	case DriverKafka, "":
		return NewKafkaConsumer(s.Kafka, opts), nil
	case DriverRedis:
		return NewRedisStreamConsumer(s.Redis, opts), nil
	default:
		return nil, fmt.Errorf("unknown broker driver %q", s.Driver)
	}
}
