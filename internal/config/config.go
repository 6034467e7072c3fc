package config

import (
	"errors"
	"fmt"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"annopipe/internal/broker"
)

var ErrMissingRequired = errors.New("missing required configuration")

type Config struct {
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"annopipe"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"annopipe"`

	AMQPHost      string `envconfig:"AMQP_HOST" default:"rabbitmq"`
	AMQPPort      int    `envconfig:"AMQP_PORT" default:"5672"`
	AMQPUser      string `envconfig:"AMQP_USER" default:"guest"`
	AMQPPass      string `envconfig:"AMQP_PASS" default:"guest"`
	AMQPExchange  string `envconfig:"AMQP_EXCHANGE" default:"annopipe"`
	ResponseQueue string `envconfig:"RESPONSE_QUEUE" default:"annopipe.responses"`

	DataDir       string `envconfig:"DATA_DIR" default:"./data"`
	ServerPort    int    `envconfig:"SERVER_PORT" default:"8080"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Env vars may also come from the shell, so a missing .env is fine.
	_ = godotenv.Load(".env")

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}
	if c.AMQPHost == "" {
		return fmt.Errorf("%w: AMQP_HOST", ErrMissingRequired)
	}
	if c.AMQPExchange == "" {
		return fmt.Errorf("%w: AMQP_EXCHANGE", ErrMissingRequired)
	}
	if c.ResponseQueue == "" {
		return fmt.Errorf("%w: RESPONSE_QUEUE", ErrMissingRequired)
	}
	return nil
}

// Broker returns the connection settings for the AMQP gateway.
func (c *Config) Broker() broker.Config {
	return broker.Config{
		Host:     c.AMQPHost,
		Port:     c.AMQPPort,
		User:     c.AMQPUser,
		Password: c.AMQPPass,
		Exchange: c.AMQPExchange,
	}
}

// DSN returns the Postgres connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBUser, c.DBPass, c.DBName)
}
