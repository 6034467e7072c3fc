package app

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"annopipe/internal/broker"
	"annopipe/internal/config"
)

type Dependencies struct {
	DB     *sql.DB
	Broker *broker.Client
}

// Bootstrap brings up the external collaborators: Postgres (with retries and
// migrations) and the AMQP gateway (with retries).
func Bootstrap(cfg *config.Config) (*Dependencies, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	retryDelay := time.Duration(cfg.BootstrapRetryDelaySeconds) * time.Second
	for i := 0; i < cfg.BootstrapRetryAttempts; i++ {
		if err := db.Ping(); err == nil {
			break
		}
		slog.Warn("failed to ping db, retrying...", "attempt", i+1)
		time.Sleep(retryDelay)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver error: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(cfg.MigrationPath, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("migration instance error: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, fmt.Errorf("migration up error: %w", err)
	}

	var bus *broker.Client
	for i := 0; i < cfg.BootstrapRetryAttempts; i++ {
		bus, err = broker.Dial(cfg.Broker())
		if err == nil {
			break
		}
		slog.Warn("failed to connect to broker, retrying...", "attempt", i+1, "error", err)
		time.Sleep(retryDelay)
	}
	if err != nil {
		return nil, fmt.Errorf("broker connection error: %w", err)
	}

	return &Dependencies{DB: db, Broker: bus}, nil
}

func (d *Dependencies) Close() {
	if d.Broker != nil {
		if err := d.Broker.Close(); err != nil {
			slog.Warn("failed to close broker connection", "error", err)
		}
	}
	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			slog.Warn("failed to close db connection", "error", err)
		}
	}
}
