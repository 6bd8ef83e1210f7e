package main

import (
	"context"
	"time"

	"ppe-monitor/internal/config"
	"ppe-monitor/pkg/database/postgres"
	"ppe-monitor/pkg/logger"

	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat).WithField("service", "migrate")
	log.Info("Starting migration runner...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := postgres.NewClient(ctx, cfg.PostgresURL, postgres.Options{MaxConns: 1}, log)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	log.Info("Connected to database. Running migrations...")
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	log.Info("Migration runner finished successfully.")
}
