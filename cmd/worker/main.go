package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ppe-monitor/internal/app"
	"ppe-monitor/internal/config"
	redisclient "ppe-monitor/pkg/database/redis"
	"ppe-monitor/pkg/logger"

	"github.com/sirupsen/logrus"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat).WithField("service", "worker")
	log.Info("Starting Worker Service...")

	if app.SingleProcess(cfg) {
		log.Fatal("The worker service needs a shared queue and relay; use the gateway's -embedded-worker for memory drivers")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var closers app.Closers

	// Initialize Redis
	log.Info("Connecting to Redis...")
	redisClient, err := redisclient.NewClient(cfg.RedisURL, cfg.RedisPass)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	closers.Add(redisClient.Close)

	// Initialize RabbitMQ; prefetch matches the pool so idle workers always
	// have a claimed job waiting.
	log.Info("Connecting to RabbitMQ...")
	jobs, err := app.OpenQueue(cfg, cfg.WorkerPoolSize, log)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	closers.Add(jobs.Close)

	hostname, _ := os.Hostname()
	bus, err := app.OpenRelay(cfg, "worker-"+hostname, redisClient, log)
	if err != nil {
		log.Fatalf("Failed to connect relay: %v", err)
	}
	closers.Add(bus.Close)

	processor, err := app.NewProcessor(connectCtx, cfg, bus, &closers, log)
	if err != nil {
		log.Fatalf("Failed to create processor: %v", err)
	}

	log.Info("✓ Successfully connected to all services")

	pool := app.NewPool(cfg, jobs, processor, app.OpenTracker(cfg, redisClient), log)

	log.WithFields(logrus.Fields{
		"pool_size": cfg.WorkerPoolSize,
		"topic":     cfg.QueueTopic,
	}).Info("Worker Service is running. Press Ctrl+C to exit.")

	// Run returns after the signal once in-flight jobs are settled, or early
	// when the broker ends the delivery stream.
	runErr := pool.Run(ctx)
	if runErr != nil {
		log.WithError(runErr).Error("Worker pool stopped unexpectedly")
	} else {
		log.Info("Shutting down gracefully...")
	}

	// Consumer channels are released only after every delivery was settled.
	if err := closers.Close(); err != nil {
		log.WithError(err).Warn("Failed to release resources")
	}

	if runErr != nil {
		os.Exit(1)
	}
	log.Info("Worker Service stopped")
}
