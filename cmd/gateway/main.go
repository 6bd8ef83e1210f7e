package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ppe-monitor/internal/app"
	"ppe-monitor/internal/config"
	"ppe-monitor/internal/gateway"
	"ppe-monitor/internal/handler"
	redisclient "ppe-monitor/pkg/database/redis"
	"ppe-monitor/pkg/logger"
	"ppe-monitor/pkg/security"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 15 * time.Second

func main() {
	embeddedWorker := flag.Bool("embedded-worker", false, "run the worker pool inside the gateway process")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat).WithField("service", "gateway")
	log.Info("Starting Ingress Gateway...")

	if app.SingleProcess(cfg) && !*embeddedWorker {
		log.Fatal("Memory queue and relay drivers only work with -embedded-worker")
	}
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var closers app.Closers

	var redisClient *redisclient.Client
	if app.NeedsRedis(cfg) {
		log.Info("Connecting to Redis...")
		redisClient, err = redisclient.NewClient(cfg.RedisURL, cfg.RedisPass)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		closers.Add(redisClient.Close)
	}

	log.WithField("driver", cfg.QueueDriver).Info("Opening job queue...")
	jobs, err := app.OpenQueue(cfg, cfg.WorkerPoolSize, log)
	if err != nil {
		log.Fatalf("Failed to open job queue: %v", err)
	}
	closers.Add(jobs.Close)

	tracker := app.OpenTracker(cfg, redisClient)

	hostname, _ := os.Hostname()
	bus, err := app.OpenRelay(cfg, "gateway-"+hostname, redisClient, log)
	if err != nil {
		log.Fatalf("Failed to connect relay: %v", err)
	}
	closers.Add(bus.Close)

	gw := gateway.New(jobs, gateway.NewHub(), gateway.Options{
		Tracker:     tracker,
		MaxInflight: cfg.EnqueueMaxInflight,
	}, log)
	if err := bus.Subscribe(ctx, gw.OnProcessedEvent); err != nil {
		log.Fatalf("Failed to subscribe to relay: %v", err)
	}

	var poolDone chan struct{}
	if *embeddedWorker {
		processor, err := app.NewProcessor(connectCtx, cfg, bus, &closers, log)
		if err != nil {
			log.Fatalf("Failed to start embedded worker: %v", err)
		}
		pool := app.NewPool(cfg, jobs, processor, tracker, log.WithField("component", "worker"))

		poolDone = make(chan struct{})
		go func() {
			defer close(poolDone)
			if err := pool.Run(ctx); err != nil {
				log.WithError(err).Error("Worker pool stopped")
			}
		}()
	}

	var auth gin.HandlerFunc
	if cfg.AuthEnabled {
		var stopJWKS func()
		auth, stopJWKS, err = security.AuthMiddleware(cfg.JWKSURL(), cfg.KeycloakClientID, log)
		if err != nil {
			log.Fatalf("Failed to set up authentication: %v", err)
		}
		closers.Add(func() error {
			stopJWKS()
			return nil
		})
	}

	router := handler.NewRouter(handler.NewHandler(gw, tracker, cfg.WSMaxMessageBytes, log), auth)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()
	log.WithField("addr", cfg.HTTPAddr).Info("Ingress Gateway is running. Press Ctrl+C to exit.")

	<-ctx.Done()
	log.Info("Shutting down gracefully...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP server shutdown")
	}
	// Websocket connections are hijacked, so the hub closes them.
	if err := gw.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Gateway shutdown")
	}
	if poolDone != nil {
		select {
		case <-poolDone:
		case <-shutdownCtx.Done():
			log.Warn("Worker pool did not stop in time")
		}
	}
	if err := closers.Close(); err != nil {
		log.WithError(err).Warn("Failed to release resources")
	}

	log.Info("Ingress Gateway stopped")
}
