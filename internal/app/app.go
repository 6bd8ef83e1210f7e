// Package app assembles the drivers selected by configuration. It is shared by
// the gateway and worker commands.
package app

import (
	"context"
	"errors"
	"fmt"

	"ppe-monitor/internal/config"
	"ppe-monitor/internal/inference"
	"ppe-monitor/internal/queue"
	queuememory "ppe-monitor/internal/queue/memory"
	"ppe-monitor/internal/queue/rabbitmq"
	"ppe-monitor/internal/relay"
	relaymemory "ppe-monitor/internal/relay/memory"
	relaymqtt "ppe-monitor/internal/relay/mqtt"
	relaynats "ppe-monitor/internal/relay/nats"
	relayredis "ppe-monitor/internal/relay/redis"
	minioclient "ppe-monitor/internal/storage/minio"
	"ppe-monitor/internal/worker"
	"ppe-monitor/pkg/database/postgres"
	redisclient "ppe-monitor/pkg/database/redis"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const memoryRelayBuffer = 64

// Queue is a driver that both produces and consumes frame jobs.
type Queue interface {
	queue.Producer
	queue.Consumer
	Close() error
}

// Closers runs cleanup functions in reverse registration order.
type Closers []func() error

func (c *Closers) Add(fn func() error) {
	*c = append(*c, fn)
}

func (c Closers) Close() error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		errs = append(errs, c[i]())
	}
	return errors.Join(errs...)
}

// NeedsRedis reports whether the configuration uses Redis for the relay or
// for shared job bookkeeping.
func NeedsRedis(cfg *config.Config) bool {
	return cfg.RelayDriver == config.RelayDriverRedis || cfg.QueueDriver == config.QueueDriverRabbitMQ
}

// SingleProcess reports whether the configuration only works with gateway
// and workers in one process.
func SingleProcess(cfg *config.Config) bool {
	return cfg.QueueDriver == config.QueueDriverMemory || cfg.RelayDriver == config.RelayDriverMemory
}

func OpenQueue(cfg *config.Config, prefetch int, logger logrus.FieldLogger) (Queue, error) {
	switch cfg.QueueDriver {
	case config.QueueDriverMemory:
		return queuememory.New(), nil
	case config.QueueDriverRabbitMQ:
		client, err := rabbitmq.NewClient(rabbitmq.Options{
			URL:      cfg.RabbitMQURL,
			Topic:    cfg.QueueTopic,
			Prefetch: prefetch,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.QueueDriver)
	}
}

// OpenTracker keeps job bookkeeping in Redis when a client is given so every
// process sees the same records, and in memory otherwise.
func OpenTracker(cfg *config.Config, redis *redisclient.Client) queue.Tracker {
	if redis != nil {
		return redisclient.NewJobTracker(redis, cfg.QueueTopic, cfg.QueueRetainCount, cfg.QueueRetainAge)
	}
	return queue.NewMemoryTracker(cfg.QueueRetainCount, cfg.QueueRetainAge)
}

// OpenRelay connects the configured event bus. name identifies this process
// to the broker.
func OpenRelay(cfg *config.Config, name string, redis *redisclient.Client, logger logrus.FieldLogger) (relay.Bus, error) {
	log := logger.WithField("relay", cfg.RelayDriver)

	switch cfg.RelayDriver {
	case config.RelayDriverRedis:
		if redis == nil {
			return nil, errors.New("redis relay requires a redis client")
		}
		return relayredis.New(redis, cfg.RelayChannel, log), nil
	case config.RelayDriverNATS:
		bus, err := relaynats.Connect(cfg.NATSURL, name, cfg.RelayChannel, log)
		if err != nil {
			return nil, err
		}
		return bus, nil
	case config.RelayDriverMQTT:
		// Client ids must be unique per broker connection.
		bus, err := relaymqtt.Connect(cfg.MQTTBroker, name+"-"+uuid.NewString()[:8], cfg.RelayChannel, log)
		if err != nil {
			return nil, err
		}
		return bus, nil
	case config.RelayDriverMemory:
		return relaymemory.New(memoryRelayBuffer), nil
	default:
		return nil, fmt.Errorf("unknown relay driver %q", cfg.RelayDriver)
	}
}

// NewProcessor connects the worker collaborators: the violation store, the
// evidence bucket and the inference service.
func NewProcessor(ctx context.Context, cfg *config.Config, publisher relay.Publisher, closers *Closers, logger logrus.FieldLogger) (*worker.Processor, error) {
	pgPool, err := postgres.NewClient(ctx, cfg.PostgresURL, postgres.Options{
		MaxConns: cfg.PostgresMaxConns,
		MinConns: 2,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	closers.Add(func() error {
		pgPool.Close()
		return nil
	})

	if err := postgres.RunMigrations(ctx, pgPool); err != nil {
		return nil, err
	}

	logger.Info("Connecting to Minio...")
	evidence, err := minioclient.NewClient(ctx, minioclient.Options{
		Endpoint:   cfg.MinioEndpoint,
		AccessKey:  cfg.MinioAccessKey,
		SecretKey:  cfg.MinioSecretKey,
		UseSSL:     cfg.MinioUseSSL,
		Bucket:     cfg.EvidenceBucket,
		PublicURL:  cfg.EvidencePublicURL,
		PublicRead: cfg.EvidencePublicRead,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to minio: %w", err)
	}

	return worker.NewProcessor(
		inference.NewClient(cfg.InferenceURL, cfg.InferenceTimeout),
		evidence,
		postgres.NewViolationStore(pgPool),
		publisher,
		logger,
	), nil
}

func NewPool(cfg *config.Config, consumer queue.Consumer, processor worker.JobProcessor, tracker queue.Tracker, logger logrus.FieldLogger) *worker.Pool {
	return worker.NewPool(consumer, processor, worker.PoolOptions{
		Size:       cfg.WorkerPoolSize,
		JobTimeout: cfg.JobTimeout,
		Policy:     queue.RetryPolicy{MaxAttempts: cfg.QueueMaxAttempts, Backoff: cfg.QueueBackoff},
		Tracker:    tracker,
	}, logger)
}
