package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func unsetAfter(t *testing.T, keys ...string) {
	t.Helper()
	for _, key := range keys {
		old, had := os.LookupEnv(key)
		os.Unsetenv(key)
		t.Cleanup(func() {
			if had {
				os.Setenv(key, old)
			} else {
				os.Unsetenv(key)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	unsetAfter(t, "WORKER_POOL_SIZE", "QUEUE_MAX_ATTEMPTS", "QUEUE_BACKOFF", "QUEUE_TOPIC", "QUEUE_DRIVER", "RELAY_DRIVER")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.WorkerPoolSize != 3 {
		t.Errorf("Expected pool size 3, got %d", cfg.WorkerPoolSize)
	}
	if cfg.QueueMaxAttempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", cfg.QueueMaxAttempts)
	}
	if cfg.QueueBackoff != time.Second {
		t.Errorf("Expected 1s backoff, got %v", cfg.QueueBackoff)
	}
	if cfg.QueueTopic != "camera-frames" {
		t.Errorf("Expected topic camera-frames, got %q", cfg.QueueTopic)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	unsetAfter(t, "WORKER_POOL_SIZE", "QUEUE_DRIVER", "RELAY_DRIVER", "INFERENCE_TIMEOUT")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "worker_pool_size: 7\nqueue_driver: memory\nrelay_driver: memory\ninference_timeout: 2s\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("WORKER_POOL_SIZE", "4")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.WorkerPoolSize != 4 {
		t.Errorf("Expected env to win with 4 workers, got %d", cfg.WorkerPoolSize)
	}
	if cfg.QueueDriver != QueueDriverMemory {
		t.Errorf("Expected queue driver from file, got %q", cfg.QueueDriver)
	}
	if cfg.InferenceTimeout != 2*time.Second {
		t.Errorf("Expected 2s inference timeout, got %v", cfg.InferenceTimeout)
	}
}

func TestValidate(t *testing.T) {
	cfg := Config{WorkerPoolSize: 0, QueueMaxAttempts: 0, QueueDriver: "sqs", RelayDriver: "redis"}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Expected validation error")
	}
	for _, want := range []string{"WORKER_POOL_SIZE", "QUEUE_MAX_ATTEMPTS", "QUEUE_DRIVER"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected error to mention %s, got %v", want, err)
		}
	}
}

func TestValidateQueueBounds(t *testing.T) {
	valid := Config{
		WorkerPoolSize:     3,
		QueueMaxAttempts:   3,
		QueueBackoff:       time.Second,
		QueueRetainCount:   5,
		QueueRetainAge:     time.Minute,
		EnqueueMaxInflight: 64,
		PostgresMaxConns:   10,
		QueueDriver:        QueueDriverRabbitMQ,
		RelayDriver:        RelayDriverRedis,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Expected valid config, got %v", err)
	}

	tests := []struct {
		key    string
		mutate func(c *Config)
	}{
		{"QUEUE_RETAIN_COUNT", func(c *Config) { c.QueueRetainCount = 0 }},
		{"QUEUE_RETAIN_AGE", func(c *Config) { c.QueueRetainAge = 0 }},
		{"QUEUE_BACKOFF", func(c *Config) { c.QueueBackoff = -time.Second }},
		{"ENQUEUE_MAX_INFLIGHT", func(c *Config) { c.EnqueueMaxInflight = 0 }},
		{"POSTGRES_MAX_CONNS", func(c *Config) { c.PostgresMaxConns = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.key) {
				t.Errorf("Expected error mentioning %s, got %v", tt.key, err)
			}
		})
	}
}

func TestJWKSURL(t *testing.T) {
	cfg := Config{KeycloakURL: "http://kc:8080", KeycloakRealm: "ppe"}
	want := "http://kc:8080/realms/ppe/protocol/openid-connect/certs"
	if got := cfg.JWKSURL(); got != want {
		t.Errorf("JWKSURL() = %q, want %q", got, want)
	}
}
