// Package config provides configuration loading from environment variables.
package config

import (
	"strings"
	"time"
)

// WorkerConfig holds configuration for the pipeline worker.
type WorkerConfig struct {
	RedisURL string
	Queue    string

	PipelineExec   string
	ResultsDir     string
	Timeout        time.Duration
	StallInterval  time.Duration
	CleanupCommand []string // post-job accelerator cleanup, empty to skip

	MetricsPort string

	WebhookURL string
	WebhookKey string // HMAC signing key, read from a secret file

	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
}

// LoadWorkerConfig loads worker configuration from environment variables.
func LoadWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		RedisURL:          GetEnv("REDIS_URL", "redis://localhost:6379/0"),
		Queue:             GetEnv("QUEUE_NAME", "default"),
		PipelineExec:      GetEnv("PIPELINE_EXEC", "/opt/pipeline/run"),
		ResultsDir:        GetEnv("RESULTS_DIR", "/data/results"),
		Timeout:           GetDurationEnv("PIPELINE_TIMEOUT", 30*time.Minute),
		StallInterval:     GetDurationEnv("PROGRESS_STALL_INTERVAL", 15*time.Second),
		CleanupCommand:    splitCommand(GetEnv("GPU_CLEANUP_COMMAND", "")),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		WebhookURL:        GetEnv("WEBHOOK_URL", ""),
		WebhookKey:        GetSecretFile(GetEnv("WEBHOOK_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
	}
}

func splitCommand(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}
