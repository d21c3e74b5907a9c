// worker consumes the job queue and runs the segmentation pipeline.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"kneeproc/internal/config"
	"kneeproc/internal/dispatch"
	"kneeproc/internal/executor"
	"kneeproc/internal/gpu"
	"kneeproc/internal/health"
	"kneeproc/internal/job"
	"kneeproc/internal/notify"
	"kneeproc/internal/observability"
	"kneeproc/internal/pipeline"
	"kneeproc/internal/stats"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	cfg := config.LoadWorkerConfig()

	redisOpt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return err
	}
	rdb := redis.NewClient(redisOpt)
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return err
	}
	slog.Info("Connected to Redis", "addr", redisOpt.Addr)

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	store := job.NewStore(rdb)
	recorder := stats.NewRecorder(rdb)
	guard := gpu.NewGuard(gpu.CommandCleanup(cfg.CleanupCommand))

	notifier := notify.New(notify.Config{
		URL:        cfg.WebhookURL,
		SigningKey: cfg.WebhookKey,
	}, metrics)

	exec := executor.New(store, recorder, guard, pipeline.NewRunner(), notifier, metrics, executor.Config{
		Executable:    cfg.PipelineExec,
		ResultsDir:    cfg.ResultsDir,
		Timeout:       cfg.Timeout,
		StallInterval: cfg.StallInterval,
	})

	healthChecker := health.NewChecker(store)

	// Task server: one delivery at a time, matching the single
	// accelerator slot.
	asynqOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return err
	}
	srv := dispatch.NewServer(asynqOpt, cfg.Queue)
	mux := dispatch.NewMux(dispatch.NewHandler(exec))

	// Metrics and probe server
	httpMux := http.NewServeMux()
	httpMux.Handle("GET /metrics", metricsHandler)
	httpMux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, healthChecker.Liveness(r.Context()))
	})
	httpMux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, healthChecker.Readiness(r.Context()))
	})
	metricsServer := &http.Server{
		Addr:         ":" + cfg.MetricsPort,
		Handler:      httpMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		slog.Info("Starting task server", "queue", cfg.Queue)
		if err := srv.Run(mux); err != nil {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Periodically publish queue depth
	depthCtx, depthCancel := context.WithCancel(ctx)
	defer depthCancel()
	go reportQueueDepth(depthCtx, store, metrics)

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed", "error", err)
		srv.Shutdown()
		return err
	}

	// Phase 1: Mark worker as unhealthy for probe draining
	healthChecker.SetShuttingDown()
	if cfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for probes to observe shutdown", "duration", cfg.ShutdownDrainWait)
		time.Sleep(cfg.ShutdownDrainWait)
	}

	// Phase 2: Stop taking new tasks; the in-flight job finishes or is
	// redelivered after the task timeout.
	slog.Info("Stopping task server")
	srv.Stop()
	srv.Shutdown()

	// Phase 3: Drain pending notifications
	slog.Info("Draining notifier")
	notifyCtx, notifyCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer notifyCancel()
	if err := notifier.Close(notifyCtx); err != nil {
		slog.Warn("Notifier shutdown error", "error", err)
	}
	delivered, failed, dropped := notifier.Stats()
	slog.Info("Notifier stats", "delivered", delivered, "failed", failed, "dropped", dropped)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Metrics server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
	return nil
}

// reportQueueDepth samples the queue length into the gauge.
func reportQueueDepth(ctx context.Context, store *job.Store, metrics *observability.Metrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := store.QueueLen(ctx)
			if err != nil {
				slog.Warn("Failed to read queue depth", "error", err)
				continue
			}
			metrics.RecordQueueDepth(ctx, depth)
		}
	}
}

func writeHealth(w http.ResponseWriter, resp *health.Response) {
	w.Header().Set("Content-Type", "application/json")
	if !resp.IsHealthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}
