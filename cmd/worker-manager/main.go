// cmd/worker-manager/main.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"comfy-executors/internal/common/camunda"
	"comfy-executors/internal/common/config"
	"comfy-executors/internal/common/logger"
	"comfy-executors/internal/common/observability"
	rw "comfy-executors/internal/workers/comfy/run-workflow"
	"comfy-executors/pkg/backends/comfyui"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2 // Exponential backoff
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	// The manager only runs the worker; the executor backend is irrelevant here.
	cfg, err := config.LoadWithOverrides(os.Getenv("CONFIG_FILE"), map[string]interface{}{
		"executor.backend":       "dummy",
		"camunda.worker.enabled": true,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "config load failed:", err)
		os.Exit(1)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	defer zapLog.Sync()

	// Wrap zap logger with our logger interface
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting worker manager...")

	obs := observability.New("worker-manager", observability.WithLogger(log), observability.AsGlobal())
	defer obs.Shutdown()

	// --- Init Zeebe Client with retry ---
	var client *camunda.Client
	err = retryWithBackoff(func() error {
		var err error
		client, err = camunda.NewClient(cfg.Camunda)
		return err
	}, 10, 2*time.Second, zapLog, "Zeebe client initialization")

	if err != nil {
		zapLog.Fatal("zeebe client failed after retries", zap.Error(err))
	}
	zapLog.Info("Zeebe client connected successfully")

	if res := cfg.Camunda.ProcessResource; res != "" {
		deployCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		key, err := client.DeployResource(deployCtx, res)
		cancel()
		if err != nil {
			zapLog.Fatal("process deployment failed", zap.String("resource", res), zap.Error(err))
		}
		zapLog.Info("process deployed", zap.String("resource", res), zap.Int64("deploymentKey", key))
	}

	// --- Run-workflow worker ---
	endpoint := comfyui.New(cfg.ComfyUI, log)
	handler := rw.NewHandler(rw.LoadConfig(cfg), endpoint, log)

	jobWorker := camunda.NewWorker(client.GetClient(), rw.TaskType, camunda.WorkerOptions{
		MaxJobsActive: cfg.Camunda.Worker.MaxJobsActive,
		Timeout:       config.GetDuration(cfg.Camunda.Worker.Timeout),
	}, handler, zapLog)
	jobWorker.Start()

	zapLog.Info("worker registered",
		zap.String("taskType", rw.TaskType),
		zap.String("comfyui", cfg.ComfyUI.Host),
		zap.Int("maxJobsActive", cfg.Camunda.Worker.MaxJobsActive),
		zap.Int("timeout_ms", cfg.Camunda.Worker.Timeout),
	)

	// --- Health & Metrics Server ---
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, "healthy")
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := client.HealthCheck(ctx); err != nil {
			writeStatus(w, http.StatusServiceUnavailable, "unavailable")
			return
		}
		writeStatus(w, http.StatusOK, "ready")
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/debug/pprof/", http.DefaultServeMux)

	server := &http.Server{Addr: cfg.Metrics.Address, Handler: mux}
	go func() {
		zapLog.Info("Health/Metrics server listening", zap.String("address", cfg.Metrics.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLog.Error("Health/Metrics server failed", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	zapLog.Info("Shutdown signal received, stopping worker...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	jobWorker.Stop(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("Error stopping Health/Metrics server", zap.Error(err))
	}
	if err := client.Close(); err != nil {
		zapLog.Error("Error closing Zeebe client", zap.Error(err))
	}

	zapLog.Info("Worker manager stopped gracefully")
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"status": status,
		"time":   time.Now().Format(time.RFC3339),
	})
}
