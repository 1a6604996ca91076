// Package main provides the Conveyor job queue server.
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof" // pprof is exposed on a separate, opt-in port
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mwhitton/conveyor/internal/api"
	"github.com/mwhitton/conveyor/internal/config"
	"github.com/mwhitton/conveyor/internal/dispatcher"
	"github.com/mwhitton/conveyor/internal/logger"
	"github.com/mwhitton/conveyor/internal/metrics"
	"github.com/mwhitton/conveyor/internal/queue"
	"github.com/mwhitton/conveyor/internal/service"
	"github.com/mwhitton/conveyor/internal/store"
	"github.com/mwhitton/conveyor/internal/worker"
)

func main() {
	// Optional .env for local development; absence is not an error
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := log.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to close logger: %v\n", err)
		}
	}()
	logger.SetDefault(log)

	log.Info("Conveyor starting",
		"port", cfg.Port,
		"max_workers", cfg.MaxWorkers,
		"min_workers", cfg.MinWorkers,
		"job_timeout", cfg.JobTimeout,
		"max_retries", cfg.MaxRetries,
		"executor", cfg.Executor)

	if cfg.PprofPort > 0 {
		go func() {
			addr := fmt.Sprintf(":%d", cfg.PprofPort)
			log.Info("Starting pprof server", "address", addr)
			pprofServer := &http.Server{
				Addr:              addr,
				ReadHeaderTimeout: 5 * time.Second,
			}
			if err := pprofServer.ListenAndServe(); err != nil {
				log.Error("pprof server failed", "error", err)
			}
		}()
	}

	var exec worker.Executor
	switch cfg.Executor {
	case "echo":
		exec = worker.Echo()
	default:
		exec = worker.Shell()
	}

	st := store.New()
	q := queue.New()
	pool := worker.NewPool(cfg.MaxWorkers, cfg.MinWorkers, log)
	collector := metrics.NewCollector()

	disp := dispatcher.New(dispatcher.Config{
		MaxWorkers:      cfg.MaxWorkers,
		MinWorkers:      cfg.MinWorkers,
		PollInterval:    cfg.PollInterval,
		CapacityBackoff: cfg.CapacityBackoff,
	}, st, q, pool, exec, collector, log)

	svc := service.New(service.Options{
		DefaultTimeoutMs:  int(cfg.JobTimeout / time.Millisecond),
		DefaultMaxRetries: cfg.MaxRetries,
		QueueCapacity:     cfg.QueueCapacity,
	}, st, q, pool, disp, collector, log)

	disp.Start()

	server := api.New(cfg.Port, svc, collector, log)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("Shutting down", "signal", sig.String())
	case err := <-errCh:
		log.Error("API server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP shutdown error", "error", err)
	}
	disp.Stop()
	pool.Shutdown()
	log.Info("Conveyor stopped")
}
