package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"shipment_worker/config"
	"shipment_worker/internal/bootstrap"
	"shipment_worker/pkg/logger"
	"shipment_worker/pkg/snowflake"

	"github.com/joho/godotenv"
)

const (
	shutdownTimeout = 30 * time.Second // Maximum time to wait for graceful shutdown
)

func main() {
	// Load .env file if exists (for local development)
	envLoaded := godotenv.Load() == nil

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger.Init(logger.Config{
		Level:   logger.ParseLevel(cfg.LogLevel),
		Service: "shipment-worker",
	})
	if envLoaded {
		logger.Debug("Loaded environment from .env")
	}

	if err := snowflake.Init(int64(cfg.NodeID)); err != nil {
		logger.Fatal("Failed to initialize ID generator: %v", err)
	}

	runWorker(cfg)
}

func runWorker(cfg *config.Config) {
	worker, cleanup, err := bootstrap.NewWorker(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize worker: %v", err)
	}
	defer cleanup()

	// Graceful shutdown with timeout
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutting down worker (timeout: %v)...", shutdownTimeout)

		done := make(chan struct{})
		go func() {
			worker.Stop()
			close(done)
		}()

		select {
		case <-done:
			logger.Info("Worker shut down gracefully")
		case <-time.After(shutdownTimeout):
			logger.Warn("Worker shutdown timed out, forcing exit")
		}
		os.Exit(0)
	}()

	logger.Info("Starting worker (id=%s, pool=%d)", cfg.WorkerID, cfg.PoolSize)
	worker.Start()
}
