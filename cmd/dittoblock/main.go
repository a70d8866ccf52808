package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/marmos91/dittoblock/internal/logger"
	"github.com/marmos91/dittoblock/pkg/adapter"
	"github.com/marmos91/dittoblock/pkg/config"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: "+config.GetDefaultConfigPath()+")")
	logLevel := flag.String("log-level", "", "Log level override (DEBUG, INFO, WARN, ERROR)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// CLI flag takes precedence over config file and environment
	level := cfg.Logging.Level
	if *logLevel != "" {
		level = *logLevel
	}
	logger.SetLevel(level)

	fmt.Println("DittoBlock - Network Block Device Server")
	logger.Info("Log level set to: %s", level)

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg, err := config.InitializeRegistry(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize registry: %v", err)
	}

	adapters, err := config.CreateAdapters(cfg)
	if err != nil {
		log.Fatalf("Failed to create adapters: %v", err)
	}

	logger.Info("Server configuration:")
	for _, name := range reg.Names() {
		logger.Info("  Export: %s", name)
	}
	for _, a := range adapters {
		logger.Info("  Adapter: %s on port %d", a.Protocol(), a.Port())
	}
	logger.Info("  Shutdown timeout: %v", cfg.Server.ShutdownTimeout)

	serverDone := make(chan error, len(adapters))
	var serving sync.WaitGroup
	for _, a := range adapters {
		a.SetRegistry(reg)

		serving.Add(1)
		go func(a adapter.Adapter) {
			defer serving.Done()
			serverDone <- a.Serve(ctx)
		}(a)
	}

	// Wait for interrupt signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Server is running. Press Ctrl+C to stop.")

	exitCode := 0
	select {
	case <-sigChan:
		logger.Info("Shutdown signal received, initiating graceful shutdown...")
		cancel()

		if err := waitForAdapters(serverDone, adapters); err != nil {
			logger.Error("Server shutdown error: %v", err)
			exitCode = 1
		} else {
			logger.Info("Server stopped gracefully")
		}

	case err := <-serverDone:
		if err != nil {
			logger.Error("Server error: %v", err)
			exitCode = 1
		}
		// One adapter failed or stopped; bring the rest down too
		cancel()
		if remErr := waitForAdapters(serverDone, adapters[1:]); remErr != nil {
			logger.Error("Server shutdown error: %v", remErr)
			exitCode = 1
		}
	}

	serving.Wait()

	// Closing the registry disconnects any straggling clients and releases
	// backend resources before exit
	reg.CloseAll()

	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

// waitForAdapters collects one Serve result per adapter and returns the first
// error seen.
func waitForAdapters(serverDone chan error, adapters []adapter.Adapter) error {
	var firstErr error
	for range adapters {
		if err := <-serverDone; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
