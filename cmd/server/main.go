package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Tyrowin/gochat-live/internal/server"
	"github.com/mama165/sdk-go/logs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// run wires configuration, hub and HTTP server, then blocks until a signal
// or a server error arrives.
func run() error {
	config, err := server.NewConfigFromEnv()
	if err != nil {
		return err
	}
	log := logs.GetLoggerFromString(config.LogLevel)
	log.Info("Starting GoChat Live server...", "port", config.Port, "origins", config.AllowedOrigins)

	hub, err := server.NewHub(config, log)
	if err != nil {
		return fmt.Errorf("hub setup failed: %w", err)
	}
	server.StartHub(hub, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpServer := server.CreateServer(config.Port, server.SetupRoutes(hub, log))

	errChan := make(chan error, 1)
	go func() {
		if err := server.StartServer(httpServer, log); err != nil {
			errChan <- fmt.Errorf("http server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
	case err := <-errChan:
		_ = hub.Shutdown(config.ShutdownTimeout)
		return err
	}

	if err := server.ShutdownServer(httpServer, config.ShutdownTimeout, log); err != nil {
		log.Warn("HTTP server did not stop cleanly", "err", err)
	}
	if err := hub.Shutdown(config.ShutdownTimeout); err != nil {
		log.Warn("Hub did not stop cleanly", "err", err)
	}

	log.Info("Program stopped cleanly")
	return nil
}
