// Command taskforged is the task engine's server daemon. It loads a YAML
// config file, wires the execution core and HTTP surface, and serves
// until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/taskforge/engine/config"
	"github.com/taskforge/engine/internal/version"
	"github.com/taskforge/engine/server"
)

var configPath = flag.String("config", "taskforge.yaml", "path to config file")

func main() {
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	logger.Info("starting taskforged",
		"version", version.Version,
		"commit", version.Commit,
	)

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("no config file found, using defaults", "path", *configPath)
			cfg = config.DefaultConfig()
		} else {
			log.Fatalf("failed to load config %s: %v", *configPath, err)
		}
	}

	srv := server.New(cfg, version.Version, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	fmt.Printf("taskforge server running on %s\n", cfg.Server.Addr)
	fmt.Printf("version: %s (%s)\n", version.Version, version.Commit)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatalf("server error: %v", err)
	case <-sigCh:
	}

	fmt.Println("shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logger.Error("server stop error", "error", err)
	}
	fmt.Println("shutdown complete")
}
