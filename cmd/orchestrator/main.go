// Package main is the IP-camera orchestrator entry point.
//
// Startup order: load and validate configuration, initialize structured
// logging, build the Core (persistence, event bus, connection
// orchestrator, scan coordinator), start background workers, then block
// on a termination signal. Shutdown reverses the order.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/camorch/ipcam-orchestrator/internal/config"
	"github.com/camorch/ipcam-orchestrator/internal/core"
	"github.com/camorch/ipcam-orchestrator/internal/logging"
)

func main() {
	configPath := flag.String("config", "config/app_config.yaml", "path to the YAML configuration file")
	flag.Parse()

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	if err := logging.SetupLogging(&logging.LoggingConfig{
		Level:          cfg.Logging.Level,
		Format:         cfg.Logging.Format,
		FileEnabled:    cfg.Logging.FileEnabled,
		FilePath:       cfg.Logging.FilePath,
		MaxFileSize:    cfg.Logging.MaxFileSizeMB,
		BackupCount:    cfg.Logging.BackupCount,
		ConsoleEnabled: cfg.Logging.ConsoleEnabled,
	}); err != nil {
		log.Fatalf("failed to setup logging: %v", err)
	}

	logger := logging.GetComponentLogger("main")
	logger.Info("starting ip-camera orchestrator")

	c, err := core.New(cfg)
	if err != nil {
		logger.WithError(err).Fatal("failed to build core")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		logger.WithError(err).Fatal("failed to start core")
	}

	// Config hot-reload: validated reloads are logged; components pick up
	// tunables on their next construction, running loops keep their
	// current settings.
	stopWatch, err := loader.WatchReload(*configPath, func(newCfg *config.Config) {
		logger.Info("configuration reloaded")
	})
	if err != nil {
		logger.WithError(err).Warn("config hot-reload unavailable")
	} else {
		defer stopWatch()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.WithField("signal", sig.String()).Info("shutting down")

	cancel()
	c.Stop()
}
