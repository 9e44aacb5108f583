package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/modelherd/herd/internal/config"
	"github.com/modelherd/herd/internal/logging"
	"github.com/modelherd/herd/internal/orchestrator"
	"github.com/modelherd/herd/internal/server"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

const defaultConfigPath = "herd.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("herd %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	// A missing file at the default path is not an error: the fleet can
	// be assembled entirely through the control plane. An explicit
	// -config pointing nowhere is.
	var (
		cfg *config.Config
		err error
	)
	if _, statErr := os.Stat(*configPath); os.IsNotExist(statErr) && *configPath == defaultConfigPath {
		cfg = config.DefaultConfig()
	} else {
		cfg, err = config.NewLoader().Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
			os.Exit(1)
		}
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	var logger *zap.Logger
	if cfg.Logging.File != "" {
		logger, err = logging.NewWithFile(cfg.Logging.Level, cfg.Logging.File, cfg.Logging.Rotation())
	} else {
		logger, err = logging.New(cfg.Logging.Level)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting herd",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("listen", cfg.Addr()),
		zap.Int("backends", len(cfg.Backends)),
		zap.String("load_balancer", cfg.LoadBalancer.Algorithm),
	)

	orch, err := orchestrator.New(cfg)
	if err != nil {
		logging.Error("Failed to create orchestrator", zap.Error(err))
		os.Exit(1)
	}

	server.Version = version
	srv := server.New(orch, *configPath)
	if err := srv.Run(); err != nil {
		logging.Error("Server error", zap.Error(err))
		os.Exit(1)
	}
}
