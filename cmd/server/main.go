package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"example.com/h2streamproxy/internal/config"
	"example.com/h2streamproxy/internal/logger"
	"example.com/h2streamproxy/internal/server"
)

var configFilePath string

func main() {
	flag.StringVar(&configFilePath, "config", "", "Path to the configuration file (JSON or TOML)")
	flag.Parse()

	if configFilePath == "" {
		fmt.Fprintln(os.Stderr, "Error: Configuration file path must be provided via -config flag.")
		flag.Usage()
		os.Exit(1)
	}

	absConfigPath, err := filepath.Abs(configFilePath)
	if err != nil {
		log.Fatalf("Error getting absolute path for config file %s: %v", configFilePath, err)
	}
	configFilePath = absConfigPath

	cfg, err := config.LoadConfig(configFilePath)
	if err != nil {
		log.Fatalf("Failed to load configuration from %s: %v", configFilePath, err)
	}

	appLogger, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer appLogger.CloseLogFiles()
	appLogger.Info("logger initialized", nil)

	proxy, err := server.NewServer(cfg, appLogger, configFilePath)
	if err != nil {
		appLogger.Error("failed to initialize server", logger.LogFields{"error": err.Error()})
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigCh {
			appLogger.Info("received signal, shutting down", logger.LogFields{"signal": sig.String()})
			proxy.Shutdown()
			return
		}
	}()

	appLogger.Info("starting proxy server", logger.LogFields{"address": cfg.Server.Address, "upstream": cfg.Proxy.UpstreamAddress})
	if err := proxy.Run(); err != nil {
		appLogger.Error("server exited with an error", logger.LogFields{"error": err.Error()})
		os.Exit(1)
	}

	appLogger.Info("server has shut down gracefully", nil)
}
