// Package main is the entry point for the ghostwall defense daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"ghostwall/internal/app"
	"ghostwall/internal/config"
	"ghostwall/internal/logging"
)

var version = "dev"

func main() {
	var (
		showVersion bool
		configPath  string
	)
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.StringVar(&configPath, "config", "", "Path to the YAML config (overrides GHOSTWALL_CONFIG_PATH)")
	flag.Parse()

	if showVersion {
		fmt.Printf("ghostwalld %s\n", version)
		return
	}
	if configPath != "" {
		os.Setenv("GHOSTWALL_CONFIG_PATH", configPath)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"version", version,
		"policy_mode", cfg.Policy.Mode,
		"firewall", cfg.Firewall.Backend,
		"storage", cfg.Storage.Driver,
		"redirectors", enabledRedirectors(cfg),
		"api", cfg.Server.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	if err := a.Run(ctx); err != nil {
		logger.Error("daemon exited with error", "error", err)
		os.Exit(1)
	}
}

func enabledRedirectors(cfg *config.Config) []string {
	var out []string
	for _, r := range cfg.Redirectors {
		if r.Enabled {
			out = append(out, r.Label())
		}
	}
	return out
}
