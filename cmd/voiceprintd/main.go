package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-voiceprint/internal/config"
	"github.com/loqalabs/loqa-voiceprint/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "voiceprint.yaml", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := runtime.NewLogger(cfg.Telemetry, os.Stdout)
	logger.Info("starting voiceprintd", slog.String("version", version), slog.String("config", configPath))
	logNode(logger, cfg)

	rt := runtime.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

// logNode records the resolved voice settings a node starts with.
func logNode(logger *slog.Logger, cfg config.Config) {
	logger.Info("voice pipeline configuration",
		slog.String("node_id", cfg.Node.ID),
		slog.String("embedding_provider", cfg.Embedding.Provider),
		slog.String("embedding_model", cfg.Embedding.Model),
		slog.String("prover_command", cfg.Prover.Command),
		slog.String("circuit_root", cfg.Prover.CircuitRoot),
		slog.Int("hamming_threshold", cfg.Match.HammingThreshold),
		slog.Int("prover_slots", cfg.Prover.MaxConcurrency),
		slog.Bool("embedded_bus", cfg.Bus.Embedded),
		slog.String("audit_retention", cfg.Audit.RetentionMode))
}
