package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	quietpay "github.com/quietpay/quietpay"
	"github.com/quietpay/quietpay/internal/config"
	"github.com/quietpay/quietpay/pkg/logging"
)

const (
	logKeyDataPath = "dataPath"
	logKeySignal   = "signal"
	logKeyError    = "error"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Logger.Error("invalid configuration", logKeyError, err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if *debug || cfg.LogLevel == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := logging.WithLevel(logLevel)

	logger.Info("starting quietpay daemon", logKeyDataPath, cfg.DataPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", logKeySignal, sig.String())
		cancel()
	}()

	engine, err := quietpay.New(quietpay.Config{
		DataPath:      cfg.DataPath,
		MinimumFreeGB: cfg.MinimumFreeGB,
		TickInterval:  cfg.TickInterval(),
		Logger:        logger,
	})
	if err != nil {
		logger.Error("daemon error", logKeyError, err)
		os.Exit(1)
	}

	if err := engine.Run(ctx); err != nil {
		logger.Error("daemon error", logKeyError, err)
		os.Exit(1)
	}
}
