// tickflowd is the market-data pipeline daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tickflow/internal/config"
	"tickflow/internal/logging"
	"tickflow/internal/pipeline"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfgPath := flag.String("config", "config.yaml", "config file path")
	dataDir := flag.String("data", "", "data directory (overrides config)")
	symbols := flag.String("symbols", "", "comma-separated symbols (overrides config)")
	logJSON := flag.Bool("log-json", false, "force JSON log output")
	statsEvery := flag.Duration("stats-interval", time.Minute, "stats log interval (0 disables)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg = config.DefaultConfig()
		} else {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
	}

	// CLI overrides
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *symbols != "" {
		cfg.Symbols = strings.Split(*symbols, ",")
	}
	if *logJSON {
		cfg.Logging.JSON = true
	}

	level := parseLevel(cfg.Logging.Level)
	if cfg.Logging.File != "" {
		logging.InitWithRotation(level, cfg.Logging.JSON, cfg.Logging.File,
			cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups)
	} else {
		logging.Init(level, cfg.Logging.JSON)
	}
	log := logging.Component("main")
	log.Info("tickflowd starting", "version", Version, "config", *cfgPath)

	if len(cfg.Symbols) == 0 {
		log.Error("no symbols configured (use -symbols or config)")
		os.Exit(1)
	}

	p, err := pipeline.New(cfg)
	if err != nil {
		log.Error("create pipeline", "error", err)
		os.Exit(1)
	}
	if err := p.Start(); err != nil {
		log.Error("start pipeline", "error", err)
		os.Exit(1)
	}
	log.Info("pipeline running",
		"data_dir", cfg.DataDir,
		"symbols", cfg.Symbols,
		"interval", cfg.Interval(),
		"bucket", cfg.Bucket())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *statsEvery > 0 {
		go statsLoop(ctx, p, *statsEvery, log)
	}

	<-ctx.Done()
	log.Info("shutdown signal received")

	if err := p.Stop(); err != nil {
		log.Error("stop pipeline", "error", err)
		os.Exit(1)
	}
	log.Info("tickflowd stopped")
}

func statsLoop(ctx context.Context, p *pipeline.Pipeline, every time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := p.Stats()
			log.Info("pipeline stats",
				"uptime", s.Uptime.Round(time.Second),
				"ticks_accepted", s.Normalizer.TicksAccepted,
				"depths_accepted", s.Normalizer.DepthsAccepted,
				"rejected", s.Normalizer.Rejected(),
				"appends", s.Store.Appends,
				"intervals", s.Engine.IntervalsComputed,
				"bars_frozen", s.Aggregate.BarsFrozen,
				"queries", s.Read.Queries)
		}
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
