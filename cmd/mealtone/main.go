// Command mealtone is the main entry point for the Mealtone voice ordering
// gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mealtone-ai/mealtone/internal/app"
	"github.com/mealtone-ai/mealtone/internal/config"
	"github.com/mealtone-ai/mealtone/internal/observe"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Environment ───────────────────────────────────────────────────────────
	// A .env file is a local development convenience; the config loader
	// expands ${VAR} references from the process environment.
	_ = godotenv.Load()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "mealtone: config file %q not found; copy config.example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "mealtone: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so a config reload can adjust it without
	// replacing the handler.
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("mealtone starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTracing, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "mealtone",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Warn("telemetry init failed, continuing without traces", "err", err)
	} else {
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(flushCtx); err != nil {
				slog.Warn("telemetry shutdown", "err", err)
			}
		}()
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg, app.WithLogger(logger))
	if err != nil {
		slog.Error("startup failed", "err", err)
		return 1
	}

	// ── Config reload ─────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(oldCfg, newCfg *config.Config) {
		d := config.Diff(oldCfg, newCfg)
		if d.LogLevelChanged {
			level.Set(d.NewLogLevel.Level())
			slog.Info("log level updated", "level", d.NewLogLevel)
		}
		if d.SyncIntervalChanged {
			application.SetCatalogSyncInterval(d.NewSyncInterval)
			slog.Info("catalog sync interval updated", "interval", d.NewSyncInterval)
		}
	})
	if err != nil {
		slog.Warn("config reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Warn("shutdown incomplete", "err", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Mealtone startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Listen addr", cfg.Server.ListenAddr)
	printRow("WS path", cfg.Server.WSPathPrefix)
	printRow("Model", cfg.LLM.Model)
	printRow("Redis", cfg.Redis.Addr)
	printRow("Queue", cfg.Redis.Queue)
	if cfg.POS.Enabled() {
		printRow("POS", cfg.POS.BaseURL)
	} else {
		printRow("POS", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

// printRow prints one aligned summary line, truncating long values so the box
// stays intact.
func printRow(key, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", key, value)
}
