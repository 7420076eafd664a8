// Command dicttr turns lecture recordings into structured, time-aligned notes.
//
// Usage:
//
//	dicttr serve   [-config file]                    run the HTTP API
//	dicttr process [-config file] [-out dir] audio... process recordings offline
//	dicttr align   [-config file] -segments f -blocks f
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/dicttr/internal/app"
	"github.com/MrWong99/dicttr/internal/config"
	"github.com/MrWong99/dicttr/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: dicttr <serve|process|align> [flags]")
	fmt.Fprintln(w, "run 'dicttr <command> -h' for the flags of a command")
}

func run(args []string) int {
	if len(args) == 0 {
		usage(os.Stderr)
		return 2
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "serve":
		return runServe(ctx, level, args[1:])
	case "process":
		return runProcess(ctx, level, args[1:])
	case "align":
		return runAlign(args[1:])
	case "-h", "-help", "--help", "help":
		usage(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "dicttr: unknown command %q\n", args[0])
		usage(os.Stderr)
		return 2
	}
}

// loadConfig reads the configuration file. When optional is set a missing
// file yields the defaults.
func loadConfig(path string, optional bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		if optional {
			return config.Default(), nil
		}
		return nil, fmt.Errorf("config file %q not found, copy configs/example.yaml to get started", path)
	}
	return nil, err
}

// setup loads the configuration, applies the log level, installs the
// telemetry providers and builds the provider chains shared by serve and
// process.
func setup(ctx context.Context, level *slog.LevelVar, configPath string) (*config.Config, *app.Providers, func(context.Context) error, error) {
	cfg, err := loadConfig(configPath, false)
	if err != nil {
		return nil, nil, nil, err
	}
	level.Set(cfg.Server.LogLevel.SlogLevel())

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init telemetry: %w", err)
	}

	reg := config.NewRegistry()
	registerBuiltinProviders(ctx, reg)

	providers, err := buildProviders(cfg, reg, observe.DefaultMetrics())
	if err != nil {
		_ = shutdownTelemetry(context.Background())
		return nil, nil, nil, err
	}
	return cfg, providers, shutdownTelemetry, nil
}

// ── serve ─────────────────────────────────────────────────────────────────────

func runServe(ctx context.Context, level *slog.LevelVar, args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to the YAML configuration file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, providers, shutdownTelemetry, err := setup(ctx, level, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dicttr: %v\n", err)
		return 1
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	slog.Info("dicttr starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers, app.WithLogLevel(level), app.WithVersion(version))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.Reload)
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Dicttr · startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM)
	printProvider("STT", cfg.Providers.STT)
	fmt.Printf("║  Storage         : %-19s ║\n", cfg.Storage.Driver)
	fmt.Printf("║  Glossary terms  : %-19d ║\n", len(cfg.Glossary.Terms))
	fmt.Printf("║  Max jobs        : %-19d ║\n", cfg.Server.MaxConcurrentJobs)
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind string, g config.ProviderGroup) {
	value := g.Label()
	if value == "" {
		value = "(not configured)"
	} else if n := len(g.Fallbacks); n > 0 {
		value = fmt.Sprintf("%s +%d", value, n)
	}
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:18]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// shutdownTimeout bounds the cleanup of the offline commands.
const shutdownTimeout = 10 * time.Second
