// Command media-cache runs the media resource manager as a standalone
// caching service with a diagnostics HTTP surface.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/media-cache/manager"
	"github.com/wolfeidau/media-cache/server"
	"github.com/wolfeidau/media-cache/session"
	"github.com/wolfeidau/media-cache/telemetry"
)

var version = "dev"

type cli struct {
	Address string `help:"Address to listen on." default:":8080"`
	Storage string `help:"Storage directory path." default:"./media-cache" type:"path"`

	CacheTTL          time.Duration `help:"Validity window for cached assets." default:"24h"`
	WarmBatchSize     int           `help:"In-flight fetches per warm batch." default:"4"`
	PoolCapacity      int           `help:"Maximum live playback sessions." default:"8"`
	GuardianInterval  time.Duration `help:"How often to check free disk space." default:"5m"`
	MinFreeRatio      float64       `help:"Free-space fraction that triggers low-priority eviction." default:"0.10"`
	AssetReapInterval time.Duration `help:"How often to sweep expired assets." default:"5m"`
	IdleReapInterval  time.Duration `help:"How often to sweep idle sessions." default:"30m"`

	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export." name:"otlp-endpoint"`
	Prometheus   bool   `help:"Enable the Prometheus /metrics endpoint."`

	LogLevel  string `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogFormat string `help:"Log format." enum:"text,json" default:"text"`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	var flags cli
	kctx := kong.Parse(&flags,
		kong.Name("media-cache"),
		kong.Description("Bounded, prioritized cache for remote media assets with pooled playback sessions."),
		kong.Vars{"version": version},
	)

	kctx.FatalIfErrorf(run(flags))
}

func run(flags cli) error {
	logger, err := buildLogger(flags)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "media-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     flags.OTLPEndpoint,
		EnablePrometheus: flags.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}

	cfg := manager.DefaultConfig(flags.Storage)
	cfg.CacheTTL = flags.CacheTTL
	cfg.WarmBatchSize = flags.WarmBatchSize
	cfg.Pool.Capacity = flags.PoolCapacity
	cfg.GuardianInterval = flags.GuardianInterval
	cfg.MinFreeRatio = flags.MinFreeRatio
	cfg.AssetReapInterval = flags.AssetReapInterval
	cfg.IdleReapInterval = flags.IdleReapInterval
	cfg.Logger = logger

	// The standalone service manages the cache side only; playback decoders
	// are supplied by an embedding application.
	mgr, err := manager.New(cfg, session.FactoryFunc(newNopDecoder))
	if err != nil {
		return fmt.Errorf("creating manager: %w", err)
	}
	mgr.Start()

	srv := server.New(server.Config{Address: flags.Address, Logger: logger}, mgr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("media-cache started",
		"version", version,
		"address", flags.Address,
		"storage", flags.Storage,
	)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutting down server", "error", err)
	}
	if err := mgr.Stop(shutdownCtx); err != nil {
		logger.Error("stopping manager", "error", err)
	}
	return shutdownMetrics(shutdownCtx)
}

func buildLogger(flags cli) (*slog.Logger, error) {
	var level slog.Level
	switch flags.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	switch flags.LogFormat {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})), nil
	case "text":
		return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: level})), nil
	default:
		return nil, fmt.Errorf("invalid log format: %s", flags.LogFormat)
	}
}
