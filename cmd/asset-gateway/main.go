// Command asset-gateway serves public identifiers, previews, and originals
// for assets held in an upstream DAM.
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

	"github.com/wolfeidau/asset-gateway/credentials"
	"github.com/wolfeidau/asset-gateway/server"
	"github.com/wolfeidau/asset-gateway/telemetry"
)

var version = "dev"

type cli struct {
	Address  string `help:"Address to listen on." default:":8080"`
	Backend  string `help:"Base URL of the DAM backend." required:"" env:"GATEWAY_BACKEND_URL"`
	Archive  string `help:"Default backend archive for sweeps." env:"GATEWAY_ARCHIVE"`
	CredFile string `help:"Path to the credentials template file." default:"credentials.json.tmpl" env:"GATEWAY_CREDENTIALS"`

	IdentifierField  string `help:"Backend metadata field holding the public identifier." default:"identifier"`
	ContentHashField string `help:"Backend metadata field holding the content hash. Empty disables hashing." default:""`

	ResolveTTL    time.Duration `help:"How long resolved assets stay cached." default:"5m"`
	CacheEntries  int           `help:"In-memory resolution cache capacity." default:"4096"`
	CachePath     string        `help:"Optional bbolt file persisting the resolution cache."`
	SweepLimit    int           `help:"Default per-sweep asset cap." default:"100"`
	HardAmbiguity bool          `help:"Fail hard when an identifier matches multiple assets."`
	DevTokens     bool          `help:"Enable the sample token endpoint. Local development only."`

	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export (e.g. localhost:4317)." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error"`
	LogFormat string `help:"Log format (text, json)." default:"text" enum:"text,json"`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	var flags cli
	kctx := kong.Parse(&flags,
		kong.Name("asset-gateway"),
		kong.Description("Stateless gateway minting and resolving public asset identifiers."),
		kong.Vars{"version": version},
	)

	kctx.FatalIfErrorf(run(flags))
}

func run(flags cli) error {
	logger, err := buildLogger(flags.LogLevel, flags.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	creds, err := credentials.NewResolver(credentials.WithLogger(logger)).ResolveFile(ctx, flags.CredFile)
	if err != nil {
		return fmt.Errorf("resolving credentials: %w", err)
	}

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "asset-gateway",
		ServiceVersion:   version,
		OTLPEndpoint:     flags.OTLPEndpoint,
		EnablePrometheus: true,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}

	srv, err := server.New(server.Config{
		Address:          flags.Address,
		BackendURL:       flags.Backend,
		Archive:          flags.Archive,
		IdentifierField:  flags.IdentifierField,
		ContentHashField: flags.ContentHashField,
		ResolveTTL:       flags.ResolveTTL,
		CacheEntries:     flags.CacheEntries,
		CachePath:        flags.CachePath,
		SweepLimit:       flags.SweepLimit,
		HardAmbiguity:    flags.HardAmbiguity,
		DevTokens:        flags.DevTokens,
		Credentials:      creds,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("gateway started", "address", srv.Address(), "backend", flags.Backend, "version", version)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return shutdownMetrics(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func buildLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	switch format {
	case "text":
		return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: lvl})), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})), nil
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
}
