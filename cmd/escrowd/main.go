// Command escrowd runs the bounty escrow ledger behind its JSON-RPC server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"bountyescrow/cmd/internal/passphrase"
	"bountyescrow/config"
	"bountyescrow/core"
	"bountyescrow/observability/logging"
	telemetry "bountyescrow/observability/otel"
	"bountyescrow/rpc"
)

const (
	keystorePassEnv = "ESCROW_KEYSTORE_PASS"
	envVar          = "ESCROW_ENV"
	shutdownTimeout = 15 * time.Second
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	bootstrapFlag := flag.String("bootstrap", "", "Path to a bootstrap YAML document (overrides config BootstrapFile)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configFile, *bootstrapFlag); err != nil {
		fmt.Fprintf(os.Stderr, "escrowd: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configFile, bootstrapFlag string) error {
	passSource := passphrase.NewSource(keystorePassEnv, "custody keystore passphrase")
	cfg, err := config.Load(configFile, config.WithKeystorePassphraseSource(passSource.Get))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv(envVar))
	if env == "" {
		env = cfg.Logging.Env
	}
	logger, closer := logging.Setup("escrowd", env, loggingOptions(cfg.Logging)...)
	defer closer.Close()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "escrowd",
		Environment: env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown", slog.Any("error", err))
		}
	}()

	node, err := core.NewNode(cfg, core.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}
	defer func() {
		if err := node.Close(); err != nil {
			logger.Warn("close node", slog.Any("error", err))
		}
	}()

	bootstrapPath := resolveBootstrapPath(bootstrapFlag, cfg.BootstrapFile, configFile)
	doc, err := config.LoadBootstrap(bootstrapPath)
	if err != nil {
		return err
	}
	if doc != nil {
		applied, err := node.ApplyBootstrap(ctx, doc)
		if err != nil {
			return fmt.Errorf("apply bootstrap: %w", err)
		}
		logger.Info("bootstrap processed", slog.String("path", bootstrapPath), slog.Bool("applied", applied))
	}

	server, err := rpc.NewServer(node.Engine(), node.EventLog(), node.Feed(), serverConfig(cfg), logger)
	if err != nil {
		return fmt.Errorf("init rpc server: %w", err)
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.ListenAddress)
	}()
	logger.Info("escrow node running",
		slog.String("listen", cfg.ListenAddress),
		slog.String("custody", cfg.Escrow.CustodyAddress),
		slog.String("backend", cfg.DBBackend))

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("rpc server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(drainCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("rpc shutdown: %w", err)
	}
	return nil
}

func loggingOptions(cfg config.Logging) []logging.Option {
	opts := []logging.Option{logging.WithLevel(logging.ParseLevel(cfg.Level))}
	if strings.TrimSpace(cfg.File) != "" {
		opts = append(opts, logging.WithFile(logging.FileConfig{
			Path:       cfg.File,
			MaxSizeMB:  cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAgeDays: cfg.MaxAgeDays,
		}))
	}
	return opts
}

func serverConfig(cfg *config.Config) rpc.ServerConfig {
	return rpc.ServerConfig{
		Auth: rpc.AuthConfig{
			HMACSecret: cfg.JWTSecret(),
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ClockSkew:  time.Duration(cfg.Auth.ClockSkewSeconds) * time.Second,
		},
		RequestsPerMinute: float64(cfg.RPC.RequestsPerMinute),
		Burst:             cfg.RPC.Burst,
		MaxRequestBytes:   cfg.RPC.MaxRequestBytes,
		ReadTimeout:       time.Duration(cfg.RPC.ReadTimeout) * time.Second,
		WriteTimeout:      time.Duration(cfg.RPC.WriteTimeout) * time.Second,
	}
}

// resolveBootstrapPath prefers the flag, then the config entry. Relative
// config entries are taken from the config file's directory.
func resolveBootstrapPath(flagPath, cfgPath, configFile string) string {
	if trimmed := strings.TrimSpace(flagPath); trimmed != "" {
		return trimmed
	}
	trimmed := strings.TrimSpace(cfgPath)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Join(filepath.Dir(configFile), trimmed)
}
