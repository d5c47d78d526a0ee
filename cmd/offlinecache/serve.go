package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"offline_cache_proxy/internal/app"
	"offline_cache_proxy/internal/config"
	"offline_cache_proxy/internal/obs"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Install the current version and serve pages",
	Long: `Install precaches the app shell (all of it, or nothing) and the external
assets (best effort), then opens the proxy and control listeners. A failed
shell install exits non-zero without serving.

Examples:
  # Serve with the default config location
  offlinecache serve

  # Override settings through the environment
  OFFLINECACHE_LOGGING_LEVEL=debug offlinecache serve --config /etc/offlinecache.yaml`,
	RunE: runServe,
}

func loadConfig() (*config.Config, []string, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	warnings, err := config.Validate(cfg)
	if err != nil {
		return nil, warnings, err
	}
	return cfg, warnings, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, warnings, err := loadConfig()
	if err != nil {
		return err
	}
	if err := obs.InitLogger(cfg.Logging.Level); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = obs.SyncLogger() }()

	logger := obs.WithModule("main")
	for _, warning := range warnings {
		logger.Warn("config warning", zap.String("warning", warning))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	report, err := a.Start(ctx)
	if err != nil {
		return fmt.Errorf("install failed: %w", err)
	}
	logger.Info("serving",
		zap.String("version", a.Controller.Version()),
		zap.String("state", a.Controller.State().String()),
		zap.Int("shell_assets", report.Shell),
		zap.Int("external_assets", report.External),
		zap.String("proxy_addr", a.ProxyAddr()),
		zap.String("control_addr", a.ControlAddr()),
		zap.String("health_addr", a.HealthAddr()),
	)

	select {
	case <-ctx.Done():
		stop()
		logger.Info("shutdown signal received, draining")
	case <-a.Done():
		logger.Warn("proxy listener stopped")
	}
	if err := a.Shutdown(); err != nil {
		logger.Error("shutdown error", zap.Error(err))
		return err
	}
	logger.Info("stopped")
	return nil
}
