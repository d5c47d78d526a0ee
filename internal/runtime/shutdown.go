package runtime

import (
	"fmt"
	"time"

	"offline_cache_proxy/internal/config"
)

const (
	defaultGracefulTimeout = 5 * time.Second
	defaultForceClose      = time.Second
)

// ShutdownConfig orders a stop: Drain keeps listeners closed but requests
// running, GracefulTimeout bounds the wait for them, ForceClose is the pause
// before connections are cut.
type ShutdownConfig struct {
	Drain           time.Duration
	GracefulTimeout time.Duration
	ForceClose      time.Duration
}

func ShutdownFromConfig(cfg config.ShutdownConfig) (ShutdownConfig, error) {
	if cfg.Drain < 0 {
		return ShutdownConfig{}, fmt.Errorf("shutdown.drain must be non-negative")
	}
	if cfg.GracefulTimeout < 0 {
		return ShutdownConfig{}, fmt.Errorf("shutdown.graceful_timeout must be non-negative")
	}
	if cfg.ForceClose < 0 {
		return ShutdownConfig{}, fmt.Errorf("shutdown.force_close must be non-negative")
	}
	return ApplyShutdownDefaults(ShutdownConfig{
		Drain:           cfg.Drain,
		GracefulTimeout: cfg.GracefulTimeout,
		ForceClose:      cfg.ForceClose,
	}), nil
}

func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{
		GracefulTimeout: defaultGracefulTimeout,
		ForceClose:      defaultForceClose,
	}
}

// ApplyShutdownDefaults fills unset timeouts. A zero Drain is kept.
func ApplyShutdownDefaults(cfg ShutdownConfig) ShutdownConfig {
	defaults := DefaultShutdownConfig()
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = defaults.GracefulTimeout
	}
	if cfg.ForceClose <= 0 {
		cfg.ForceClose = defaults.ForceClose
	}
	return cfg
}
